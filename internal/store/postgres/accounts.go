package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/voxscribe/internal/account"
)

const accountColumns = `id, email, COALESCE(phone_number, ''), telegram_chat_id,
	COALESCE(api_key, ''), is_placeholder, COALESCE(gdrive_creds, ''), COALESCE(gdrive_folder, '')`

// AccountStore is an [account.Store] over the users, projects and
// project_members tables.
type AccountStore struct {
	db DB
}

// NewAccountStore returns an AccountStore using db.
func NewAccountStore(db DB) *AccountStore {
	return &AccountStore{db: db}
}

// Get implements [account.Store.Get].
func (s *AccountStore) Get(ctx context.Context, id int64) (*account.Account, error) {
	return s.one(ctx, "id = $1", id)
}

// ByTelegramChat implements [account.Store.ByTelegramChat].
func (s *AccountStore) ByTelegramChat(ctx context.Context, chatID int64) (*account.Account, error) {
	return s.one(ctx, "telegram_chat_id = $1", chatID)
}

// ByPhone implements [account.Store.ByPhone].
func (s *AccountStore) ByPhone(ctx context.Context, phone string) (*account.Account, error) {
	return s.one(ctx, "phone_number = $1", phone)
}

// ByEmail implements [account.Store.ByEmail].
func (s *AccountStore) ByEmail(ctx context.Context, email string) (*account.Account, error) {
	return s.one(ctx, "email = $1", email)
}

// ByAPIKey implements [account.Store.ByAPIKey].
func (s *AccountStore) ByAPIKey(ctx context.Context, key string) (*account.Account, error) {
	if key == "" {
		return nil, account.ErrNotFound
	}
	return s.one(ctx, "api_key = $1", key)
}

// CreatePlaceholder implements [account.Store.CreatePlaceholder]. A losing
// concurrent insert falls through ON CONFLICT and re-reads the winner.
func (s *AccountStore) CreatePlaceholder(ctx context.Context, a account.Account) (*account.Account, error) {
	var phone, apiKey any
	if a.Phone != "" {
		phone = a.Phone
	}
	if a.APIKey != "" {
		apiKey = a.APIKey
	}

	const query = `
		INSERT INTO users (email, phone_number, hashed_password, api_key, is_placeholder)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT DO NOTHING
		RETURNING ` + accountColumns

	created, err := scanAccount(s.db.QueryRow(ctx, query, a.Email, phone, a.Credential, apiKey))
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres accounts: create placeholder: %w", err)
	}
	existing, err := s.ByEmail(ctx, a.Email)
	if errors.Is(err, account.ErrNotFound) && a.Phone != "" {
		// The conflict came from the phone number, not the email.
		return s.ByPhone(ctx, a.Phone)
	}
	return existing, err
}

// LinkTelegram implements [account.Store.LinkTelegram]. A chat previously
// linked to another account is moved.
func (s *AccountStore) LinkTelegram(ctx context.Context, accountID, chatID int64) error {
	if _, err := s.db.Exec(ctx,
		`UPDATE users SET telegram_chat_id = NULL WHERE telegram_chat_id = $1 AND id <> $2`,
		chatID, accountID); err != nil {
		return fmt.Errorf("postgres accounts: unlink chat %d: %w", chatID, err)
	}
	tag, err := s.db.Exec(ctx, `UPDATE users SET telegram_chat_id = $2 WHERE id = $1`, accountID, chatID)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("postgres accounts: chat %d already linked: %w", chatID, err)
		}
		return fmt.Errorf("postgres accounts: link chat %d: %w", chatID, err)
	}
	if tag.RowsAffected() == 0 {
		return account.ErrNotFound
	}
	return nil
}

// Projects implements [account.Store.Projects].
func (s *AccountStore) Projects(ctx context.Context, ownerID int64) ([]account.Project, error) {
	rows, err := s.db.Query(ctx, `
		SELECT p.id, p.name, COALESCE(p.gdrive_creds, ''), COALESCE(p.gdrive_folder, '')
		FROM projects p
		JOIN project_members m ON m.project_id = p.id
		WHERE m.user_id = $1
		ORDER BY p.id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("postgres accounts: projects of %d: %w", ownerID, err)
	}
	projects, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (account.Project, error) {
		var p account.Project
		err := row.Scan(&p.ID, &p.Name, &p.Archive.Credentials, &p.Archive.FolderID)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres accounts: projects of %d: %w", ownerID, err)
	}
	return projects, nil
}

// Project implements [account.Store.Project].
func (s *AccountStore) Project(ctx context.Context, id int64) (*account.Project, error) {
	var p account.Project
	err := s.db.QueryRow(ctx, `
		SELECT id, name, COALESCE(gdrive_creds, ''), COALESCE(gdrive_folder, '')
		FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.Archive.Credentials, &p.Archive.FolderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, account.ErrNotFound
		}
		return nil, fmt.Errorf("postgres accounts: project %d: %w", id, err)
	}
	return &p, nil
}

// IsMember implements [account.Store.IsMember].
func (s *AccountStore) IsMember(ctx context.Context, ownerID, projectID int64) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM project_members WHERE user_id = $1 AND project_id = $2)`,
		ownerID, projectID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("postgres accounts: membership: %w", err)
	}
	return ok, nil
}

func (s *AccountStore) one(ctx context.Context, where string, arg any) (*account.Account, error) {
	a, err := scanAccount(s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM users WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, account.ErrNotFound
		}
		return nil, fmt.Errorf("postgres accounts: lookup %s: %w", where, err)
	}
	return a, nil
}

func scanAccount(row pgx.Row) (*account.Account, error) {
	var a account.Account
	err := row.Scan(&a.ID, &a.Email, &a.Phone, &a.TelegramChatID,
		&a.APIKey, &a.Placeholder, &a.Archive.Credentials, &a.Archive.FolderID)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
