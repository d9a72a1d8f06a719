// Package account defines the owner and project records the transcription
// pipeline reads. Accounts and projects are managed elsewhere; the pipeline
// only looks them up, creates placeholder accounts for chat senders and links
// chat identifiers to existing accounts.
package account

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by [Store] lookups when no matching record exists.
var ErrNotFound = errors.New("account: not found")

// Archive holds the destination a completed transcript is copied to.
// Credentials is the sealed service-account document; it is opened by the
// archival layer, never by the store.
type Archive struct {
	Credentials string
	FolderID    string
}

// Configured reports whether both credentials and folder are present.
func (a Archive) Configured() bool {
	return a.Credentials != "" && a.FolderID != ""
}

// Account is a transcript owner.
type Account struct {
	ID    int64
	Email string

	// Phone is stored in the form delivered by the channel that created or
	// linked it ("+4915…" for linked accounts, bare digits for WhatsApp).
	Phone string

	// TelegramChatID is set once the owner shared their contact with the bot.
	TelegramChatID *int64

	// Placeholder marks accounts created implicitly for an unknown sender.
	Placeholder bool

	// APIKey authenticates direct uploads.
	APIKey string

	// Credential is the password material written on creation. Placeholders
	// receive a random value nobody knows. Stores never return it.
	Credential string

	Archive Archive
}

// Project groups transcripts of several owners.
type Project struct {
	ID      int64
	Name    string
	Archive Archive
}

// Store is the read/link surface the pipeline needs from the account system.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the account with the given id or [ErrNotFound].
	Get(ctx context.Context, id int64) (*Account, error)

	// ByTelegramChat returns the account linked to chatID or [ErrNotFound].
	ByTelegramChat(ctx context.Context, chatID int64) (*Account, error)

	// ByPhone returns the account with the exact phone value or [ErrNotFound].
	ByPhone(ctx context.Context, phone string) (*Account, error)

	// ByEmail returns the account with the exact email or [ErrNotFound].
	ByEmail(ctx context.Context, email string) (*Account, error)

	// ByAPIKey returns the account owning key or [ErrNotFound].
	ByAPIKey(ctx context.Context, key string) (*Account, error)

	// CreatePlaceholder inserts a placeholder account. When an account with
	// the same email already exists (a concurrent creator won), the existing
	// record is returned instead.
	CreatePlaceholder(ctx context.Context, a Account) (*Account, error)

	// LinkTelegram attaches chatID to the account.
	LinkTelegram(ctx context.Context, accountID, chatID int64) error

	// Projects lists the projects the owner is a member of, ordered by id.
	Projects(ctx context.Context, ownerID int64) ([]Project, error)

	// Project returns one project or [ErrNotFound].
	Project(ctx context.Context, id int64) (*Project, error)

	// IsMember reports whether the owner belongs to the project.
	IsMember(ctx context.Context, ownerID, projectID int64) (bool, error)
}

// PlaceholderEmail returns the conventional email for an implicitly created
// account of the given channel and sender identifier.
func PlaceholderEmail(channel, identifier string) string {
	return fmt.Sprintf("%s_%s@bot.user", channel, identifier)
}
