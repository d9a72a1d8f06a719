package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/voxscribe/internal/selection"
)

// SelectionStore is a [selection.Store] over the pending_selections table.
type SelectionStore struct {
	db DB
}

// NewSelectionStore returns a SelectionStore using db.
func NewSelectionStore(db DB) *SelectionStore {
	return &SelectionStore{db: db}
}

// Create implements [selection.Store.Create].
func (s *SelectionStore) Create(ctx context.Context, p selection.Pending) (*selection.Pending, error) {
	err := s.db.QueryRow(ctx, `
		INSERT INTO pending_selections (user_id, file_handle, path_hint, target)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		p.OwnerID, p.FileHandle, p.PathHint, p.Target,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("postgres selections: create: %w", err)
	}
	return &p, nil
}

// Take implements [selection.Store.Take]. The DELETE … RETURNING makes
// concurrent takes of the same id succeed at most once.
func (s *SelectionStore) Take(ctx context.Context, id int64, target string) (*selection.Pending, error) {
	var p selection.Pending
	err := s.db.QueryRow(ctx, `
		DELETE FROM pending_selections
		WHERE id = $1 AND target = $2
		RETURNING id, user_id, file_handle, path_hint, target, created_at`, id, target,
	).Scan(&p.ID, &p.OwnerID, &p.FileHandle, &p.PathHint, &p.Target, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, selection.ErrNotFound
		}
		return nil, fmt.Errorf("postgres selections: take %d: %w", id, err)
	}
	return &p, nil
}

// PurgeOlderThan implements [selection.Store.PurgeOlderThan].
func (s *SelectionStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM pending_selections WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres selections: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
