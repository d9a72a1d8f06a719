// Package postgres implements the job, account and selection stores on
// PostgreSQL using a shared [pgxpool.Pool].
//
// Status writes use conditional updates (WHERE status = expected) so the job
// lifecycle holds even if two writers race. Pending selections are consumed
// with DELETE … RETURNING, which gives at-most-once hand-off without a
// separate lock.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxscribe/internal/account"
	"github.com/MrWong99/voxscribe/internal/job"
	"github.com/MrWong99/voxscribe/internal/selection"
)

var (
	_ job.Store       = (*JobStore)(nil)
	_ account.Store   = (*AccountStore)(nil)
	_ selection.Store = (*SelectionStore)(nil)
)

// DB is the query surface used by the stores. *pgxpool.Pool, *pgx.Conn and
// pgx.Tx all satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store owns the connection pool and exposes the three stores.
type Store struct {
	pool       *pgxpool.Pool
	jobs       *JobStore
	accounts   *AccountStore
	selections *SelectionStore
}

// Open connects to dsn, verifies the connection and runs [Migrate].
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: %w", err)
	}

	return &Store{
		pool:       pool,
		jobs:       NewJobStore(pool),
		accounts:   NewAccountStore(pool),
		selections: NewSelectionStore(pool),
	}, nil
}

// Jobs returns the job store.
func (s *Store) Jobs() *JobStore { return s.jobs }

// Accounts returns the account store.
func (s *Store) Accounts() *AccountStore { return s.accounts }

// Selections returns the pending-selection store.
func (s *Store) Selections() *SelectionStore { return s.selections }

// Ping checks connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases all pooled connections.
func (s *Store) Close() { s.pool.Close() }

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
