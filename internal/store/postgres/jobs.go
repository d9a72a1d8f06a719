package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/voxscribe/internal/job"
)

const jobColumns = `id, user_id, project_id, media_key, filename, media_type, language,
	channel, notify_target, notify, status, transcript_text, error_message,
	archive_file_id, created_at, updated_at`

// JobStore is a [job.Store] backed by the transcripts table.
type JobStore struct {
	db DB
}

// NewJobStore returns a JobStore using db.
func NewJobStore(db DB) *JobStore {
	return &JobStore{db: db}
}

// Create implements [job.Store.Create].
func (s *JobStore) Create(ctx context.Context, nj job.NewJob) (*job.Job, error) {
	lang := nj.Language
	if lang == "" {
		lang = job.DefaultLanguage
	}
	channel := nj.Channel
	if channel == "" {
		channel = job.ChannelWeb
	}

	const query = `
		INSERT INTO transcripts (
			user_id, project_id, media_key, filename, media_type, language,
			channel, notify_target, notify, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,'pending')
		RETURNING ` + jobColumns

	j, err := scanJob(s.db.QueryRow(ctx, query,
		nj.OwnerID, nj.ProjectID, nj.MediaKey, nj.Filename, nj.MediaType, lang,
		string(channel), nj.NotifyTarget, nj.Notify,
	))
	if err != nil {
		return nil, fmt.Errorf("postgres jobs: create: %w", err)
	}
	return j, nil
}

// Get implements [job.Store.Get].
func (s *JobStore) Get(ctx context.Context, id int64) (*job.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM transcripts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("postgres jobs: get %d: %w", id, err)
	}
	return j, nil
}

// ListByOwner implements [job.Store.ListByOwner].
func (s *JobStore) ListByOwner(ctx context.Context, ownerID int64, opts job.ListOptions) ([]*job.Job, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+jobColumns+`
		FROM transcripts
		WHERE user_id = $1
		ORDER BY id DESC
		OFFSET $2 LIMIT $3`, ownerID, opts.Offset, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres jobs: list: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*job.Job, error) {
		return scanJob(row)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres jobs: list: %w", err)
	}
	return jobs, nil
}

// MarkProcessing implements [job.Store.MarkProcessing].
func (s *JobStore) MarkProcessing(ctx context.Context, id int64) error {
	return s.transition(ctx, id, job.StatusPending, job.StatusProcessing,
		`UPDATE transcripts SET status = 'processing', updated_at = now()
		 WHERE id = $1 AND status = 'pending'`)
}

// Complete implements [job.Store.Complete].
func (s *JobStore) Complete(ctx context.Context, id int64, text string) error {
	return s.transition(ctx, id, job.StatusProcessing, job.StatusCompleted,
		`UPDATE transcripts SET status = 'completed', transcript_text = $2, error_message = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'processing'`, text)
}

// Fail implements [job.Store.Fail].
func (s *JobStore) Fail(ctx context.Context, id int64, msg string) error {
	return s.transition(ctx, id, job.StatusProcessing, job.StatusFailed,
		`UPDATE transcripts SET status = 'failed', error_message = $2, updated_at = now()
		 WHERE id = $1 AND status = 'processing'`, msg)
}

// SetArchiveFileID implements [job.Store.SetArchiveFileID].
func (s *JobStore) SetArchiveFileID(ctx context.Context, id int64, fileID string) error {
	return s.transition(ctx, id, job.StatusCompleted, job.StatusCompleted,
		`UPDATE transcripts SET archive_file_id = $2, updated_at = now()
		 WHERE id = $1 AND status = 'completed'`, fileID)
}

// Delete implements [job.Store.Delete].
func (s *JobStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM transcripts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres jobs: delete %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return job.ErrNotFound
	}
	return nil
}

// transition runs a guarded update. When no row matched it looks up the
// current status to tell a missing job from a rejected transition.
func (s *JobStore) transition(ctx context.Context, id int64, from, to job.Status, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("postgres jobs: %s → %s for %d: %w", from, to, id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRow(ctx, `SELECT status FROM transcripts WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return job.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres jobs: read status of %d: %w", id, err)
	}
	return fmt.Errorf("%w: %s → %s (job %d)", job.ErrInvalidTransition, current, to, id)
}

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j       job.Job
		channel string
		status  string
	)
	err := row.Scan(
		&j.ID, &j.OwnerID, &j.ProjectID, &j.MediaKey, &j.Filename, &j.MediaType, &j.Language,
		&channel, &j.NotifyTarget, &j.Notify, &status, &j.Text, &j.Error,
		&j.ArchiveFileID, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Channel = job.Channel(channel)
	j.Status = job.Status(status)
	return &j, nil
}
