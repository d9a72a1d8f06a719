package postgres

import (
	"context"
	"fmt"
)

// ddlAccounts creates the owner and project tables. They are normally owned by
// the account service; the statements only make a fresh database usable.
const ddlAccounts = `
CREATE TABLE IF NOT EXISTS users (
    id                BIGSERIAL PRIMARY KEY,
    email             TEXT NOT NULL UNIQUE,
    phone_number      TEXT UNIQUE,
    telegram_chat_id  BIGINT UNIQUE,
    hashed_password   TEXT NOT NULL DEFAULT '',
    api_key           TEXT UNIQUE,
    is_placeholder    BOOLEAN NOT NULL DEFAULT FALSE,
    gdrive_creds      TEXT,
    gdrive_folder     TEXT,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS projects (
    id             BIGSERIAL PRIMARY KEY,
    name           TEXT NOT NULL,
    gdrive_creds   TEXT,
    gdrive_folder  TEXT,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS project_members (
    project_id  BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    user_id     BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    role        TEXT NOT NULL DEFAULT 'member',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (project_id, user_id)
);
`

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcripts (
    id               BIGSERIAL PRIMARY KEY,
    user_id          BIGINT NOT NULL REFERENCES users(id),
    project_id       BIGINT REFERENCES projects(id) ON DELETE SET NULL,
    media_key        TEXT NOT NULL,
    filename         TEXT NOT NULL DEFAULT '',
    media_type       TEXT NOT NULL DEFAULT '',
    language         TEXT NOT NULL DEFAULT 'en',
    channel          TEXT NOT NULL DEFAULT 'web',
    notify_target    TEXT NOT NULL DEFAULT '',
    notify           BOOLEAN NOT NULL DEFAULT FALSE,
    status           TEXT NOT NULL DEFAULT 'pending'
                     CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
    transcript_text  TEXT,
    error_message    TEXT,
    archive_file_id  TEXT,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcripts_user_id ON transcripts (user_id, id DESC);
CREATE INDEX IF NOT EXISTS idx_transcripts_status ON transcripts (status);
`

const ddlSelections = `
CREATE TABLE IF NOT EXISTS pending_selections (
    id           BIGSERIAL PRIMARY KEY,
    user_id      BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    file_handle  TEXT NOT NULL,
    path_hint    TEXT NOT NULL DEFAULT '',
    target       TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_pending_selections_created_at ON pending_selections (created_at);
`

// Migrate creates all tables the pipeline reads or writes. It is idempotent
// and safe to call on every start.
func Migrate(ctx context.Context, db DB) error {
	for _, stmt := range []string{ddlAccounts, ddlTranscripts, ddlSelections} {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
