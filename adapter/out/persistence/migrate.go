package persistence

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// schema is the authoritative row-store layout. Statements are idempotent so
// the worker can run them on every boot.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            UUID PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		password_hash TEXT,
		auth_method   TEXT NOT NULL DEFAULT 'password',
		role          TEXT NOT NULL DEFAULT 'user',
		is_active     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS email_accounts (
		id           UUID PRIMARY KEY,
		user_id      UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		email        TEXT NOT NULL,
		auth_type    TEXT NOT NULL,
		is_primary   BOOLEAN NOT NULL DEFAULT FALSE,
		is_active    BOOLEAN NOT NULL DEFAULT TRUE,
		sync_status  TEXT NOT NULL DEFAULT 'idle',
		last_sync_at TIMESTAMPTZ,
		imap_config  JSONB,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (user_id, email)
	)`,

	`CREATE TABLE IF NOT EXISTS oauth_tokens (
		email         TEXT PRIMARY KEY,
		access_token  TEXT NOT NULL,
		refresh_token TEXT,
		token_expiry  TIMESTAMPTZ NOT NULL,
		scope         TEXT[] NOT NULL DEFAULT '{}',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_used     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS emails (
		id           TEXT PRIMARY KEY,
		account_id   UUID NOT NULL REFERENCES email_accounts(id) ON DELETE CASCADE,
		folder       TEXT NOT NULL DEFAULT 'inbox',
		subject      TEXT NOT NULL DEFAULT '(No Subject)',
		from_name    TEXT,
		from_address TEXT,
		date         TIMESTAMPTZ NOT NULL,
		body         TEXT,
		text_body    TEXT,
		html_body    TEXT,
		flags        TEXT[] NOT NULL DEFAULT '{}',
		category     TEXT,
		uid          TEXT NOT NULL,
		ingested_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (account_id, uid)
	)`,

	`CREATE TABLE IF NOT EXISTS email_recipients (
		id             BIGSERIAL PRIMARY KEY,
		email_id       TEXT NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
		recipient_type TEXT NOT NULL CHECK (recipient_type IN ('to', 'cc', 'bcc')),
		name           TEXT,
		address        TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_emails_account_date ON emails (account_id, date DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_emails_category ON emails (category)`,
	`CREATE INDEX IF NOT EXISTS idx_recipients_email ON email_recipients (email_id)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_user ON email_accounts (user_id)`,
}

// Migrate applies the schema.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
