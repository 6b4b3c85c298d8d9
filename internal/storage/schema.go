package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied at startup. Statements are idempotent so repeated
// boots against the same database are safe.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS unified_users (
		id               TEXT PRIMARY KEY,
		web_email        TEXT UNIQUE,
		telegram_chat_id BIGINT UNIQUE,
		binding_status   TEXT NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS web_users (
		email                   TEXT PRIMARY KEY,
		password_hash           TEXT NOT NULL,
		enabled                 BOOLEAN NOT NULL DEFAULT true,
		role                    TEXT NOT NULL DEFAULT 'user',
		require_password_change BOOLEAN NOT NULL DEFAULT false,
		created_at              TIMESTAMPTZ NOT NULL,
		last_login              TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS binding_codes (
		code       TEXT PRIMARY KEY,
		web_email  TEXT NOT NULL,
		status     TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		purge_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS binding_codes_email_idx ON binding_codes (web_email, status)`,
	`CREATE TABLE IF NOT EXISTS allowlist (
		chat_id     BIGINT PRIMARY KEY,
		username    TEXT NOT NULL DEFAULT '',
		enabled     BOOLEAN NOT NULL DEFAULT true,
		role        TEXT NOT NULL DEFAULT 'user',
		permissions JSONB,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS connections (
		connection_id   TEXT PRIMARY KEY,
		unified_user_id TEXT NOT NULL,
		email           TEXT NOT NULL DEFAULT '',
		connected_at    TIMESTAMPTZ NOT NULL,
		last_activity   TIMESTAMPTZ NOT NULL,
		expires_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS connections_expires_idx ON connections (expires_at)`,
	`CREATE TABLE IF NOT EXISTS history_messages (
		unified_user_id TEXT NOT NULL,
		timestamp_msgid TEXT NOT NULL,
		role            TEXT NOT NULL,
		text            TEXT NOT NULL DEFAULT '',
		attachments     JSONB,
		channel         TEXT NOT NULL DEFAULT '',
		conversation_id TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL,
		expires_at      TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (unified_user_id, timestamp_msgid)
	)`,
	`CREATE INDEX IF NOT EXISTS history_expires_idx ON history_messages (expires_at)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		unified_user_id   TEXT NOT NULL,
		conversation_id   TEXT NOT NULL,
		title             TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMPTZ NOT NULL,
		last_message_time TIMESTAMPTZ NOT NULL,
		message_count     INTEGER NOT NULL DEFAULT 0,
		is_pinned         BOOLEAN NOT NULL DEFAULT false,
		is_deleted        BOOLEAN NOT NULL DEFAULT false,
		deleted_at        TIMESTAMPTZ,
		PRIMARY KEY (unified_user_id, conversation_id)
	)`,
	`CREATE INDEX IF NOT EXISTS conversations_by_time_idx ON conversations (unified_user_id, last_message_time DESC)`,
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
