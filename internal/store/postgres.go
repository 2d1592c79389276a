// Package store provides storage backends for DispatchPipe.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

var postgresDialect = dialect{
	name: "postgres",

	getState: `SELECT value FROM bot_state WHERE scope = $1 AND owner_id = $2 AND state_key = $3`,
	upsertState: `INSERT INTO bot_state (scope, owner_id, state_key, value, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (scope, owner_id, state_key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
	deleteState: `DELETE FROM bot_state WHERE scope = $1 AND owner_id = $2 AND state_key = $3`,
	purgeState:  `DELETE FROM bot_state WHERE updated_at < $1`,

	outboxDedupe: `SELECT id FROM outbox_messages WHERE dedupe_key = $1 AND status NOT IN ('sent', 'canceled')`,
	outboxInsert: `INSERT INTO outbox_messages (id, conversation_id, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $7)`,
	outboxClaim: `UPDATE outbox_messages SET status = 'sending', locked_at = $1, updated_at = $1
		WHERE id IN (
		  SELECT id FROM outbox_messages WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		  ORDER BY created_at ASC LIMIT $2
		  FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + outboxColumns,
	outboxSent:    `UPDATE outbox_messages SET status = 'sent', updated_at = $1 WHERE id = $2`,
	outboxFail:    `UPDATE outbox_messages SET status = 'queued', attempts = attempts + 1, last_error = $1, next_attempt_at = $2, locked_at = NULL, updated_at = $3 WHERE id = $4`,
	outboxCancel:  `UPDATE outbox_messages SET status = 'canceled', attempts = attempts + 1, last_error = $1, locked_at = NULL, updated_at = $2 WHERE id = $3`,
	outboxRequeue: `UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = $1 WHERE status = 'sending' AND locked_at < $2`,

	dedupInsert:    `INSERT INTO inbound_dedup (message_id, conversation_id, received_at) VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING`,
	dedupProcessed: `UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`,
	dedupRelease:   `DELETE FROM inbound_dedup WHERE message_id = $1`,
	dedupPurge:     `DELETE FROM inbound_dedup WHERE received_at < $1`,
}

// PostgresStore is the PostgreSQL-backed Store.
type PostgresStore struct {
	sqlStore
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{sqlStore{db: db, d: postgresDialect}}, nil
}
