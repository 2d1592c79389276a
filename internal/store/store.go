// Package store provides storage backends for DispatchPipe.
//
// Every backend persists three things: scoped key-value state (conversation and user
// state blobs), the durable delivery outbox, and inbound message deduplication records.
// SQLite and PostgreSQL back production deployments; the in-memory store backs tests and
// single-process development runs.
package store

import (
	"errors"
	"log/slog"
	"strings"
	"time"
)

// Scope separates the conversation and user keyspaces.
type Scope string

const (
	// ScopeConversation holds state keyed by conversation identity.
	ScopeConversation Scope = "conversation"
	// ScopeUser holds state keyed by user identity.
	ScopeUser Scope = "user"
)

// DefaultStateTTL is how long untouched state survives before expiry.
const DefaultStateTTL = 30 * 24 * time.Hour

// ErrInvalidScope is returned for a scope other than conversation or user.
var ErrInvalidScope = errors.New("invalid state scope")

func validScope(s Scope) error {
	if s != ScopeConversation && s != ScopeUser {
		return ErrInvalidScope
	}
	return nil
}

// StateRepo persists opaque state blobs keyed by (scope, owner, key).
type StateRepo interface {
	// GetStateValue returns the stored value and whether it exists.
	GetStateValue(scope Scope, ownerID, key string) (string, bool, error)
	// SaveStateValue inserts or replaces a value.
	SaveStateValue(scope Scope, ownerID, key, value string) error
	// DeleteStateValue removes a value. Deleting a missing value is not an error.
	DeleteStateValue(scope Scope, ownerID, key string) error
	// PurgeExpiredState removes values not updated since before.
	PurgeExpiredState(before time.Time) (int, error)
}

// Store is the full persistence surface used by the bot.
type Store interface {
	StateRepo
	OutboxRepo
	DedupRepo
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN      string        // database connection string or file path
	Driver   string        // "sqlite3" or "postgres"; empty means in-memory
	StateTTL time.Duration // in-memory expiry; SQL stores purge via PurgeExpiredState
}

// Option defines a configuration option for a store.
type Option func(*Opts)

// WithSQLiteDSN selects the SQLite backend with the given database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "sqlite3"
	}
}

// WithPostgresDSN selects the PostgreSQL backend with the given connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "postgres"
	}
}

// WithStateTTL sets how long untouched state is kept.
func WithStateTTL(ttl time.Duration) Option {
	return func(o *Opts) {
		o.StateTTL = ttl
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// New opens the backend selected by the options.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch cfg.Driver {
	case "postgres":
		slog.Debug("store.New: using PostgreSQL backend")
		return NewPostgresStore(opts...)
	case "sqlite3":
		slog.Debug("store.New: using SQLite backend", "path", cfg.DSN)
		return NewSQLiteStore(opts...)
	default:
		slog.Debug("store.New: no DSN configured, using in-memory backend")
		return NewInMemoryStore(opts...), nil
	}
}
