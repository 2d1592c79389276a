package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/DispatchPipe/internal/util"
)

// dialect carries the statements that differ between SQLite and PostgreSQL.
type dialect struct {
	name string

	getState    string
	upsertState string
	deleteState string
	purgeState  string

	outboxDedupe   string
	outboxInsert   string
	outboxClaim    string // SELECT for sqlite, UPDATE ... RETURNING for postgres
	outboxLock     string // empty when outboxClaim already locks
	outboxSent     string
	outboxFail     string
	outboxCancel   string
	outboxRequeue  string
	dedupInsert    string
	dedupProcessed string
	dedupRelease   string
	dedupPurge     string
}

const outboxColumns = `id, conversation_id, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

// sqlStore implements Store on database/sql; SQLiteStore and PostgresStore embed it.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

// GetStateValue returns the value stored for (scope, owner, key).
func (s *sqlStore) GetStateValue(scope Scope, ownerID, key string) (string, bool, error) {
	if err := validScope(scope); err != nil {
		return "", false, err
	}
	var value string
	err := s.db.QueryRow(s.d.getState, string(scope), ownerID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		slog.Error("Store.GetStateValue failed", "backend", s.d.name, "error", err, "scope", scope, "owner", ownerID, "key", key)
		return "", false, fmt.Errorf("failed to read %s state %s/%s: %w", scope, ownerID, key, err)
	}
	return value, true, nil
}

// SaveStateValue inserts or replaces the value stored for (scope, owner, key).
func (s *sqlStore) SaveStateValue(scope Scope, ownerID, key, value string) error {
	if err := validScope(scope); err != nil {
		return err
	}
	now := time.Now()
	if _, err := s.db.Exec(s.d.upsertState, string(scope), ownerID, key, value, now, now); err != nil {
		slog.Error("Store.SaveStateValue failed", "backend", s.d.name, "error", err, "scope", scope, "owner", ownerID, "key", key)
		return fmt.Errorf("failed to save %s state %s/%s: %w", scope, ownerID, key, err)
	}
	slog.Debug("Store.SaveStateValue succeeded", "backend", s.d.name, "scope", scope, "owner", ownerID, "key", key)
	return nil
}

// DeleteStateValue removes the value stored for (scope, owner, key).
func (s *sqlStore) DeleteStateValue(scope Scope, ownerID, key string) error {
	if err := validScope(scope); err != nil {
		return err
	}
	if _, err := s.db.Exec(s.d.deleteState, string(scope), ownerID, key); err != nil {
		return fmt.Errorf("failed to delete %s state %s/%s: %w", scope, ownerID, key, err)
	}
	return nil
}

// PurgeExpiredState deletes state and dedup rows older than before.
func (s *sqlStore) PurgeExpiredState(before time.Time) (int, error) {
	res, err := s.db.Exec(s.d.purgeState, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired state: %w", err)
	}
	if _, err := s.db.Exec(s.d.dedupPurge, before); err != nil {
		return 0, fmt.Errorf("failed to purge dedup records: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("Store.PurgeExpiredState", "backend", s.d.name, "purged", n)
	}
	return int(n), nil
}

func (s *sqlStore) EnqueueOutboxMessage(conversationID, kind, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existingID string
		err := s.db.QueryRow(s.d.outboxDedupe, dedupeKey).Scan(&existingID)
		if err == nil {
			slog.Debug("Store.EnqueueOutboxMessage: dedupe hit", "backend", s.d.name, "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}

	id := util.NewID(util.OutboxIDPrefix)
	now := time.Now()
	if _, err := s.db.Exec(s.d.outboxInsert, id, conversationID, kind, payloadJSON, nilIfEmpty(dedupeKey), now, now); err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug("Store.EnqueueOutboxMessage", "backend", s.d.name, "id", id, "conversationID", conversationID, "kind", kind)
	return id, nil
}

func (s *sqlStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.Query(s.d.outboxClaim, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("claim outbox iteration failed: %w", err)
	}
	rows.Close()

	if s.d.outboxLock == "" {
		return msgs, nil
	}
	for i := range msgs {
		if _, err := s.db.Exec(s.d.outboxLock, now, now, msgs[i].ID); err != nil {
			return nil, fmt.Errorf("mark outbox sending failed: %w", err)
		}
		msgs[i].Status = OutboxStatusSending
		msgs[i].LockedAt = &now
	}
	return msgs, nil
}

func (s *sqlStore) MarkOutboxMessageSent(id string) error {
	if _, err := s.db.Exec(s.d.outboxSent, time.Now(), id); err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *sqlStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	if _, err := s.db.Exec(s.d.outboxFail, errMsg, nextAttemptAt, time.Now(), id); err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *sqlStore) CancelOutboxMessage(id string, errMsg string) error {
	if _, err := s.db.Exec(s.d.outboxCancel, errMsg, time.Now(), id); err != nil {
		return fmt.Errorf("cancel outbox message failed: %w", err)
	}
	return nil
}

func (s *sqlStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(s.d.outboxRequeue, time.Now(), staleBefore)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("Store.RequeueStaleSendingMessages", "backend", s.d.name, "requeued", n)
	}
	return int(n), nil
}

func (s *sqlStore) RecordInbound(messageID, conversationID string) (bool, error) {
	res, err := s.db.Exec(s.d.dedupInsert, messageID, conversationID, time.Now())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *sqlStore) MarkProcessed(messageID string) error {
	if _, err := s.db.Exec(s.d.dedupProcessed, time.Now(), messageID); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *sqlStore) ReleaseInbound(messageID string) error {
	if _, err := s.db.Exec(s.d.dedupRelease, messageID); err != nil {
		return fmt.Errorf("release inbound failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug("Closing database connection", "backend", s.d.name)
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close database", "backend", s.d.name, "error", err)
	}
	return err
}
