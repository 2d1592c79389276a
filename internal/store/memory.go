package store

import (
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/DispatchPipe/internal/util"
	"github.com/patrickmn/go-cache"
)

// InMemoryStore keeps state in an expiring cache and the outbox in a map.
// State expires after the configured TTL without any janitor from the caller.
type InMemoryStore struct {
	state *cache.Cache
	dedup *cache.Cache

	mu     sync.Mutex
	outbox map[string]*OutboxMessage
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an in-memory store. Only StateTTL is read from the options.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	cfg := Opts{StateTTL: DefaultStateTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	return &InMemoryStore{
		state:  cache.New(cfg.StateTTL, 10*time.Minute),
		dedup:  cache.New(cfg.StateTTL, 10*time.Minute),
		outbox: make(map[string]*OutboxMessage),
	}
}

func stateCacheKey(scope Scope, ownerID, key string) string {
	return string(scope) + "\x00" + ownerID + "\x00" + key
}

func (s *InMemoryStore) GetStateValue(scope Scope, ownerID, key string) (string, bool, error) {
	if err := validScope(scope); err != nil {
		return "", false, err
	}
	v, ok := s.state.Get(stateCacheKey(scope, ownerID, key))
	if !ok {
		return "", false, nil
	}
	return v.(string), true, nil
}

func (s *InMemoryStore) SaveStateValue(scope Scope, ownerID, key, value string) error {
	if err := validScope(scope); err != nil {
		return err
	}
	s.state.Set(stateCacheKey(scope, ownerID, key), value, cache.DefaultExpiration)
	return nil
}

func (s *InMemoryStore) DeleteStateValue(scope Scope, ownerID, key string) error {
	if err := validScope(scope); err != nil {
		return err
	}
	s.state.Delete(stateCacheKey(scope, ownerID, key))
	return nil
}

// PurgeExpiredState evicts expired cache entries. The cache tracks its own deadlines, so
// before is ignored.
func (s *InMemoryStore) PurgeExpiredState(before time.Time) (int, error) {
	n := s.state.ItemCount()
	s.state.DeleteExpired()
	s.dedup.DeleteExpired()
	return n - s.state.ItemCount(), nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(conversationID, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusSent && m.Status != OutboxStatusCanceled {
				return m.ID, nil
			}
		}
	}
	now := time.Now()
	id := util.NewID(util.OutboxIDPrefix)
	s.outbox[id] = &OutboxMessage{
		ID:             id,
		ConversationID: conversationID,
		Kind:           kind,
		PayloadJSON:    payloadJSON,
		Status:         OutboxStatusQueued,
		DedupeKey:      dedupeKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return id, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]OutboxMessage, 0, len(due))
	for _, m := range due {
		lockedAt := now
		m.Status = OutboxStatusSending
		m.LockedAt = &lockedAt
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) update(id string, fn func(m *OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return nil
	}
	fn(m)
	m.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	return s.update(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusSent
	})
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	return s.update(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusQueued
		m.Attempts++
		m.LastError = errMsg
		m.NextAttemptAt = &nextAttemptAt
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) CancelOutboxMessage(id string, errMsg string) error {
	return s.update(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusCanceled
		m.Attempts++
		m.LastError = errMsg
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}

// OutboxMessages returns a snapshot of every outbox message, oldest first.
func (s *InMemoryStore) OutboxMessages() []OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutboxMessage, 0, len(s.outbox))
	for _, m := range s.outbox {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *InMemoryStore) RecordInbound(messageID, conversationID string) (bool, error) {
	if err := s.dedup.Add(messageID, conversationID, cache.DefaultExpiration); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	return nil
}

func (s *InMemoryStore) ReleaseInbound(messageID string) error {
	s.dedup.Delete(messageID)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
