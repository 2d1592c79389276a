// Package state layers typed, change-tracked property access on top of a store.StateRepo.
//
// A Bag is loaded lazily for one (scope, owner) pair at the start of a turn. Properties are
// read with Get, replaced with Set or removed with Delete, and nothing reaches the store until
// SaveChanges runs at the end of the turn. A turn that fails before SaveChanges therefore
// leaves the persisted state exactly as it was.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/BTreeMap/DispatchPipe/internal/store"
)

// Bag is the per-turn view of one owner's state in one scope. It is not safe for concurrent
// use; turns for the same conversation are serialized by the caller.
type Bag struct {
	repo  store.StateRepo
	scope store.Scope
	owner string

	loaded  map[string]string // raw JSON read from the store this turn
	values  map[string]any
	deleted map[string]bool
}

// NewConversationState returns a bag for state keyed by conversation identity.
func NewConversationState(repo store.StateRepo, conversationID string) *Bag {
	return newBag(repo, store.ScopeConversation, conversationID)
}

// NewUserState returns a bag for state keyed by user identity.
func NewUserState(repo store.StateRepo, userID string) *Bag {
	return newBag(repo, store.ScopeUser, userID)
}

func newBag(repo store.StateRepo, scope store.Scope, owner string) *Bag {
	return &Bag{
		repo:    repo,
		scope:   scope,
		owner:   owner,
		loaded:  make(map[string]string),
		values:  make(map[string]any),
		deleted: make(map[string]bool),
	}
}

// Scope reports which keyspace the bag reads from.
func (b *Bag) Scope() store.Scope { return b.scope }

// Owner reports the conversation or user ID the bag belongs to.
func (b *Bag) Owner() string { return b.owner }

// Get returns the value stored under key. When nothing is stored and factory is non-nil, the
// factory result is stored in the bag and returned; otherwise the zero value is returned.
func Get[T any](b *Bag, key string, factory func() T) (T, error) {
	var zero T
	if v, ok := b.values[key]; ok {
		typed, ok := v.(T)
		if !ok {
			return zero, fmt.Errorf("state %s/%s: property %q holds %T", b.scope, b.owner, key, v)
		}
		return typed, nil
	}
	if !b.deleted[key] {
		raw, found, err := b.repo.GetStateValue(b.scope, b.owner, key)
		if err != nil {
			return zero, fmt.Errorf("failed to load property %q: %w", key, err)
		}
		if found {
			var v T
			if err := json.Unmarshal([]byte(raw), &v); err != nil {
				return zero, fmt.Errorf("failed to decode property %q: %w", key, err)
			}
			b.loaded[key] = raw
			b.values[key] = v
			return v, nil
		}
	}
	if factory == nil {
		return zero, nil
	}
	v := factory()
	b.values[key] = v
	delete(b.deleted, key)
	return v, nil
}

// Set replaces the value stored under key.
func Set[T any](b *Bag, key string, value T) {
	b.values[key] = value
	delete(b.deleted, key)
}

// Delete removes key. The removal is persisted by SaveChanges.
func (b *Bag) Delete(key string) {
	delete(b.values, key)
	b.deleted[key] = true
}

// Has reports whether key currently holds a value in the bag, loading it if needed.
func (b *Bag) Has(key string) (bool, error) {
	if _, ok := b.values[key]; ok {
		return true, nil
	}
	if b.deleted[key] {
		return false, nil
	}
	_, found, err := b.repo.GetStateValue(b.scope, b.owner, key)
	if err != nil {
		return false, fmt.Errorf("failed to check property %q: %w", key, err)
	}
	return found, nil
}

// SaveChanges writes every property whose encoding differs from what was loaded and removes
// deleted properties. Unchanged properties are not written.
func (b *Bag) SaveChanges() error {
	keys := make([]string, 0, len(b.values))
	for k := range b.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	written := 0
	for _, k := range keys {
		data, err := json.Marshal(b.values[k])
		if err != nil {
			return fmt.Errorf("failed to encode property %q: %w", k, err)
		}
		raw := string(data)
		if prev, ok := b.loaded[k]; ok && prev == raw {
			continue
		}
		if err := b.repo.SaveStateValue(b.scope, b.owner, k, raw); err != nil {
			return fmt.Errorf("failed to save property %q: %w", k, err)
		}
		b.loaded[k] = raw
		written++
	}
	for k := range b.deleted {
		if err := b.repo.DeleteStateValue(b.scope, b.owner, k); err != nil {
			return fmt.Errorf("failed to delete property %q: %w", k, err)
		}
		delete(b.loaded, k)
		delete(b.deleted, k)
	}
	if written > 0 {
		slog.Debug("Bag.SaveChanges: persisted properties", "scope", b.scope, "owner", b.owner, "written", written)
	}
	return nil
}
