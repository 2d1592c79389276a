package api

import (
	"context"
	"sync"

	"github.com/BTreeMap/DispatchPipe/internal/models"
)

// keyedMutex hands out one mutex per key and forgets it once nobody holds or waits for it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is free and returns the matching unlock.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// SerializedDispatcher runs at most one turn per conversation at a time. The HTTP handlers
// and the chat transports share one instance.
type SerializedDispatcher struct {
	next  TurnDispatcher
	locks *keyedMutex
}

var _ TurnDispatcher = (*SerializedDispatcher)(nil)

// NewSerializedDispatcher wraps next.
func NewSerializedDispatcher(next TurnDispatcher) *SerializedDispatcher {
	return &SerializedDispatcher{next: next, locks: newKeyedMutex()}
}

// HandleTurn holds the conversation's lock for the whole turn.
func (s *SerializedDispatcher) HandleTurn(ctx context.Context, turn models.Turn) ([]models.OutboundMessage, error) {
	unlock := s.locks.Lock(turn.ConversationID)
	defer unlock()
	return s.next.HandleTurn(ctx, turn)
}

// ConversationState reads the persisted state without locking.
func (s *SerializedDispatcher) ConversationState(conversationID string) (*models.ConversationState, error) {
	return s.next.ConversationState(conversationID)
}
