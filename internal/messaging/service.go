// Package messaging connects chat transports to the turn dispatcher.
//
// A Service delivers text to a recipient and exposes the messages it receives on a channel.
// ResponseHandler drains that channel one message at a time, turns each message into a
// models.Turn, runs it through a TurnHandler and sends the rendered replies back.
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/DispatchPipe/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer of each service's response channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an inbound message waits for channel space.
	DefaultChannelTimeout = 1 * time.Second
)

var (
	ErrServiceStopped = errors.New("messaging service stopped")
	ErrInboxFull      = errors.New("responses channel full")
)

// Service is a pluggable chat transport.
type Service interface {
	// ValidateAndCanonicalizeRecipient returns the transport's canonical form of recipient.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing.
	Start(ctx context.Context) error

	// Stop ends background processing and closes the responses channel.
	Stop() error

	// Responses returns the channel of incoming messages.
	Responses() <-chan models.Response
}

// inbox is the response channel shared by the services.
type inbox struct {
	mu        sync.RWMutex
	stopped   bool
	responses chan models.Response
}

func newInbox() *inbox {
	return &inbox{responses: make(chan models.Response, DefaultChannelBufferSize)}
}

// push forwards resp, waiting at most DefaultChannelTimeout for space.
func (in *inbox) push(resp models.Response) error {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.stopped {
		return ErrServiceStopped
	}
	select {
	case in.responses <- resp:
		return nil
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("inbox.push: responses channel blocked, dropping message", "from", resp.From, "timeout", DefaultChannelTimeout)
		return ErrInboxFull
	}
}

func (in *inbox) isStopped() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.stopped
}

func (in *inbox) close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.stopped {
		return
	}
	in.stopped = true
	close(in.responses)
}
