package store

import (
	"time"
)

// OutboxStatus represents the lifecycle state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusQueued   OutboxStatus = "queued"
	OutboxStatusSending  OutboxStatus = "sending"
	OutboxStatusSent     OutboxStatus = "sent"
	OutboxStatusCanceled OutboxStatus = "canceled"
)

// OutboxMessage is a durable record waiting to be handed to a delivery sender.
type OutboxMessage struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Kind           string       `json:"kind"`
	PayloadJSON    string       `json:"payload_json"`
	Status         OutboxStatus `json:"status"`
	Attempts       int          `json:"attempts"`
	NextAttemptAt  *time.Time   `json:"next_attempt_at"`
	DedupeKey      string       `json:"dedupe_key"`
	LockedAt       *time.Time   `json:"locked_at"`
	LastError      string       `json:"last_error"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// OutboxRepo persists outgoing deliveries so a finalized flow is never lost to a crash.
type OutboxRepo interface {
	// EnqueueOutboxMessage inserts a queued message. A non-empty dedupeKey that matches a
	// message not yet sent returns the existing ID instead.
	EnqueueOutboxMessage(conversationID, kind, payloadJSON, dedupeKey string) (string, error)

	// ClaimDueOutboxMessages moves up to limit due queued messages to sending and returns them.
	ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error)

	// MarkOutboxMessageSent marks a message as delivered.
	MarkOutboxMessageSent(id string) error

	// FailOutboxMessage requeues a message for another attempt at nextAttemptAt.
	FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error

	// CancelOutboxMessage gives up on a message permanently.
	CancelOutboxMessage(id string, errMsg string) error

	// RequeueStaleSendingMessages returns messages stuck in sending since before staleBefore
	// to the queue.
	RequeueStaleSendingMessages(staleBefore time.Time) (int, error)
}

// DedupRepo records inbound transport message IDs so a redelivered turn is handled once.
type DedupRepo interface {
	// RecordInbound stores a message ID. It returns false when the ID was already recorded.
	RecordInbound(messageID, conversationID string) (bool, error)

	// MarkProcessed stamps the time the turn finished.
	MarkProcessed(messageID string) error

	// ReleaseInbound forgets a message ID whose turn failed, so a redelivery is retried.
	ReleaseInbound(messageID string) error
}
