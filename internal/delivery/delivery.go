// Package delivery hands confirmed flow records to the outside world.
//
// The flow engine calls OutboxDeliverer, which only enqueues the record in the durable
// outbox. The store's OutboxSender later drains the outbox through a Sender built with
// NewSendFunc, retrying with backoff until a Sender accepts the record.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/DispatchPipe/internal/flow"
	"github.com/BTreeMap/DispatchPipe/internal/models"
	"github.com/BTreeMap/DispatchPipe/internal/store"
)

// OutboxKind is the outbox message kind used for delivery records.
const OutboxKind = "delivery"

var (
	ErrMissingOutbox = errors.New("outbox repository is required")
	ErrMissingSender = errors.New("sender is required")
	ErrUnknownKind   = errors.New("unsupported outbox message kind")
)

// Sender delivers one record. Implementations must tolerate being called again for the
// same record after a failure.
type Sender interface {
	Send(ctx context.Context, rec models.DeliveryRecord) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, rec models.DeliveryRecord) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, rec models.DeliveryRecord) error {
	return f(ctx, rec)
}

// OutboxDeliverer implements flow.Deliverer by enqueuing records in the outbox.
type OutboxDeliverer struct {
	repo store.OutboxRepo
}

var _ flow.Deliverer = (*OutboxDeliverer)(nil)

// NewOutboxDeliverer creates a deliverer writing to repo.
func NewOutboxDeliverer(repo store.OutboxRepo) (*OutboxDeliverer, error) {
	if repo == nil {
		return nil, ErrMissingOutbox
	}
	return &OutboxDeliverer{repo: repo}, nil
}

// Deliver enqueues rec. Records sharing a Key are enqueued once.
func (d *OutboxDeliverer) Deliver(ctx context.Context, rec models.DeliveryRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode delivery record: %w", err)
	}
	dedupeKey := rec.Key
	if dedupeKey == "" {
		dedupeKey = rec.ID
	}
	id, err := d.repo.EnqueueOutboxMessage(rec.ConversationID, OutboxKind, string(payload), dedupeKey)
	if err != nil {
		return fmt.Errorf("failed to enqueue delivery record: %w", err)
	}
	slog.Debug("OutboxDeliverer.Deliver: enqueued", "record", rec.ID, "outbox_id", id, "flow", rec.FlowID)
	return nil
}

// NewSendFunc returns an OutboxSendFunc that decodes delivery records and passes them to sender.
func NewSendFunc(sender Sender) (store.OutboxSendFunc, error) {
	if sender == nil {
		return nil, ErrMissingSender
	}
	return func(ctx context.Context, msg store.OutboxMessage) error {
		if msg.Kind != OutboxKind {
			return fmt.Errorf("%w: %s", ErrUnknownKind, msg.Kind)
		}
		var rec models.DeliveryRecord
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &rec); err != nil {
			return fmt.Errorf("failed to decode delivery record %s: %w", msg.ID, err)
		}
		return sender.Send(ctx, rec)
	}, nil
}

// MultiSender sends every record through each sender in order and stops at the first failure.
// A retried record is sent again through senders that already succeeded.
type MultiSender []Sender

// Send implements Sender.
func (m MultiSender) Send(ctx context.Context, rec models.DeliveryRecord) error {
	for _, s := range m {
		if err := s.Send(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// LogSender writes records to the structured log.
type LogSender struct{}

// Send implements Sender.
func (LogSender) Send(ctx context.Context, rec models.DeliveryRecord) error {
	attrs := []any{"record", rec.ID, "flow", rec.FlowID, "conversation", rec.ConversationID, "subject", rec.Subject}
	for _, f := range rec.Fields {
		attrs = append(attrs, f.Label, f.Value)
	}
	slog.Info("LogSender.Send: record delivered", attrs...)
	return nil
}
