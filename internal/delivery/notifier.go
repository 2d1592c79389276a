package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/DispatchPipe/internal/models"
)

// ErrMissingRecipient is returned when a Notifier has nobody to notify.
var ErrMissingRecipient = errors.New("notification recipient is required")

// TextSender sends a plain text message to a transport recipient.
type TextSender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Notifier forwards a short summary of each record to an operator over a chat transport.
type Notifier struct {
	sender    TextSender
	recipient string
}

var _ Sender = (*Notifier)(nil)

// NewNotifier creates a Notifier sending to recipient through sender.
func NewNotifier(sender TextSender, recipient string) (*Notifier, error) {
	if sender == nil {
		return nil, ErrMissingSender
	}
	if strings.TrimSpace(recipient) == "" {
		return nil, ErrMissingRecipient
	}
	return &Notifier{sender: sender, recipient: recipient}, nil
}

// Send implements Sender.
func (n *Notifier) Send(ctx context.Context, rec models.DeliveryRecord) error {
	if err := n.sender.SendMessage(ctx, n.recipient, RenderText(rec)); err != nil {
		return fmt.Errorf("failed to notify %s of record %s: %w", n.recipient, rec.ID, err)
	}
	slog.Debug("Notifier.Send: operator notified", "record", rec.ID, "to", n.recipient)
	return nil
}

// RenderText renders rec as plain "Label: value" lines under its subject.
func RenderText(rec models.DeliveryRecord) string {
	lines := make([]string, 0, len(rec.Fields)+1)
	lines = append(lines, rec.Subject)
	for _, f := range rec.Fields {
		lines = append(lines, f.Label+": "+f.Value)
	}
	return strings.Join(lines, "\n")
}
