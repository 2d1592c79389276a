package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/DispatchPipe/internal/models"
	"github.com/BTreeMap/DispatchPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/DispatchPipe/internal/whatsapp"
)

// TwilioSender is the part of the Twilio client the service needs.
type TwilioSender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// TwilioService implements Service over the Twilio API. Inbound messages arrive through the
// HTTP webhook, which hands them to Receive.
type TwilioService struct {
	client TwilioSender
	*inbox
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService wraps a Twilio client or a mock.
func NewTwilioService(client TwilioSender) *TwilioService {
	return &TwilioService{client: client, inbox: newInbox()}
}

// ValidateAndCanonicalizeRecipient returns the number in E.164 form.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	digits, err := whatsapp.CanonicalizeNumber(recipient)
	if err != nil {
		return "", err
	}
	return "+" + digits, nil
}

// Start is a no-op; the webhook pushes messages.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the responses channel.
func (s *TwilioService) Stop() error {
	s.close()
	slog.Info("TwilioService.Stop: stopped")
	return nil
}

// Receive queues a webhook message for the response handler.
func (s *TwilioService) Receive(in twiliowhatsapp.InboundMessage, receivedAt int64) error {
	return s.push(models.Response{
		ID:   in.SID,
		From: in.From,
		Name: in.ProfileName,
		Body: in.Body,
		Time: receivedAt,
	})
}

// SendMessage sends body to the recipient.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	number, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, number, body); err != nil {
		slog.Error("TwilioService.SendMessage: send failed", "error", err, "to", number)
		return err
	}
	return nil
}

// Responses returns the channel of incoming messages.
func (s *TwilioService) Responses() <-chan models.Response {
	return s.responses
}
