package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/DispatchPipe/internal/models"
	"github.com/BTreeMap/DispatchPipe/internal/whatsapp"
)

// WhatsAppService implements Service on top of the whatsmeow client.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // set when client is a live connection
	*inbox
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService wraps client. Incoming messages are only received when client is a
// *whatsapp.Client; other senders make a send-only service.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{client: client, inbox: newInbox()}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
	}
	return s
}

// ValidateAndCanonicalizeRecipient reduces a phone number to its digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return whatsapp.CanonicalizeNumber(recipient)
}

// Start registers the inbound message handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil {
		slog.Debug("WhatsAppService.Start: no live client, receiving disabled")
		return nil
	}
	s.waClient.OnMessage(func(in whatsapp.InboundMessage) {
		if err := s.Receive(in); err != nil {
			slog.Warn("WhatsAppService.Start: inbound message dropped", "from", in.From, "error", err)
		}
	})
	slog.Info("WhatsAppService.Start: event handler registered")
	return nil
}

// Receive queues an inbound message for the response handler.
func (s *WhatsAppService) Receive(in whatsapp.InboundMessage) error {
	return s.push(models.Response{
		ID:   in.ID,
		From: in.From,
		Name: in.PushName,
		Body: in.Text,
		Time: in.Time.Unix(),
	})
}

// Stop closes the responses channel and disconnects a live client.
func (s *WhatsAppService) Stop() error {
	s.close()
	if s.waClient != nil {
		s.waClient.Disconnect()
	}
	slog.Info("WhatsAppService.Stop: stopped")
	return nil
}

// SendMessage sends body to the recipient.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	number, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, number, body); err != nil {
		slog.Error("WhatsAppService.SendMessage: send failed", "error", err, "to", number)
		return err
	}
	return nil
}

// Responses returns the channel of incoming messages.
func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.responses
}
