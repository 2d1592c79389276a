// Package twiliowhatsapp sends and receives WhatsApp messages through the Twilio API.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// SignatureHeader carries the webhook signature Twilio computes with the auth token.
const SignatureHeader = "X-Twilio-Signature"

var (
	ErrMissingCredentials = errors.New("account SID and auth token must be provided")
	ErrMissingFrom        = errors.New("sender WhatsApp number must be provided")
	ErrMissingField       = errors.New("webhook field missing")
)

// Opts holds the Twilio account settings.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string // "whatsapp:+15551234567"
}

// Option defines a configuration option for the Twilio client.
type Option func(*Opts)

// WithAccountSID sets the account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the auth token used for API calls and webhook signatures.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the bot's WhatsApp sender.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Client sends WhatsApp messages through the Twilio REST API.
type Client struct {
	api       messageCreator
	fromWhats string
	validator client.RequestValidator
}

// NewClient creates a client. Unset options fall back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio.NewClient: config loaded", "AccountSID_set", cfg.AccountSID != "", "AuthToken_set", cfg.AuthToken != "", "FromWhats_set", cfg.FromWhats != "")
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.FromWhats == "" {
		return nil, ErrMissingFrom
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{
		api:       rest.Api,
		fromWhats: withPrefix(cfg.FromWhats),
		validator: client.NewRequestValidator(cfg.AuthToken),
	}, nil
}

// SendMessage sends body to the phone number to.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(withPrefix(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	resp, err := c.api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("Twilio.SendMessage: sent", "to", to, "sid", sid)
	return nil
}

// ValidateRequest checks a webhook signature against the full request URL and form values.
func (c *Client) ValidateRequest(fullURL string, form url.Values, signature string) bool {
	params := make(map[string]string, len(form))
	for k := range form {
		params[k] = form.Get(k)
	}
	return c.validator.Validate(fullURL, params, signature)
}

// InboundMessage is a message posted to the Twilio webhook.
type InboundMessage struct {
	SID         string
	From        string // E.164 number without the whatsapp: prefix
	ProfileName string
	Body        string
}

// ParseInbound reads the fields DispatchPipe uses from a webhook form.
func ParseInbound(form url.Values) (InboundMessage, error) {
	m := InboundMessage{
		SID:         form.Get("MessageSid"),
		From:        strings.TrimPrefix(form.Get("From"), "whatsapp:"),
		ProfileName: form.Get("ProfileName"),
		Body:        form.Get("Body"),
	}
	if m.SID == "" {
		return m, fmt.Errorf("%w: MessageSid", ErrMissingField)
	}
	if m.From == "" {
		return m, fmt.Errorf("%w: From", ErrMissingField)
	}
	return m, nil
}

func withPrefix(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}

// MockClient records messages instead of sending them.
type MockClient struct {
	SentMessages []SentMessage
}

// SentMessage is one message captured by MockClient.
type SentMessage struct {
	To   string
	Body string
}

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// SendMessage records the message.
func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}
