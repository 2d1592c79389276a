// Package whatsapp connects DispatchPipe to WhatsApp through the whatsmeow multi-device client.
//
// It pairs the bot's device on first start (QR code or numeric pairing code), sends text
// replies and turns incoming text messages into InboundMessage values.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/BTreeMap/DispatchPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
)

const (
	// DefaultSQLitePath stores the paired device keys.
	DefaultSQLitePath = "/var/lib/dispatchpipe/whatsmeow.db"
	// JIDSuffix is the server part of a personal WhatsApp JID.
	JIDSuffix = "s.whatsapp.net"
)

var (
	ErrNotConnected   = errors.New("whatsapp client not initialized")
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
	ErrEmptyBody      = errors.New("message body cannot be empty")
	ErrInvalidNumber  = errors.New("invalid phone number")
)

// Sender sends a text message to a phone number.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// InboundMessage is a text message received from a WhatsApp user.
type InboundMessage struct {
	ID       string
	From     string // phone number, digits only
	PushName string
	Text     string
	Time     time.Time
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow device store DSN
	QRPath      string // write the pairing QR code here instead of stdout
	NumericCode bool   // print the raw pairing code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the device store DSN.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login QR code to path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the pairing code as text.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// deviceDriver picks the database/sql driver for the device store.
func deviceDriver(dsn string) string {
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres"
	}
	return "sqlite3"
}

// Client wraps a connected whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
}

var _ Sender = (*Client)(nil)

// NewClient opens the device store and connects, pairing a new device when none is stored.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	dsn := cfg.DBDSN
	if dsn == "" {
		dsn = DefaultSQLitePath
	}
	driver := deviceDriver(dsn)
	if driver == "sqlite3" && !strings.Contains(dsn, "foreign_keys") {
		slog.Warn("WhatsApp.NewClient: sqlite device store without foreign keys", "dsn_example", "file:"+dsn+"?_foreign_keys=on")
	}
	slog.Debug("WhatsApp.NewClient: opening device store", "driver", driver)

	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}
	waClient := whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID != nil {
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
		slog.Info("WhatsApp.NewClient: connected")
		return &Client{waClient: waClient}, nil
	}

	slog.Info("WhatsApp.NewClient: pairing required")
	qrChan, err := waClient.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open pairing channel: %w", err)
	}
	if err := waClient.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	out := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		out = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("WhatsApp.NewClient: pairing event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(out, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, out)
		}
	}
	slog.Info("WhatsApp.NewClient: paired and connected")
	return &Client{waClient: waClient}, nil
}

// SendMessage sends body as a plain text message.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return ErrNotConnected
	}
	if to == "" {
		return ErrEmptyRecipient
	}
	if body == "" {
		return ErrEmptyBody
	}
	number, err := CanonicalizeNumber(to)
	if err != nil {
		return err
	}
	if _, err := c.waClient.SendMessage(ctx, types.NewJID(number, JIDSuffix), &waE2E.Message{Conversation: &body}); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", number, err)
	}
	slog.Debug("WhatsApp.SendMessage: sent", "to", number, "body_length", len(body))
	return nil
}

// OnMessage registers fn for every incoming text message from a person.
func (c *Client) OnMessage(fn func(InboundMessage)) {
	c.waClient.AddEventHandler(func(evt interface{}) {
		m, ok := evt.(*events.Message)
		if !ok {
			return
		}
		if in, ok := FromEvent(m); ok {
			fn(in)
		}
	})
}

// Disconnect closes the websocket.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// FromEvent extracts the text of a direct message. Group messages, messages sent by the bot
// itself and messages without text are skipped.
func FromEvent(evt *events.Message) (InboundMessage, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return InboundMessage{}, false
	}
	var text string
	switch {
	case evt.Message.GetConversation() != "":
		text = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage().GetText() != "":
		text = evt.Message.GetExtendedTextMessage().GetText()
	default:
		return InboundMessage{}, false
	}
	return InboundMessage{
		ID:       string(evt.Info.ID),
		From:     evt.Info.Sender.User,
		PushName: evt.Info.PushName,
		Text:     text,
		Time:     evt.Info.Timestamp,
	}, true
}

// CanonicalizeNumber strips formatting from a phone number and checks its length.
func CanonicalizeNumber(s string) (string, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "whatsapp:")
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidNumber, s)
		}
	}
	n := b.String()
	if len(n) < 8 || len(n) > 15 {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	return n, nil
}

// MockClient records messages instead of sending them.
type MockClient struct {
	Sent []SentMessage
	Err  error
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

// SendMessage implements Sender.
func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return nil
}
