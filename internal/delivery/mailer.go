package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/DispatchPipe/internal/models"
	"github.com/BTreeMap/DispatchPipe/internal/util"
	"github.com/yuin/goldmark"
)

// Default SMTP settings.
const (
	DefaultSMTPPort = 587
	mimeBoundary    = "dispatchpipe-alt"
)

var (
	ErrMissingSMTPHost   = errors.New("smtp host is required")
	ErrMissingFrom       = errors.New("mail sender address is required")
	ErrMissingRecipients = errors.New("at least one mail recipient is required")
)

// MailerConfig holds the SMTP settings used to mail delivery records.
type MailerConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// MailerConfigFromEnv reads SMTP_HOST, SMTP_PORT, SMTP_USERNAME, SMTP_PASSWORD, MAIL_FROM and
// MAIL_TO (comma separated). ok is false when SMTP_HOST is unset.
func MailerConfigFromEnv() (cfg MailerConfig, ok bool) {
	cfg = MailerConfig{
		Host:     os.Getenv("SMTP_HOST"),
		Port:     DefaultSMTPPort,
		Username: os.Getenv("SMTP_USERNAME"),
		Password: os.Getenv("SMTP_PASSWORD"),
		From:     os.Getenv("MAIL_FROM"),
	}
	if p, err := strconv.Atoi(os.Getenv("SMTP_PORT")); err == nil && p > 0 {
		cfg.Port = p
	}
	for _, addr := range strings.Split(os.Getenv("MAIL_TO"), ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			cfg.To = append(cfg.To, addr)
		}
	}
	return cfg, cfg.Host != ""
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer sends each record as a multipart e-mail with a plain text and an HTML body.
type Mailer struct {
	cfg      MailerConfig
	sendMail sendMailFunc
	now      func() time.Time
}

var _ Sender = (*Mailer)(nil)

// NewMailer validates cfg and creates a Mailer.
func NewMailer(cfg MailerConfig) (*Mailer, error) {
	if cfg.Host == "" {
		return nil, ErrMissingSMTPHost
	}
	if cfg.From == "" {
		return nil, ErrMissingFrom
	}
	if len(cfg.To) == 0 {
		return nil, ErrMissingRecipients
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultSMTPPort
	}
	return &Mailer{cfg: cfg, sendMail: smtp.SendMail, now: time.Now}, nil
}

// Send implements Sender.
func (m *Mailer) Send(ctx context.Context, rec models.DeliveryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := m.compose(rec)
	if err != nil {
		return err
	}
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	if err := m.sendMail(addr, auth, m.cfg.From, m.cfg.To, msg); err != nil {
		return fmt.Errorf("failed to send mail for record %s: %w", rec.ID, err)
	}
	slog.Info("Mailer.Send: record mailed", "record", rec.ID, "flow", rec.FlowID, "recipients", len(m.cfg.To))
	return nil
}

func (m *Mailer) compose(rec models.DeliveryRecord) ([]byte, error) {
	text := RenderMarkdown(rec)
	var html bytes.Buffer
	if err := goldmark.Convert([]byte(text), &html); err != nil {
		return nil, fmt.Errorf("failed to render record %s: %w", rec.ID, err)
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(m.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", rec.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", m.now().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s.%s@%s>\r\n", rec.ID, util.RandomHex(4), m.cfg.Host)
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", mimeBoundary)

	fmt.Fprintf(&b, "--%s\r\n", mimeBoundary)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(crlf(text))
	fmt.Fprintf(&b, "\r\n--%s\r\n", mimeBoundary)
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	b.WriteString(crlf(html.String()))
	fmt.Fprintf(&b, "\r\n--%s--\r\n", mimeBoundary)
	return b.Bytes(), nil
}

// RenderMarkdown renders rec as a markdown document: the subject as a heading followed by
// one bold-labelled line per field.
func RenderMarkdown(rec models.DeliveryRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", rec.Subject)
	for _, f := range rec.Fields {
		fmt.Fprintf(&b, "- **%s:** %s\n", f.Label, f.Value)
	}
	fmt.Fprintf(&b, "\nSubmitted by %s in conversation %s.\n", rec.UserID, rec.ConversationID)
	return b.String()
}

func crlf(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", "\n"), "\n", "\r\n")
}
