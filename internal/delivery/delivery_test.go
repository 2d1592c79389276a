package delivery

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/DispatchPipe/internal/models"
	"github.com/BTreeMap/DispatchPipe/internal/store"
)

func sampleRecord() models.DeliveryRecord {
	return models.DeliveryRecord{
		ID:             "d_1",
		Key:            "conv-1:ticket:1",
		FlowID:         models.FlowTicket,
		ConversationID: "conv-1",
		UserID:         "user-1",
		Subject:        "Support ticket: VPN down",
		Fields: []models.RecordField{
			{Label: "Name", Value: "Alex"},
			{Label: "Priority", Value: "3"},
		},
		Payload:   models.TicketProfile{Name: "Alex", Subject: "VPN down", Priority: 3},
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
}

type recordingSender struct {
	got []models.DeliveryRecord
	err error
}

func (r *recordingSender) Send(ctx context.Context, rec models.DeliveryRecord) error {
	r.got = append(r.got, rec)
	return r.err
}

func TestOutboxDeliverer_EnqueuesOncePerKey(t *testing.T) {
	st := store.NewInMemoryStore()
	d, err := NewOutboxDeliverer(st)
	if err != nil {
		t.Fatal(err)
	}
	rec := sampleRecord()
	if err := d.Deliver(context.Background(), rec); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	rec.ID = "d_2"
	if err := d.Deliver(context.Background(), rec); err != nil {
		t.Fatalf("Deliver again: %v", err)
	}
	msgs := st.OutboxMessages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 outbox message, got %d", len(msgs))
	}
	if msgs[0].Kind != OutboxKind || msgs[0].DedupeKey != rec.Key || msgs[0].ConversationID != "conv-1" {
		t.Errorf("unexpected outbox message: %+v", msgs[0])
	}
}

func TestOutboxDeliverer_RoundTripThroughSender(t *testing.T) {
	st := store.NewInMemoryStore()
	d, _ := NewOutboxDeliverer(st)
	if err := d.Deliver(context.Background(), sampleRecord()); err != nil {
		t.Fatal(err)
	}

	sender := &recordingSender{}
	sendFunc, err := NewSendFunc(sender)
	if err != nil {
		t.Fatal(err)
	}
	store.NewOutboxSender(st, sendFunc, time.Second).Poll(context.Background())

	if len(sender.got) != 1 {
		t.Fatalf("expected 1 send, got %d", len(sender.got))
	}
	got := sender.got[0]
	if got.ID != "d_1" || got.Subject != "Support ticket: VPN down" {
		t.Errorf("unexpected record: %+v", got)
	}
	if v, ok := got.Value("Priority"); !ok || v != "3" {
		t.Errorf("Priority = %q %v", v, ok)
	}
	if msgs := st.OutboxMessages(); msgs[0].Status != store.OutboxStatusSent {
		t.Errorf("expected sent status, got %s", msgs[0].Status)
	}
}

func TestSendFunc_FailureIsRetried(t *testing.T) {
	st := store.NewInMemoryStore()
	d, _ := NewOutboxDeliverer(st)
	_ = d.Deliver(context.Background(), sampleRecord())

	sender := &recordingSender{err: errors.New("smtp down")}
	sendFunc, _ := NewSendFunc(sender)
	store.NewOutboxSender(st, sendFunc, time.Second).Poll(context.Background())

	msgs := st.OutboxMessages()
	if msgs[0].Status != store.OutboxStatusQueued || msgs[0].Attempts != 1 {
		t.Errorf("expected requeued message with 1 attempt, got %+v", msgs[0])
	}
	if msgs[0].NextAttemptAt == nil {
		t.Error("expected a next attempt time")
	}
}

func TestSendFunc_RejectsOtherKinds(t *testing.T) {
	sendFunc, _ := NewSendFunc(&recordingSender{})
	err := sendFunc(context.Background(), store.OutboxMessage{ID: "x", Kind: "reminder", PayloadJSON: "{}"})
	if !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
}

func TestConstructorsRequireCollaborators(t *testing.T) {
	if _, err := NewOutboxDeliverer(nil); !errors.Is(err, ErrMissingOutbox) {
		t.Errorf("NewOutboxDeliverer(nil) = %v", err)
	}
	if _, err := NewSendFunc(nil); !errors.Is(err, ErrMissingSender) {
		t.Errorf("NewSendFunc(nil) = %v", err)
	}
	if _, err := NewNotifier(nil, "ops"); !errors.Is(err, ErrMissingSender) {
		t.Errorf("NewNotifier(nil) = %v", err)
	}
	if _, err := NewNotifier(&fakeTextSender{}, " "); !errors.Is(err, ErrMissingRecipient) {
		t.Errorf("NewNotifier(blank) = %v", err)
	}
}

func TestMultiSender_StopsAtFirstFailure(t *testing.T) {
	first := &recordingSender{err: errors.New("boom")}
	second := &recordingSender{}
	err := MultiSender{first, second}.Send(context.Background(), sampleRecord())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(second.got) != 0 {
		t.Error("second sender should not run after a failure")
	}
	if err := (MultiSender{LogSender{}, second}).Send(context.Background(), sampleRecord()); err != nil {
		t.Fatal(err)
	}
	if len(second.got) != 1 {
		t.Error("second sender should run after LogSender")
	}
}

type fakeTextSender struct {
	to, body string
	err      error
}

func (f *fakeTextSender) SendMessage(ctx context.Context, to, body string) error {
	f.to, f.body = to, body
	return f.err
}

func TestNotifier_Send(t *testing.T) {
	ts := &fakeTextSender{}
	n, err := NewNotifier(ts, "+15550001111")
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Send(context.Background(), sampleRecord()); err != nil {
		t.Fatal(err)
	}
	want := "Support ticket: VPN down\nName: Alex\nPriority: 3"
	if ts.to != "+15550001111" || ts.body != want {
		t.Errorf("got to=%q body=%q", ts.to, ts.body)
	}

	ts.err = errors.New("offline")
	if err := n.Send(context.Background(), sampleRecord()); err == nil {
		t.Error("expected transport error")
	}
}

func TestNewMailer_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  MailerConfig
		want error
	}{
		{"missing host", MailerConfig{From: "a@x", To: []string{"b@x"}}, ErrMissingSMTPHost},
		{"missing from", MailerConfig{Host: "smtp", To: []string{"b@x"}}, ErrMissingFrom},
		{"missing to", MailerConfig{Host: "smtp", From: "a@x"}, ErrMissingRecipients},
		{"ok", MailerConfig{Host: "smtp", From: "a@x", To: []string{"b@x"}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMailer(tt.cfg)
			if !errors.Is(err, tt.want) {
				t.Errorf("NewMailer() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMailer_Send(t *testing.T) {
	m, err := NewMailer(MailerConfig{Host: "smtp.example.com", Username: "bot", Password: "pw", From: "bot@example.com", To: []string{"desk@example.com"}})
	if err != nil {
		t.Fatal(err)
	}
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	var gotAuth smtp.Auth
	m.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotAuth, gotFrom, gotTo, gotMsg = addr, a, from, to, msg
		return nil
	}
	if err := m.Send(context.Background(), sampleRecord()); err != nil {
		t.Fatal(err)
	}
	if gotAddr != "smtp.example.com:587" || gotFrom != "bot@example.com" || len(gotTo) != 1 {
		t.Errorf("unexpected envelope addr=%q from=%q to=%v", gotAddr, gotFrom, gotTo)
	}
	if gotAuth == nil {
		t.Error("expected plain auth when a username is configured")
	}
	body := string(gotMsg)
	for _, want := range []string{
		"Subject: Support ticket: VPN down",
		"Content-Type: multipart/alternative",
		"- **Name:** Alex",
		"<strong>Name:</strong> Alex",
		"<h1>Support ticket: VPN down</h1>",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("mail body missing %q", want)
		}
	}

	m.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("refused") }
	if err := m.Send(context.Background(), sampleRecord()); err == nil {
		t.Error("expected send error")
	}
}

func TestMailerConfigFromEnv(t *testing.T) {
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("SMTP_PORT", "2525")
	t.Setenv("MAIL_FROM", "bot@example.com")
	t.Setenv("MAIL_TO", "a@example.com, b@example.com,")
	cfg, ok := MailerConfigFromEnv()
	if !ok {
		t.Fatal("expected config")
	}
	if cfg.Port != 2525 || len(cfg.To) != 2 || cfg.To[1] != "b@example.com" {
		t.Errorf("unexpected config: %+v", cfg)
	}

	t.Setenv("SMTP_HOST", "")
	if _, ok := MailerConfigFromEnv(); ok {
		t.Error("expected no config without SMTP_HOST")
	}
}
