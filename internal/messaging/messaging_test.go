package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/DispatchPipe/internal/models"
	"github.com/BTreeMap/DispatchPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/DispatchPipe/internal/whatsapp"
)

type fakeTurnHandler struct {
	mu      sync.Mutex
	turns   []models.Turn
	replies []models.OutboundMessage
	err     error
}

func (f *fakeTurnHandler) HandleTurn(ctx context.Context, turn models.Turn) ([]models.OutboundMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, turn)
	return f.replies, f.err
}

func (f *fakeTurnHandler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.turns)
}

func TestRenderText(t *testing.T) {
	tests := []struct {
		name string
		msg  models.OutboundMessage
		want string
	}{
		{"text", models.TextMessage("hello"), "hello"},
		{"choice", models.ChoiceMessage("Pick one", "Yes", "No"), "Pick one\n1. Yes\n2. No"},
		{"choice without text", models.ChoiceMessage("", "A"), "1. A"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RenderText(tt.msg); got != tt.want {
				t.Errorf("RenderText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewResponseHandler_RequiresCollaborators(t *testing.T) {
	if _, err := NewResponseHandler(nil, &fakeTurnHandler{}); !errors.Is(err, ErrMissingService) {
		t.Errorf("expected ErrMissingService, got %v", err)
	}
	if _, err := NewResponseHandler(NewTwilioService(twiliowhatsapp.NewMockClient()), nil); !errors.Is(err, ErrMissingTurnHandler) {
		t.Errorf("expected ErrMissingTurnHandler, got %v", err)
	}
}

func TestProcessResponse_SendsRenderedReplies(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	turns := &fakeTurnHandler{replies: []models.OutboundMessage{
		models.TextMessage("Thanks Alex."),
		models.ChoiceMessage("Do you wish to submit this support ticket?", "Yes", "No"),
	}}
	rh, err := NewResponseHandler(svc, turns)
	if err != nil {
		t.Fatal(err)
	}

	err = rh.ProcessResponse(context.Background(), models.Response{ID: "SM1", From: "+1 555 123 4567", Name: "Alex", Body: "Alex", Time: 1700000000})
	if err != nil {
		t.Fatal(err)
	}
	turn := turns.turns[0]
	if turn.ConversationID != "+15551234567" || turn.UserID != "+15551234567" || turn.ID != "SM1" || turn.UserName != "Alex" {
		t.Errorf("unexpected turn: %+v", turn)
	}
	if len(mock.SentMessages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(mock.SentMessages))
	}
	if mock.SentMessages[1].Body != "Do you wish to submit this support ticket?\n1. Yes\n2. No" {
		t.Errorf("unexpected rendering: %q", mock.SentMessages[1].Body)
	}
}

func TestProcessResponse_TurnFailureSendsErrorMessage(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	rh, _ := NewResponseHandler(NewTwilioService(mock), &fakeTurnHandler{err: errors.New("store down")})
	if err := rh.ProcessResponse(context.Background(), models.Response{From: "+15551234567", Body: "hi"}); err == nil {
		t.Fatal("expected error")
	}
	if len(mock.SentMessages) != 1 || mock.SentMessages[0].Body != DefaultErrorMessage {
		t.Errorf("expected error message, got %+v", mock.SentMessages)
	}
}

func TestProcessResponse_InvalidSenderAndEmptyBody(t *testing.T) {
	turns := &fakeTurnHandler{}
	rh, _ := NewResponseHandler(NewTwilioService(twiliowhatsapp.NewMockClient()), turns)
	if err := rh.ProcessResponse(context.Background(), models.Response{From: "abc", Body: "hi"}); err == nil {
		t.Error("expected invalid sender error")
	}
	if err := rh.ProcessResponse(context.Background(), models.Response{From: "+15551234567", Body: "  "}); err != nil {
		t.Errorf("empty body should be ignored, got %v", err)
	}
	if turns.count() != 0 {
		t.Error("no turn should run")
	}
}

func TestResponseHandler_StartDrainsChannel(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	turns := &fakeTurnHandler{replies: []models.OutboundMessage{models.TextMessage("ok")}}
	rh, _ := NewResponseHandler(svc, turns)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rh.Start(ctx)

	for _, body := range []string{"one", "two", "three"} {
		if err := svc.Receive(twiliowhatsapp.InboundMessage{SID: body, From: "+15551234567", Body: body}, 0); err != nil {
			t.Fatal(err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for turns.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if turns.count() != 3 {
		t.Fatalf("expected 3 turns, got %d", turns.count())
	}
	turns.mu.Lock()
	defer turns.mu.Unlock()
	for i, want := range []string{"one", "two", "three"} {
		if turns.turns[i].Text != want {
			t.Errorf("turn %d = %q, want %q", i, turns.turns[i].Text, want)
		}
	}
}

func TestWhatsAppService(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := svc.SendMessage(context.Background(), "+1 555 123 4567", "hi"); err != nil {
		t.Fatal(err)
	}
	if mock.Sent[0].To != "15551234567" {
		t.Errorf("recipient not canonicalized: %q", mock.Sent[0].To)
	}

	now := time.Unix(1700000000, 0)
	if err := svc.Receive(whatsapp.InboundMessage{ID: "w1", From: "15551234567", PushName: "Alex", Text: "hello", Time: now}); err != nil {
		t.Fatal(err)
	}
	got := <-svc.Responses()
	if got.ID != "w1" || got.Name != "Alex" || got.Body != "hello" || got.Time != now.Unix() {
		t.Errorf("unexpected response: %+v", got)
	}

	if err := svc.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := svc.SendMessage(context.Background(), "15551234567", "late"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
	if err := svc.Receive(whatsapp.InboundMessage{From: "15551234567", Text: "late"}); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
	if _, ok := <-svc.Responses(); ok {
		t.Error("responses channel should be closed")
	}
	if err := svc.Stop(); err != nil {
		t.Errorf("second Stop should be a no-op, got %v", err)
	}
}

func TestTwilioService_Canonicalize(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	got, err := svc.ValidateAndCanonicalizeRecipient("whatsapp:+1 (555) 123-4567")
	if err != nil || got != "+15551234567" {
		t.Errorf("got %q, %v", got, err)
	}
	if _, err := svc.ValidateAndCanonicalizeRecipient(""); err == nil {
		t.Error("expected error for empty recipient")
	}
}
