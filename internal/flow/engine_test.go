package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/DispatchPipe/internal/models"
	"github.com/BTreeMap/DispatchPipe/internal/state"
	"github.com/BTreeMap/DispatchPipe/internal/store"
)

// recordingDeliverer captures delivered records.
type recordingDeliverer struct {
	records []models.DeliveryRecord
	err     error
}

func (d *recordingDeliverer) Deliver(ctx context.Context, rec models.DeliveryRecord) error {
	d.records = append(d.records, rec)
	return d.err
}

// harness reloads state from the store every turn, the way the dispatcher does.
type harness struct {
	t         *testing.T
	repo      *store.InMemoryStore
	engine    *Engine
	deliverer *recordingDeliverer
	convID    string
	userID    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	d := &recordingDeliverer{}
	e, err := NewEngine(DefaultRegistry(), d)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return &harness{t: t, repo: store.NewInMemoryStore(), engine: e, deliverer: d, convID: "c1", userID: "u1"}
}

func (h *harness) load() *TurnContext {
	h.t.Helper()
	conv := state.NewConversationState(h.repo, h.convID)
	user := state.NewUserState(h.repo, h.userID)
	st, err := state.Get(conv, string(models.DataKeyDialogState), models.NewConversationState)
	if err != nil {
		h.t.Fatalf("load state: %v", err)
	}
	turn := models.Turn{ConversationID: h.convID, UserID: h.userID, Kind: models.TurnKindMessage}
	return NewTurnContext(turn, conv, user, st)
}

func (h *harness) save(tc *TurnContext) {
	h.t.Helper()
	if err := tc.Conversation.SaveChanges(); err != nil {
		h.t.Fatalf("save conversation: %v", err)
	}
	if err := tc.User.SaveChanges(); err != nil {
		h.t.Fatalf("save user: %v", err)
	}
}

func (h *harness) begin(id models.FlowID) []models.OutboundMessage {
	h.t.Helper()
	tc := h.load()
	if err := h.engine.Begin(context.Background(), tc, id); err != nil {
		h.t.Fatalf("Begin(%s) failed: %v", id, err)
	}
	h.save(tc)
	return tc.Replies()
}

func (h *harness) answer(text string) []models.OutboundMessage {
	h.t.Helper()
	tc := h.load()
	if err := h.engine.Resume(context.Background(), tc, text); err != nil {
		h.t.Fatalf("Resume(%q) failed: %v", text, err)
	}
	h.save(tc)
	return tc.Replies()
}

func (h *harness) cursor() models.DialogCursor {
	return h.load().State.Cursor
}

func (h *harness) profile(key models.DataKey) *models.FlowProfile {
	h.t.Helper()
	p, err := state.Get[*models.FlowProfile](state.NewUserState(h.repo, h.userID), string(key), nil)
	if err != nil {
		h.t.Fatalf("load profile: %v", err)
	}
	return p
}

func texts(msgs []models.OutboundMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func lastText(msgs []models.OutboundMessage) string {
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Text
}

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	if _, err := NewEngine(nil, &recordingDeliverer{}); !errors.Is(err, ErrMissingRegistry) {
		t.Errorf("expected ErrMissingRegistry, got %v", err)
	}
	if _, err := NewEngine(DefaultRegistry(), nil); !errors.Is(err, ErrMissingDeliverer) {
		t.Errorf("expected ErrMissingDeliverer, got %v", err)
	}
}

func TestTicketFlow_EndToEnd(t *testing.T) {
	h := newHarness(t)

	replies := h.begin(models.FlowTicket)
	if got := texts(replies); len(got) != 2 || got[0] != "Lets get started on creating your support ticket." || got[1] != "What is your name, human?" {
		t.Fatalf("unexpected opening replies: %q", got)
	}
	if c := h.cursor(); c.FlowID != models.FlowTicket || c.Step != 0 || c.Awaiting != models.KindText {
		t.Fatalf("unexpected cursor after begin: %+v", c)
	}

	replies = h.answer("Alex")
	if got := texts(replies); got[0] != "Thanks Alex." || got[1] != "What would the title of your support ticket today be?" {
		t.Errorf("unexpected replies after name: %q", got)
	}
	replies = h.answer("VPN down")
	if replies[0].Text != "Your support ticket will be titled: VPN down" {
		t.Errorf("unexpected subject ack: %q", replies[0].Text)
	}
	h.answer("Cannot connect from home")
	replies = h.answer("VPN Client")
	if c := h.cursor(); c.Awaiting != models.KindNumber {
		t.Errorf("expected to await a number, got %q", c.Awaiting)
	}
	if !strings.Contains(lastText(replies), "priority") {
		t.Errorf("expected priority prompt, got %q", lastText(replies))
	}

	replies = h.answer("3")
	got := texts(replies)
	if len(got) != 2 {
		t.Fatalf("expected summary and confirm prompt, got %q", got)
	}
	summary := got[0]
	for _, want := range []string{"Your ticket is as follows:", "Name: Alex", "Subject: VPN down", "Description: Cannot connect from home", "Primary Application: VPN Client", "Priority: 3"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}
	if replies[1].Kind != models.OutboundKindChoice || got[1] != "Do you wish to submit this support ticket?" {
		t.Errorf("unexpected confirm prompt: %+v", replies[1])
	}
	if c := h.cursor(); c.Step != TicketFlow().ConfirmIndex() || c.Awaiting != models.KindConfirm {
		t.Errorf("unexpected cursor before confirm: %+v", c)
	}

	replies = h.answer("yes")
	if got := texts(replies); got[0] != "Your support ticket has been sent and you will be contacted shortly." || got[1] != AnythingElseText {
		t.Errorf("unexpected submit replies: %q", got)
	}
	if h.cursor().Active() {
		t.Error("cursor must be cleared after submission")
	}

	if len(h.deliverer.records) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(h.deliverer.records))
	}
	rec := h.deliverer.records[0]
	want := map[string]string{
		"Name":                "Alex",
		"Subject":             "VPN down",
		"Description":         "Cannot connect from home",
		"Primary Application": "VPN Client",
		"Priority":            "3",
	}
	if len(rec.Fields) != len(want) {
		t.Errorf("expected %d fields, got %d", len(want), len(rec.Fields))
	}
	for label, v := range want {
		if got, _ := rec.Value(label); got != v {
			t.Errorf("record %s = %q, want %q", label, got, v)
		}
	}
	ticket, ok := rec.Payload.(models.TicketProfile)
	if !ok || ticket.Priority != 3 {
		t.Errorf("unexpected payload: %#v", rec.Payload)
	}
	if rec.Subject != "Support ticket: VPN down" {
		t.Errorf("unexpected subject %q", rec.Subject)
	}

	p := h.profile(models.DataKeyTicketProfile)
	if !p.Complete() || p.Fields[models.FieldPrimaryApplication] != "VPN Client" {
		t.Errorf("profile not submitted: %+v", p)
	}
}

func TestFlows_TurnCountEqualsStepCount(t *testing.T) {
	tests := []struct {
		flow    models.FlowID
		answers []string
	}{
		{models.FlowTicket, []string{"Alex", "VPN down", "Cannot connect", "VPN Client", "3", "yes"}},
		{models.FlowRemoveWork, []string{"yes", "Sam", "SH-1001", "2", "yes"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.flow), func(t *testing.T) {
			h := newHarness(t)
			def, _ := h.engine.Registry().Get(tt.flow)

			turns := 1
			h.begin(tt.flow)
			for _, a := range tt.answers {
				if !h.cursor().Active() {
					t.Fatalf("flow ended early after %d turns", turns)
				}
				h.answer(a)
				turns++
			}
			if h.cursor().Active() {
				t.Fatal("flow did not reach its terminal state")
			}
			if turns != def.StepCount() {
				t.Errorf("took %d turns, want %d (one per step)", turns, def.StepCount())
			}
			if len(h.deliverer.records) != 1 {
				t.Errorf("expected one delivery, got %d", len(h.deliverer.records))
			}
		})
	}
}

func TestTicketFlow_PriorityValidation(t *testing.T) {
	advanceToPriority := func(t *testing.T) *harness {
		h := newHarness(t)
		h.begin(models.FlowTicket)
		for _, a := range []string{"Alex", "VPN down", "Cannot connect", "VPN Client"} {
			h.answer(a)
		}
		return h
	}

	for _, input := range []string{"0", "6", "high", "-1", "3.5"} {
		t.Run("reject "+input, func(t *testing.T) {
			h := advanceToPriority(t)
			before := h.cursor()
			replies := h.answer(input)
			if len(replies) != 1 || replies[0].Text != TicketPriorityRetry {
				t.Errorf("expected single retry prompt, got %q", texts(replies))
			}
			after := h.cursor()
			if after.Step != before.Step || after.Values[models.FieldPriority] != "" {
				t.Errorf("cursor advanced on invalid input: %+v", after)
			}
		})
	}
	for _, input := range []string{"1", "2", "3", "4", "5", "five"} {
		t.Run("accept "+input, func(t *testing.T) {
			h := advanceToPriority(t)
			before := h.cursor()
			h.answer(input)
			if after := h.cursor(); after.Step != before.Step+2 {
				t.Errorf("expected cursor to move past summary to confirm, got step %d", after.Step)
			}
		})
	}
}

func TestFlow_DuplicateAnswerAppliesToPendingStep(t *testing.T) {
	h := newHarness(t)
	h.begin(models.FlowTicket)
	h.answer("Alex")
	h.answer("Alex") // redelivered turn lands on the subject step

	c := h.cursor()
	if c.Values[models.FieldName] != "Alex" || c.Values[models.FieldSubject] != "Alex" {
		t.Errorf("unexpected values: %+v", c.Values)
	}
	if c.Step != 2 {
		t.Errorf("expected description step, got %d", c.Step)
	}
	if len(c.Values) != 2 {
		t.Errorf("stale step overwritten or extra values recorded: %+v", c.Values)
	}
}

func TestFlow_DeclineFinalConfirmation(t *testing.T) {
	tests := []struct {
		flow    models.FlowID
		key     models.DataKey
		answers []string
		want    string
	}{
		{models.FlowTicket, models.DataKeyTicketProfile, []string{"Alex", "VPN down", "x", "y", "2"}, "Thanks, your profile will not be kept."},
		{models.FlowRemoveWork, models.DataKeyRemoveWorkProfile, []string{"yes", "Sam", "SH-1", "Active assignment"}, "Your request has been canceled."},
	}
	for _, tt := range tests {
		t.Run(string(tt.flow), func(t *testing.T) {
			h := newHarness(t)
			h.begin(tt.flow)
			for _, a := range tt.answers {
				h.answer(a)
			}
			replies := h.answer("no")
			if replies[0].Text != tt.want {
				t.Errorf("unexpected decline reply %q", replies[0].Text)
			}
			if len(h.deliverer.records) != 0 {
				t.Errorf("declined flow delivered %d records", len(h.deliverer.records))
			}
			if h.cursor().Active() {
				t.Error("cursor must be cleared after decline")
			}
			if p := h.profile(tt.key); p != nil {
				t.Errorf("declined profile kept: %+v", p)
			}
		})
	}
}

func TestRemoveWorkFlow_LeadInDeclined(t *testing.T) {
	h := newHarness(t)
	replies := h.begin(models.FlowRemoveWork)
	if len(replies) != 1 || replies[0].Text != "Would you like to remove a work assignment?" || replies[0].Kind != models.OutboundKindChoice {
		t.Fatalf("unexpected lead-in: %+v", replies)
	}
	replies = h.answer("No")
	if got := texts(replies); len(got) != 1 || got[0] != AnythingElseText {
		t.Errorf("unexpected decline replies: %q", got)
	}
	if h.cursor().Active() {
		t.Error("cursor must be cleared after lead-in decline")
	}
	if len(h.deliverer.records) != 0 {
		t.Error("nothing may be delivered after a lead-in decline")
	}
}

func TestRemoveWorkFlow_Submit(t *testing.T) {
	h := newHarness(t)
	h.begin(models.FlowRemoveWork)
	replies := h.answer("yes")
	if got := texts(replies); got[0] != "Lets get started on removing your work assignment." || got[1] != "What is your name?" {
		t.Errorf("unexpected replies after lead-in: %q", got)
	}
	h.answer("Sam")
	replies = h.answer("SH-1001")
	if replies[0].Text != "Your shipment number is: SH-1001." {
		t.Errorf("unexpected shipment ack %q", replies[0].Text)
	}
	choice := replies[1]
	if choice.Kind != models.OutboundKindChoice || len(choice.Choices) != 2 {
		t.Fatalf("expected assignment type choice, got %+v", choice)
	}

	replies = h.answer("invalid type")
	if len(replies) != 1 || replies[0].Kind != models.OutboundKindChoice {
		t.Errorf("expected choice re-prompt, got %+v", replies)
	}
	h.answer("current assignment")
	h.answer("y")

	if len(h.deliverer.records) != 1 {
		t.Fatalf("expected one delivery, got %d", len(h.deliverer.records))
	}
	rw, ok := h.deliverer.records[0].Payload.(models.RemoveWorkProfile)
	if !ok {
		t.Fatalf("unexpected payload %#v", h.deliverer.records[0].Payload)
	}
	if rw.RequesterName != "Sam" || rw.ShipmentNumber != "SH-1001" || rw.AssignmentType != AssignmentCurrent {
		t.Errorf("unexpected remove-work payload %+v", rw)
	}
}

func TestFlow_DeliveryFailureIsSwallowed(t *testing.T) {
	h := newHarness(t)
	h.deliverer.err = errors.New("smtp unavailable")
	h.begin(models.FlowTicket)
	for _, a := range []string{"Alex", "VPN down", "x", "y", "1"} {
		h.answer(a)
	}
	replies := h.answer("yes")
	if replies[0].Text != "Your support ticket has been sent and you will be contacted shortly." {
		t.Errorf("unexpected reply %q", replies[0].Text)
	}
	if h.cursor().Active() {
		t.Error("cursor must be cleared even when delivery fails")
	}
}

func TestEngine_ErrorLeavesCursorUntouched(t *testing.T) {
	h := newHarness(t)
	h.begin(models.FlowTicket)
	h.answer("Alex")

	tc := h.load()
	tc.SendText("before")
	tc.State.Cursor.Step = 99
	stored := tc.State.Cursor.Clone()
	err := h.engine.Resume(context.Background(), tc, "anything")
	if !errors.Is(err, ErrCorruptCursor) {
		t.Fatalf("expected ErrCorruptCursor, got %v", err)
	}
	if tc.State.Cursor.Step != stored.Step || tc.State.Cursor.FlowID != stored.FlowID {
		t.Errorf("cursor changed on error: %+v", tc.State.Cursor)
	}
	if got := texts(tc.Replies()); len(got) != 1 || got[0] != "before" {
		t.Errorf("replies of the failed step were not dropped: %q", got)
	}
}

func TestEngine_ResumeWithoutFlow(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.Resume(context.Background(), h.load(), "hi"); !errors.Is(err, ErrNoActiveFlow) {
		t.Errorf("expected ErrNoActiveFlow, got %v", err)
	}
	if err := h.engine.Begin(context.Background(), h.load(), "unknown"); !errors.Is(err, ErrUnknownFlow) {
		t.Errorf("expected ErrUnknownFlow, got %v", err)
	}
}

func TestEngine_WithClock(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	e, err := NewEngine(DefaultRegistry(), &recordingDeliverer{}, WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatal(err)
	}
	repo := store.NewInMemoryStore()
	tc := NewTurnContext(models.Turn{ConversationID: "c", UserID: "u"}, state.NewConversationState(repo, "c"), state.NewUserState(repo, "u"), nil)
	if err := e.Begin(context.Background(), tc, models.FlowTicket); err != nil {
		t.Fatal(err)
	}
	if !tc.State.Cursor.StartedAt.Equal(fixed) {
		t.Errorf("expected StartedAt %v, got %v", fixed, tc.State.Cursor.StartedAt)
	}
}
