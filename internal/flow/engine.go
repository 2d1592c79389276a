package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/DispatchPipe/internal/models"
	"github.com/BTreeMap/DispatchPipe/internal/state"
	"github.com/BTreeMap/DispatchPipe/internal/util"
)

// Deliverer receives the record of a flow the user confirmed.
type Deliverer interface {
	Deliver(ctx context.Context, rec models.DeliveryRecord) error
}

// TurnContext carries one turn through the dispatcher and the engine. It holds the loaded
// conversation state and collects the replies for the transport.
type TurnContext struct {
	Turn         models.Turn
	Conversation *state.Bag
	User         *state.Bag
	State        *models.ConversationState

	replies []models.OutboundMessage
}

// NewTurnContext binds a turn to its state bags.
func NewTurnContext(turn models.Turn, conversation, user *state.Bag, st *models.ConversationState) *TurnContext {
	if st == nil {
		st = models.NewConversationState()
	}
	return &TurnContext{Turn: turn, Conversation: conversation, User: user, State: st}
}

// Send queues outbound messages for this turn.
func (tc *TurnContext) Send(msgs ...models.OutboundMessage) {
	tc.replies = append(tc.replies, msgs...)
}

// SendText queues plain text messages, skipping empty strings.
func (tc *TurnContext) SendText(texts ...string) {
	for _, t := range texts {
		if t != "" {
			tc.replies = append(tc.replies, models.TextMessage(t))
		}
	}
}

// Replies returns the messages queued so far.
func (tc *TurnContext) Replies() []models.OutboundMessage {
	return tc.replies
}

// Mark returns a position that Rollback can truncate to.
func (tc *TurnContext) Mark() int {
	return len(tc.replies)
}

// Rollback drops every reply queued after mark.
func (tc *TurnContext) Rollback(mark int) {
	if mark >= 0 && mark < len(tc.replies) {
		tc.replies = tc.replies[:mark]
	}
}

// Engine interprets flow definitions against the dialog cursor.
type Engine struct {
	registry  *Registry
	deliverer Deliverer
	now       func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an engine. Both the registry and the deliverer are required.
func NewEngine(registry *Registry, deliverer Deliverer, opts ...EngineOption) (*Engine, error) {
	if registry == nil {
		return nil, ErrMissingRegistry
	}
	if deliverer == nil {
		return nil, ErrMissingDeliverer
	}
	e := &Engine{registry: registry, deliverer: deliverer, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Registry returns the engine's flow registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Begin starts flowID at step 0 and runs it to its first prompt. Any active flow is replaced.
func (e *Engine) Begin(ctx context.Context, tc *TurnContext, flowID models.FlowID) error {
	def, err := e.registry.Get(flowID)
	if err != nil {
		return err
	}
	slog.Debug("Engine.Begin: starting flow", "flow", flowID, "conversation", tc.Turn.ConversationID)

	mark := tc.Mark()
	now := e.now()
	work := models.DialogCursor{
		FlowID:    def.ID,
		Step:      0,
		Values:    make(map[string]string),
		StartedAt: now,
		UpdatedAt: now,
	}
	state.Set(tc.User, string(def.ProfileKey), models.NewFlowProfile(def.ID))
	if err := e.run(tc, def, &work); err != nil {
		tc.Rollback(mark)
		return err
	}
	tc.State.Cursor = work
	return nil
}

// Resume applies input to the step the active flow is waiting on. Invalid input re-sends the
// pending prompt with its retry text and leaves the cursor where it was. On error the stored
// cursor is unchanged and the replies of this call are dropped.
func (e *Engine) Resume(ctx context.Context, tc *TurnContext, input string) error {
	cur := tc.State.Cursor
	if !cur.Active() {
		return ErrNoActiveFlow
	}
	def, err := e.registry.Get(cur.FlowID)
	if err != nil {
		return err
	}

	mark := tc.Mark()
	work := cur.Clone()
	if work.Values == nil {
		work.Values = make(map[string]string)
	}
	if err := e.resume(ctx, tc, def, &work, input); err != nil {
		slog.Error("Engine.Resume: step failed", "flow", def.ID, "step", cur.Step, "conversation", tc.Turn.ConversationID, "error", err)
		tc.Rollback(mark)
		return err
	}
	tc.State.Cursor = work
	return nil
}

func (e *Engine) resume(ctx context.Context, tc *TurnContext, def *Definition, work *models.DialogCursor, input string) error {
	steps := def.inputSteps()
	switch {
	case work.Step >= 0 && work.Step < len(steps):
		step := steps[work.Step]
		value, ok := step.Prompt.Recognize(input)
		if !ok {
			slog.Debug("Engine.resume: input rejected", "flow", def.ID, "step", step.Name, "kind", step.Prompt.Kind)
			tc.Send(step.Prompt.RetryMessage())
			return nil
		}
		if step.Name == leadInStep && value == models.ConfirmNo {
			slog.Debug("Engine.resume: lead-in declined", "flow", def.ID)
			tc.User.Delete(string(def.ProfileKey))
			tc.SendText(def.Declined...)
			*work = models.DialogCursor{}
			return nil
		}
		if step.Name != leadInStep {
			work.Values[step.Name] = value
		}
		tc.SendText(step.ack(value))
		work.Step++
		work.UpdatedAt = e.now()
		return e.run(tc, def, work)

	case work.Step == def.SummaryIndex():
		// The summary never waits for input; a cursor parked here is resumed by re-running it.
		return e.run(tc, def, work)

	case work.Step == def.ConfirmIndex():
		value, ok := def.ConfirmPrompt.Recognize(input)
		if !ok {
			tc.Send(def.ConfirmPrompt.RetryMessage())
			return nil
		}
		if value == models.ConfirmNo {
			return e.discard(tc, def, work)
		}
		return e.submit(ctx, tc, def, work)

	default:
		return fmt.Errorf("%w: %s at step %d", ErrCorruptCursor, def.ID, work.Step)
	}
}

// run executes steps from work.Step until one waits for input.
func (e *Engine) run(tc *TurnContext, def *Definition, work *models.DialogCursor) error {
	steps := def.inputSteps()
	for {
		switch {
		case work.Step < len(steps):
			step := steps[work.Step]
			tc.SendText(step.Intro)
			tc.Send(step.Prompt.Message())
			work.Awaiting = step.Prompt.Kind
			return nil
		case work.Step == def.SummaryIndex():
			summary, err := renderSummary(def, work.Values)
			if err != nil {
				return err
			}
			tc.SendText(summary)
			work.Step++
		case work.Step == def.ConfirmIndex():
			tc.Send(def.ConfirmPrompt.Message())
			work.Awaiting = models.KindConfirm
			return nil
		default:
			return fmt.Errorf("%w: %s at step %d", ErrCorruptCursor, def.ID, work.Step)
		}
	}
}

func renderSummary(def *Definition, values map[string]string) (string, error) {
	var b strings.Builder
	b.WriteString(def.SummaryHeading)
	for _, f := range def.Summary {
		v, ok := values[f.Step]
		if !ok {
			return "", fmt.Errorf("%w: %s summary missing %s", ErrCorruptCursor, def.ID, f.Step)
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: %s", f.Label, v)
	}
	return b.String(), nil
}

func (e *Engine) submit(ctx context.Context, tc *TurnContext, def *Definition, work *models.DialogCursor) error {
	profile, err := state.Get(tc.User, string(def.ProfileKey), func() *models.FlowProfile {
		return models.NewFlowProfile(def.ID)
	})
	if err != nil {
		return fmt.Errorf("failed to load %s profile: %w", def.ID, err)
	}
	if profile == nil {
		profile = models.NewFlowProfile(def.ID)
	}
	if profile.Fields == nil {
		profile.Fields = make(map[string]string)
	}
	now := e.now()
	for _, s := range def.Steps {
		profile.Fields[s.Name] = work.Values[s.Name]
	}
	profile.FlowID = def.ID
	profile.Status = models.ProfileStatusSubmitted
	profile.UpdatedAt = now
	profile.SubmittedAt = &now

	rec, err := e.record(tc, def, profile, work)
	if err != nil {
		return err
	}
	state.Set(tc.User, string(def.ProfileKey), profile)

	if err := e.deliverer.Deliver(ctx, rec); err != nil {
		slog.Error("Engine.submit: delivery failed", "flow", def.ID, "record", rec.ID, "conversation", rec.ConversationID, "error", err)
	} else {
		slog.Info("Engine.submit: record delivered", "flow", def.ID, "record", rec.ID, "conversation", rec.ConversationID)
	}
	tc.SendText(def.Submitted...)
	*work = models.DialogCursor{}
	return nil
}

func (e *Engine) record(tc *TurnContext, def *Definition, profile *models.FlowProfile, work *models.DialogCursor) (models.DeliveryRecord, error) {
	rec := models.DeliveryRecord{
		ID:             util.NewID(util.DeliveryIDPrefix),
		Key:            fmt.Sprintf("%s:%s:%d", tc.Turn.ConversationID, def.ID, work.StartedAt.UnixNano()),
		FlowID:         def.ID,
		ConversationID: tc.Turn.ConversationID,
		UserID:         tc.Turn.UserID,
		Subject:        def.Title,
		CreatedAt:      e.now(),
	}
	if def.Subject != "" {
		rec.Subject = def.Subject
		if strings.Contains(def.Subject, "%s") {
			rec.Subject = fmt.Sprintf(def.Subject, profile.Fields[def.SubjectField])
		}
	}
	for _, f := range def.Summary {
		rec.Fields = append(rec.Fields, models.RecordField{Label: f.Label, Value: profile.Fields[f.Step]})
	}
	if def.Payload != nil {
		payload, err := def.Payload(profile)
		if err != nil {
			return rec, fmt.Errorf("failed to build %s payload: %w", def.ID, err)
		}
		rec.Payload = payload
	}
	return rec, nil
}

func (e *Engine) discard(tc *TurnContext, def *Definition, work *models.DialogCursor) error {
	slog.Debug("Engine.discard: final confirmation declined", "flow", def.ID, "conversation", tc.Turn.ConversationID)
	tc.User.Delete(string(def.ProfileKey))
	tc.SendText(def.Discarded...)
	*work = models.DialogCursor{}
	return nil
}
