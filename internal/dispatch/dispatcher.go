// Package dispatch decides which component owns each inbound turn.
//
// Every turn is handled from scratch: the dispatcher loads the conversation and user state,
// hands the turn to the active flow or to the classifier and router, then saves both scopes.
// Nothing about a conversation is kept in memory between turns.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/DispatchPipe/internal/flow"
	"github.com/BTreeMap/DispatchPipe/internal/models"
	"github.com/BTreeMap/DispatchPipe/internal/recognizer"
	"github.com/BTreeMap/DispatchPipe/internal/state"
	"github.com/BTreeMap/DispatchPipe/internal/store"
)

// User-facing texts.
const (
	WelcomeText              = "Type a greeting or a question about the weather to get started."
	EntryPromptText          = "What would you like to do?"
	NoAnswerText             = "Sorry, could not find an answer in the Q and A system."
	ErrorReplyText           = "Sorry, I ran into a problem handling your message. Please try again."
	UnrecognizedIntentFormat = "Dispatch unrecognized intent: %s."
)

// Construction errors.
var (
	ErrMissingStateStore    = errors.New("state store is required")
	ErrMissingEngine        = errors.New("dialog engine is required")
	ErrMissingRouter        = errors.New("intent router is required")
	ErrMissingRecognizer    = errors.New("recognizer is required")
	ErrMissingKnowledgeBase = errors.New("knowledge base is required")
)

var dialogState = state.NewProperty(string(models.DataKeyDialogState), models.NewConversationState)

// Opts holds optional dispatcher settings.
type Opts struct {
	Dedup                 store.DedupRepo
	GreetNewConversations bool
	Clock                 func() time.Time
}

// Option modifies Opts.
type Option func(*Opts)

// WithDedup drops turns whose transport ID was already handled.
func WithDedup(repo store.DedupRepo) Option {
	return func(o *Opts) {
		o.Dedup = repo
	}
}

// WithGreeting prepends the welcome to the first message of a conversation that never
// received a participant_joined turn.
func WithGreeting(enabled bool) Option {
	return func(o *Opts) {
		o.GreetNewConversations = enabled
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Clock = now
	}
}

// Dispatcher runs one turn end to end.
type Dispatcher struct {
	repo       store.StateRepo
	engine     *flow.Engine
	router     *Router
	recognizer recognizer.Recognizer
	opts       Opts
}

// NewDispatcher wires the dispatcher. Every collaborator is required.
func NewDispatcher(repo store.StateRepo, engine *flow.Engine, router *Router, rec recognizer.Recognizer, opts ...Option) (*Dispatcher, error) {
	switch {
	case repo == nil:
		return nil, ErrMissingStateStore
	case engine == nil:
		return nil, ErrMissingEngine
	case router == nil:
		return nil, ErrMissingRouter
	case rec == nil:
		return nil, ErrMissingRecognizer
	}
	o := Opts{Clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return &Dispatcher{repo: repo, engine: engine, router: router, recognizer: rec, opts: o}, nil
}

// HandleTurn processes turn and returns the replies to send. A duplicate delivery of an
// already handled turn returns no replies. On error nothing is persisted.
func (d *Dispatcher) HandleTurn(ctx context.Context, turn models.Turn) ([]models.OutboundMessage, error) {
	if err := turn.Validate(); err != nil {
		return nil, err
	}

	dedup := d.opts.Dedup != nil && turn.ID != ""
	if dedup {
		first, err := d.opts.Dedup.RecordInbound(turn.ID, turn.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("failed to record inbound turn: %w", err)
		}
		if !first {
			slog.Info("Dispatcher.HandleTurn: duplicate turn ignored", "turn", turn.ID, "conversation", turn.ConversationID)
			return nil, nil
		}
	}

	replies, err := d.handle(ctx, turn)

	if dedup {
		if err != nil {
			if rerr := d.opts.Dedup.ReleaseInbound(turn.ID); rerr != nil {
				slog.Error("Dispatcher.HandleTurn: release inbound failed", "turn", turn.ID, "error", rerr)
			}
		} else if merr := d.opts.Dedup.MarkProcessed(turn.ID); merr != nil {
			slog.Error("Dispatcher.HandleTurn: mark processed failed", "turn", turn.ID, "error", merr)
		}
	}
	return replies, err
}

func (d *Dispatcher) handle(ctx context.Context, turn models.Turn) ([]models.OutboundMessage, error) {
	conv := state.NewConversationState(d.repo, turn.ConversationID)
	user := state.NewUserState(d.repo, turn.UserID)
	st, err := dialogState.Get(conv)
	if err != nil {
		return nil, fmt.Errorf("failed to load dialog state: %w", err)
	}
	if st == nil {
		st = models.NewConversationState()
	}

	pending := st.PendingChoices
	st.PendingChoices = nil

	tc := flow.NewTurnContext(turn, conv, user, st)
	switch turn.Kind {
	case models.TurnKindParticipantJoined:
		d.welcome(tc)
	default:
		if d.opts.GreetNewConversations && !st.Welcomed && !st.Cursor.Active() {
			d.welcome(tc)
		}
		if err := d.route(ctx, tc, pending); err != nil {
			return nil, err
		}
	}

	st.TurnCount++
	st.LastActivity = d.opts.Clock()
	dialogState.Set(conv, st)
	if err := conv.SaveChanges(); err != nil {
		return nil, fmt.Errorf("failed to save conversation state: %w", err)
	}
	if err := user.SaveChanges(); err != nil {
		return nil, fmt.Errorf("failed to save user state: %w", err)
	}
	return tc.Replies(), nil
}

// route hands the turn to the active flow or, when none is active, to an entry label or the
// classifier. pending holds the choice values of the previous turn's prompt.
func (d *Dispatcher) route(ctx context.Context, tc *flow.TurnContext, pending []string) error {
	if tc.State.Cursor.Active() {
		slog.Debug("Dispatcher.route: resuming active flow", "flow", tc.State.Cursor.FlowID, "step", tc.State.Cursor.Step, "conversation", tc.Turn.ConversationID)
		return d.engine.Resume(ctx, tc, tc.Turn.Text)
	}
	if value, ok := resolveChoice(tc.Turn.Text, pending); ok {
		slog.Debug("Dispatcher.route: numbered choice selected", "choice", value, "conversation", tc.Turn.ConversationID)
		tc.Turn.Text = value
	}
	if def, ok := d.engine.Registry().ByEntryLabel(tc.Turn.Text); ok {
		slog.Debug("Dispatcher.route: entry label selected", "flow", def.ID, "conversation", tc.Turn.ConversationID)
		return d.engine.Begin(ctx, tc, def.ID)
	}

	result, err := d.recognizer.Recognize(ctx, tc.Turn.Text)
	if err != nil {
		slog.Error("Dispatcher.route: recognizer failed", "conversation", tc.Turn.ConversationID, "error", err)
		tc.SendText(ErrorReplyText)
		return nil
	}
	return d.router.Dispatch(ctx, tc, result)
}

func (d *Dispatcher) welcome(tc *flow.TurnContext) {
	name := tc.Turn.UserName
	if name == "" {
		name = tc.Turn.UserID
	}
	tc.SendText(fmt.Sprintf("Welcome to Dispatch bot %s. %s", name, WelcomeText))
	if labels := d.engine.Registry().EntryLabels(); len(labels) > 0 {
		tc.Send(models.ChoiceMessage(EntryPromptText, labels...))
		tc.State.PendingChoices = labels
	}
	tc.State.Welcomed = true
}

// resolveChoice maps a 1-based number typed in reply to a numbered prompt to its value.
func resolveChoice(text string, pending []string) (string, bool) {
	if len(pending) == 0 {
		return "", false
	}
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || n < 1 || n > len(pending) {
		return "", false
	}
	return pending[n-1], true
}

// ConversationState returns the persisted dialog state of a conversation.
func (d *Dispatcher) ConversationState(conversationID string) (*models.ConversationState, error) {
	st, _, err := dialogState.Lookup(state.NewConversationState(d.repo, conversationID))
	if err != nil {
		return nil, fmt.Errorf("failed to load dialog state: %w", err)
	}
	if st == nil {
		st = models.NewConversationState()
	}
	return st, nil
}

// Registry exposes the flows the dispatcher can start.
func (d *Dispatcher) Registry() *flow.Registry {
	return d.engine.Registry()
}
