package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/DispatchPipe/internal/flow"
	"github.com/BTreeMap/DispatchPipe/internal/knowledge"
	"github.com/BTreeMap/DispatchPipe/internal/models"
)

// Route kinds.
type RouteKind string

const (
	RouteFlow           RouteKind = "flow"
	RouteKnowledgeBase  RouteKind = "knowledge_base"
	RouteHomeAutomation RouteKind = "home_automation"
)

// Route is the action taken for one intent label.
type Route struct {
	Kind RouteKind
	Flow models.FlowID // RouteFlow only
}

// DefaultRoutes maps the classifier's intent labels to their handlers.
func DefaultRoutes() map[string]Route {
	return map[string]Route{
		models.IntentCreateTicket:   {Kind: RouteFlow, Flow: models.FlowTicket},
		models.IntentRemoveWork:     {Kind: RouteFlow, Flow: models.FlowRemoveWork},
		models.IntentSampleQnA:      {Kind: RouteKnowledgeBase},
		models.IntentHomeAutomation: {Kind: RouteHomeAutomation},
	}
}

// DefaultMinScore is the lowest top-intent score that is routed; anything below is None.
const DefaultMinScore = 0.5

// Router sends a classified turn to a flow, the knowledge base or a fallback message.
type Router struct {
	engine   *flow.Engine
	kb       knowledge.Base
	routes   map[string]Route
	minScore float64
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithMinScore sets the top-intent threshold.
func WithMinScore(s float64) RouterOption {
	return func(r *Router) {
		r.minScore = s
	}
}

// WithRoute adds or replaces the route for intent.
func WithRoute(intent string, route Route) RouterOption {
	return func(r *Router) {
		r.routes[intent] = route
	}
}

// NewRouter creates a router over the default route table.
func NewRouter(engine *flow.Engine, kb knowledge.Base, opts ...RouterOption) (*Router, error) {
	if engine == nil {
		return nil, ErrMissingEngine
	}
	if kb == nil {
		return nil, ErrMissingKnowledgeBase
	}
	r := &Router{engine: engine, kb: kb, routes: DefaultRoutes(), minScore: DefaultMinScore}
	for _, opt := range opts {
		opt(r)
	}
	for intent, route := range r.routes {
		if route.Kind == RouteFlow {
			if _, err := engine.Registry().Get(route.Flow); err != nil {
				return nil, fmt.Errorf("route for %s: %w", intent, err)
			}
		}
	}
	return r, nil
}

// Dispatch handles a turn no flow owns, using the classifier result.
func (r *Router) Dispatch(ctx context.Context, tc *flow.TurnContext, result *models.RecognizerResult) error {
	intent, score := result.TopIntent(r.minScore)
	slog.Debug("Router.Dispatch: top intent", "intent", intent, "score", score, "conversation", tc.Turn.ConversationID)

	route, ok := r.routes[intent]
	if !ok {
		slog.Info("Router.Dispatch: unrecognized intent", "intent", intent, "conversation", tc.Turn.ConversationID)
		tc.SendText(fmt.Sprintf(UnrecognizedIntentFormat, intent))
		return nil
	}
	switch route.Kind {
	case RouteFlow:
		return r.engine.Begin(ctx, tc, route.Flow)
	case RouteKnowledgeBase:
		r.answer(ctx, tc)
		return nil
	case RouteHomeAutomation:
		r.homeAutomation(tc, intent, result)
		return nil
	default:
		return fmt.Errorf("unknown route kind %q for intent %s", route.Kind, intent)
	}
}

func (r *Router) answer(ctx context.Context, tc *flow.TurnContext) {
	answers, err := r.kb.GetAnswers(ctx, tc.Turn.Text)
	if err != nil {
		slog.Error("Router.answer: knowledge base failed", "conversation", tc.Turn.ConversationID, "error", err)
		tc.SendText(ErrorReplyText)
		return
	}
	if len(answers) == 0 {
		tc.SendText(NoAnswerText)
		return
	}
	top := answers[0]
	if len(top.FollowUps) == 0 {
		tc.SendText(top.Answer)
		return
	}
	labels := make([]string, 0, len(top.FollowUps))
	for _, f := range top.FollowUps {
		labels = append(labels, f.DisplayText)
	}
	tc.Send(models.ChoiceMessage(top.Answer, labels...))
	tc.State.PendingChoices = labels
}

func (r *Router) homeAutomation(tc *flow.TurnContext, intent string, result *models.RecognizerResult) {
	tc.SendText(fmt.Sprintf("HomeAutomation top intent %s.", intent))
	intents := make([]string, 0, len(result.Intents))
	for _, i := range result.Intents {
		intents = append(intents, i.Intent)
	}
	tc.SendText(fmt.Sprintf("HomeAutomation intents detected: %s.", strings.Join(intents, "\n\n")))
	if len(result.Entities) > 0 {
		entities := make([]string, 0, len(result.Entities))
		for _, e := range result.Entities {
			entities = append(entities, e.Value)
		}
		tc.SendText(fmt.Sprintf("HomeAutomation entities were found in the message: %s.", strings.Join(entities, "\n\n")))
	}
}
