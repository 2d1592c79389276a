package recognizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/DispatchPipe/internal/genai"
	"github.com/BTreeMap/DispatchPipe/internal/models"
)

// ErrMissingClient is returned when a GenAIRecognizer is built without a client.
var ErrMissingClient = errors.New("genai client is required")

const classifyPrompt = `You classify chat messages for a dispatch assistant.
Choose from these intents:
%s
Reply with JSON only, in the form
{"intents":[{"intent":"<label>","score":<0..1>}],"entities":[{"type":"<type>","value":"<text>"}]}
List every plausible intent with its confidence. Use entity types such as device, state, location or application when they appear.`

// GenAIRecognizer classifies text with a chat model.
type GenAIRecognizer struct {
	client  genai.ClientInterface
	intents []IntentDescription
	system  string
}

var _ Recognizer = (*GenAIRecognizer)(nil)

// NewGenAIRecognizer creates a recognizer for the given intents, or DefaultIntents when none are given.
func NewGenAIRecognizer(client genai.ClientInterface, intents ...IntentDescription) (*GenAIRecognizer, error) {
	if client == nil {
		return nil, ErrMissingClient
	}
	if len(intents) == 0 {
		intents = DefaultIntents
	}
	var b strings.Builder
	for _, in := range intents {
		fmt.Fprintf(&b, "- %s: %s\n", in.Intent, in.Description)
	}
	return &GenAIRecognizer{
		client:  client,
		intents: intents,
		system:  fmt.Sprintf(classifyPrompt, b.String()),
	}, nil
}

// Recognize asks the model to classify text. Labels outside the configured intents are kept
// so the router can name them in its fallback reply.
func (r *GenAIRecognizer) Recognize(ctx context.Context, text string) (*models.RecognizerResult, error) {
	reply, err := r.client.GeneratePrompt(ctx, r.system, text)
	if err != nil {
		return nil, fmt.Errorf("classifier request failed: %w", err)
	}
	var parsed struct {
		Intents  []models.IntentScore `json:"intents"`
		Entities []models.Entity      `json:"entities"`
	}
	body := stripCodeFence(reply)
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		slog.Warn("GenAIRecognizer.Recognize: unparseable classifier reply", "error", err, "reply", reply)
		return nil, fmt.Errorf("failed to parse classifier reply: %w", err)
	}

	known := make(map[string]bool, len(r.intents))
	for _, in := range r.intents {
		known[in.Intent] = true
	}
	result := &models.RecognizerResult{Text: text, Entities: parsed.Entities, Raw: json.RawMessage(body)}
	for _, s := range parsed.Intents {
		s.Intent = strings.TrimSpace(s.Intent)
		if s.Intent == "" {
			continue
		}
		if !known[s.Intent] {
			slog.Debug("GenAIRecognizer.Recognize: intent outside the configured set", "intent", s.Intent, "score", s.Score)
		}
		result.Intents = append(result.Intents, s)
	}
	top, score := result.TopIntent(0)
	slog.Debug("GenAIRecognizer.Recognize: classified", "top", top, "score", score, "entities", len(result.Entities))
	return result, nil
}

// stripCodeFence removes a surrounding markdown code fence from a model reply.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
