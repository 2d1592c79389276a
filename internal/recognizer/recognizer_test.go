package recognizer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/DispatchPipe/internal/models"
)

// mockGenAIClient implements genai.ClientInterface for testing.
type mockGenAIClient struct {
	reply        string
	err          error
	systemPrompt string
	userPrompt   string
}

func (m *mockGenAIClient) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	m.systemPrompt = systemPrompt
	m.userPrompt = userPrompt
	return m.reply, m.err
}

func (m *mockGenAIClient) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	return m.reply, m.err
}

func TestGenAIRecognizer_Recognize(t *testing.T) {
	client := &mockGenAIClient{reply: "```json\n{\"intents\":[{\"intent\":\"q_sample-qna\",\"score\":0.91},{\"intent\":\"l_Weather\",\"score\":0.99}],\"entities\":[{\"type\":\"location\",\"value\":\"Madison\"}]}\n```"}
	r, err := NewGenAIRecognizer(client)
	if err != nil {
		t.Fatal(err)
	}
	res, err := r.Recognize(context.Background(), "what is the weather in Madison")
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}
	if top, score := res.TopIntent(0.5); top != "l_Weather" || score != 0.99 {
		t.Errorf("TopIntent = %q %v; labels outside the intent list must be kept", top, score)
	}
	if len(res.Intents) != 2 {
		t.Errorf("expected both intents, got %+v", res.Intents)
	}
	if len(res.Entities) != 1 || res.Entities[0].Value != "Madison" {
		t.Errorf("unexpected entities %+v", res.Entities)
	}
	if client.userPrompt != "what is the weather in Madison" {
		t.Errorf("text not forwarded: %q", client.userPrompt)
	}
	if !strings.Contains(client.systemPrompt, models.IntentCreateTicket) {
		t.Error("system prompt should list the intents")
	}
}

func TestGenAIRecognizer_SkipsBlankLabels(t *testing.T) {
	client := &mockGenAIClient{reply: `{"intents":[{"intent":"  ","score":0.99},{"intent":" l_CreateTicket ","score":0.8}]}`}
	r, err := NewGenAIRecognizer(client)
	if err != nil {
		t.Fatal(err)
	}
	res, err := r.Recognize(context.Background(), "my laptop is broken")
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}
	if len(res.Intents) != 1 {
		t.Fatalf("expected the blank label to be skipped, got %+v", res.Intents)
	}
	if top, _ := res.TopIntent(0.5); top != models.IntentCreateTicket {
		t.Errorf("TopIntent = %q, want %q", top, models.IntentCreateTicket)
	}
}

func TestGenAIRecognizer_Errors(t *testing.T) {
	if _, err := NewGenAIRecognizer(nil); !errors.Is(err, ErrMissingClient) {
		t.Errorf("expected ErrMissingClient, got %v", err)
	}

	r, _ := NewGenAIRecognizer(&mockGenAIClient{err: errors.New("rate limited")})
	if _, err := r.Recognize(context.Background(), "hi"); err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("expected client error, got %v", err)
	}

	r, _ = NewGenAIRecognizer(&mockGenAIClient{reply: "I think it is a ticket"})
	if _, err := r.Recognize(context.Background(), "hi"); err == nil {
		t.Error("expected parse error for non-JSON reply")
	}
}

func TestPatternRecognizer_DefaultRules(t *testing.T) {
	r, err := LoadPatternRecognizer("")
	if err != nil {
		t.Fatalf("LoadPatternRecognizer failed: %v", err)
	}
	tests := []struct {
		text string
		want string
	}{
		{"what is the weather", models.IntentSampleQnA},
		{"I need to open a support ticket", models.IntentCreateTicket},
		{"please remove my work assignment", models.IntentRemoveWork},
		{"turn on the kitchen lights", models.IntentHomeAutomation},
		{"banana", models.IntentNone},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			res, err := r.Recognize(context.Background(), tt.text)
			if err != nil {
				t.Fatal(err)
			}
			if got, _ := res.TopIntent(0.5); got != tt.want {
				t.Errorf("TopIntent(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestPatternRecognizer_Entities(t *testing.T) {
	r, err := LoadPatternRecognizer("")
	if err != nil {
		t.Fatal(err)
	}
	res, _ := r.Recognize(context.Background(), "turn off the fan")
	found := map[string]string{}
	for _, e := range res.Entities {
		found[e.Type] = e.Value
	}
	if found["device"] != "fan" || found["state"] != "off" {
		t.Errorf("unexpected entities %+v", res.Entities)
	}
}

func TestLoadPatternRecognizer_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	rules := "intents:\n  - intent: l_CreateTicket\n    patterns: ['printer']\n"
	if err := os.WriteFile(path, []byte(rules), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := LoadPatternRecognizer(path)
	if err != nil {
		t.Fatalf("LoadPatternRecognizer failed: %v", err)
	}
	res, _ := r.Recognize(context.Background(), "The PRINTER jammed")
	if top, score := res.TopIntent(0); top != models.IntentCreateTicket || score != DefaultPatternScore {
		t.Errorf("TopIntent = %q %v", top, score)
	}

	if _, err := LoadPatternRecognizer(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := NewPatternRecognizer(RuleSet{Intents: []IntentRule{{Intent: "x", Patterns: []string{"("}}}}); err == nil {
		t.Error("expected error for invalid pattern")
	}
}
