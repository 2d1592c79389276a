// Package recognizer turns free text into scored intents and entities.
//
// Two implementations are provided: GenAIRecognizer asks a chat model to classify the text,
// and PatternRecognizer matches regular expressions loaded from a YAML rule file.
package recognizer

import (
	"context"

	"github.com/BTreeMap/DispatchPipe/internal/models"
)

// Recognizer classifies the text of one turn.
type Recognizer interface {
	Recognize(ctx context.Context, text string) (*models.RecognizerResult, error)
}

// IntentDescription describes an intent label to classifiers that need prose.
type IntentDescription struct {
	Intent      string `yaml:"intent"`
	Description string `yaml:"description"`
}

// DefaultIntents are the labels the dispatcher routes on.
var DefaultIntents = []IntentDescription{
	{Intent: models.IntentCreateTicket, Description: "The user wants to open an IT support ticket or reports something broken."},
	{Intent: models.IntentRemoveWork, Description: "The user wants to remove or cancel a work assignment or shipment."},
	{Intent: models.IntentHomeAutomation, Description: "The user wants to control a device such as lights, a fan or a thermostat."},
	{Intent: models.IntentSampleQnA, Description: "The user asks a general question that a FAQ could answer, for example about the weather."},
	{Intent: models.IntentNone, Description: "Nothing above applies."},
}
