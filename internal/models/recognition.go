package models

import (
	"encoding/json"
	"sort"
)

// IntentScore is one scored intent label.
type IntentScore struct {
	Intent string  `json:"intent"`
	Score  float64 `json:"score"`
}

// Entity is an entity extracted from the turn text.
type Entity struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// RecognizerResult is what the classifier returns for a turn's text.
type RecognizerResult struct {
	Text     string          `json:"text"`
	Intents  []IntentScore   `json:"intents"`
	Entities []Entity        `json:"entities,omitempty"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

// TopIntent returns the highest scoring intent, or IntentNone when there is no intent
// scoring at least minScore.
func (r *RecognizerResult) TopIntent(minScore float64) (string, float64) {
	if r == nil || len(r.Intents) == 0 {
		return IntentNone, 0
	}
	intents := make([]IntentScore, len(r.Intents))
	copy(intents, r.Intents)
	sort.SliceStable(intents, func(i, j int) bool { return intents[i].Score > intents[j].Score })
	top := intents[0]
	if top.Intent == "" || top.Score < minScore {
		return IntentNone, top.Score
	}
	return top.Intent, top.Score
}

// FollowUpPrompt is a suggested follow-up question attached to a knowledge-base answer.
type FollowUpPrompt struct {
	DisplayText string `json:"display_text" yaml:"display_text"`
}

// Answer is one ranked knowledge-base answer.
type Answer struct {
	Answer    string           `json:"answer"`
	Score     float64          `json:"score"`
	Questions []string         `json:"questions,omitempty"`
	FollowUps []FollowUpPrompt `json:"follow_ups,omitempty"`
}
