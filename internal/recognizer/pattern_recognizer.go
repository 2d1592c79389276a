package recognizer

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/DispatchPipe/internal/models"
)

//go:embed default_rules.yaml
var defaultRules []byte

// DefaultPatternScore is used for intent rules that do not declare a score.
const DefaultPatternScore = 0.75

// RuleSet is the YAML document read by the pattern recognizer.
type RuleSet struct {
	Intents  []IntentRule `yaml:"intents"`
	Entities []EntityRule `yaml:"entities"`
}

// IntentRule scores an intent when any of its patterns matches.
type IntentRule struct {
	Intent   string   `yaml:"intent"`
	Score    float64  `yaml:"score"`
	Patterns []string `yaml:"patterns"`
}

// EntityRule extracts every match of its patterns as an entity of Type.
type EntityRule struct {
	Type     string   `yaml:"type"`
	Patterns []string `yaml:"patterns"`
}

type compiledIntent struct {
	intent   string
	score    float64
	patterns []*regexp.Regexp
}

type compiledEntity struct {
	typ      string
	patterns []*regexp.Regexp
}

// PatternRecognizer classifies text with regular expressions. It needs no network access and
// serves as the offline classifier.
type PatternRecognizer struct {
	intents  []compiledIntent
	entities []compiledEntity
}

var _ Recognizer = (*PatternRecognizer)(nil)

// NewPatternRecognizer compiles a rule set.
func NewPatternRecognizer(rules RuleSet) (*PatternRecognizer, error) {
	r := &PatternRecognizer{}
	for _, ir := range rules.Intents {
		if ir.Intent == "" {
			return nil, fmt.Errorf("intent rule without intent label")
		}
		ci := compiledIntent{intent: ir.Intent, score: ir.Score}
		if ci.score <= 0 {
			ci.score = DefaultPatternScore
		}
		for _, p := range ir.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("intent %s: invalid pattern %q: %w", ir.Intent, p, err)
			}
			ci.patterns = append(ci.patterns, re)
		}
		r.intents = append(r.intents, ci)
	}
	for _, er := range rules.Entities {
		ce := compiledEntity{typ: er.Type}
		for _, p := range er.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("entity %s: invalid pattern %q: %w", er.Type, p, err)
			}
			ce.patterns = append(ce.patterns, re)
		}
		r.entities = append(r.entities, ce)
	}
	return r, nil
}

// ParseRules decodes a YAML rule document.
func ParseRules(data []byte) (RuleSet, error) {
	var rules RuleSet
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return RuleSet{}, fmt.Errorf("failed to parse recognizer rules: %w", err)
	}
	return rules, nil
}

// LoadPatternRecognizer reads rules from path, or the built-in rules when path is empty.
func LoadPatternRecognizer(path string) (*PatternRecognizer, error) {
	data := defaultRules
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read recognizer rules: %w", err)
		}
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, err
	}
	return NewPatternRecognizer(rules)
}

// Recognize scores every intent whose patterns match. Each additional matching pattern adds
// a small bonus so the more specific rule wins ties.
func (r *PatternRecognizer) Recognize(ctx context.Context, text string) (*models.RecognizerResult, error) {
	result := &models.RecognizerResult{Text: text}
	for _, ci := range r.intents {
		hits := 0
		for _, re := range ci.patterns {
			if re.MatchString(text) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		score := ci.score + 0.02*float64(hits-1)
		if score > 1 {
			score = 1
		}
		result.Intents = append(result.Intents, models.IntentScore{Intent: ci.intent, Score: score})
	}
	sort.SliceStable(result.Intents, func(i, j int) bool { return result.Intents[i].Score > result.Intents[j].Score })

	seen := make(map[string]bool)
	for _, ce := range r.entities {
		for _, re := range ce.patterns {
			for _, m := range re.FindAllString(text, -1) {
				key := ce.typ + "\x00" + m
				if seen[key] {
					continue
				}
				seen[key] = true
				result.Entities = append(result.Entities, models.Entity{Type: ce.typ, Value: m})
			}
		}
	}
	return result, nil
}
