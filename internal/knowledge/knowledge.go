// Package knowledge answers questions from a question-and-answer file.
package knowledge

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/DispatchPipe/internal/models"
)

//go:embed default_kb.yaml
var defaultKB []byte

// DefaultMinScore is the lowest overlap score returned as an answer.
const DefaultMinScore = 0.5

// Base looks up answers for a question.
type Base interface {
	GetAnswers(ctx context.Context, question string) ([]models.Answer, error)
}

// Entry is one answer with the questions it responds to.
type Entry struct {
	Questions []string                `yaml:"questions"`
	Answer    string                  `yaml:"answer"`
	FollowUps []models.FollowUpPrompt `yaml:"follow_ups"`
}

type document struct {
	Entries []Entry `yaml:"entries"`
}

// FileBase scores entries by word overlap with the question.
type FileBase struct {
	entries  []Entry
	minScore float64
	top      int
}

var _ Base = (*FileBase)(nil)

// Option configures a FileBase.
type Option func(*FileBase)

// WithMinScore sets the lowest score returned.
func WithMinScore(s float64) Option {
	return func(b *FileBase) { b.minScore = s }
}

// WithTop caps the number of answers returned.
func WithTop(n int) Option {
	return func(b *FileBase) { b.top = n }
}

// NewFileBase creates a knowledge base over entries.
func NewFileBase(entries []Entry, opts ...Option) *FileBase {
	b := &FileBase{entries: entries, minScore: DefaultMinScore, top: 3}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// LoadFileBase reads entries from path, or the built-in sample when path is empty.
func LoadFileBase(path string, opts ...Option) (*FileBase, error) {
	data := defaultKB
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read knowledge base: %w", err)
		}
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse knowledge base: %w", err)
	}
	for i, e := range doc.Entries {
		if e.Answer == "" || len(e.Questions) == 0 {
			return nil, fmt.Errorf("knowledge base entry %d needs questions and an answer", i)
		}
	}
	slog.Debug("knowledge.LoadFileBase: loaded entries", "count", len(doc.Entries), "path", path)
	return NewFileBase(doc.Entries, opts...), nil
}

// GetAnswers returns answers ranked by score, best first. An empty slice means no answer.
func (b *FileBase) GetAnswers(ctx context.Context, question string) ([]models.Answer, error) {
	q := tokenize(question)
	if len(q) == 0 {
		return nil, nil
	}
	var answers []models.Answer
	for _, e := range b.entries {
		best := 0.0
		for _, candidate := range e.Questions {
			if s := overlap(q, tokenize(candidate)); s > best {
				best = s
			}
		}
		if best < b.minScore {
			continue
		}
		answers = append(answers, models.Answer{
			Answer:    e.Answer,
			Score:     best,
			Questions: e.Questions,
			FollowUps: e.FollowUps,
		})
	}
	sort.SliceStable(answers, func(i, j int) bool { return answers[i].Score > answers[j].Score })
	if b.top > 0 && len(answers) > b.top {
		answers = answers[:b.top]
	}
	return answers, nil
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "i": true, "my": true, "me": true,
	"do": true, "can": true, "to": true, "of": true, "in": true, "on": true, "this": true, "it": true,
	"what": true, "how": true, "when": true, "where": true, "who": true, "why": true,
}

func tokenize(s string) map[string]bool {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]bool, len(words))
	for _, w := range words {
		if !stopWords[w] {
			out[w] = true
		}
	}
	return out
}

// overlap is the Dice coefficient of two token sets.
func overlap(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for w := range a {
		if b[w] {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(a)+len(b))
}
