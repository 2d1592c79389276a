package flow

import (
	"strconv"
	"strings"

	"github.com/BTreeMap/DispatchPipe/internal/models"
)

// Confirm choice labels offered with every yes/no prompt.
const (
	ConfirmYesLabel = "Yes"
	ConfirmNoLabel  = "No"
)

// Default retry texts used when a prompt does not declare its own.
const (
	DefaultTextRetry    = "Please enter a response."
	DefaultNumberRetry  = "Please enter a number."
	DefaultChoiceRetry  = "Please choose one of the options."
	DefaultConfirmRetry = "Please answer yes or no."
)

var confirmWords = map[string]string{
	"yes": models.ConfirmYes, "y": models.ConfirmYes, "yeah": models.ConfirmYes, "yep": models.ConfirmYes,
	"sure": models.ConfirmYes, "ok": models.ConfirmYes, "okay": models.ConfirmYes, "true": models.ConfirmYes,
	"1": models.ConfirmYes,
	"no": models.ConfirmNo, "n": models.ConfirmNo, "nope": models.ConfirmNo, "nah": models.ConfirmNo,
	"false": models.ConfirmNo, "2": models.ConfirmNo,
}

var numberWords = map[string]int{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

// Prompt declares what a step asks for and how its answer is validated.
type Prompt struct {
	Kind      models.ExpectedKind
	Text      string
	RetryText string
	Choices   []string // choice prompts only
	Min, Max  int      // number prompts only; ignored when both are zero
}

// Message renders the prompt as an outbound message.
func (p Prompt) Message() models.OutboundMessage {
	return p.render(p.Text)
}

// RetryMessage renders the prompt with its retry text.
func (p Prompt) RetryMessage() models.OutboundMessage {
	text := p.RetryText
	if text == "" {
		text = p.defaultRetry()
	}
	return p.render(text)
}

func (p Prompt) render(text string) models.OutboundMessage {
	switch p.Kind {
	case models.KindChoice:
		return models.ChoiceMessage(text, p.Choices...)
	case models.KindConfirm:
		return models.ChoiceMessage(text, ConfirmYesLabel, ConfirmNoLabel)
	default:
		return models.TextMessage(text)
	}
}

func (p Prompt) defaultRetry() string {
	switch p.Kind {
	case models.KindNumber:
		return DefaultNumberRetry
	case models.KindChoice:
		return DefaultChoiceRetry
	case models.KindConfirm:
		return DefaultConfirmRetry
	default:
		return DefaultTextRetry
	}
}

// Recognize validates input against the prompt's kind and returns its canonical value:
// trimmed text, a decimal number, the matching choice label, or yes/no.
func (p Prompt) Recognize(input string) (string, bool) {
	in := strings.TrimSpace(input)
	if in == "" {
		return "", false
	}
	switch p.Kind {
	case models.KindText:
		return in, true
	case models.KindNumber:
		n, ok := parseNumber(in)
		if !ok {
			return "", false
		}
		if (p.Min != 0 || p.Max != 0) && (n < p.Min || n > p.Max) {
			return "", false
		}
		return strconv.Itoa(n), true
	case models.KindChoice:
		for _, c := range p.Choices {
			if strings.EqualFold(c, in) {
				return c, true
			}
		}
		if i, err := strconv.Atoi(in); err == nil && i >= 1 && i <= len(p.Choices) {
			return p.Choices[i-1], true
		}
		return "", false
	case models.KindConfirm:
		v, ok := confirmWords[strings.ToLower(strings.TrimRight(in, ".!"))]
		return v, ok
	default:
		return "", false
	}
}

func parseNumber(in string) (int, bool) {
	if n, err := strconv.Atoi(in); err == nil {
		return n, true
	}
	n, ok := numberWords[strings.ToLower(in)]
	return n, ok
}
