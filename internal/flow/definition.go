// Package flow implements guided multi-turn data collection.
//
// A flow is declared as data (a Definition holding an ordered list of Steps) and interpreted
// by a single Engine. Every turn the engine reads the DialogCursor from conversation state,
// applies the input to the pending step, advances through any steps that do not wait for
// input, and leaves the cursor on the next prompt. Nothing is kept in memory between turns.
package flow

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/BTreeMap/DispatchPipe/internal/models"
)

// Registry errors.
var (
	ErrUnknownFlow      = errors.New("unknown flow")
	ErrDuplicateFlow    = errors.New("flow already registered")
	ErrInvalidFlow      = errors.New("invalid flow definition")
	ErrNoActiveFlow     = errors.New("no active flow")
	ErrCorruptCursor    = errors.New("dialog cursor does not match flow definition")
	ErrMissingRegistry  = errors.New("flow registry is required")
	ErrMissingDeliverer = errors.New("deliverer is required")
)

// Step is one input-collecting unit of a flow.
type Step struct {
	// Name keys the answer in the cursor's scratch values and in the profile fields.
	Name string
	// Intro is sent once, right before the prompt is first asked.
	Intro  string
	Prompt Prompt
	// Ack is sent after a valid answer. A %s verb is replaced with the answer.
	Ack string
}

// ack renders the acknowledgement for value, or "" when the step has none.
func (s Step) ack(value string) string {
	if s.Ack == "" {
		return ""
	}
	if strings.Contains(s.Ack, "%s") {
		return fmt.Sprintf(s.Ack, value)
	}
	return s.Ack
}

// SummaryField maps a collected step value to a display label.
type SummaryField struct {
	Label string
	Step  string
}

// Definition declares one flow. Steps are numbered in order with the optional lead-in first,
// followed by the summary and the final confirmation.
type Definition struct {
	ID         models.FlowID
	Title      string
	EntryLabel string // choice label offered on the welcome prompt
	ProfileKey models.DataKey

	// LeadIn, when set, is a confirm step asked before collection starts. Declining it ends
	// the flow with the Declined messages.
	LeadIn   *Step
	Declined []string

	Steps []Step

	SummaryHeading string
	Summary        []SummaryField

	ConfirmPrompt Prompt
	Submitted     []string
	Discarded     []string

	// Subject titles the delivery record. A %s verb is replaced with the SubjectField value.
	Subject      string
	SubjectField string
	// Payload builds the typed record attached to deliveries. Optional.
	Payload func(p *models.FlowProfile) (interface{}, error)
}

// leadInStep is the reserved step name for the lead-in confirmation.
const leadInStep = "leadIn"

// inputSteps returns the lead-in (when present) followed by the collection steps.
func (d *Definition) inputSteps() []Step {
	if d.LeadIn == nil {
		return d.Steps
	}
	lead := *d.LeadIn
	lead.Name = leadInStep
	lead.Prompt.Kind = models.KindConfirm
	out := make([]Step, 0, len(d.Steps)+1)
	out = append(out, lead)
	return append(out, d.Steps...)
}

// SummaryIndex is the index of the summary step; the final confirmation follows it.
func (d *Definition) SummaryIndex() int {
	return len(d.inputSteps())
}

// ConfirmIndex is the index of the final confirmation step.
func (d *Definition) ConfirmIndex() int {
	return d.SummaryIndex() + 1
}

// StepCount is the total number of steps including summary and confirmation.
func (d *Definition) StepCount() int {
	return d.ConfirmIndex() + 1
}

// Validate checks that the definition can be interpreted.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidFlow)
	}
	if d.ProfileKey == "" {
		return fmt.Errorf("%w: %s has no profile key", ErrInvalidFlow, d.ID)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrInvalidFlow, d.ID)
	}
	seen := make(map[string]bool)
	for _, s := range d.Steps {
		if s.Name == "" || s.Name == leadInStep || seen[s.Name] {
			return fmt.Errorf("%w: %s has invalid step name %q", ErrInvalidFlow, d.ID, s.Name)
		}
		seen[s.Name] = true
		switch s.Prompt.Kind {
		case models.KindText, models.KindNumber, models.KindConfirm:
		case models.KindChoice:
			if len(s.Prompt.Choices) == 0 {
				return fmt.Errorf("%w: %s step %s has no choices", ErrInvalidFlow, d.ID, s.Name)
			}
		default:
			return fmt.Errorf("%w: %s step %s has kind %q", ErrInvalidFlow, d.ID, s.Name, s.Prompt.Kind)
		}
	}
	for _, f := range d.Summary {
		if !seen[f.Step] {
			return fmt.Errorf("%w: %s summary references unknown step %q", ErrInvalidFlow, d.ID, f.Step)
		}
	}
	return nil
}

// Registry holds the flow definitions known to the engine.
type Registry struct {
	mu    sync.RWMutex
	flows map[models.FlowID]*Definition
	order []models.FlowID
}

// NewRegistry creates a registry populated with defs.
func NewRegistry(defs ...*Definition) (*Registry, error) {
	r := &Registry{flows: make(map[models.FlowID]*Definition)}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry returns a registry with the ticket and remove-work flows.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(TicketFlow(), RemoveWorkFlow())
	if err != nil {
		panic(err) // built-in definitions are static
	}
	return r
}

// Register adds a definition.
func (r *Registry) Register(d *Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.flows[d.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateFlow, d.ID)
	}
	r.flows[d.ID] = d
	r.order = append(r.order, d.ID)
	return nil
}

// Get returns the definition for id.
func (r *Registry) Get(id models.FlowID) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.flows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlow, id)
	}
	return d, nil
}

// ByEntryLabel finds the flow whose entry label matches text, ignoring case and surrounding space.
func (r *Registry) ByEntryLabel(text string) (*Definition, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		d := r.flows[id]
		if d.EntryLabel != "" && strings.EqualFold(d.EntryLabel, text) {
			return d, true
		}
	}
	return nil, false
}

// EntryLabels returns the entry labels in registration order.
func (r *Registry) EntryLabels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	labels := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if l := r.flows[id].EntryLabel; l != "" {
			labels = append(labels, l)
		}
	}
	return labels
}

// IDs returns the registered flow IDs sorted alphabetically.
func (r *Registry) IDs() []models.FlowID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]models.FlowID, 0, len(r.flows))
	for id := range r.flows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
