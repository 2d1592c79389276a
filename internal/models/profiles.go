package models

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ProfileStatus tracks where a flow profile is in its lifecycle.
type ProfileStatus string

const (
	ProfileStatusCollecting ProfileStatus = "collecting"
	ProfileStatusSubmitted  ProfileStatus = "submitted"
	ProfileStatusDiscarded  ProfileStatus = "discarded"
)

// ErrProfileIncomplete is returned when a typed view is built from a profile with missing fields.
var ErrProfileIncomplete = errors.New("flow profile is incomplete")

// FlowProfile is the record a flow builds in user state. Fields are keyed by step name.
type FlowProfile struct {
	FlowID      FlowID            `json:"flow_id"`
	Fields      map[string]string `json:"fields"`
	Status      ProfileStatus     `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	SubmittedAt *time.Time        `json:"submitted_at,omitempty"`
}

// NewFlowProfile creates an empty collecting profile for the given flow.
func NewFlowProfile(id FlowID) *FlowProfile {
	now := time.Now()
	return &FlowProfile{
		FlowID:    id,
		Fields:    make(map[string]string),
		Status:    ProfileStatusCollecting,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Complete reports whether the profile was confirmed by the user.
func (p *FlowProfile) Complete() bool {
	return p != nil && p.Status == ProfileStatusSubmitted
}

func (p *FlowProfile) require(names ...string) error {
	for _, n := range names {
		if p.Fields[n] == "" {
			return fmt.Errorf("%w: %s missing", ErrProfileIncomplete, n)
		}
	}
	return nil
}

// Ticket profile field names.
const (
	FieldName               = "name"
	FieldSubject            = "subject"
	FieldDescription        = "description"
	FieldPrimaryApplication = "primaryApplication"
	FieldPriority           = "priority"
	FieldShipmentNumber     = "shipmentNumber"
	FieldAssignmentType     = "assignmentType"
)

// TicketProfile is the support ticket collected by the ticket flow.
type TicketProfile struct {
	Name               string `json:"name"`
	Subject            string `json:"subject"`
	Description        string `json:"description"`
	PrimaryApplication string `json:"primary_application"`
	Priority           int    `json:"priority"`
}

// TicketProfileFrom builds a TicketProfile from a generic flow profile.
func TicketProfileFrom(p *FlowProfile) (TicketProfile, error) {
	if err := p.require(FieldName, FieldSubject, FieldDescription, FieldPrimaryApplication, FieldPriority); err != nil {
		return TicketProfile{}, err
	}
	priority, err := strconv.Atoi(p.Fields[FieldPriority])
	if err != nil {
		return TicketProfile{}, fmt.Errorf("invalid priority %q: %w", p.Fields[FieldPriority], err)
	}
	return TicketProfile{
		Name:               p.Fields[FieldName],
		Subject:            p.Fields[FieldSubject],
		Description:        p.Fields[FieldDescription],
		PrimaryApplication: p.Fields[FieldPrimaryApplication],
		Priority:           priority,
	}, nil
}

// RemoveWorkProfile is the work-assignment removal request collected by the remove-work flow.
type RemoveWorkProfile struct {
	RequesterName  string `json:"requester_name"`
	ShipmentNumber string `json:"shipment_number"`
	AssignmentType string `json:"assignment_type"`
}

// RemoveWorkProfileFrom builds a RemoveWorkProfile from a generic flow profile.
func RemoveWorkProfileFrom(p *FlowProfile) (RemoveWorkProfile, error) {
	if err := p.require(FieldName, FieldShipmentNumber, FieldAssignmentType); err != nil {
		return RemoveWorkProfile{}, err
	}
	return RemoveWorkProfile{
		RequesterName:  p.Fields[FieldName],
		ShipmentNumber: p.Fields[FieldShipmentNumber],
		AssignmentType: p.Fields[FieldAssignmentType],
	}, nil
}

// RecordField is one labelled value of a delivery record, in display order.
type RecordField struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// DeliveryRecord is the structured record handed to the delivery collaborator after a
// flow's final affirmative confirmation.
type DeliveryRecord struct {
	ID             string        `json:"id"`
	Key            string        `json:"key"` // stable per confirmed flow run, used for outbox dedupe
	FlowID         FlowID        `json:"flow_id"`
	ConversationID string        `json:"conversation_id"`
	UserID         string        `json:"user_id"`
	Subject        string        `json:"subject"`
	Fields         []RecordField `json:"fields"`
	Payload        interface{}   `json:"payload,omitempty"` // typed profile, e.g. TicketProfile
	CreatedAt      time.Time     `json:"created_at"`
}

// Value returns the value of the field with the given label.
func (r DeliveryRecord) Value(label string) (string, bool) {
	for _, f := range r.Fields {
		if f.Label == label {
			return f.Value, true
		}
	}
	return "", false
}
