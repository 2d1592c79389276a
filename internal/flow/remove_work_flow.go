package flow

import (
	"github.com/BTreeMap/DispatchPipe/internal/models"
)

// RemoveWorkEntryLabel starts the remove-work flow from the welcome prompt.
const RemoveWorkEntryLabel = "Remove Work Assignment"

// Assignment types offered by the remove-work flow.
const (
	AssignmentActive  = "Active assignment"
	AssignmentCurrent = "Current Assignment"
)

// RemoveWorkFlow declares the work-assignment removal flow. It opens with a lead-in
// confirmation; declining it ends the flow before anything is collected.
func RemoveWorkFlow() *Definition {
	return &Definition{
		ID:         models.FlowRemoveWork,
		Title:      "Remove work assignment",
		EntryLabel: RemoveWorkEntryLabel,
		ProfileKey: models.DataKeyRemoveWorkProfile,
		LeadIn: &Step{
			Prompt: Prompt{Kind: models.KindConfirm, Text: "Would you like to remove a work assignment?"},
		},
		Declined: []string{AnythingElseText},
		Steps: []Step{
			{
				Name:   models.FieldName,
				Intro:  "Lets get started on removing your work assignment.",
				Prompt: Prompt{Kind: models.KindText, Text: "What is your name?"},
				Ack:    "Thanks %s.",
			},
			{
				Name:   models.FieldShipmentNumber,
				Prompt: Prompt{Kind: models.KindText, Text: "What is your shipment number?"},
				Ack:    "Your shipment number is: %s.",
			},
			{
				Name: models.FieldAssignmentType,
				Prompt: Prompt{
					Kind:    models.KindChoice,
					Text:    "What assignment type is this work assignment?",
					Choices: []string{AssignmentActive, AssignmentCurrent},
				},
			},
		},
		SummaryHeading: "Your request is as follows:",
		Summary: []SummaryField{
			{Label: "Name", Step: models.FieldName},
			{Label: "Shipment Number", Step: models.FieldShipmentNumber},
			{Label: "Assignment Type", Step: models.FieldAssignmentType},
		},
		ConfirmPrompt: Prompt{Kind: models.KindConfirm, Text: "Do you wish to submit this request?"},
		Submitted:     []string{"Your request has been sent and you will be contacted shortly.", AnythingElseText},
		Discarded:     []string{"Your request has been canceled.", AnythingElseText},
		Subject:       "Remove work assignment: %s",
		SubjectField:  models.FieldShipmentNumber,
		Payload: func(p *models.FlowProfile) (interface{}, error) {
			return models.RemoveWorkProfileFrom(p)
		},
	}
}
