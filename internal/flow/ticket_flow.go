package flow

import (
	"github.com/BTreeMap/DispatchPipe/internal/models"
)

// AnythingElseText closes every completed or declined flow.
const AnythingElseText = "Is there anything else that I can help you with?"

// TicketEntryLabel starts the ticket flow from the welcome prompt.
const TicketEntryLabel = "Create Support Ticket"

// TicketPriorityRetry is re-sent when the priority is not a number from 1 to 5.
const TicketPriorityRetry = "The value entered must be greater than 0 or less than 6."

// TicketFlow declares the support ticket flow: name, subject, description, primary
// application and priority, then a summary and a final confirmation.
func TicketFlow() *Definition {
	return &Definition{
		ID:         models.FlowTicket,
		Title:      "Support ticket",
		EntryLabel: TicketEntryLabel,
		ProfileKey: models.DataKeyTicketProfile,
		Steps: []Step{
			{
				Name:   models.FieldName,
				Intro:  "Lets get started on creating your support ticket.",
				Prompt: Prompt{Kind: models.KindText, Text: "What is your name, human?"},
				Ack:    "Thanks %s.",
			},
			{
				Name:   models.FieldSubject,
				Prompt: Prompt{Kind: models.KindText, Text: "What would the title of your support ticket today be?"},
				Ack:    "Your support ticket will be titled: %s",
			},
			{
				Name:   models.FieldDescription,
				Prompt: Prompt{Kind: models.KindText, Text: "Can you give me a brief description of the problem?"},
				Ack:    "Your description has been recorded on the support ticket",
			},
			{
				Name:   models.FieldPrimaryApplication,
				Prompt: Prompt{Kind: models.KindText, Text: "Can you give me the name of the Primary Application where the issue you are facing is found?"},
				Ack:    "The details have been recorded on the support ticket",
			},
			{
				Name: models.FieldPriority,
				Prompt: Prompt{
					Kind:      models.KindNumber,
					Text:      "On a scale of 1 - 5, what is the priority of this particular support ticket?",
					RetryText: TicketPriorityRetry,
					Min:       1,
					Max:       5,
				},
			},
		},
		SummaryHeading: "Your ticket is as follows:",
		Summary: []SummaryField{
			{Label: "Name", Step: models.FieldName},
			{Label: "Subject", Step: models.FieldSubject},
			{Label: "Description", Step: models.FieldDescription},
			{Label: "Primary Application", Step: models.FieldPrimaryApplication},
			{Label: "Priority", Step: models.FieldPriority},
		},
		ConfirmPrompt: Prompt{Kind: models.KindConfirm, Text: "Do you wish to submit this support ticket?"},
		Submitted:     []string{"Your support ticket has been sent and you will be contacted shortly.", AnythingElseText},
		Discarded:     []string{"Thanks, your profile will not be kept."},
		Subject:       "Support ticket: %s",
		SubjectField:  models.FieldSubject,
		Payload: func(p *models.FlowProfile) (interface{}, error) {
			return models.TicketProfileFrom(p)
		},
	}
}
