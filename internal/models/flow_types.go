// Package models defines flow type definitions to avoid circular imports.
package models

// FlowID names a guided data-collection flow.
type FlowID string

// ExpectedKind is the kind of input a prompt is waiting for.
type ExpectedKind string

// DataKey is a property name inside a state scope.
type DataKey string

// Flow identifiers.
const (
	FlowTicket     FlowID = "ticket"
	FlowRemoveWork FlowID = "remove_work"
)

// Expected input kinds.
const (
	KindText    ExpectedKind = "text"
	KindNumber  ExpectedKind = "number"
	KindChoice  ExpectedKind = "choice"
	KindConfirm ExpectedKind = "confirm"
)

// Canonical confirm answers recorded in scratch values.
const (
	ConfirmYes = "yes"
	ConfirmNo  = "no"
)

// Data key constants.
const (
	DataKeyDialogState       DataKey = "DialogState"        // conversation scope
	DataKeyTicketProfile     DataKey = "TICKET_PROFILE"     // user scope
	DataKeyRemoveWorkProfile DataKey = "REMOVEWORK_PROFILE" // user scope
)

// Intent labels produced by the classifier.
const (
	IntentCreateTicket   = "l_CreateTicket"
	IntentRemoveWork     = "l_RemoveWork"
	IntentHomeAutomation = "l_HomeAutomation"
	IntentSampleQnA      = "q_sample-qna"
	IntentNone           = "None"
)
