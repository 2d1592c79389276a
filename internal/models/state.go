// Package models defines the persisted dialog state for DispatchPipe conversations.
package models

import "time"

// DialogCursor identifies the active flow of a conversation and the step it is waiting on.
// The zero value means no flow is active.
type DialogCursor struct {
	FlowID    FlowID            `json:"flow_id,omitempty"`
	Step      int               `json:"step"`
	Awaiting  ExpectedKind      `json:"awaiting,omitempty"`
	Values    map[string]string `json:"values,omitempty"` // scratch values keyed by step name
	StartedAt time.Time         `json:"started_at,omitempty"`
	UpdatedAt time.Time         `json:"updated_at,omitempty"`
}

// Active reports whether a flow currently owns the conversation.
func (c DialogCursor) Active() bool {
	return c.FlowID != ""
}

// Clone returns a deep copy of the cursor.
func (c DialogCursor) Clone() DialogCursor {
	out := c
	if c.Values != nil {
		out.Values = make(map[string]string, len(c.Values))
		for k, v := range c.Values {
			out.Values[k] = v
		}
	}
	return out
}

// ConversationState is the per-conversation value persisted under DataKeyDialogState.
type ConversationState struct {
	Cursor       DialogCursor `json:"cursor"`
	Welcomed     bool         `json:"welcomed,omitempty"`
	// PendingChoices holds the values of the last choice prompt sent outside a flow, so a
	// numbered answer on a text transport can be mapped back. Cleared on the next turn.
	PendingChoices []string `json:"pending_choices,omitempty"`
	TurnCount    int          `json:"turn_count"`
	LastActivity time.Time    `json:"last_activity,omitempty"`
}

// NewConversationState is the default factory for conversation state.
func NewConversationState() *ConversationState {
	return &ConversationState{}
}
