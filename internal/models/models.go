// Package models defines the core data structures for DispatchPipe.
//
// It includes the inbound turn and outbound message types exchanged with transports, the
// persisted dialog state, and the API response envelope shared across modules.
package models

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// TurnKind distinguishes ordinary messages from conversation lifecycle events.
type TurnKind string

const (
	// TurnKindMessage is a free-text message typed (or selected) by the user.
	TurnKindMessage TurnKind = "message"
	// TurnKindParticipantJoined is emitted once when a participant enters a conversation.
	TurnKindParticipantJoined TurnKind = "participant_joined"
)

// Validation constants for input validation
const (
	// MaxTurnTextLength defines the maximum allowed length of an inbound turn's text
	MaxTurnTextLength = 4096
	// MaxChoiceLabelLength defines the maximum allowed length for choice labels
	MaxChoiceLabelLength = 100
)

// Error variables for better error handling and testability
var (
	ErrEmptyConversationID = errors.New("conversation id cannot be empty")
	ErrEmptyUserID         = errors.New("user id cannot be empty")
	ErrInvalidTurnKind     = errors.New("invalid turn kind")
	ErrTurnTextTooLong     = errors.New("turn text exceeds maximum length")
	ErrEmptyTurnText       = errors.New("text is required for message turns")
)

// IsValidTurnKind checks if the given turn kind is supported.
func IsValidTurnKind(k TurnKind) bool {
	switch k {
	case TurnKindMessage, TurnKindParticipantJoined:
		return true
	default:
		return false
	}
}

// Turn is one inbound user message or event.
type Turn struct {
	ID             string   `json:"id,omitempty"` // transport message id, used for duplicate detection
	ConversationID string   `json:"conversation_id"`
	UserID         string   `json:"user_id"`
	UserName       string   `json:"user_name,omitempty"`
	Kind           TurnKind `json:"kind,omitempty"`
	Text           string   `json:"text,omitempty"`
	Time           int64    `json:"time,omitempty"`
}

// Validate performs validation on a Turn. An empty kind is treated as a message.
func (t *Turn) Validate() error {
	if t.ConversationID == "" {
		return ErrEmptyConversationID
	}
	if t.UserID == "" {
		return ErrEmptyUserID
	}
	if t.Kind == "" {
		t.Kind = TurnKindMessage
	}
	if !IsValidTurnKind(t.Kind) {
		return ErrInvalidTurnKind
	}
	if len(t.Text) > MaxTurnTextLength {
		return ErrTurnTextTooLong
	}
	if t.Kind == TurnKindMessage && strings.TrimSpace(t.Text) == "" {
		return ErrEmptyTurnText
	}
	return nil
}

// OutboundKind describes how a transport should render an outbound message.
type OutboundKind string

const (
	// OutboundKindText is a plain text message.
	OutboundKindText OutboundKind = "text"
	// OutboundKindChoice is a structured prompt with selectable options.
	OutboundKindChoice OutboundKind = "choice"
)

// Choice is one selectable option of a structured prompt. Selecting it is equivalent to
// typing Value verbatim.
type Choice struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// OutboundMessage is a single message the bot sends back for a turn.
type OutboundMessage struct {
	Kind    OutboundKind `json:"kind"`
	Text    string       `json:"text"`
	Choices []Choice     `json:"choices,omitempty"`
}

// TextMessage creates a plain text outbound message.
func TextMessage(text string) OutboundMessage {
	return OutboundMessage{Kind: OutboundKindText, Text: text}
}

// ChoiceMessage creates a structured prompt whose choice values equal the given labels.
// Long labels are shortened for display only; the value keeps the full text.
func ChoiceMessage(text string, labels ...string) OutboundMessage {
	choices := make([]Choice, 0, len(labels))
	for _, l := range labels {
		choices = append(choices, Choice{Label: truncateLabel(l), Value: l})
	}
	return OutboundMessage{Kind: OutboundKindChoice, Text: text, Choices: choices}
}

// truncateLabel cuts l to MaxChoiceLabelLength bytes without splitting a rune.
func truncateLabel(l string) string {
	if len(l) <= MaxChoiceLabelLength {
		return l
	}
	i := MaxChoiceLabelLength
	for i > 0 && !utf8.RuneStart(l[i]) {
		i--
	}
	return l[:i]
}

// Response represents an incoming message received by a chat transport.
type Response struct {
	ID   string `json:"id,omitempty"`
	From string `json:"from"`
	Name string `json:"name,omitempty"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
