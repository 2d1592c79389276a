package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/DispatchPipe/internal/models"
)

// DefaultErrorMessage is sent when a turn fails.
const DefaultErrorMessage = "Sorry, I ran into a problem handling your message. Please try again."

var (
	ErrMissingService     = errors.New("messaging service is required")
	ErrMissingTurnHandler = errors.New("turn handler is required")
)

// TurnHandler runs one inbound turn and returns the replies.
type TurnHandler interface {
	HandleTurn(ctx context.Context, turn models.Turn) ([]models.OutboundMessage, error)
}

// ResponseHandler feeds a service's incoming messages through a TurnHandler. Messages are
// processed strictly one after another, so turns of a conversation never overlap.
type ResponseHandler struct {
	msgService   Service
	turns        TurnHandler
	errorMessage string
}

// NewResponseHandler creates a handler for msgService.
func NewResponseHandler(msgService Service, turns TurnHandler) (*ResponseHandler, error) {
	if msgService == nil {
		return nil, ErrMissingService
	}
	if turns == nil {
		return nil, ErrMissingTurnHandler
	}
	return &ResponseHandler{msgService: msgService, turns: turns, errorMessage: DefaultErrorMessage}, nil
}

// SetErrorMessage replaces the text sent when a turn fails.
func (rh *ResponseHandler) SetErrorMessage(message string) {
	rh.errorMessage = message
}

// ProcessResponse runs one incoming message as a turn and sends the replies. The sender's
// canonical address is both the conversation and the user identity.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	from, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Error("ResponseHandler.ProcessResponse: invalid sender", "error", err, "from", response.From)
		return fmt.Errorf("invalid sender: %w", err)
	}
	if strings.TrimSpace(response.Body) == "" {
		slog.Debug("ResponseHandler.ProcessResponse: empty body ignored", "from", from)
		return nil
	}

	turn := models.Turn{
		ID:             response.ID,
		ConversationID: from,
		UserID:         from,
		UserName:       response.Name,
		Kind:           models.TurnKindMessage,
		Text:           response.Body,
		Time:           response.Time,
	}
	replies, err := rh.turns.HandleTurn(ctx, turn)
	if err != nil {
		slog.Error("ResponseHandler.ProcessResponse: turn failed", "error", err, "from", from)
		if sendErr := rh.msgService.SendMessage(ctx, from, rh.errorMessage); sendErr != nil {
			slog.Error("ResponseHandler.ProcessResponse: failed to send error message", "error", sendErr, "from", from)
		}
		return fmt.Errorf("turn failed: %w", err)
	}

	for _, reply := range replies {
		body := RenderText(reply)
		if body == "" {
			continue
		}
		if err := rh.msgService.SendMessage(ctx, from, body); err != nil {
			return fmt.Errorf("failed to send reply: %w", err)
		}
	}
	slog.Debug("ResponseHandler.ProcessResponse: replies sent", "from", from, "count", len(replies))
	return nil
}

// Start processes responses on a background goroutine until ctx is done or the
// service closes its channel.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler.Start: processing responses")
	go func() {
		defer slog.Info("ResponseHandler.Start: stopped")
		for {
			select {
			case response, ok := <-rh.msgService.Responses():
				if !ok {
					return
				}
				if err := rh.ProcessResponse(ctx, response); err != nil {
					slog.Error("ResponseHandler.Start: failed to process response", "error", err, "from", response.From)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
