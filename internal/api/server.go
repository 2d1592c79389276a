package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/DispatchPipe/internal/messaging"
	"github.com/BTreeMap/DispatchPipe/internal/models"
	"github.com/BTreeMap/DispatchPipe/internal/twiliowhatsapp"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// TurnDispatcher runs turns and exposes persisted conversation state.
type TurnDispatcher interface {
	HandleTurn(ctx context.Context, turn models.Turn) ([]models.OutboundMessage, error)
	ConversationState(conversationID string) (*models.ConversationState, error)
}

// RequestValidator checks the signature Twilio puts on webhook requests.
type RequestValidator interface {
	ValidateRequest(fullURL string, form url.Values, signature string) bool
}

// TwilioReceiver accepts inbound webhook messages.
type TwilioReceiver interface {
	Receive(in twiliowhatsapp.InboundMessage, receivedAt int64) error
}

var (
	_ RequestValidator = (*twiliowhatsapp.Client)(nil)
	_ TwilioReceiver   = (*messaging.TwilioService)(nil)
)

// createConversationRequest is the optional body of POST /conversations.
type createConversationRequest struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
}

// turnRequest is the body of POST /conversations/{id}/turns.
type turnRequest struct {
	ID       string `json:"id,omitempty"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	Text     string `json:"text"`
}

// ConversationResult is returned by the conversation endpoints.
type ConversationResult struct {
	ConversationID string                   `json:"conversation_id"`
	Messages       []models.OutboundMessage `json:"messages"`
}

// Server serves the HTTP API.
type Server struct {
	turns     TurnDispatcher
	validator RequestValidator
	twilio    TwilioReceiver
	publicURL string
	newID     func() string
	now       func() time.Time
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithTwilioWebhook enables POST /twilio/messages. publicURL is the externally visible base
// URL Twilio signs against; a nil validator accepts unsigned requests.
func WithTwilioWebhook(validator RequestValidator, receiver TwilioReceiver, publicURL string) ServerOption {
	return func(s *Server) {
		s.validator = validator
		s.twilio = receiver
		s.publicURL = strings.TrimRight(publicURL, "/")
	}
}

// WithIDGenerator overrides how new conversation IDs are minted.
func WithIDGenerator(fn func() string) ServerOption {
	return func(s *Server) {
		s.newID = fn
	}
}

// NewServer creates a server. turns should already serialize per conversation.
func NewServer(turns TurnDispatcher, opts ...ServerOption) *Server {
	s := &Server{
		turns: turns,
		newID: uuid.NewString,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("POST /conversations", s.createConversationHandler)
	mux.HandleFunc("POST /conversations/{id}/turns", s.turnHandler)
	mux.HandleFunc("GET /conversations/{id}/state", s.stateHandler)
	if s.twilio != nil {
		mux.HandleFunc("POST /twilio/messages", s.twilioWebhookHandler)
	}
	return mux
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", nil))
}

func (s *Server) createConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		slog.Warn("Server.createConversationHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	conversationID := s.newID()
	if req.UserID == "" {
		req.UserID = conversationID
	}
	turn := models.Turn{
		ConversationID: conversationID,
		UserID:         req.UserID,
		UserName:       req.UserName,
		Kind:           models.TurnKindParticipantJoined,
		Time:           s.now().Unix(),
	}
	replies, ok := s.runTurn(w, r.Context(), turn)
	if !ok {
		return
	}
	slog.Info("Server.createConversationHandler: conversation created", "conversation", conversationID, "user", req.UserID)
	writeJSONResponse(w, http.StatusCreated, models.Success(ConversationResult{ConversationID: conversationID, Messages: replies}))
}

func (s *Server) turnHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	var req turnRequest
	if err := decodeJSON(r, &req); err != nil {
		slog.Warn("Server.turnHandler: invalid JSON", "error", err, "conversation", conversationID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	turn := models.Turn{
		ID:             req.ID,
		ConversationID: conversationID,
		UserID:         req.UserID,
		UserName:       req.UserName,
		Kind:           models.TurnKindMessage,
		Text:           req.Text,
		Time:           s.now().Unix(),
	}
	replies, ok := s.runTurn(w, r.Context(), turn)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(ConversationResult{ConversationID: conversationID, Messages: replies}))
}

func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	st, err := s.turns.ConversationState(conversationID)
	if err != nil {
		slog.Error("Server.stateHandler: failed to load state", "error", err, "conversation", conversationID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation state"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(st))
}

func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: invalid form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form body"))
		return
	}
	if s.validator != nil {
		fullURL := s.publicURL + r.URL.RequestURI()
		if !s.validator.ValidateRequest(fullURL, r.PostForm, r.Header.Get(twiliowhatsapp.SignatureHeader)) {
			slog.Warn("Server.twilioWebhookHandler: signature rejected", "url", fullURL)
			writeJSONResponse(w, http.StatusForbidden, models.Error("Invalid signature"))
			return
		}
	}
	in, err := twiliowhatsapp.ParseInbound(r.PostForm)
	if err != nil {
		slog.Warn("Server.twilioWebhookHandler: incomplete message", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.twilio.Receive(in, s.now().Unix()); err != nil {
		slog.Error("Server.twilioWebhookHandler: message not queued", "error", err, "sid", in.SID)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Message could not be queued"))
		return
	}
	slog.Debug("Server.twilioWebhookHandler: message queued", "sid", in.SID, "from", in.From)
	writeTwiML(w)
}

// runTurn writes the error response itself and reports whether the caller should continue.
func (s *Server) runTurn(w http.ResponseWriter, ctx context.Context, turn models.Turn) ([]models.OutboundMessage, bool) {
	replies, err := s.turns.HandleTurn(ctx, turn)
	if err != nil {
		if isValidationError(err) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return nil, false
		}
		slog.Error("Server.runTurn: turn failed", "error", err, "conversation", turn.ConversationID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error(messaging.DefaultErrorMessage))
		return nil, false
	}
	if replies == nil {
		replies = []models.OutboundMessage{}
	}
	return replies, true
}

func isValidationError(err error) bool {
	for _, target := range []error{
		models.ErrEmptyConversationID,
		models.ErrEmptyUserID,
		models.ErrInvalidTurnKind,
		models.ErrTurnTextTooLong,
		models.ErrEmptyTurnText,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
