package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/teamflow-dev/teamflow/session"
	"github.com/teamflow-dev/teamflow/types"
)

// SessionHandler serves the feedback-session endpoint.
type SessionHandler struct {
	coord  *session.Coordinator
	logger *zap.Logger
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(coord *session.Coordinator, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		coord:  coord,
		logger: logger.With(zap.String("component", "session_handler")),
	}
}

// SessionRequest is the body of the feedback-session endpoint.
type SessionRequest struct {
	Action        string `json:"action"` // create | join | end | send_message
	SessionID     string `json:"session_id,omitempty"`
	Initiator     string `json:"initiator,omitempty"`
	Target        string `json:"target,omitempty"`
	Context       string `json:"context,omitempty"`
	Message       string `json:"message,omitempty"`
	ParticipantID string `json:"participant_id,omitempty"`
}

// HandleSession dispatches the session action.
func (h *SessionHandler) HandleSession(w http.ResponseWriter, r *http.Request) {
	teamID := r.PathValue("teamID")
	if teamID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "team ID is required", h.logger)
		return
	}

	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "invalid request body", h.logger)
		return
	}

	switch req.Action {
	case "create":
		if req.Initiator == "" || req.Target == "" {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "initiator and target are required", h.logger)
			return
		}
		sess, err := h.coord.Create(r.Context(), teamID, req.Initiator, req.Target, req.Context, req.Message)
		if err != nil {
			writeAnyError(w, err, h.logger)
			return
		}
		WriteSuccess(w, sess)

	case "join":
		sess, err := h.coord.Get(r.Context(), req.SessionID)
		if err != nil {
			writeAnyError(w, err, h.logger)
			return
		}
		if req.ParticipantID != "" && !sess.HasParticipant(req.ParticipantID) {
			WriteErrorMessage(w, http.StatusForbidden, types.ErrAuthorizationDenied, "not a participant of this session", h.logger)
			return
		}
		WriteSuccess(w, sess)

	case "end":
		if req.SessionID == "" {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "session_id is required", h.logger)
			return
		}
		sess, err := h.coord.End(r.Context(), req.SessionID, req.ParticipantID)
		if err != nil {
			writeAnyError(w, err, h.logger)
			return
		}
		WriteSuccess(w, sess)

	case "send_message":
		if req.SessionID == "" || req.ParticipantID == "" || req.Message == "" {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "session_id, participant_id, and message are required", h.logger)
			return
		}
		sess, err := h.coord.AppendUserMessage(r.Context(), req.SessionID, req.ParticipantID, req.Message)
		if err != nil {
			writeAnyError(w, err, h.logger)
			return
		}
		WriteSuccess(w, sess)

	default:
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "unknown session action", h.logger)
	}
}
