package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teamflow-dev/teamflow/collab"
	"github.com/teamflow-dev/teamflow/dispatch"
	"github.com/teamflow-dev/teamflow/session"
	"github.com/teamflow-dev/teamflow/store"
	"github.com/teamflow-dev/teamflow/types"
)

// StateHandler serves per-team agent state and the state-change endpoint.
type StateHandler struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	coord      *session.Coordinator
	roster     collab.Roster
	logger     *zap.Logger
}

// NewStateHandler creates a StateHandler.
func NewStateHandler(st *store.Store, d *dispatch.Dispatcher, c *session.Coordinator, roster collab.Roster, logger *zap.Logger) *StateHandler {
	return &StateHandler{
		store:      st,
		dispatcher: d,
		coord:      c,
		roster:     roster,
		logger:     logger.With(zap.String("component", "state_handler")),
	}
}

// TeamStateResponse is the payload served to the polling UI.
type TeamStateResponse struct {
	TeamID         string                    `json:"team_id"`
	Agents         []*types.AgentStateRecord `json:"agents"`
	ActiveSessions []*types.FeedbackSession  `json:"active_sessions,omitempty"`
	HumanBusy      bool                      `json:"human_busy"`
}

// StateChangeRequest is the body of the state-change endpoint.
type StateChangeRequest struct {
	AgentID      string           `json:"agent_id"`
	CurrentState types.AgentState `json:"current_state,omitempty"`
	Action       string           `json:"action,omitempty"` // process_request | reset_all_agents
	RequestData  *RequestData     `json:"request_data,omitempty"`
	ForceClear   bool             `json:"force_clear,omitempty"`
}

// RequestData describes a submitted action request.
type RequestData struct {
	Type          types.ActionType `json:"type"`
	RequesterID   string           `json:"requester_id,omitempty"`
	RequesterName string           `json:"requester_name,omitempty"`
	Payload       map[string]any   `json:"payload,omitempty"`
}

// HandleTeamState serves one record per roster agent plus any active
// sessions involving the human. Missing records are synthesized as idle by
// the store, so the response is always complete. Each poll also kicks the
// idle-timer check so expired agents start planning.
func (h *StateHandler) HandleTeamState(w http.ResponseWriter, r *http.Request) {
	teamID := r.PathValue("teamID")
	if teamID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "team ID is required", h.logger)
		return
	}

	team, err := h.roster.GetTeam(r.Context(), teamID)
	if err != nil {
		writeAnyError(w, err, h.logger)
		return
	}

	resp := TeamStateResponse{TeamID: teamID}
	for _, m := range team.Agents() {
		rec, err := h.store.GetState(r.Context(), teamID, m.ID)
		if err != nil {
			writeAnyError(w, err, h.logger)
			return
		}
		resp.Agents = append(resp.Agents, rec)
	}

	if human, ok := team.Human(); ok {
		sessions, err := h.coord.ActiveSessionsFor(r.Context(), teamID, human.ID)
		if err != nil {
			writeAnyError(w, err, h.logger)
			return
		}
		resp.ActiveSessions = sessions
		if busy, err := h.store.HumanBusy(r.Context(), teamID, human.ID); err == nil && busy != nil {
			resp.HumanBusy = true
		}
	}

	// Poll-driven autonomous trigger, alongside the background ticker.
	go func() {
		defer func() { _ = recover() }()
		ctx, cancel := contextWithTimeout()
		defer cancel()
		if _, err := h.dispatcher.TickIdleAgents(ctx, teamID); err != nil {
			h.logger.Debug("idle tick failed", zap.Error(err))
		}
	}()

	WriteSuccess(w, resp)
}

// HandleStateChange accepts request submissions, force clears, and the
// team-wide reset.
func (h *StateHandler) HandleStateChange(w http.ResponseWriter, r *http.Request) {
	teamID := r.PathValue("teamID")
	if teamID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "team ID is required", h.logger)
		return
	}

	var req StateChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "invalid request body", h.logger)
		return
	}

	switch {
	case req.Action == "reset_all_agents":
		if err := h.coord.EndAllActive(r.Context(), teamID, "admin"); err != nil {
			writeAnyError(w, err, h.logger)
			return
		}
		if err := h.dispatcher.ResetAllAgents(r.Context(), teamID); err != nil {
			writeAnyError(w, err, h.logger)
			return
		}
		WriteSuccess(w, map[string]any{"reset": true})

	case req.ForceClear || req.CurrentState == types.StateIdle:
		if req.AgentID == "" {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "agent_id is required", h.logger)
			return
		}
		if err := h.dispatcher.ForceClear(r.Context(), teamID, req.AgentID); err != nil {
			writeAnyError(w, err, h.logger)
			return
		}
		WriteSuccess(w, map[string]any{"agent_id": req.AgentID, "state": types.StateIdle})

	case req.Action == "process_request":
		if req.AgentID == "" || req.RequestData == nil || req.RequestData.Type == "" {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "agent_id and request_data.type are required", h.logger)
			return
		}
		outcome, err := h.dispatcher.Submit(r.Context(), teamID, req.AgentID, &types.QueuedRequest{
			ID:            uuid.New().String(),
			Type:          req.RequestData.Type,
			RequesterID:   req.RequestData.RequesterID,
			RequesterName: req.RequestData.RequesterName,
			Payload:       req.RequestData.Payload,
			Timestamp:     time.Now(),
			TeamID:        teamID,
		})
		if err != nil {
			writeAnyError(w, err, h.logger)
			return
		}
		WriteSuccess(w, map[string]any{"agent_id": req.AgentID, "outcome": outcome})

	default:
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "unsupported state change", h.logger)
	}
}
