package handlers

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/teamflow-dev/teamflow/internal/events"
	"github.com/teamflow-dev/teamflow/types"
)

// StreamHandler bridges the in-process event hub to a websocket, so the
// product layer can observe state changes without polling.
type StreamHandler struct {
	hub    *events.Hub
	logger *zap.Logger
}

// NewStreamHandler creates a StreamHandler.
func NewStreamHandler(hub *events.Hub, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{
		hub:    hub,
		logger: logger.With(zap.String("component", "stream_handler")),
	}
}

// HandleEvents upgrades to a websocket and forwards the team's events
// until the client disconnects.
func (h *StreamHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	teamID := r.PathValue("teamID")
	if teamID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "team ID is required", h.logger)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ch, cancel := h.hub.Subscribe()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.TeamID != teamID {
				continue
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}
