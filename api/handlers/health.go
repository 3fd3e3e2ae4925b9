package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/teamflow-dev/teamflow/store"
	"github.com/teamflow-dev/teamflow/types"
)

// HealthHandler reports service and store health.
type HealthHandler struct {
	store  *store.Store
	logger *zap.Logger
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(st *store.Store, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{store: st, logger: logger}
}

// HandleHealth answers liveness and store reachability in one probe.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		WriteError(w, types.NewError(types.ErrStoreUnavailable, "state store unreachable").
			WithCause(err).
			WithHTTPStatus(http.StatusServiceUnavailable), h.logger)
		return
	}
	WriteSuccess(w, map[string]any{"status": "ok"})
}
