package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/hlog"

	"reddot-watch/ingestor/internal/refresh"
)

// Triggerer runs a refresh trigger.
type Triggerer interface {
	Trigger(ctx context.Context, opts refresh.TriggerOptions) (*refresh.Result, error)
}

// RefreshHandler lets an external scheduler fire a trigger over HTTP.
type RefreshHandler struct {
	coordinator Triggerer
}

// NewRefreshHandler creates a new handler instance.
func NewRefreshHandler(coordinator Triggerer) *RefreshHandler {
	return &RefreshHandler{coordinator: coordinator}
}

// PostRefresh runs one trigger and reports its outcome. "not_due" and
// "lock_held" are successful responses; only a failed cycle returns 500.
func (h *RefreshHandler) PostRefresh(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)

	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "Invalid 'force' parameter: must be a boolean", http.StatusBadRequest)
			return
		}
		force = parsed
	}

	// The cycle must not be torn down halfway because the caller hung up.
	ctx := context.WithoutCancel(r.Context())

	result, err := h.coordinator.Trigger(ctx, refresh.TriggerOptions{Force: force})
	if err != nil {
		log.Error().Err(err).Bool("force", force).Msg("Refresh trigger failed")
		if result == nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, r, http.StatusInternalServerError, result)
		return
	}

	log.Info().Str("outcome", result.Outcome).Bool("force", force).Msg("Refresh trigger handled")
	writeJSON(w, r, http.StatusOK, result)
}
