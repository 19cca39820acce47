package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"

	"reddot-watch/ingestor/internal/models"
)

// RunStateReader reads the shared run state.
type RunStateReader interface {
	Get(ctx context.Context, name string) (*models.RunState, error)
}

// LockInspector reads the current lock record.
type LockInspector interface {
	Current(ctx context.Context) (*models.RefreshLock, error)
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Name              string     `json:"name"`
	LastOutcome       string     `json:"last_outcome,omitempty"`
	LastSuccessAt     *time.Time `json:"last_success_at"`
	LastFailureAt     *time.Time `json:"last_failure_at"`
	LastFailureReason string     `json:"last_failure_reason,omitempty"`
	Lock              *LockState `json:"lock"`
}

// LockState describes the lock record; nil in the response means no record.
type LockState struct {
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Expired    bool      `json:"expired"`
}

// StatusHandler reports the coordinator's last outcome and the lock holder.
type StatusHandler struct {
	name  string
	state RunStateReader
	locks LockInspector
	now   func() time.Time
}

// NewStatusHandler creates a new handler instance.
func NewStatusHandler(name string, state RunStateReader, locks LockInspector) *StatusHandler {
	return &StatusHandler{name: name, state: state, locks: locks, now: time.Now}
}

// GetStatus handles GET /v1/status.
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	ctx := r.Context()

	st, err := h.state.Get(ctx, h.name)
	if err != nil {
		log.Error().Err(err).Msg("Error reading run state")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	cur, err := h.locks.Current(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Error reading refresh lock")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	resp := StatusResponse{
		Name:              h.name,
		LastOutcome:       st.LastOutcome.String,
		LastFailureReason: st.LastFailureReason.String,
	}
	if st.LastSuccessAt.Valid {
		t := st.LastSuccessAt.Time.UTC()
		resp.LastSuccessAt = &t
	}
	if st.LastFailureAt.Valid {
		t := st.LastFailureAt.Time.UTC()
		resp.LastFailureAt = &t
	}
	if cur != nil {
		resp.Lock = &LockState{
			AcquiredAt: cur.AcquiredAt.UTC(),
			ExpiresAt:  cur.ExpiresAt.UTC(),
			Expired:    cur.Expired(h.now()),
		}
	}

	writeJSON(w, r, http.StatusOK, resp)
}
