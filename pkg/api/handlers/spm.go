package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/svettore/spoold/pkg/pool"
)

// SPMHandler drives the pool's SPM role over HTTP.
type SPMHandler struct {
	pool pool.Pool
}

// NewSPMHandler creates a handler bound to the given pool.
func NewSPMHandler(p pool.Pool) *SPMHandler {
	return &SPMHandler{pool: p}
}

// StartRequest is the body of POST /api/v1/spm/start.
type StartRequest struct {
	// PrevID is the host id the caller believes last held the role.
	// Diagnostic only; -1 means "believed free".
	PrevID int `json:"prev_id"`

	// PrevLver is the lease version the caller believes is current.
	// Diagnostic only; -1 means unknown.
	PrevLver int64 `json:"prev_lver"`

	// MaxHosts sizes the coordinator mailbox region.
	MaxHosts int `json:"max_hosts"`

	// ExpectedVersion is the master format version the caller knows.
	// A value behind the on-disk version rejects the start.
	ExpectedVersion int `json:"expected_version"`
}

// StopRequest is the body of POST /api/v1/spm/stop.
type StopRequest struct {
	// Force skips waiting for in-flight jobs and upgrades.
	Force bool `json:"force"`
}

// MigrateRequest is the body of POST /api/v1/spm/migrate.
type MigrateRequest struct {
	OldMaster  uuid.UUID `json:"old_master"`
	NewMaster  uuid.UUID `json:"new_master"`
	NewVersion int       `json:"new_version"`
}

// Start handles POST /api/v1/spm/start. The call blocks for the duration of
// the contention, bounded by the server's write timeout.
func (h *SPMHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.MaxHosts <= 0 {
		BadRequest(w, "max_hosts must be positive")
		return
	}

	err := h.pool.StartSPM(r.Context(), req.PrevID, req.PrevLver, req.MaxHosts, req.ExpectedVersion)
	if err != nil {
		writePoolError(w, err)
		return
	}

	st, _ := h.pool.Status(r.Context())
	WriteJSONOK(w, st)
}

// Stop handles POST /api/v1/spm/stop.
func (h *SPMHandler) Stop(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			BadRequest(w, "invalid request body: "+err.Error())
			return
		}
	}

	if err := h.pool.StopSPM(r.Context(), req.Force); err != nil {
		writePoolError(w, err)
		return
	}

	st, _ := h.pool.Status(r.Context())
	WriteJSONOK(w, st)
}

// Status handles GET /api/v1/spm.
func (h *SPMHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.pool.Status(r.Context())
	if err != nil {
		writePoolError(w, err)
		return
	}
	WriteJSONOK(w, st)
}

// Migrate handles POST /api/v1/spm/migrate.
func (h *SPMHandler) Migrate(w http.ResponseWriter, r *http.Request) {
	var req MigrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.OldMaster == uuid.Nil || req.NewMaster == uuid.Nil {
		BadRequest(w, "old_master and new_master are required")
		return
	}
	if req.OldMaster == req.NewMaster {
		BadRequest(w, "old_master and new_master must differ")
		return
	}

	if err := h.pool.MasterMigrate(r.Context(), req.OldMaster, req.NewMaster, req.NewVersion); err != nil {
		writePoolError(w, err)
		return
	}

	st, _ := h.pool.Status(r.Context())
	WriteJSONOK(w, st)
}

// writePoolError maps pool errors onto problem responses.
func writePoolError(w http.ResponseWriter, err error) {
	var verr *pool.VersionError
	switch {
	case errors.Is(err, pool.ErrPoolNotConnected):
		ServiceUnavailable(w, err.Error())
	case errors.Is(err, pool.ErrContending):
		Conflict(w, err.Error())
	case errors.Is(err, pool.ErrNotCoordinator):
		Conflict(w, err.Error())
	case errors.Is(err, pool.ErrUnknownDomain):
		NotFound(w, err.Error())
	case errors.Is(err, pool.ErrMailboxUnsupported):
		UnprocessableEntity(w, err.Error())
	case errors.As(err, &verr):
		Conflict(w, err.Error())
	default:
		InternalServerError(w, err.Error())
	}
}
