package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/svettore/spoold/internal/logger"
	"github.com/svettore/spoold/pkg/mailbox"
	"github.com/svettore/spoold/pkg/pool"
)

// VolumeHandler submits volume grow requests through the pool mailbox.
type VolumeHandler struct {
	pool pool.Pool
}

// NewVolumeHandler creates a handler bound to the given pool.
func NewVolumeHandler(p pool.Pool) *VolumeHandler {
	return &VolumeHandler{pool: p}
}

// ExtendRequest is the body of POST /api/v1/volumes/extend.
type ExtendRequest struct {
	Domain  uuid.UUID `json:"domain"`
	Volume  uuid.UUID `json:"volume"`
	NewSize uint64    `json:"new_size"`
}

// ExtendResponse acknowledges a queued extend request.
type ExtendResponse struct {
	Domain  uuid.UUID `json:"domain"`
	Volume  uuid.UUID `json:"volume"`
	NewSize uint64    `json:"new_size"`
	Queued  bool      `json:"queued"`
}

// Extend handles POST /api/v1/volumes/extend.
//
// The request is queued into this host's mailbox and the response is 202
// Accepted: the grant arrives asynchronously when the coordinator replies,
// possibly on another poll cycle entirely.
func (h *VolumeHandler) Extend(w http.ResponseWriter, r *http.Request) {
	var req ExtendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Domain == uuid.Nil || req.Volume == uuid.Nil {
		BadRequest(w, "domain and volume are required")
		return
	}
	if req.NewSize == 0 {
		BadRequest(w, "new_size must be positive")
		return
	}

	err := h.pool.SendExtend(req.Domain, req.Volume, req.NewSize, func(reply mailbox.Message) {
		if reply.Size == 0 {
			logger.Warn("volume extend denied by coordinator",
				logger.KeyDomain, reply.Domain, logger.KeyVolume, reply.Volume)
			return
		}
		logger.Info("volume extend granted",
			logger.KeyDomain, reply.Domain, logger.KeyVolume, reply.Volume,
			logger.KeySize, reply.Size)
	})
	if err != nil {
		switch {
		case errors.Is(err, mailbox.ErrMailboxFull):
			ServiceUnavailable(w, err.Error())
		case errors.Is(err, mailbox.ErrStopped):
			ServiceUnavailable(w, err.Error())
		default:
			writePoolError(w, err)
		}
		return
	}

	WriteJSONAccepted(w, ExtendResponse{
		Domain:  req.Domain,
		Volume:  req.Volume,
		NewSize: req.NewSize,
		Queued:  true,
	})
}
