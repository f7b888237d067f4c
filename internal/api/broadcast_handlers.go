package api

import (
	"net/http"

	"github.com/countryballcards/signup/internal/pkg/httputil"
	"github.com/countryballcards/signup/internal/service/broadcast"
)

// StartBroadcast handles POST /admin/broadcast. The send runs in the
// background; poll GET /admin/broadcast for progress.
func (h *Handlers) StartBroadcast(w http.ResponseWriter, r *http.Request) {
	if h.broadcasts == nil {
		respondUnavailable(w, "Broadcasts are not configured")
		return
	}
	var req broadcast.Request
	if err := httputil.Decode(r, &req); err != nil {
		httputil.BadRequest(w, "Invalid request body")
		return
	}
	res, err := h.broadcasts.Start(req)
	if err != nil {
		respondServiceError(w, err, "Broadcast failed")
		return
	}
	httputil.SuccessStatus(w, http.StatusAccepted, res)
}

// BroadcastStatus handles GET /admin/broadcast.
func (h *Handlers) BroadcastStatus(w http.ResponseWriter, r *http.Request) {
	if h.broadcasts == nil {
		respondUnavailable(w, "Broadcasts are not configured")
		return
	}
	last := h.broadcasts.Last()
	if last == nil {
		httputil.NotFound(w, "No broadcast has run")
		return
	}
	httputil.Success(w, last)
}
