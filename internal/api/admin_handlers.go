package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/countryballcards/signup/internal/domain"
	"github.com/countryballcards/signup/internal/pkg/httputil"
	"github.com/countryballcards/signup/internal/service/subscriber"
)

// ListSubscribers handles GET /admin/subscribers.
func (h *Handlers) ListSubscribers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status, ok := parseStatus(w, q.Get("status"))
	if !ok {
		return
	}
	p := ParsePagination(r, adminDefaultLimit, adminMinLimit, adminMaxLimit)

	subs, total, err := h.subs.List(r.Context(), subscriber.ListFilter{
		Status: status,
		Source: strings.TrimSpace(q.Get("source")),
		Search: strings.TrimSpace(q.Get("search")),
		Limit:  p.Limit,
		Offset: p.Offset,
	})
	if err != nil {
		respondServiceError(w, err, "Failed to list subscribers")
		return
	}
	httputil.Success(w, NewPaginatedResponse(subs, p, total))
}

// RecentSubscribers handles GET /admin/subscribers/recent.
func (h *Handlers) RecentSubscribers(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if n > adminMaxLimit {
		n = adminMaxLimit
	}
	subs, err := h.subs.Recent(r.Context(), n)
	if err != nil {
		respondServiceError(w, err, "Failed to get recent subscribers")
		return
	}
	httputil.Success(w, subs)
}

// SearchSubscribers handles GET /admin/subscribers/search?q=.
func (h *Handlers) SearchSubscribers(w http.ResponseWriter, r *http.Request) {
	subs, err := h.subs.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		respondServiceError(w, err, "Search failed")
		return
	}
	httputil.Success(w, subs)
}

// GetSubscriber handles GET /admin/subscribers/{email}.
func (h *Handlers) GetSubscriber(w http.ResponseWriter, r *http.Request) {
	sub, err := h.subs.Find(r.Context(), emailParam(r))
	if err != nil {
		respondServiceError(w, err, "Failed to get subscriber")
		return
	}
	httputil.Success(w, sub)
}

// SubscriberActions handles GET /admin/subscribers/{email}/actions.
func (h *Handlers) SubscriberActions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.subs.Actions(r.Context(), emailParam(r), limit)
	if err != nil {
		respondServiceError(w, err, "Failed to get actions")
		return
	}
	if entries == nil {
		entries = []domain.ActionLogEntry{}
	}
	httputil.Success(w, entries)
}

type statusRequest struct {
	Status domain.SubscriberStatus `json:"status"`
}

// UpdateStatus handles PUT /admin/subscribers/{email}/status.
func (h *Handlers) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.BadRequest(w, "Invalid request body")
		return
	}
	sub, err := h.subs.SetStatus(r.Context(), emailParam(r), req.Status)
	if err != nil {
		respondServiceError(w, err, "Failed to update status")
		return
	}
	httputil.Success(w, sub)
}

// DeleteSubscriber handles DELETE /admin/subscribers/{email}.
func (h *Handlers) DeleteSubscriber(w http.ResponseWriter, r *http.Request) {
	email := emailParam(r)
	if err := h.subs.Delete(r.Context(), email); err != nil {
		respondServiceError(w, err, "Failed to delete subscriber")
		return
	}
	httputil.Success(w, map[string]string{"message": "Subscriber deleted", "email": email})
}
