package api

import (
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/countryballcards/signup/internal/domain"
	"github.com/countryballcards/signup/internal/gateway"
	"github.com/countryballcards/signup/internal/pkg/httputil"
	"github.com/countryballcards/signup/internal/pkg/logger"
	"github.com/countryballcards/signup/internal/service/subscriber"
)

// Public subscriber listing bounds (GET /subscribers).
const (
	defaultExportLimit = 100
	maxExportLimit     = 1000
)

// Subscribe handles POST /subscribe. JSON bodies follow
// gateway.SubscribeRequest; legacy HTML forms post email, source, page_url
// and timestamp as form fields.
func (h *Handlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSubscribe(w, r)
	if err != nil {
		httputil.BadRequest(w, "Invalid request body")
		return
	}

	rc := requestContext(r)
	env := h.gateway.Subscribe(r.Context(), req, rc)
	h.rateHeaders(w, r, rc.ClientIP, env)
	respondEnvelope(w, env)
}

func decodeSubscribe(w http.ResponseWriter, r *http.Request) (gateway.SubscribeRequest, error) {
	var req gateway.SubscribeRequest
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "application/x-www-form-urlencoded" {
		r.Body = http.MaxBytesReader(w, r.Body, httputil.MaxBodyBytes)
		if err := r.ParseForm(); err != nil {
			return req, err
		}
		req.Email = r.PostForm.Get("email")
		req.Source = r.PostForm.Get("source")
		req.FormData = map[string]any{}
		for _, k := range []string{"page_url", "timestamp"} {
			if v := r.PostForm.Get(k); v != "" {
				req.FormData[k] = v
			}
		}
		req.Campaign = map[string]any{}
		for k := range r.PostForm {
			if strings.HasPrefix(k, "utm_") {
				req.Campaign[k] = r.PostForm.Get(k)
			}
		}
		return req, nil
	}

	if err := httputil.Decode(r, &req); err != nil && !errors.Is(err, httputil.ErrEmptyBody) {
		return req, err
	}
	return req, nil
}

// rateHeaders advertises the client's remaining quota. Retry-After is only
// sent on a 429.
func (h *Handlers) rateHeaders(w http.ResponseWriter, r *http.Request, ip string, env gateway.Envelope) {
	if h.rate == nil {
		return
	}
	remaining := h.rate.Remaining(r.Context(), ip)
	reset := h.rate.ResetAt(r.Context(), ip)
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.rate.Limit()))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
	if env.ErrorKind == gateway.KindRateLimited {
		wait := int(time.Until(reset).Seconds() + 0.999)
		if wait < 1 {
			wait = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(wait))
	}
}

type unsubscribeRequest struct {
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

// Unsubscribe handles POST /unsubscribe.
func (h *Handlers) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req unsubscribeRequest
	if err := httputil.Decode(r, &req); err != nil && !errors.Is(err, httputil.ErrEmptyBody) {
		httputil.BadRequest(w, "Invalid request body")
		return
	}
	rc := requestContext(r)
	env := h.gateway.Unsubscribe(r.Context(), req.Email, req.Reason, rc)
	h.rateHeaders(w, r, rc.ClientIP, env)
	respondEnvelope(w, env)
}

// UnsubscribeLink handles the one-click GET /unsubscribe?email=&sig= link
// embedded in every email.
func (h *Handlers) UnsubscribeLink(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	email := strings.TrimSpace(q.Get("email"))
	if email == "" {
		httputil.BadRequest(w, gateway.MsgEmailRequired)
		return
	}
	if h.signer == nil {
		respondUnavailable(w, "Unsubscribe links are not configured")
		return
	}
	if err := h.signer.Verify(email, q.Get("sig")); err != nil {
		logger.Warn("api: unsubscribe link rejected", "email", email, "error", err)
		h.subs.RecordAction(r.Context(), email, domain.ActionUnsubscribeRejected, "bad signature", clientIP(r), false)
		httputil.BadRequest(w, "Invalid unsubscribe link")
		return
	}

	rc := requestContext(r)
	env := h.gateway.Unsubscribe(r.Context(), email, "One-click link", rc)
	h.rateHeaders(w, r, rc.ClientIP, env)
	respondEnvelope(w, env)
}

// Stats handles GET /stats.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.subs.Stats(r.Context())
	if err != nil {
		respondServiceError(w, err, "Failed to get stats")
		return
	}
	httputil.Success(w, st)
}

// Subscribers handles GET /subscribers, the credentialed bulk listing used
// by scripts. Filters: status, source, since, limit.
func (h *Handlers) Subscribers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status, ok := parseStatus(w, q.Get("status"))
	if !ok {
		return
	}
	since, ok := parseSince(q.Get("since"))
	if !ok {
		httputil.BadRequest(w, "Invalid since; use RFC 3339 or YYYY-MM-DD")
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit < 1 {
		limit = defaultExportLimit
	}
	if limit > maxExportLimit {
		limit = maxExportLimit
	}

	subs, total, err := h.subs.List(r.Context(), subscriber.ListFilter{
		Status: status,
		Source: strings.TrimSpace(q.Get("source")),
		Since:  since,
		Limit:  limit,
	})
	if err != nil {
		respondServiceError(w, err, "Failed to get subscribers")
		return
	}
	httputil.Success(w, map[string]any{"subscribers": subs, "total": total})
}
