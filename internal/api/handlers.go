package api

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/countryballcards/signup/internal/domain"
	"github.com/countryballcards/signup/internal/gateway"
	"github.com/countryballcards/signup/internal/notify"
	"github.com/countryballcards/signup/internal/pkg/httputil"
	"github.com/countryballcards/signup/internal/service/broadcast"
	"github.com/countryballcards/signup/internal/service/subscriber"
	"github.com/go-chi/chi/v5"
)

// RateInfo reports limiter state for response headers.
type RateInfo interface {
	Limit() int
	Remaining(ctx context.Context, identifier string) int
	ResetAt(ctx context.Context, identifier string) time.Time
}

// Archiver uploads CSV snapshots to object storage.
type Archiver interface {
	Archive(ctx context.Context, subs []domain.Subscriber, t time.Time) (string, error)
}

// HandlerDeps wires the services behind the HTTP surface. Archiver and
// Broadcasts may be nil; their endpoints then answer 503.
type HandlerDeps struct {
	Gateway     *gateway.Gateway
	Subscribers *subscriber.Service
	RateInfo    RateInfo
	Broadcasts  *broadcast.Service
	Archiver    Archiver
	Signer      *notify.LinkSigner
}

// Handlers contains all HTTP handlers
type Handlers struct {
	gateway    *gateway.Gateway
	subs       *subscriber.Service
	rate       RateInfo
	broadcasts *broadcast.Service
	archiver   Archiver
	signer     *notify.LinkSigner
	now        func() time.Time
}

// NewHandlers creates a new Handlers instance
func NewHandlers(d HandlerDeps) *Handlers {
	return &Handlers{
		gateway:    d.Gateway,
		subs:       d.Subscribers,
		rate:       d.RateInfo,
		broadcasts: d.Broadcasts,
		archiver:   d.Archiver,
		signer:     d.Signer,
		now:        time.Now,
	}
}

// requestContext snapshots the parts of r the gateway records. RealIP
// middleware has already rewritten RemoteAddr from proxy headers.
func requestContext(r *http.Request) gateway.RequestContext {
	return gateway.RequestContext{
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
		Referrer:  r.Referer(),
		Query:     r.URL.Query(),
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

// emailParam reads the {email} path segment.
func emailParam(r *http.Request) string {
	raw := chi.URLParam(r, "email")
	if v, err := url.PathUnescape(raw); err == nil {
		raw = v
	}
	return strings.TrimSpace(raw)
}

// parseSince accepts RFC 3339 timestamps or plain dates.
func parseSince(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, true
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// parseStatus validates an optional status query value.
func parseStatus(w http.ResponseWriter, v string) (domain.SubscriberStatus, bool) {
	st := domain.SubscriberStatus(strings.ToLower(strings.TrimSpace(v)))
	if st != "" && !st.Valid() {
		httputil.BadRequest(w, "Invalid status")
		return "", false
	}
	return st, true
}
