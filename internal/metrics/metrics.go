// Package metrics exposes Prometheus collectors for the signup service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestDuration is request latency by route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "signup_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "route", "status"},
	)

	// SubscriptionOutcomes counts gateway results.
	SubscriptionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signup_subscription_outcomes_total",
			Help: "Subscribe and unsubscribe results by operation and outcome",
		},
		[]string{"operation", "outcome"}, // outcome: created, updated, unsubscribed, validation_error, rate_limited, not_found, storage_failure
	)

	// RateLimitDenials counts requests rejected by the limiter.
	RateLimitDenials = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signup_rate_limit_denials_total",
			Help: "Requests rejected by the subscribe rate limiter",
		},
	)

	// NotificationsSent counts dispatch attempts.
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signup_notifications_total",
			Help: "Email dispatch attempts by template and status",
		},
		[]string{"template", "status"}, // status: sent, failed, duplicate
	)

	// GeoLookups counts country lookups.
	GeoLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signup_geo_lookups_total",
			Help: "Country lookups by result",
		},
		[]string{"result"}, // result: resolved, skipped, failed
	)
)

// RecordOutcome increments the subscription outcome counter.
func RecordOutcome(operation, outcome string) {
	SubscriptionOutcomes.WithLabelValues(operation, outcome).Inc()
}

// RecordNotification increments the notification counter.
func RecordNotification(template, status string) {
	NotificationsSent.WithLabelValues(template, status).Inc()
}

// RecordGeoLookup increments the geo lookup counter.
func RecordGeoLookup(result string) {
	GeoLookups.WithLabelValues(result).Inc()
}

// Middleware observes request latency. The route label is the chi pattern,
// so path parameters do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
