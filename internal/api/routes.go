package api

import (
	"github.com/countryballcards/signup/internal/auth"
	"github.com/countryballcards/signup/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouteOptions carries the cross-cutting pieces of the router.
type RouteOptions struct {
	AllowedOrigins []string
	Version        string
}

// SetupRoutes configures all routes. Everything under /admin, plus the bulk
// GET /subscribers listing, requires the API key or an admin session.
func SetupRoutes(h *Handlers, hc *HealthChecker, am *auth.AuthManager, opts RouteOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(serverIdentity(opts.Version))

	// CORS - credentials allowed for the admin session cookie, so origins
	// must be explicit.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-API-Key", "X-Requested-With"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health and metrics (no auth required)
	r.Get("/health", hc.HandleHealth)
	r.Get("/health/live", hc.HandleLiveness)
	r.Get("/health/ready", hc.HandleReadiness)
	r.Handle("/metrics", metrics.Handler())

	// Public subscription endpoints
	r.Post("/subscribe", h.Subscribe)
	r.Post("/unsubscribe", h.Unsubscribe)
	r.Get("/unsubscribe", h.UnsubscribeLink)
	r.Get("/stats", h.Stats)

	// Auth routes
	r.Get("/auth/login", am.HandleLogin)
	r.Get("/auth/callback", am.HandleCallback)
	r.Get("/auth/logout", am.HandleLogout)
	r.Get("/auth/me", am.HandleUserInfo)

	r.With(am.RequireAdmin).Get("/subscribers", h.Subscribers)

	r.Route("/admin", func(r chi.Router) {
		r.Use(am.RequireAdmin)

		r.Route("/subscribers", func(r chi.Router) {
			r.Get("/", h.ListSubscribers)
			r.Get("/recent", h.RecentSubscribers)
			r.Get("/search", h.SearchSubscribers)
			r.Get("/{email}", h.GetSubscriber)
			r.Get("/{email}/actions", h.SubscriberActions)
			r.Put("/{email}/status", h.UpdateStatus)
			r.Delete("/{email}", h.DeleteSubscriber)
		})

		r.Get("/stats", h.Stats)
		r.Get("/export", h.Export)
		r.Post("/export/archive", h.ArchiveExport)
		r.Get("/broadcast", h.BroadcastStatus)
		r.Post("/broadcast", h.StartBroadcast)
	})

	return r
}
