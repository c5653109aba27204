/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the dashboard
  5. Timeout:    Per-request context deadline
  6. Auth:       Bearer JWT -> engine.Actor (under /api)
  7. RateLimit:  Per-IP limit on mutating routes

ROUTE GROUPS:
  /health               Liveness
  /metrics              Prometheus scrape endpoint (when enabled)
  /api/ranks            Rank table
  /api/members/*        Member management and points
  /api/deductions/*     Deduction requests
  /api/admin/*          Maintenance
  /api/scenarios/*      Demo scenarios

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Bearer token verification
  - cmd/rankd/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterConfig carries the transport settings for NewRouter.
type RouterConfig struct {
	Auth           *Authenticator
	AllowedOrigins []string
	RequestTimeout time.Duration

	// RateLimit is mutating requests per minute per client IP; 0 disables.
	RateLimit int

	// Metrics, when set, is served on /metrics.
	Metrics prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}))
	r.Use(withTimeout(cfg.RequestTimeout))

	r.Get("/health", h.Health)
	if cfg.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{}))
	}

	limit := rateLimit(cfg.RateLimit, h.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(cfg.Auth.Middleware)

		r.Get("/ranks", h.ListRanks)

		r.Route("/members", func(r chi.Router) {
			r.Get("/", h.ListMembers)
			r.Get("/{id}", h.GetMember)
			r.Get("/{id}/history", h.GetHistory)
			r.Get("/{id}/standing", h.GetStanding)

			r.Group(func(r chi.Router) {
				r.Use(limit)
				r.Post("/", h.CreateMember)
				r.Put("/{id}/status", h.SetStatus)
				r.Post("/{id}/points", h.ChangePoints)
				r.Post("/{id}/rank", h.AssignRank)
			})
		})

		r.Route("/deductions", func(r chi.Router) {
			r.Get("/", h.ListDeductions)
			r.Get("/{id}", h.GetDeduction)

			r.Group(func(r chi.Router) {
				r.Use(limit)
				r.Post("/", h.CreateDeduction)
				r.Post("/{id}/review", h.ReviewDeduction)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/maintenance", h.RunMaintenance)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// rateLimit returns a per-IP limiter, or a pass-through when perMinute is 0.
func rateLimit(perMinute int, logger *zap.Logger) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		perMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			logger.Warn("rate limit exceeded",
				zap.String("ip", r.RemoteAddr),
				zap.String("path", r.URL.Path),
				zap.String("method", r.Method),
			)
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded, please try again later", nil)
		}),
	)
}
