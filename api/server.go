/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RealIP
  3. AccessLog:     One zap line per request
  4. Recoverer:     Panic recovery (500 instead of crash)
  5. CORS:          Cross-origin requests for a frontend
  6. Authenticate:  Bearer token -> Principal (everything under /api)
  7. RateLimit:     Token bucket per actor, when RateLimit > 0
  8. Idempotency:   Only on POST /api/requests, only when Redis is configured

ROUTE GROUPS:
  /healthz              Liveness + storage ping (no auth)
  /api/requests/*       Submit, fetch, decide, cancel
  /api/employees/*      Per-employee requests and balances
  /api/admin/*          Reconciliation (when a scheduler is configured)

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type RouterConfig struct {
	JWTSecret []byte

	// Redis enables Idempotency-Key handling on submissions. Nil disables it.
	Redis          redis.Cmdable
	IdempotencyTTL time.Duration

	AllowedOrigins []string

	// RateLimit is requests per second per actor. Zero disables limiting.
	RateLimit rate.Limit
	RateBurst int

	// Health is pinged by /healthz. Nil always reports healthy.
	Health func(ctx context.Context) error

	Logger *zap.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.L()
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(AccessLog(logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", IdempotencyHeader},
		ExposedHeaders:   []string{ReplayedHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", healthz(cfg.Health))

	r.Route("/api", func(r chi.Router) {
		r.Use(Authenticate(cfg.JWTSecret))
		if cfg.RateLimit > 0 {
			r.Use(RateLimitByActor(cfg.RateLimit, max(cfg.RateBurst, 1)))
		}

		// Request routes
		r.Route("/requests", func(r chi.Router) {
			submit := http.HandlerFunc(h.SubmitRequest)
			if cfg.Redis != nil {
				r.With(Idempotency(cfg.Redis, cfg.IdempotencyTTL, logger.Named("idempotency"))).Post("/", submit)
			} else {
				r.Post("/", submit)
			}
			r.Get("/{id}", h.GetRequest)
			r.Post("/{id}/decision", h.DecideRequest)
			r.Post("/{id}/cancel", h.CancelRequest)
		})

		// Employee routes
		r.Route("/employees/{id}", func(r chi.Router) {
			r.Get("/requests", h.ListEmployeeRequests)
			r.Get("/balances/{type}", h.GetBalance)
			r.Get("/balances/{type}/entries", h.GetBalanceEntries)
		})

		// Admin routes
		if h.scheduler != nil {
			r.Route("/admin/reconciliation", func(r chi.Router) {
				r.Get("/", h.GetReconciliation)
				r.Post("/run", h.RunReconciliation)
			})
		}
	})

	return r
}

func healthz(ping func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
