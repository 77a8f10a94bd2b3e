package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cloudwalk/brlc-monorepo-sub002/gateway/client"
	"github.com/cloudwalk/brlc-monorepo-sub002/gateway/middleware"
	"github.com/cloudwalk/brlc-monorepo-sub002/gateway/store"
)

const (
	ScopeRead  = "lending:read"
	ScopeWrite = "lending:write"
)

type Config struct {
	Client        *client.Client
	Store         *store.Store
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	Logger        *slog.Logger
}

// New assembles the REST router. Every write route demands the write scope
// and an Idempotency-Key; reads only need the read scope.
func New(cfg Config) (http.Handler, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("routes: node client required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("routes: store required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{
		client: cfg.Client,
		store:  cfg.Store,
		logger: logger,
		nowFn:  time.Now,
	}

	r := chi.NewRouter()
	if cfg.Observability != nil {
		r.Use(cfg.Observability.Middleware("gateway"))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Observability != nil {
		r.Handle("/metrics", cfg.Observability.MetricsHandler())
	}

	r.Route("/v1", func(sr chi.Router) {
		sr.Group(func(g chi.Router) {
			if cfg.Authenticator != nil {
				g.Use(cfg.Authenticator.Middleware(ScopeWrite))
			}
			if cfg.RateLimiter != nil {
				g.Use(cfg.RateLimiter.Middleware())
			}
			g.Post("/loans", h.takeLoan)
			g.Post("/loans/{firstID}/revoke", h.revokeLoan)
			g.Post("/subloans/{subLoanID}/operations", h.submitOperations)
			g.Delete("/subloans/{subLoanID}/operations/{operationID}", h.voidOperation)
		})
		sr.Group(func(g chi.Router) {
			if cfg.Authenticator != nil {
				g.Use(cfg.Authenticator.Middleware(ScopeRead))
			}
			if cfg.RateLimiter != nil {
				g.Use(cfg.RateLimiter.Middleware())
			}
			g.Get("/subloans/{subLoanID}", h.subLoanPreview)
			g.Get("/loans/{firstID}", h.loanPreview)
		})
	})

	return r, nil
}
