package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ultra-agency/ultra/internal/accounts"
	"github.com/ultra-agency/ultra/internal/audit"
	"github.com/ultra-agency/ultra/internal/auth"
	"github.com/ultra-agency/ultra/internal/documents"
	"github.com/ultra-agency/ultra/internal/matches"
	"github.com/ultra-agency/ultra/internal/messages"
	"github.com/ultra-agency/ultra/internal/observability"
	"github.com/ultra-agency/ultra/internal/platform/httpx"
	"github.com/ultra-agency/ultra/internal/policy"
	"github.com/ultra-agency/ultra/internal/rbac"
	"github.com/ultra-agency/ultra/internal/rewards"
	"github.com/ultra-agency/ultra/internal/schedules"
	"github.com/ultra-agency/ultra/internal/shared"
	"github.com/ultra-agency/ultra/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager
	RBACMiddleware rbac.Middleware
	Metrics        *observability.Metrics

	AuthHandler      *auth.Handler
	AccountsHandler  *accounts.Handler
	AuditHandler     *audit.Handler
	SchedulesHandler *schedules.Handler
	RewardsHandler   *rewards.Handler
	MatchesHandler   *matches.Handler
	MessagesHandler  *messages.Handler
	DocumentsHandler *documents.Handler
	RealtimeHandler  http.Handler
	JobHandler       *jobs.Handler
}

// NewRouter constructs the chi.Router with ULTRA defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}
	r.Use(chimw.Logger)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusMethodNotAllowed, "Method Not Allowed", "")
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	timeout := RequestTimeout(params.Config)
	if params.AuthHandler != nil {
		r.With(timeout).Route("/auth", params.AuthHandler.MountRoutes)
	}

	r.Route("/api", func(api chi.Router) {
		api.Use(params.RBACMiddleware.Authenticate)
		if params.RealtimeHandler != nil {
			api.Method(http.MethodGet, "/realtime", params.RealtimeHandler)
		}
		api.Group(func(api chi.Router) {
			api.Use(timeout)
			if params.AccountsHandler != nil {
				api.Get("/me", params.AccountsHandler.ShowMe)
				api.Route("/accounts", params.AccountsHandler.MountRoutes)
			}
			if params.AuditHandler != nil {
				api.Route("/audit", params.AuditHandler.MountRoutes)
			}
			if params.RewardsHandler != nil {
				api.Get("/dashboard", params.RewardsHandler.ShowDashboard)
				api.Route("/rewards", params.RewardsHandler.MountRoutes)
			}
			if params.SchedulesHandler != nil {
				api.Route("/schedules", params.SchedulesHandler.MountRoutes)
			}
			if params.MatchesHandler != nil {
				api.Route("/matches", params.MatchesHandler.MountRoutes)
			}
			if params.MessagesHandler != nil {
				api.Route("/messages", params.MessagesHandler.MountRoutes)
			}
			if params.DocumentsHandler != nil {
				api.Route("/documents", params.DocumentsHandler.MountRoutes)
			}
		})
	})

	if params.JobHandler != nil {
		r.Route("/jobs", func(r chi.Router) {
			r.Use(params.RBACMiddleware.Authenticate)
			r.Use(params.RBACMiddleware.Require("accounts.manage", policy.CanManageAccounts))
			params.JobHandler.MountRoutes(r)
		})
	}
	return r
}
