package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/vanguard-airsoft/vanguard/internal/account"
	"github.com/vanguard-airsoft/vanguard/internal/admin"
	"github.com/vanguard-airsoft/vanguard/internal/guard"
	"github.com/vanguard-airsoft/vanguard/internal/observability"
	"github.com/vanguard-airsoft/vanguard/internal/roles"
	"github.com/vanguard-airsoft/vanguard/internal/shared"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager
	AccountHandler *account.Handler
	AdminHandler   *admin.Handler
	Guard          guard.Guard
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router with application defaults.
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

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		shared.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	// Public landing: surfaces one-time denial notices left by the guard.
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{"status": "ok"}
		if sess := shared.SessionFromContext(r.Context()); sess != nil {
			if token, err := params.CSRFManager.EnsureToken(r.Context(), sess); err == nil {
				payload["csrf_token"] = token
			}
			if flash := sess.PopFlash(); flash != nil {
				payload["notice"] = flash
			}
		}
		shared.RespondJSON(w, http.StatusOK, payload)
	})

	r.Route("/auth", params.AccountHandler.MountAuthRoutes)

	r.Route("/profile", func(r chi.Router) {
		r.Use(params.Guard.RequireRole(roles.RoleUser))
		params.AccountHandler.MountProfileRoutes(r)
	})

	r.Route("/admin", params.AdminHandler.MountRoutes)

	return r
}
