// Package server builds the HTTP routers for the backend API and the mock
// identity provider.
package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/alexjbarnes/authflow/internal/auth"
	"github.com/alexjbarnes/authflow/internal/idp"
	"github.com/alexjbarnes/authflow/internal/metrics"
)

// APIConfig holds dependencies for building the backend router.
type APIConfig struct {
	API         *auth.API
	Service     *auth.Service
	Metrics     *metrics.Metrics
	CORSOrigins []string
	Logger      *slog.Logger
}

// NewAPIRouter mounts the auth endpoints and the demo resources under
// /api. Resource routes and the session endpoints sit behind bearer
// token middleware.
func NewAPIRouter(cfg APIConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, requestLogger(cfg.Logger))
	r.Use(cors(cfg.CORSOrigins, backendHeaders))

	requireToken := auth.Middleware(cfg.Service, cfg.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", health)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", cfg.API.Login)
			r.Post("/refresh", cfg.API.Refresh)
			r.Post("/invalidate-token", cfg.API.InvalidateToken)
			r.Get("/oauth/{provider}", cfg.API.OAuthStart)
			r.Get("/callback/{provider}", cfg.API.OAuthCallback)

			r.Group(func(r chi.Router) {
				r.Use(requireToken)
				r.Post("/logout", cfg.API.Logout)
				r.Get("/sessions", cfg.API.Sessions)
				r.Post("/sessions/revoke", cfg.API.RevokeSession)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(requireToken)
			r.Get("/users/list", listUsers)
			r.Get("/users/profile", profile)
			r.Get("/customers/list", listCustomers)
		})
	})

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	return r
}

// IdPConfig holds dependencies for building the identity provider router.
type IdPConfig struct {
	Server      *idp.Server
	Metrics     *metrics.Metrics
	CORSOrigins []string
	Logger      *slog.Logger
}

// NewIdPRouter mounts the OAuth 2.0 and OIDC endpoints of the mock
// identity provider.
func NewIdPRouter(cfg IdPConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, requestLogger(cfg.Logger))
	r.Use(cors(cfg.CORSOrigins, idpHeaders))

	r.Get("/health", health)
	r.Get("/.well-known/openid-configuration", cfg.Server.Discovery)

	r.Route("/oauth", func(r chi.Router) {
		r.Get("/authorize", cfg.Server.Authorize)
		r.Post("/authorize/confirm", cfg.Server.Confirm)
		r.Post("/token", cfg.Server.Token)
		r.Get("/userinfo", cfg.Server.UserInfo)
	})

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	return r
}

func health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
