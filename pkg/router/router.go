// Package router mounts the impersonation API and its middleware stack on a chi router.
package router

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/go-chi/render"
	"github.com/tendant/simple-impersonate/pkg/audit"
	impersonateapi "github.com/tendant/simple-impersonate/pkg/impersonate/api"
	"github.com/tendant/simple-impersonate/pkg/ratelimit"
)

// DefaultPrefix is where the impersonation API is mounted when Config.Prefix is empty
const DefaultPrefix = "/api/v1/impersonation"

// Config holds all the dependencies needed to setup routes
type Config struct {
	// Prefix the impersonation API is mounted under
	Prefix string

	// ImpersonateHandle serves the API
	ImpersonateHandle *impersonateapi.Handle

	// JWT authentication; the token subject is the operator
	Auth *jwtauth.JWTAuth

	// Optional middleware, skipped when nil
	RateLimit *ratelimit.Middleware
	Audit     *audit.Middleware
}

// SetupRoutes mounts the authenticated impersonation API on the provided router.
// Tokens are verified before throttling so per-operator limits see the subject.
func SetupRoutes(router chi.Router, cfg Config) {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}

	router.Group(func(r chi.Router) {
		r.Use(jwtauth.Verifier(cfg.Auth))
		if cfg.RateLimit != nil {
			r.Use(cfg.RateLimit.Handler)
		}
		r.Use(jwtauth.Authenticator(cfg.Auth))
		if cfg.Audit != nil {
			r.Use(cfg.Audit.AuditAuthMiddleware)
		}

		// Private endpoint for testing authentication
		r.Get("/private", func(w http.ResponseWriter, r *http.Request) {
			render.PlainText(w, r, http.StatusText(http.StatusOK))
		})

		r.Mount(prefix, impersonateapi.Handler(cfg.ImpersonateHandle))
		if cfg.RateLimit != nil {
			r.Mount(prefix+"/admin/throttle", ratelimit.AdminHandler(cfg.RateLimit))
		}
	})

	slog.Info("Impersonation routes mounted", "prefix", prefix,
		"rate_limit", cfg.RateLimit != nil, "audit", cfg.Audit != nil)
}
