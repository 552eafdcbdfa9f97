package audit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/jwtauth/v5"
)

// Config holds the configuration for the audit middleware
type Config struct {
	// Source identifies this service in audit records
	Source string
	// Sink receives the request events
	Sink Sink
}

// Middleware handles HTTP request auditing
type Middleware struct {
	config Config
}

// NewMiddleware creates a new audit middleware instance
func NewMiddleware(config Config) (*Middleware, error) {
	if config.Sink == nil {
		return nil, fmt.Errorf("audit sink is required")
	}
	if config.Source == "" {
		config.Source = "impersonation-guard"
	}
	return &Middleware{
		config: config,
	}, nil
}

// AuditAuthMiddleware audits every request. The operator comes from the
// verified JWT, so it must run after jwtauth.Verifier.
func (m *Middleware) AuditAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		event := Event{
			Action:    ActionHTTPRequest,
			Timestamp: time.Now().UTC(),
		}
		event = event.WithMetadata("uri", r.RequestURI).
			WithMetadata("method", r.Method).
			WithMetadata("source", m.config.Source)

		if _, claims, err := jwtauth.FromContext(ctx); err == nil && claims != nil {
			if sub, ok := claims["sub"].(string); ok {
				event.OperatorID = sub
			}
		} else {
			event.Outcome = "no jwt token"
		}

		// record asynchronously; the request context may end first
		go m.auditRequest(context.WithoutCancel(ctx), event)

		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) auditRequest(ctx context.Context, event Event) {
	if _, err := m.config.Sink.Record(ctx, event); err != nil {
		slog.Error("Failed to record audit event", "action", event.Action, "error", err)
	}
}
