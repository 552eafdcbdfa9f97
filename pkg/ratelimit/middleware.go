package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/jwtauth/v5"
	"github.com/go-chi/render"
	"github.com/tendant/simple-impersonate/pkg/config"
)

// Middleware throttles API requests per client IP and per authenticated operator
type Middleware struct {
	config          config.RateLimitConfig
	ipLimiter       *KeyedLimiter
	operatorLimiter *KeyedLimiter
}

// NewMiddleware creates a throttling middleware from cfg
func NewMiddleware(cfg config.RateLimitConfig) *Middleware {
	m := &Middleware{config: cfg}
	if cfg.PerIPEnabled {
		m.ipLimiter = NewKeyedLimiter(cfg.PerIPCapacity, cfg.PerIPRefillRate, cfg.LimiterTTL)
	}
	if cfg.PerOperatorEnabled {
		m.operatorLimiter = NewKeyedLimiter(cfg.PerOperatorCapacity, cfg.PerOperatorRefillRate, cfg.LimiterTTL)
	}
	return m
}

// Run prunes idle limiter keys until ctx is done
func (m *Middleware) Run(ctx context.Context) {
	if m.ipLimiter != nil {
		go m.ipLimiter.Run(ctx)
	}
	if m.operatorLimiter != nil {
		go m.operatorLimiter.Run(ctx)
	}
}

// Handler returns the rate limiting middleware handler. The per-operator
// limit only applies behind jwtauth.Verifier.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r)
		if m.ipLimiter != nil && ip != "" {
			if ok, wait := m.ipLimiter.Allow(ip); !ok {
				m.rateLimitExceeded(w, r, "ip", wait)
				return
			}
		}

		operatorID := getOperatorID(r)
		if m.operatorLimiter != nil && operatorID != "" {
			if ok, wait := m.operatorLimiter.Allow(operatorID); !ok {
				m.rateLimitExceeded(w, r, "operator", wait)
				return
			}
		}

		if m.config.IncludeHeaders {
			if m.ipLimiter != nil && ip != "" {
				w.Header().Set("X-RateLimit-Limit-IP", strconv.Itoa(m.config.PerIPCapacity))
			}
			if m.operatorLimiter != nil && operatorID != "" {
				w.Header().Set("X-RateLimit-Limit-Operator", strconv.Itoa(m.config.PerOperatorCapacity))
			}
		}

		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(wait time.Duration) int {
	if wait <= 0 {
		return 1
	}
	secs := math.Ceil(wait.Seconds())
	if secs > 3600 {
		return 3600
	}
	return int(secs)
}

func (m *Middleware) rateLimitExceeded(w http.ResponseWriter, r *http.Request, limitType string, wait time.Duration) {
	slog.Warn("Rate limit exceeded",
		"type", limitType,
		"ip", getClientIP(r),
		"operator", getOperatorID(r),
		"path", r.URL.Path,
		"method", r.Method,
	)

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
	render.Status(r, http.StatusTooManyRequests)
	render.JSON(w, r, map[string]string{
		"error":   "rate_limit_exceeded",
		"message": "Too many requests. Please try again later.",
		"type":    limitType,
	})
}

// getClientIP extracts the client IP address from the request
func getClientIP(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs, take the first one
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	// RemoteAddr is "IP:port"
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}

// getOperatorID reads the operator id from the verified JWT in the request context
func getOperatorID(r *http.Request) string {
	_, claims, err := jwtauth.FromContext(r.Context())
	if err != nil || claims == nil {
		return ""
	}
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub
	}
	if id, ok := claims["operator_id"].(string); ok && id != "" {
		return id
	}
	return ""
}

// GetStats returns statistics about the limiters
func (m *Middleware) GetStats() map[string]Stats {
	stats := make(map[string]Stats)
	if m.ipLimiter != nil {
		stats["ip"] = m.ipLimiter.GetStats()
	}
	if m.operatorLimiter != nil {
		stats["operator"] = m.operatorLimiter.GetStats()
	}
	return stats
}

// Reset clears the limits for an IP or operator id
func (m *Middleware) Reset(key string) {
	if m.ipLimiter != nil {
		m.ipLimiter.Reset(key)
	}
	if m.operatorLimiter != nil {
		m.operatorLimiter.Reset(key)
	}
}
