package config

import "time"

// RateLimitConfig contains request throttling settings for the HTTP API.
// This throttles API calls; impersonation admission limits live in LimitsConfig.
type RateLimitConfig struct {
	// Per-IP rate limiting
	PerIPEnabled    bool    `env:"RATELIMIT_PER_IP_ENABLED" env-default:"true"`
	PerIPCapacity   int     `env:"RATELIMIT_PER_IP_CAPACITY" env-default:"100"`
	PerIPRefillRate float64 `env:"RATELIMIT_PER_IP_REFILL_RATE" env-default:"1.67"` // tokens per second

	// Per-operator rate limiting (for authenticated requests)
	PerOperatorEnabled    bool    `env:"RATELIMIT_PER_OPERATOR_ENABLED" env-default:"true"`
	PerOperatorCapacity   int     `env:"RATELIMIT_PER_OPERATOR_CAPACITY" env-default:"200"`
	PerOperatorRefillRate float64 `env:"RATELIMIT_PER_OPERATOR_REFILL_RATE" env-default:"3.33"` // tokens per second

	// LimiterTTL is how long an idle limiter is kept in memory
	LimiterTTL time.Duration `env:"RATELIMIT_LIMITER_TTL" env-default:"1h"`

	// IncludeHeaders controls whether rate limit headers are included in responses
	IncludeHeaders bool `env:"RATELIMIT_INCLUDE_HEADERS" env-default:"true"`
}

// DefaultRateLimitConfig returns a RateLimitConfig with sensible defaults
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		// Per-IP: ~100 requests per minute
		PerIPEnabled:    true,
		PerIPCapacity:   100,
		PerIPRefillRate: 1.67,

		// Per-operator: ~200 requests per minute
		PerOperatorEnabled:    true,
		PerOperatorCapacity:   200,
		PerOperatorRefillRate: 3.33,

		LimiterTTL:     time.Hour,
		IncludeHeaders: true,
	}
}
