package config

import "time"

// LimitsConfig holds the base admission limits. Per-call overrides are merged
// over these values by the admission engine.
type LimitsConfig struct {
	MaxSessionsPerHour        int `env:"IMPERSONATION_MAX_SESSIONS_PER_HOUR" env-default:"10"`
	MaxConcurrentSessions     int `env:"IMPERSONATION_MAX_CONCURRENT_SESSIONS" env-default:"5"`
	MaxSessionDurationMinutes int `env:"IMPERSONATION_MAX_SESSION_DURATION_MINUTES" env-default:"30"`
	WindowSizeMinutes         int `env:"IMPERSONATION_WINDOW_SIZE_MINUTES" env-default:"60"`
}

// DefaultLimitsConfig returns the documented defaults (10/hr, 5 concurrent, 30 min, 60 min window)
func DefaultLimitsConfig() LimitsConfig {
	return LimitsConfig{
		MaxSessionsPerHour:        10,
		MaxConcurrentSessions:     5,
		MaxSessionDurationMinutes: 30,
		WindowSizeMinutes:         60,
	}
}

// Validate requires every limit to be positive
func (c LimitsConfig) Validate() error {
	return Validate(func() ValidationErrors {
		return CollectErrors(
			RequirePositive("max_sessions_per_hour", c.MaxSessionsPerHour),
			RequirePositive("max_concurrent_sessions", c.MaxConcurrentSessions),
			RequirePositive("max_session_duration_minutes", c.MaxSessionDurationMinutes),
			RequirePositive("window_size_minutes", c.WindowSizeMinutes),
		)
	})
}

// EngineConfig contains runtime settings for the admission engine and its sweeper
type EngineConfig struct {
	// CleanupInterval is how often expired sessions are swept
	CleanupInterval time.Duration `env:"IMPERSONATION_CLEANUP_INTERVAL" env-default:"1m"`
	// StorageTimeout bounds each engine call whose context has no deadline
	StorageTimeout time.Duration `env:"IMPERSONATION_STORAGE_TIMEOUT" env-default:"5s"`
}

// Validate requires positive durations
func (c EngineConfig) Validate() error {
	return Validate(func() ValidationErrors {
		return CollectErrors(
			RequirePositiveDuration("IMPERSONATION_CLEANUP_INTERVAL", c.CleanupInterval),
			RequirePositiveDuration("IMPERSONATION_STORAGE_TIMEOUT", c.StorageTimeout),
		)
	})
}

// TenantConfig lists the tenants impersonation may start in. An empty list
// accepts every tenant.
type TenantConfig struct {
	AllowedTenants []string `env:"IMPERSONATION_ALLOWED_TENANTS" env-separator:","`
}

// TelemetryConfig configures the OTLP metrics exporter. Metrics are not
// exported when OTLPEndpoint is empty.
type TelemetryConfig struct {
	ServiceName    string        `env:"OTEL_SERVICE_NAME" env-default:"impersonation-guard"`
	OTLPEndpoint   string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure       bool          `env:"OTEL_EXPORTER_OTLP_INSECURE" env-default:"true"`
	ExportInterval time.Duration `env:"OTEL_METRIC_EXPORT_INTERVAL" env-default:"10s"`
}
