package config

import (
	"testing"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitsConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultLimitsConfig().Validate())

	cfg := DefaultLimitsConfig()
	cfg.MaxConcurrentSessions = 0
	cfg.WindowSizeMinutes = -5
	err := cfg.Validate()
	require.Error(t, err)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Len(t, verrs, 2)
	assert.Equal(t, "max_concurrent_sessions", verrs[0].Field)
	assert.Equal(t, "window_size_minutes", verrs[1].Field)
}

func TestEngineConfig_Validate(t *testing.T) {
	assert.NoError(t, EngineConfig{CleanupInterval: time.Minute, StorageTimeout: time.Second}.Validate())
	assert.Error(t, EngineConfig{CleanupInterval: 0, StorageTimeout: time.Second}.Validate())
}

func TestStorageConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     StorageConfig
		wantErr bool
	}{
		{name: "memory", cfg: StorageConfig{Backend: "memory"}},
		{name: "sqlite with path", cfg: StorageConfig{Backend: "sqlite", SQLitePath: "x.db"}},
		{name: "sqlite without path", cfg: StorageConfig{Backend: "sqlite"}, wantErr: true},
		{name: "postgres", cfg: StorageConfig{Backend: "postgres", Postgres: DatabaseConfig{
			Host: "localhost", Port: 5432, Database: "db", User: "u",
		}}},
		{name: "postgres missing port", cfg: StorageConfig{Backend: "postgres", Postgres: DatabaseConfig{
			Host: "localhost", Database: "db", User: "u",
		}}, wantErr: true},
		{name: "unknown backend", cfg: StorageConfig{Backend: "redis"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDatabaseConfig_ToDatabaseURL(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5433, Database: "imp", User: "u", Password: "p", Schema: "guard"}
	assert.Equal(t, "postgres://u:p@db:5433/imp?sslmode=disable&search_path=guard,public", d.ToDatabaseURL())
}

func TestJWTConfig_Validate(t *testing.T) {
	assert.NoError(t, JWTConfig{Secret: "s"}.Validate())
	assert.Error(t, JWTConfig{}.Validate())
}

func TestReadEnv(t *testing.T) {
	t.Setenv("IMPERSONATION_ALLOWED_TENANTS", "t1,t2")
	t.Setenv("IMPERSONATION_MAX_CONCURRENT_SESSIONS", "7")
	t.Setenv("IMPERSONATION_CLEANUP_INTERVAL", "30s")
	t.Setenv("RATELIMIT_PER_IP_ENABLED", "false")

	var cfg struct {
		Limits    LimitsConfig
		Engine    EngineConfig
		Tenants   TenantConfig
		RateLimit RateLimitConfig
		Telemetry TelemetryConfig
	}
	require.NoError(t, cleanenv.ReadEnv(&cfg))

	assert.Equal(t, []string{"t1", "t2"}, cfg.Tenants.AllowedTenants)
	assert.Equal(t, 7, cfg.Limits.MaxConcurrentSessions)
	assert.Equal(t, 10, cfg.Limits.MaxSessionsPerHour)
	assert.Equal(t, 30*time.Second, cfg.Engine.CleanupInterval)
	assert.Equal(t, 5*time.Second, cfg.Engine.StorageTimeout)
	assert.False(t, cfg.RateLimit.PerIPEnabled)
	assert.Equal(t, 100, cfg.RateLimit.PerIPCapacity)
	assert.Equal(t, "impersonation-guard", cfg.Telemetry.ServiceName)
	assert.Equal(t, 10*time.Second, cfg.Telemetry.ExportInterval)
}
