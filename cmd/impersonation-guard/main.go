package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/jwtauth/v5"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/tendant/chi-demo/app"
	"github.com/tendant/simple-impersonate/pkg/admission"
	"github.com/tendant/simple-impersonate/pkg/audit"
	"github.com/tendant/simple-impersonate/pkg/config"
	"github.com/tendant/simple-impersonate/pkg/impersonate"
	impersonateapi "github.com/tendant/simple-impersonate/pkg/impersonate/api"
	"github.com/tendant/simple-impersonate/pkg/ratelimit"
	"github.com/tendant/simple-impersonate/pkg/router"
	"github.com/tendant/simple-impersonate/pkg/telemetry"
)

type Config struct {
	Prefix string `env:"IMPERSONATION_API_PREFIX" env-default:"/api/v1/impersonation"`

	Storage   config.StorageConfig
	Limits    config.LimitsConfig
	Engine    config.EngineConfig
	Tenants   config.TenantConfig
	JWT       config.JWTConfig
	RateLimit config.RateLimitConfig
	Telemetry config.TelemetryConfig

	// Server
	AppConfig app.AppConfig
}

func (c Config) Validate() error {
	for _, v := range []interface{ Validate() error }{c.Storage, c.Limits, c.Engine, c.JWT} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	// Create a logger with source enabled
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
	}))
	slog.SetDefault(logger)

	// Load .env file if it exists (before reading environment variables)
	loadEnvFile()

	cfg := Config{}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		slog.Error("Failed to read configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("Failed to set up metrics", "error", err)
		os.Exit(1)
	}
	provider.SetGlobal()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		slog.Error("Failed to open admission store", "backend", cfg.Storage.Backend, "error", err)
		os.Exit(1)
	}

	engine, err := admission.NewEngine(store, admission.LimitsFromConfig(cfg.Limits),
		admission.WithStorageTimeout(cfg.Engine.StorageTimeout),
		admission.WithMeter(provider.MeterProvider.Meter("github.com/tendant/simple-impersonate/pkg/admission")),
	)
	if err != nil {
		slog.Error("Failed to create admission engine", "error", err)
		os.Exit(1)
	}
	slog.Info("Admission engine configured",
		"backend", cfg.Storage.Backend,
		"max_sessions_per_hour", cfg.Limits.MaxSessionsPerHour,
		"max_concurrent_sessions", cfg.Limits.MaxConcurrentSessions,
		"max_session_duration_minutes", cfg.Limits.MaxSessionDurationMinutes,
		"window_size_minutes", cfg.Limits.WindowSizeMinutes)

	go admission.NewSweeper(engine, cfg.Engine.CleanupInterval).Run(ctx)

	sink := audit.NewLogSink(logger)
	service := impersonate.NewService(engine,
		impersonate.WithTenantValidator(impersonate.NewStaticTenants(cfg.Tenants.AllowedTenants...)),
		impersonate.WithAuditSink(sink),
	)

	auditMiddleware, err := audit.NewMiddleware(audit.Config{Source: cfg.Telemetry.ServiceName, Sink: sink})
	if err != nil {
		slog.Error("Failed to create audit middleware", "error", err)
		os.Exit(1)
	}
	rateLimitMiddleware := ratelimit.NewMiddleware(cfg.RateLimit)
	rateLimitMiddleware.Run(ctx)
	slog.Info("Rate limiting configured",
		"per_ip", cfg.RateLimit.PerIPEnabled,
		"per_operator", cfg.RateLimit.PerOperatorEnabled)

	server := app.DefaultApp()
	app.RegisterHealthzRoutes(server.R)

	router.SetupRoutes(server.R, router.Config{
		Prefix:            cfg.Prefix,
		ImpersonateHandle: impersonateapi.NewHandle(service),
		Auth:              jwtauth.New("HS256", []byte(cfg.JWT.Secret), nil),
		RateLimit:         rateLimitMiddleware,
		Audit:             auditMiddleware,
	})

	server.Run()

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := provider.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Failed to flush metrics", "error", err)
	}
	if err := store.Close(); err != nil {
		slog.Warn("Failed to close admission store", "error", err)
	}
}

// openStore opens the configured admission store backend
func openStore(ctx context.Context, cfg config.StorageConfig) (admission.Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case config.BackendMemory:
		slog.Warn("Using in-memory admission store; state is lost on restart")
		return admission.NewInMemoryStore(), nil
	case config.BackendSQLite:
		slog.Info("Opening SQLite admission store", "path", cfg.SQLitePath)
		return admission.OpenSQLiteStore(ctx, cfg.SQLitePath)
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Postgres.ToDatabaseURL())
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		slog.Info("Database connected", "database", cfg.Postgres.Database, "schema", cfg.Postgres.Schema)
		return admission.NewPostgresStore(pool), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func loadEnvFile() {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}

	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		slog.Debug("No .env file found (using environment variables or defaults)")
		return
	}

	slog.Info("Loading configuration from .env file", "path", envFile)
	if err := godotenv.Load(envFile); err != nil {
		slog.Warn("Failed to load .env file", "error", err)
	}
}
