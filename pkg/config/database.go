package config

import (
	"fmt"
	"strings"
)

// Storage backends accepted by StorageConfig.Backend
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// DatabaseConfig holds PostgreSQL database configuration
type DatabaseConfig struct {
	Host     string `env:"IMPERSONATION_PG_HOST" env-default:"localhost"`
	Port     uint16 `env:"IMPERSONATION_PG_PORT" env-default:"5432"`
	Database string `env:"IMPERSONATION_PG_DATABASE" env-default:"impersonation_db"`
	User     string `env:"IMPERSONATION_PG_USER" env-default:"impersonation"`
	Password string `env:"IMPERSONATION_PG_PASSWORD" env-default:"pwd"`
	Schema   string `env:"IMPERSONATION_PG_SCHEMA" env-default:"public"`
}

// ToDatabaseURL converts the config to a PostgreSQL connection URL
func (d DatabaseConfig) ToDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s,public",
		d.User, d.Password, d.Host, d.Port, d.Database, d.Schema)
}

// StorageConfig selects where admission state lives.
//
// "memory" keeps everything process-local and needs no database, "sqlite"
// persists to a single file, "postgres" uses DatabaseConfig.
type StorageConfig struct {
	Backend    string `env:"IMPERSONATION_STORE" env-default:"memory"`
	SQLitePath string `env:"IMPERSONATION_SQLITE_PATH" env-default:"impersonation.db"`
	Postgres   DatabaseConfig
}

// Validate checks the selected backend has what it needs
func (c StorageConfig) Validate() error {
	backend := strings.ToLower(c.Backend)
	return Validate(func() ValidationErrors {
		errs := CollectErrors(
			RequireOneOf("IMPERSONATION_STORE", backend, []string{BackendMemory, BackendSQLite, BackendPostgres}),
		)
		switch backend {
		case BackendSQLite:
			errs = append(errs, CollectErrors(RequireNonEmpty("IMPERSONATION_SQLITE_PATH", c.SQLitePath))...)
		case BackendPostgres:
			errs = append(errs, CollectErrors(
				RequireNonEmpty("IMPERSONATION_PG_HOST", c.Postgres.Host),
				RequireValidPort("IMPERSONATION_PG_PORT", c.Postgres.Port),
				RequireNonEmpty("IMPERSONATION_PG_DATABASE", c.Postgres.Database),
				RequireNonEmpty("IMPERSONATION_PG_USER", c.Postgres.User),
			)...)
		}
		return errs
	})
}
