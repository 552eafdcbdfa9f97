// Package dbmigrate applies the embedded Postgres schema with golang-migrate.
package dbmigrate

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/tendant/simple-impersonate/migrations"
)

// Directions accepted by Run
const (
	DirectionUp   = "up"
	DirectionDown = "down"
)

// Run migrates the database at dsn in the given direction. Being already at
// the target version is not an error.
func Run(dsn string, direction string) error {
	if dsn == "" {
		return errors.New("database url is required")
	}
	if direction != DirectionUp && direction != DirectionDown {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}

	sourceDriver, err := iofs.New(migrations.PostgresFS, migrations.PostgresDir)
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, dsn)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	switch direction {
	case DirectionUp:
		err = m.Up()
	case DirectionDown:
		err = m.Down()
	}
	if errors.Is(err, migrate.ErrNoChange) {
		slog.Info("Schema already at target version", "direction", direction)
		return nil
	}
	if err != nil {
		return err
	}

	version, dirty, verr := m.Version()
	if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
		return verr
	}
	slog.Info("Schema migrated", "direction", direction, "version", version, "dirty", dirty)
	return nil
}
