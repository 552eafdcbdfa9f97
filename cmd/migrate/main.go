// migrate applies the embedded Postgres schema for the admission store.
package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/tendant/simple-impersonate/pkg/config"
	"github.com/tendant/simple-impersonate/pkg/dbmigrate"
)

func main() {
	direction := flag.String("direction", dbmigrate.DirectionUp, "Migration direction: up or down")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	var cfg config.DatabaseConfig
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		slog.Error("Failed to read configuration", "error", err)
		os.Exit(1)
	}

	if err := dbmigrate.Run(cfg.ToDatabaseURL(), *direction); err != nil {
		slog.Error("Migration failed", "direction", *direction, "database", cfg.Database, "error", err)
		os.Exit(1)
	}
}
