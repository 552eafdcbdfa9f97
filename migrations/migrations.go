// Package migrations embeds the database schemas.
//
// postgres/ is in golang-migrate layout and is applied by cmd/migrate.
// sqlite/ is applied on open by the SQLite store through pkg/sqlitemigrate.
package migrations

import "embed"

//go:embed postgres/*.sql
var PostgresFS embed.FS

//go:embed sqlite/*.sql
var SQLiteFS embed.FS

const (
	PostgresDir = "postgres"
	SQLiteDir   = "sqlite"
)
