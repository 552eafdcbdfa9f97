package dbmigrate

import (
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-impersonate/migrations"
)

func TestRun_EmptyDSN(t *testing.T) {
	err := Run("", DirectionUp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database url")
}

func TestRun_InvalidDirection(t *testing.T) {
	for _, direction := range []string{"", "invalid", "UP", "Down"} {
		t.Run(direction, func(t *testing.T) {
			err := Run("postgres://localhost/test", direction)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "direction")
		})
	}
}

func TestEmbeddedMigrationsParse(t *testing.T) {
	src, err := iofs.New(migrations.PostgresFS, migrations.PostgresDir)
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)
}
