package admission

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-impersonate/pkg/errors"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "impersonation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEngine_SQLite(t *testing.T) {
	runEngineSuite(t, func(t *testing.T) Store {
		return newSQLiteStore(t)
	})
}

func TestOpenSQLiteStore_RequiresPath(t *testing.T) {
	_, err := OpenSQLiteStore(context.Background(), " ")
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig))
}

func TestSQLiteStore_ReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "impersonation.db")
	key := Key{TenantID: "t1", OperatorID: "u1"}

	store, err := OpenSQLiteStore(ctx, path)
	require.NoError(t, err)
	s := Session{ID: "s1", TenantID: "t1", OperatorID: "u1", TargetUserID: "x",
		StartedAt: t0.Add(123 * time.Microsecond), ExpiresAt: t0.Add(time.Minute), Status: StatusActive}
	require.NoError(t, store.InTx(ctx, key, func(tx Tx) error {
		return tx.InsertSession(ctx, s)
	}))
	require.NoError(t, store.Close())

	store, err = OpenSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, s, *got)
}
