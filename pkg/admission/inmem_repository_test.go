package admission

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStore_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	key := Key{TenantID: "t1", OperatorID: "u1"}
	kept := Session{ID: "kept", TenantID: "t1", OperatorID: "u1", StartedAt: t0, ExpiresAt: t0.Add(time.Minute), Status: StatusActive}

	require.NoError(t, store.InTx(ctx, key, func(tx Tx) error {
		if err := tx.InsertSession(ctx, kept); err != nil {
			return err
		}
		return tx.RecordViolation(ctx, Violation{ID: "v1", TenantID: "t1", OperatorID: "u1", LimitType: LimitHourly, Severity: SeverityError, ViolatedAt: t0})
	}))

	err := store.InTx(ctx, key, func(tx Tx) error {
		if _, err := tx.DeleteSessions(ctx); err != nil {
			return err
		}
		if _, err := tx.ClearViolations(ctx); err != nil {
			return err
		}
		if err := tx.RecordEvent(ctx, RateEvent{At: t0, Count: 1}); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.EqualError(t, err, "boom")

	got, err := store.GetSession(ctx, "kept")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, kept, *got)

	violations, err := store.ListViolations(ctx, key)
	require.NoError(t, err)
	assert.Len(t, violations, 1)

	events, err := store.ListEvents(ctx, key, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestInMemoryStore_DuplicateInsert(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	key := Key{TenantID: "t1", OperatorID: "u1"}
	s := Session{ID: "s1", TenantID: "t1", OperatorID: "u1", StartedAt: t0, ExpiresAt: t0.Add(time.Minute), Status: StatusActive}

	err := store.InTx(ctx, key, func(tx Tx) error {
		if err := tx.InsertSession(ctx, s); err != nil {
			return err
		}
		return tx.InsertSession(ctx, s)
	})
	require.Error(t, err)

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestInMemoryStore_PruneEvents(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	key := Key{TenantID: "t1", OperatorID: "u1"}
	require.NoError(t, store.InTx(ctx, key, func(tx Tx) error {
		for i := 0; i < 3; i++ {
			if err := tx.RecordEvent(ctx, RateEvent{At: t0.Add(time.Duration(i) * time.Minute), Count: 1}); err != nil {
				return err
			}
		}
		return nil
	}))

	pruned, err := store.PruneEvents(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)

	events, err := store.ListEvents(ctx, key, time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].At.Equal(t0.Add(2*time.Minute)))
}

func bucketCount(s *InMemoryStore) int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.buckets)
		sh.mu.RUnlock()
	}
	return n
}

func TestInMemoryStore_DropsEmptyBuckets(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	clock := newFakeClock(t0)
	e := newTestEngine(t, store, DefaultLimits(), clock)

	for i := 0; i < 3; i++ {
		mustStart(t, e, "t1", fmt.Sprintf("u%d", i), 30)
	}
	assert.Equal(t, 3, bucketCount(store))

	// a read-only check on an unseen key leaves nothing behind
	_, err := e.CheckAdmission(ctx, "t1", "fresh", Limits{})
	require.NoError(t, err)
	assert.Equal(t, 3, bucketCount(store))

	reset, err := e.ResetRateLimits(ctx, "t1", "u0")
	require.NoError(t, err)
	assert.True(t, reset)
	assert.Equal(t, 2, bucketCount(store))

	pruned, err := store.PruneEvents(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)
	assert.Equal(t, 2, bucketCount(store), "buckets with live sessions are kept")

	clock.Advance(31 * time.Minute)
	removed, err := e.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, bucketCount(store))
}
