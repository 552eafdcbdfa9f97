package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLocks_SerializesSameKey(t *testing.T) {
	locks := newKeyLocks(4)
	key := Key{TenantID: "t1", OperatorID: "u1"}

	unlock, err := locks.lock(context.Background(), key)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		second, err := locks.lock(context.Background(), key)
		if err == nil {
			close(acquired)
			second()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first is held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock not acquired after release")
	}
}

func TestKeyLocks_HonorsContext(t *testing.T) {
	locks := newKeyLocks(1)
	unlock, err := locks.lock(context.Background(), Key{TenantID: "t1", OperatorID: "u1"})
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.lock(ctx, Key{TenantID: "t2", OperatorID: "u2"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyHash_SeparatesFields(t *testing.T) {
	assert.NotEqual(t,
		keyHash(Key{TenantID: "ab", OperatorID: "c"}),
		keyHash(Key{TenantID: "a", OperatorID: "bc"}))
}
