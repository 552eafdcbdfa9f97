package admission

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingCleaner struct {
	calls atomic.Int32
	fail  bool
}

func (c *countingCleaner) CleanupExpiredSessions(ctx context.Context) (int, error) {
	c.calls.Add(1)
	if c.fail {
		return 0, fmt.Errorf("storage down")
	}
	return 1, nil
}

func TestSweeper_RunsUntilCancelled(t *testing.T) {
	cleaner := &countingCleaner{}
	sweeper := NewSweeper(cleaner, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return cleaner.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweeper_KeepsRunningAfterFailure(t *testing.T) {
	cleaner := &countingCleaner{fail: true}
	sweeper := NewSweeper(cleaner, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sweeper.Run(ctx)

	assert.Eventually(t, func() bool { return cleaner.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestNewSweeper_DefaultInterval(t *testing.T) {
	assert.Equal(t, time.Minute, NewSweeper(&countingCleaner{}, 0).interval)
}

func TestSweeper_CleansEngine(t *testing.T) {
	clock := newFakeClock(t0)
	e := newTestEngine(t, NewInMemoryStore(), DefaultLimits(), clock)
	mustStart(t, e, "t1", "u1", 1)
	clock.Advance(2 * time.Minute)

	NewSweeper(e, time.Minute).sweep(context.Background())

	sessions, err := e.GetActiveSessions(context.Background(), "t1", "u1")
	assert.NoError(t, err)
	assert.Empty(t, sessions)
}
