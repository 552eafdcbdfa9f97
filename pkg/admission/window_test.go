package admission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSummarizeWindow(t *testing.T) {
	now := t0.Add(time.Hour)
	events := []RateEvent{
		{At: t0, Count: 1},                       // exactly one window old
		{At: t0.Add(time.Microsecond), Count: 2}, // just inside
		{At: t0.Add(30 * time.Minute), Count: 1},
	}

	w := summarizeWindow(events, now, time.Hour)
	assert.Equal(t, 3, w.Count)
	assert.True(t, w.Oldest.Equal(t0.Add(time.Microsecond)))
	assert.True(t, w.resetAt(now, time.Hour).Equal(t0.Add(time.Hour+time.Microsecond)))
}

func TestSummarizeWindow_Empty(t *testing.T) {
	w := summarizeWindow(nil, t0, time.Hour)
	assert.Zero(t, w.Count)
	assert.True(t, w.Oldest.IsZero())
	assert.True(t, w.resetAt(t0, time.Hour).Equal(t0.Add(time.Hour)))
}

func TestInWindow_PruneComplement(t *testing.T) {
	now := t0.Add(time.Hour)
	cutoff := windowCutoff(now, time.Hour)
	for _, at := range []time.Time{t0.Add(-time.Minute), t0, t0.Add(time.Nanosecond), now} {
		pruned := !at.After(cutoff)
		assert.NotEqual(t, pruned, inWindow(at, now, time.Hour), "at %s", at)
	}
}

func TestCountActive(t *testing.T) {
	sessions := []Session{
		{ID: "a", Status: StatusActive, ExpiresAt: t0.Add(time.Minute)},
		{ID: "b", Status: StatusActive, ExpiresAt: t0},
		{ID: "c", Status: StatusEnded, ExpiresAt: t0.Add(time.Hour)},
	}
	assert.Equal(t, 1, countActive(sessions, t0))
}

func TestSession_StatusAt(t *testing.T) {
	s := Session{Status: StatusActive, StartedAt: t0, ExpiresAt: t0.Add(time.Minute)}
	assert.Equal(t, StatusActive, s.StatusAt(t0.Add(time.Minute)))
	assert.Equal(t, StatusExpired, s.StatusAt(t0.Add(time.Minute+time.Nanosecond)))

	s.Status = StatusTerminated
	assert.Equal(t, StatusTerminated, s.StatusAt(t0.Add(time.Hour)))
	assert.Equal(t, "t1/u1", Session{TenantID: "t1", OperatorID: "u1"}.Key().String())
}
