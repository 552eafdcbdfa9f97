package admission

import (
	"context"
	"time"
)

// GetStats aggregates the pair's window, sessions and violations. It only
// reads; nothing is pruned or locked.
func (e *Engine) GetStats(ctx context.Context, tenantID, operatorID string, override Limits) (Stats, error) {
	key := Key{TenantID: tenantID, OperatorID: operatorID}
	if err := validateKey(key); err != nil {
		return Stats{}, err
	}
	l, err := e.effectiveLimits(override)
	if err != nil {
		return Stats{}, err
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	now := e.now()
	window := l.Window()

	sessions, err := e.store.ListSessions(ctx, key)
	if err != nil {
		return Stats{}, err
	}
	events, err := e.store.ListEvents(ctx, key, windowCutoff(now, window))
	if err != nil {
		return Stats{}, err
	}
	violations, err := e.store.ListViolations(ctx, key)
	if err != nil {
		return Stats{}, err
	}

	w := summarizeWindow(events, now, window)
	return Stats{
		HourlyCount:             w.Count,
		ConcurrentSessions:      countActive(sessions, now),
		OldestSessionAgeMinutes: oldestActiveAgeMinutes(sessions, now),
		NextResetAt:             w.resetAt(now, window),
		ViolationCount:          len(violations),
	}, nil
}

func oldestActiveAgeMinutes(sessions []Session, now time.Time) int {
	var oldest time.Duration
	for _, s := range sessions {
		if s.Status != StatusActive || !s.ExpiresAt.After(now) {
			continue
		}
		if age := now.Sub(s.StartedAt); age > oldest {
			oldest = age
		}
	}
	return int(oldest / time.Minute)
}
