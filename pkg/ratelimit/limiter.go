package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter keeps one token bucket per key (client IP, operator id)
type KeyedLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewKeyedLimiter creates a limiter allowing burst requests at once and
// refillRate requests per second per key. Keys idle longer than ttl are
// dropped by Prune; ttl <= 0 keeps them forever.
func NewKeyedLimiter(burst int, refillRate float64, ttl time.Duration) *KeyedLimiter {
	return &KeyedLimiter{
		limit:   rate.Limit(refillRate),
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

func (l *KeyedLimiter) get(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

// Allow consumes a token for key. When none is available it reports how long
// until one will be.
func (l *KeyedLimiter) Allow(key string) (bool, time.Duration) {
	now := l.now()
	lim := l.get(key, now)
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Duration(math.MaxInt64)
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Reset forgets key so its next request starts with a full bucket
func (l *KeyedLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// Prune drops keys idle for longer than the ttl and returns how many it removed
func (l *KeyedLimiter) Prune() int {
	if l.ttl <= 0 {
		return 0
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, e := range l.entries {
		if now.Sub(e.lastSeen) > l.ttl {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// Run prunes idle keys every ttl until ctx is done
func (l *KeyedLimiter) Run(ctx context.Context) {
	if l.ttl <= 0 {
		return
	}
	ticker := time.NewTicker(l.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}

// Stats describes a limiter
type Stats struct {
	ActiveKeys int     `json:"active_keys"`
	Burst      int     `json:"burst"`
	RefillRate float64 `json:"refill_rate"`
}

// GetStats returns current statistics
func (l *KeyedLimiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		ActiveKeys: len(l.entries),
		Burst:      l.burst,
		RefillRate: float64(l.limit),
	}
}
