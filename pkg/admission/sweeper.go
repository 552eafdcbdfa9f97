package admission

import (
	"context"
	"log/slog"
	"time"
)

// Cleaner is the sweep a Sweeper runs on every tick. *Engine implements it.
type Cleaner interface {
	CleanupExpiredSessions(ctx context.Context) (int, error)
}

// Sweeper periodically removes expired sessions
type Sweeper struct {
	cleaner  Cleaner
	interval time.Duration
}

// NewSweeper creates a sweeper running cleaner every interval (one minute when interval <= 0)
func NewSweeper(cleaner Cleaner, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{cleaner: cleaner, interval: interval}
}

// Run sweeps until ctx is done. A failed sweep is logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("Session sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Session sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	removed, err := s.cleaner.CleanupExpiredSessions(ctx)
	if err != nil {
		slog.Error("Session sweep failed", "removed", removed, "error", err)
		return
	}
	if removed > 0 {
		slog.Debug("Session sweep finished", "removed", removed)
	}
}
