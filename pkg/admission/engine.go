package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-impersonate/pkg/errors"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

const (
	defaultStorageTimeout     = 5 * time.Second
	defaultEventRetention     = 24 * time.Hour
	defaultCleanupParallelism = 8
)

// Engine decides whether impersonation sessions may start and owns the
// session registry, the rate window and the violation log behind Store.
//
// Every mutating call for a (tenant, operator) pair runs under that pair's
// lock and inside one store transaction, so check-then-start is
// linearizable per pair. Reads take no lock.
type Engine struct {
	store              Store
	limits             Limits
	clock              Clock
	locks              *keyLocks
	storageTimeout     time.Duration
	eventRetention     time.Duration
	cleanupParallelism int
	meter              metric.Meter
	metrics            *engineMetrics
}

// Option configures an Engine
type Option func(*Engine)

// WithClock replaces the wall clock
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithStorageTimeout bounds calls whose context carries no deadline. Zero disables it.
func WithStorageTimeout(d time.Duration) Option {
	return func(e *Engine) { e.storageTimeout = d }
}

// WithEventRetention sets how long rate events are kept before the sweep prunes them.
// It must be at least as long as any window the engine evaluates.
func WithEventRetention(d time.Duration) Option {
	return func(e *Engine) { e.eventRetention = d }
}

// WithCleanupParallelism caps how many keys the sweep cleans at once
func WithCleanupParallelism(n int) Option {
	return func(e *Engine) { e.cleanupParallelism = n }
}

// WithMeter records engine counters on meter instead of the global provider
func WithMeter(m metric.Meter) Option {
	return func(e *Engine) { e.meter = m }
}

// NewEngine creates an engine over store using limits as the base limits
func NewEngine(store Store, limits Limits, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "store is required")
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		store:              store,
		limits:             limits,
		clock:              SystemClock(),
		locks:              newKeyLocks(defaultLockShards),
		storageTimeout:     defaultStorageTimeout,
		eventRetention:     defaultEventRetention,
		cleanupParallelism: defaultCleanupParallelism,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cleanupParallelism <= 0 {
		e.cleanupParallelism = 1
	}
	if e.eventRetention < limits.Window() {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig,
			"event retention %s is shorter than the %s window", e.eventRetention, limits.Window())
	}
	e.metrics = newEngineMetrics(e.meter)
	return e, nil
}

// Limits returns the base limits
func (e *Engine) Limits() Limits {
	return e.limits
}

// now is truncated to microseconds, the finest resolution every store keeps
func (e *Engine) now() time.Time {
	return e.clock.Now().UTC().Truncate(time.Microsecond)
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || e.storageTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.storageTimeout)
}

func (e *Engine) lock(ctx context.Context, key Key) (func(), error) {
	unlock, err := e.locks.lock(ctx, key)
	if err != nil {
		return nil, errors.Storage(err, "acquire lock for "+key.String())
	}
	return unlock, nil
}

// effectiveLimits merges override over the base limits and validates the result
func (e *Engine) effectiveLimits(override Limits) (Limits, error) {
	l := e.limits.Merge(override)
	if err := l.Validate(); err != nil {
		return Limits{}, err
	}
	if l.Window() > e.eventRetention {
		return Limits{}, errors.Newf(errors.ErrCodeInvalidConfig,
			"window of %d minutes exceeds event retention %s", l.WindowSizeMinutes, e.eventRetention)
	}
	return l, nil
}

func validateKey(key Key) error {
	if key.TenantID == "" {
		return errors.InvalidInput("tenant_id", "is required")
	}
	if key.OperatorID == "" {
		return errors.InvalidInput("operator_id", "is required")
	}
	return nil
}

func (e *Engine) newViolation(key Key, limitType LimitType, severity Severity, now time.Time) Violation {
	return Violation{
		ID:         uuid.NewString(),
		OperatorID: key.OperatorID,
		TenantID:   key.TenantID,
		LimitType:  limitType,
		Severity:   severity,
		ViolatedAt: now,
	}
}

// decide evaluates concurrency first, then throughput. The caller holds the key lock.
func (e *Engine) decide(ctx context.Context, tx Tx, key Key, l Limits, now time.Time) (Decision, *Violation, error) {
	sessions, err := tx.ListSessions(ctx)
	if err != nil {
		return Decision{}, nil, err
	}
	if active := countActive(sessions, now); active >= l.MaxConcurrentSessions {
		v := e.newViolation(key, LimitConcurrent, SeverityError, now)
		return Decision{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   now,
			Reason:    fmt.Sprintf("concurrent session limit reached (%d of %d active)", active, l.MaxConcurrentSessions),
			LimitType: LimitConcurrent,
		}, &v, nil
	}

	window := l.Window()
	events, err := tx.ListEvents(ctx, windowCutoff(now, window))
	if err != nil {
		return Decision{}, nil, err
	}
	w := summarizeWindow(events, now, window)
	if w.Count >= l.MaxSessionsPerHour {
		v := e.newViolation(key, LimitHourly, SeverityError, now)
		return Decision{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   w.resetAt(now, window),
			Reason:    fmt.Sprintf("hourly session limit reached (%d of %d in %d minutes)", w.Count, l.MaxSessionsPerHour, l.WindowSizeMinutes),
			LimitType: LimitHourly,
		}, &v, nil
	}

	return Decision{
		Allowed:   true,
		Remaining: max(0, l.MaxSessionsPerHour-w.Count-1),
		ResetAt:   w.resetAt(now, window),
	}, nil, nil
}

func (e *Engine) logDenial(key Key, d Decision) {
	slog.Warn("Impersonation admission denied",
		"tenant_id", key.TenantID,
		"operator_id", key.OperatorID,
		"limit_type", d.LimitType,
		"reset_at", d.ResetAt,
		"reason", d.Reason)
}

// CheckAdmission reports whether operatorID may start a session in tenantID now.
// A denial appends a violation and is returned as a Decision, not an error.
func (e *Engine) CheckAdmission(ctx context.Context, tenantID, operatorID string, override Limits) (Decision, error) {
	key := Key{TenantID: tenantID, OperatorID: operatorID}
	if err := validateKey(key); err != nil {
		return Decision{}, err
	}
	l, err := e.effectiveLimits(override)
	if err != nil {
		return Decision{}, err
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	unlock, err := e.lock(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	defer unlock()

	now := e.now()
	var d Decision
	var violation *Violation
	err = e.store.InTx(ctx, key, func(tx Tx) error {
		var err error
		d, violation, err = e.decide(ctx, tx, key, l, now)
		if err != nil {
			return err
		}
		if violation != nil {
			return tx.RecordViolation(ctx, *violation)
		}
		return nil
	})
	if err != nil {
		slog.Error("Admission check failed", "key", key.String(), "error", err)
		return Decision{}, err
	}

	e.metrics.decision(ctx, d)
	if violation != nil {
		e.metrics.violation(ctx, *violation)
		e.logDenial(key, d)
	}
	return d, nil
}

func normalizeDuration(minutes int) int {
	if minutes <= 0 {
		return DefaultSessionDurationMinutes
	}
	return minutes
}

func (e *Engine) newSession(req StartRequest, now time.Time) Session {
	return Session{
		ID:           uuid.NewString(),
		OperatorID:   req.OperatorID,
		TargetUserID: req.TargetUserID,
		TenantID:     req.TenantID,
		StartedAt:    now,
		ExpiresAt:    now.Add(time.Duration(req.DurationMinutes) * time.Minute),
		Status:       StatusActive,
	}
}

func insertSession(ctx context.Context, tx Tx, s Session) error {
	if err := tx.InsertSession(ctx, s); err != nil {
		return err
	}
	return tx.RecordEvent(ctx, RateEvent{At: s.StartedAt, Count: 1})
}

// Admit checks admission and, when allowed, starts the session under the same
// lock and in the same transaction. Denied requests return a nil session.
// A requested duration above the limit is denied with a duration violation.
func (e *Engine) Admit(ctx context.Context, req StartRequest, override Limits) (Decision, *Session, error) {
	key := Key{TenantID: req.TenantID, OperatorID: req.OperatorID}
	if err := validateKey(key); err != nil {
		return Decision{}, nil, err
	}
	if req.TargetUserID == "" {
		return Decision{}, nil, errors.InvalidInput("target_user_id", "is required")
	}
	l, err := e.effectiveLimits(override)
	if err != nil {
		return Decision{}, nil, err
	}
	req.DurationMinutes = normalizeDuration(req.DurationMinutes)

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	unlock, err := e.lock(ctx, key)
	if err != nil {
		return Decision{}, nil, err
	}
	defer unlock()

	now := e.now()
	var d Decision
	var violation *Violation
	var session *Session
	err = e.store.InTx(ctx, key, func(tx Tx) error {
		var err error
		d, violation, err = e.decide(ctx, tx, key, l, now)
		if err != nil {
			return err
		}
		if d.Allowed && req.DurationMinutes > l.MaxSessionDurationMinutes {
			v := e.newViolation(key, LimitDuration, SeverityWarning, now)
			violation = &v
			d = Decision{
				Allowed:   false,
				Remaining: d.Remaining + 1,
				ResetAt:   now,
				Reason:    fmt.Sprintf("requested duration %d exceeds the %d minute limit", req.DurationMinutes, l.MaxSessionDurationMinutes),
				LimitType: LimitDuration,
			}
		}
		if violation != nil {
			return tx.RecordViolation(ctx, *violation)
		}
		s := e.newSession(req, now)
		if err := insertSession(ctx, tx, s); err != nil {
			return err
		}
		session = &s
		return nil
	})
	if err != nil {
		slog.Error("Admit failed", "key", key.String(), "error", err)
		return Decision{}, nil, err
	}

	e.metrics.decision(ctx, d)
	if violation != nil {
		e.metrics.violation(ctx, *violation)
		e.logDenial(key, d)
		return d, nil, nil
	}
	e.metrics.started(ctx)
	slog.Info("Impersonation session started",
		"session_id", session.ID,
		"tenant_id", session.TenantID,
		"operator_id", session.OperatorID,
		"target_user_id", session.TargetUserID,
		"expires_at", session.ExpiresAt)
	return d, session, nil
}

// StartSession starts a session without producing a Decision; callers are
// expected to have called CheckAdmission. The insert is still guarded by the
// limits, merged with override when one is given exactly as CheckAdmission
// merges it, so a caller that lost a race gets RATE_LIMIT_EXCEEDED and
// nothing is written. durationMinutes <= 0 means 30 minutes.
func (e *Engine) StartSession(ctx context.Context, operatorID, targetUserID, tenantID string, durationMinutes int, override ...Limits) (*Session, error) {
	req := StartRequest{
		OperatorID:      operatorID,
		TargetUserID:    targetUserID,
		TenantID:        tenantID,
		DurationMinutes: normalizeDuration(durationMinutes),
	}
	key := Key{TenantID: tenantID, OperatorID: operatorID}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if targetUserID == "" {
		return nil, errors.InvalidInput("target_user_id", "is required")
	}
	var o Limits
	if len(override) > 0 {
		o = override[0]
	}
	l, err := e.effectiveLimits(o)
	if err != nil {
		return nil, err
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	unlock, err := e.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := e.now()
	var session *Session
	var violation *Violation
	var refused error
	err = e.store.InTx(ctx, key, func(tx Tx) error {
		if req.DurationMinutes > l.MaxSessionDurationMinutes {
			v := e.newViolation(key, LimitDuration, SeverityWarning, now)
			if err := tx.RecordViolation(ctx, v); err != nil {
				return err
			}
			violation = &v
			refused = errors.Newf(errors.ErrCodeRateLimitExceeded,
				"requested duration %d exceeds the %d minute limit", req.DurationMinutes, l.MaxSessionDurationMinutes).
				WithDetail("limit_type", string(LimitDuration))
			return nil
		}

		sessions, err := tx.ListSessions(ctx)
		if err != nil {
			return err
		}
		if countActive(sessions, now) >= l.MaxConcurrentSessions {
			return errors.RateLimitExceeded(string(LimitConcurrent), now.Format(time.RFC3339))
		}
		events, err := tx.ListEvents(ctx, windowCutoff(now, l.Window()))
		if err != nil {
			return err
		}
		if w := summarizeWindow(events, now, l.Window()); w.Count >= l.MaxSessionsPerHour {
			return errors.RateLimitExceeded(string(LimitHourly), w.resetAt(now, l.Window()).Format(time.RFC3339))
		}

		s := e.newSession(req, now)
		if err := insertSession(ctx, tx, s); err != nil {
			return err
		}
		session = &s
		return nil
	})
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeRateLimitExceeded) {
			slog.Warn("Impersonation session refused", "key", key.String(), "error", err)
		} else {
			slog.Error("Failed to start impersonation session", "key", key.String(), "error", err)
		}
		return nil, err
	}
	if refused != nil {
		e.metrics.violation(ctx, *violation)
		slog.Warn("Impersonation session refused", "key", key.String(), "error", refused)
		return nil, refused
	}

	e.metrics.started(ctx)
	slog.Info("Impersonation session started",
		"session_id", session.ID,
		"tenant_id", session.TenantID,
		"operator_id", session.OperatorID,
		"target_user_id", session.TargetUserID,
		"expires_at", session.ExpiresAt)
	return session, nil
}

// removeSession looks the session up, checks its tenant and deletes it under
// the key lock. It returns nil when the session does not exist.
func (e *Engine) removeSession(ctx context.Context, sessionID, tenantID string) (*Session, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}
	if sess.TenantID != tenantID {
		slog.Warn("Cross-tenant session access rejected",
			"session_id", sessionID,
			"session_tenant_id", sess.TenantID,
			"tenant_id", tenantID,
			"operator_id", sess.OperatorID)
		return nil, errors.TenantMismatch("session", sessionID, tenantID)
	}

	key := sess.Key()
	unlock, err := e.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var removed bool
	err = e.store.InTx(ctx, key, func(tx Tx) error {
		var err error
		removed, err = tx.DeleteSession(ctx, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !removed {
		// swept or ended between the lookup and the lock
		return nil, nil
	}
	return sess, nil
}

// EndSession ends a session normally and returns how many whole minutes it lasted
func (e *Engine) EndSession(ctx context.Context, sessionID, tenantID string) (int, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	sess, err := e.removeSession(ctx, sessionID, tenantID)
	if err != nil {
		return 0, err
	}
	if sess == nil {
		return 0, errors.NotFound("session", sessionID)
	}

	elapsed := int(e.now().Sub(sess.StartedAt) / time.Minute)
	if elapsed < 0 {
		elapsed = 0
	}
	e.metrics.removed(ctx, string(StatusEnded), 1)
	slog.Info("Impersonation session ended",
		"session_id", sessionID,
		"tenant_id", tenantID,
		"operator_id", sess.OperatorID,
		"duration_minutes", elapsed)
	return elapsed, nil
}

// ForceTerminate removes a session unconditionally. It reports false when the
// tenant holds no session with that id; a session of another tenant is never touched.
func (e *Engine) ForceTerminate(ctx context.Context, sessionID, tenantID string) (bool, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	sess, err := e.removeSession(ctx, sessionID, tenantID)
	if errors.IsCode(err, errors.ErrCodeTenantMismatch) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if sess == nil {
		return false, nil
	}

	e.metrics.removed(ctx, string(StatusTerminated), 1)
	slog.Warn("Impersonation session terminated",
		"session_id", sessionID,
		"tenant_id", tenantID,
		"operator_id", sess.OperatorID)
	return true, nil
}

// CheckDurationExceeded reports whether a session has run longer than
// maxDurationMinutes. maxDurationMinutes <= 0 uses the base limit.
func (e *Engine) CheckDurationExceeded(ctx context.Context, sessionID string, maxDurationMinutes int) (bool, error) {
	if maxDurationMinutes <= 0 {
		maxDurationMinutes = e.limits.MaxSessionDurationMinutes
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess == nil {
		return false, errors.NotFound("session", sessionID)
	}
	return e.now().Sub(sess.StartedAt) > time.Duration(maxDurationMinutes)*time.Minute, nil
}

// GetActiveSessions returns every stored session for the pair, including
// expired sessions the sweep has not removed yet.
func (e *Engine) GetActiveSessions(ctx context.Context, tenantID, operatorID string) ([]Session, error) {
	key := Key{TenantID: tenantID, OperatorID: operatorID}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return e.store.ListSessions(ctx, key)
}

// ListViolations returns the violations recorded for the pair
func (e *Engine) ListViolations(ctx context.Context, tenantID, operatorID string) ([]Violation, error) {
	key := Key{TenantID: tenantID, OperatorID: operatorID}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return e.store.ListViolations(ctx, key)
}

// ClearViolations deletes the pair's violations. Clearing nothing succeeds.
func (e *Engine) ClearViolations(ctx context.Context, tenantID, operatorID string) (bool, error) {
	key := Key{TenantID: tenantID, OperatorID: operatorID}
	if err := validateKey(key); err != nil {
		return false, err
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	unlock, err := e.lock(ctx, key)
	if err != nil {
		return false, err
	}
	defer unlock()

	var cleared int
	err = e.store.InTx(ctx, key, func(tx Tx) error {
		var err error
		cleared, err = tx.ClearViolations(ctx)
		return err
	})
	if err != nil {
		return false, err
	}
	slog.Info("Violations cleared", "key", key.String(), "count", cleared)
	return true, nil
}

// CleanupExpiredSessions removes every session with ExpiresAt < now across
// all pairs and prunes rate events older than the retention. Each pair is
// cleaned under its lock; running it with nothing expired returns 0.
func (e *Engine) CleanupExpiredSessions(ctx context.Context) (int, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	now := e.now()
	expired, err := e.store.ListExpiredSessions(ctx, now)
	if err != nil {
		return 0, err
	}

	seen := make(map[Key]struct{})
	var keys []Key
	for _, s := range expired {
		if _, ok := seen[s.Key()]; !ok {
			seen[s.Key()] = struct{}{}
			keys = append(keys, s.Key())
		}
	}

	var removed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cleanupParallelism)
	for _, key := range keys {
		g.Go(func() error {
			unlock, err := e.lock(gctx, key)
			if err != nil {
				return err
			}
			defer unlock()

			var n int
			err = e.store.InTx(gctx, key, func(tx Tx) error {
				var err error
				n, err = tx.DeleteExpiredSessions(gctx, now)
				return err
			})
			if err != nil {
				return err
			}
			removed.Add(int64(n))
			return nil
		})
	}
	err = g.Wait()
	total := int(removed.Load())
	e.metrics.removed(ctx, string(StatusExpired), total)
	if err != nil {
		slog.Error("Expired session cleanup failed", "removed", total, "error", err)
		return total, err
	}

	pruned, err := e.store.PruneEvents(ctx, now.Add(-e.eventRetention))
	if err != nil {
		slog.Error("Rate event prune failed", "error", err)
		return total, err
	}
	if total > 0 || pruned > 0 {
		slog.Info("Expired sessions cleaned up", "removed", total, "keys", len(keys), "events_pruned", pruned)
	}
	return total, nil
}

// ResetRateLimits clears the pair's rate window and violations and removes
// all of its sessions in one transaction. Resetting an empty pair succeeds.
func (e *Engine) ResetRateLimits(ctx context.Context, tenantID, operatorID string) (bool, error) {
	key := Key{TenantID: tenantID, OperatorID: operatorID}
	if err := validateKey(key); err != nil {
		return false, err
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	unlock, err := e.lock(ctx, key)
	if err != nil {
		return false, err
	}
	defer unlock()

	var sessions, violations int
	err = e.store.InTx(ctx, key, func(tx Tx) error {
		if err := tx.ClearEvents(ctx); err != nil {
			return err
		}
		var err error
		if violations, err = tx.ClearViolations(ctx); err != nil {
			return err
		}
		sessions, err = tx.DeleteSessions(ctx)
		return err
	})
	if err != nil {
		slog.Error("Rate limit reset failed", "key", key.String(), "error", err)
		return false, err
	}

	e.metrics.removed(ctx, "reset", sessions)
	slog.Warn("Rate limits reset",
		"tenant_id", tenantID,
		"operator_id", operatorID,
		"sessions_removed", sessions,
		"violations_cleared", violations)
	return true, nil
}
