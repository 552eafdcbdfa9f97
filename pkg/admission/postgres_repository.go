package admission

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/simple-impersonate/pkg/errors"
)

// PostgresStore implements Store on PostgreSQL. Each transaction takes a
// transaction-scoped advisory lock on its key so engines in different
// processes sharing the database stay serialized per key.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store over an existing pool. The schema comes
// from migrations/postgres.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool: pool,
	}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const sessionColumns = `id, tenant_id, operator_id, target_user_id, started_at, expires_at, status`

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	var status string
	err := row.Scan(
		&s.ID,
		&s.TenantID,
		&s.OperatorID,
		&s.TargetUserID,
		&s.StartedAt,
		&s.ExpiresAt,
		&status,
	)
	if err != nil {
		return Session{}, err
	}
	s.Status = SessionStatus(status)
	s.StartedAt = s.StartedAt.UTC()
	s.ExpiresAt = s.ExpiresAt.UTC()
	return s, nil
}

func pgListSessions(ctx context.Context, q querier, query string, args ...any) ([]Session, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func pgListEvents(ctx context.Context, q querier, key Key, since time.Time) ([]RateEvent, error) {
	rows, err := q.Query(ctx, `
		SELECT occurred_at, count
		FROM impersonation_rate_events
		WHERE tenant_id = $1 AND operator_id = $2 AND occurred_at > $3
		ORDER BY occurred_at, id
	`, key.TenantID, key.OperatorID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []RateEvent{}
	for rows.Next() {
		var ev RateEvent
		if err := rows.Scan(&ev.At, &ev.Count); err != nil {
			return nil, err
		}
		ev.At = ev.At.UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

// GetSession returns the session with id, or nil if there is none
func (r *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	s, err := scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM impersonation_sessions WHERE id = $1`, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Storage(err, "get session")
	}
	return &s, nil
}

// ListSessions returns all sessions for key ordered by start time
func (r *PostgresStore) ListSessions(ctx context.Context, key Key) ([]Session, error) {
	sessions, err := pgListSessions(ctx, r.pool, `
		SELECT `+sessionColumns+`
		FROM impersonation_sessions
		WHERE tenant_id = $1 AND operator_id = $2
		ORDER BY started_at, id
	`, key.TenantID, key.OperatorID)
	if err != nil {
		return nil, errors.Storage(err, "list sessions")
	}
	return sessions, nil
}

// ListExpiredSessions returns sessions of every key with expires_at < now
func (r *PostgresStore) ListExpiredSessions(ctx context.Context, now time.Time) ([]Session, error) {
	sessions, err := pgListSessions(ctx, r.pool, `
		SELECT `+sessionColumns+`
		FROM impersonation_sessions
		WHERE expires_at < $1
		ORDER BY tenant_id, operator_id
	`, now)
	if err != nil {
		return nil, errors.Storage(err, "list expired sessions")
	}
	return sessions, nil
}

// ListEvents returns events for key newer than since
func (r *PostgresStore) ListEvents(ctx context.Context, key Key, since time.Time) ([]RateEvent, error) {
	events, err := pgListEvents(ctx, r.pool, key, since)
	if err != nil {
		return nil, errors.Storage(err, "list rate events")
	}
	return events, nil
}

// PruneEvents deletes events with occurred_at <= before
func (r *PostgresStore) PruneEvents(ctx context.Context, before time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM impersonation_rate_events WHERE occurred_at <= $1`, before)
	if err != nil {
		return 0, errors.Storage(err, "prune rate events")
	}
	return int(tag.RowsAffected()), nil
}

// ListViolations returns violations for key in insertion order
func (r *PostgresStore) ListViolations(ctx context.Context, key Key) ([]Violation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, operator_id, limit_type, severity, violated_at
		FROM impersonation_violations
		WHERE tenant_id = $1 AND operator_id = $2
		ORDER BY violated_at, seq
	`, key.TenantID, key.OperatorID)
	if err != nil {
		return nil, errors.Storage(err, "list violations")
	}
	defer rows.Close()

	violations := []Violation{}
	for rows.Next() {
		var v Violation
		var limitType, severity string
		if err := rows.Scan(&v.ID, &v.TenantID, &v.OperatorID, &limitType, &severity, &v.ViolatedAt); err != nil {
			return nil, errors.Storage(err, "scan violation")
		}
		v.LimitType = LimitType(limitType)
		v.Severity = Severity(severity)
		v.ViolatedAt = v.ViolatedAt.UTC()
		violations = append(violations, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage(err, "list violations")
	}
	return violations, nil
}

// InTx runs fn in a transaction holding the key's advisory lock
func (r *PostgresStore) InTx(ctx context.Context, key Key, fn func(tx Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Storage(err, "begin transaction")
	}
	defer func() {
		// no-op after a successful commit
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key.String()); err != nil {
		return errors.Storage(err, "lock "+key.String())
	}
	if err := fn(&pgTx{tx: tx, key: key}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.Storage(err, "commit transaction")
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Storage(err, "commit transaction")
	}
	return nil
}

// Close releases the pool
func (r *PostgresStore) Close() error {
	r.pool.Close()
	return nil
}

type pgTx struct {
	tx  pgx.Tx
	key Key
}

func (t *pgTx) ListSessions(ctx context.Context) ([]Session, error) {
	sessions, err := pgListSessions(ctx, t.tx, `
		SELECT `+sessionColumns+`
		FROM impersonation_sessions
		WHERE tenant_id = $1 AND operator_id = $2
		ORDER BY started_at, id
	`, t.key.TenantID, t.key.OperatorID)
	if err != nil {
		return nil, errors.Storage(err, "list sessions")
	}
	return sessions, nil
}

func (t *pgTx) InsertSession(ctx context.Context, s Session) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO impersonation_sessions (
			id, tenant_id, operator_id, target_user_id, started_at, expires_at, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.ID, s.TenantID, s.OperatorID, s.TargetUserID, s.StartedAt, s.ExpiresAt, string(s.Status))
	if err != nil {
		return errors.Storage(err, "insert session")
	}
	return nil
}

func (t *pgTx) DeleteSession(ctx context.Context, id string) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM impersonation_sessions
		WHERE id = $1 AND tenant_id = $2 AND operator_id = $3
	`, id, t.key.TenantID, t.key.OperatorID)
	if err != nil {
		return false, errors.Storage(err, "delete session")
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgTx) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM impersonation_sessions
		WHERE tenant_id = $1 AND operator_id = $2 AND expires_at < $3
	`, t.key.TenantID, t.key.OperatorID, now)
	if err != nil {
		return 0, errors.Storage(err, "delete expired sessions")
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) DeleteSessions(ctx context.Context) (int, error) {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM impersonation_sessions
		WHERE tenant_id = $1 AND operator_id = $2
	`, t.key.TenantID, t.key.OperatorID)
	if err != nil {
		return 0, errors.Storage(err, "delete sessions")
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) ListEvents(ctx context.Context, since time.Time) ([]RateEvent, error) {
	events, err := pgListEvents(ctx, t.tx, t.key, since)
	if err != nil {
		return nil, errors.Storage(err, "list rate events")
	}
	return events, nil
}

func (t *pgTx) RecordEvent(ctx context.Context, ev RateEvent) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO impersonation_rate_events (tenant_id, operator_id, occurred_at, count)
		VALUES ($1, $2, $3, $4)
	`, t.key.TenantID, t.key.OperatorID, ev.At, ev.Count)
	if err != nil {
		return errors.Storage(err, "record rate event")
	}
	return nil
}

func (t *pgTx) ClearEvents(ctx context.Context) error {
	_, err := t.tx.Exec(ctx, `
		DELETE FROM impersonation_rate_events
		WHERE tenant_id = $1 AND operator_id = $2
	`, t.key.TenantID, t.key.OperatorID)
	if err != nil {
		return errors.Storage(err, "clear rate events")
	}
	return nil
}

func (t *pgTx) RecordViolation(ctx context.Context, v Violation) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO impersonation_violations (id, tenant_id, operator_id, limit_type, severity, violated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, v.ID, v.TenantID, v.OperatorID, string(v.LimitType), string(v.Severity), v.ViolatedAt)
	if err != nil {
		return errors.Storage(err, "record violation")
	}
	return nil
}

func (t *pgTx) ClearViolations(ctx context.Context) (int, error) {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM impersonation_violations
		WHERE tenant_id = $1 AND operator_id = $2
	`, t.key.TenantID, t.key.OperatorID)
	if err != nil {
		return 0, errors.Storage(err, "clear violations")
	}
	return int(tag.RowsAffected()), nil
}
