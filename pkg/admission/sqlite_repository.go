package admission

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/tendant/simple-impersonate/migrations"
	"github.com/tendant/simple-impersonate/pkg/errors"
	"github.com/tendant/simple-impersonate/pkg/sqlitemigrate"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a single SQLite file. Transactions begin
// IMMEDIATE so the write lock is held from the first read, and the pool is
// limited to one connection. Times are stored as Unix microseconds.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at path and applies the schema
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "sqlite path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Storage(err, "open sqlite db")
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Storage(err, "ping sqlite db")
	}
	if _, err := sqlitemigrate.Apply(ctx, db, migrations.SQLiteFS, migrations.SQLiteDir); err != nil {
		_ = db.Close()
		return nil, errors.Storage(err, "migrate sqlite db")
	}
	return &SQLiteStore{db: db}, nil
}

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx
type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row rowScanner) (Session, error) {
	var s Session
	var status string
	var started, expires int64
	if err := row.Scan(&s.ID, &s.TenantID, &s.OperatorID, &s.TargetUserID, &started, &expires, &status); err != nil {
		return Session{}, err
	}
	s.StartedAt = fromMicros(started)
	s.ExpiresAt = fromMicros(expires)
	s.Status = SessionStatus(status)
	return s, nil
}

func sqliteListSessions(ctx context.Context, q sqlQuerier, query string, args ...any) ([]Session, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		s, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func sqliteListEvents(ctx context.Context, q sqlQuerier, key Key, since time.Time) ([]RateEvent, error) {
	rows, err := q.QueryContext(ctx, `
SELECT occurred_at, count
FROM impersonation_rate_events
WHERE tenant_id = ? AND operator_id = ? AND occurred_at > ?
ORDER BY occurred_at, id
`, key.TenantID, key.OperatorID, toMicros(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []RateEvent{}
	for rows.Next() {
		var at int64
		var ev RateEvent
		if err := rows.Scan(&at, &ev.Count); err != nil {
			return nil, err
		}
		ev.At = fromMicros(at)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func rowsAffected(res sql.Result) int {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return int(n)
}

// GetSession returns the session with id, or nil if there is none
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSQLiteSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM impersonation_sessions WHERE id = ?`, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Storage(err, "get session")
	}
	return &sess, nil
}

// ListSessions returns all sessions for key ordered by start time
func (s *SQLiteStore) ListSessions(ctx context.Context, key Key) ([]Session, error) {
	sessions, err := sqliteListSessions(ctx, s.db, `
SELECT `+sessionColumns+`
FROM impersonation_sessions
WHERE tenant_id = ? AND operator_id = ?
ORDER BY started_at, id
`, key.TenantID, key.OperatorID)
	if err != nil {
		return nil, errors.Storage(err, "list sessions")
	}
	return sessions, nil
}

// ListExpiredSessions returns sessions of every key with expires_at < now
func (s *SQLiteStore) ListExpiredSessions(ctx context.Context, now time.Time) ([]Session, error) {
	sessions, err := sqliteListSessions(ctx, s.db, `
SELECT `+sessionColumns+`
FROM impersonation_sessions
WHERE expires_at < ?
ORDER BY tenant_id, operator_id
`, toMicros(now))
	if err != nil {
		return nil, errors.Storage(err, "list expired sessions")
	}
	return sessions, nil
}

// ListEvents returns events for key newer than since
func (s *SQLiteStore) ListEvents(ctx context.Context, key Key, since time.Time) ([]RateEvent, error) {
	events, err := sqliteListEvents(ctx, s.db, key, since)
	if err != nil {
		return nil, errors.Storage(err, "list rate events")
	}
	return events, nil
}

// PruneEvents deletes events with occurred_at <= before
func (s *SQLiteStore) PruneEvents(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM impersonation_rate_events WHERE occurred_at <= ?`, toMicros(before))
	if err != nil {
		return 0, errors.Storage(err, "prune rate events")
	}
	return rowsAffected(res), nil
}

// ListViolations returns violations for key in insertion order
func (s *SQLiteStore) ListViolations(ctx context.Context, key Key) ([]Violation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, tenant_id, operator_id, limit_type, severity, violated_at
FROM impersonation_violations
WHERE tenant_id = ? AND operator_id = ?
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
		var at int64
		if err := rows.Scan(&v.ID, &v.TenantID, &v.OperatorID, &limitType, &severity, &at); err != nil {
			return nil, errors.Storage(err, "scan violation")
		}
		v.LimitType = LimitType(limitType)
		v.Severity = Severity(severity)
		v.ViolatedAt = fromMicros(at)
		violations = append(violations, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage(err, "list violations")
	}
	return violations, nil
}

// InTx runs fn in an IMMEDIATE transaction
func (s *SQLiteStore) InTx(ctx context.Context, key Key, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Storage(err, "begin transaction")
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx, key: key}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.Storage(err, "commit transaction")
	}
	if err := tx.Commit(); err != nil {
		return errors.Storage(fmt.Errorf("commit %s: %w", key, err), "commit transaction")
	}
	return nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqliteTx struct {
	tx  *sql.Tx
	key Key
}

func (t *sqliteTx) ListSessions(ctx context.Context) ([]Session, error) {
	sessions, err := sqliteListSessions(ctx, t.tx, `
SELECT `+sessionColumns+`
FROM impersonation_sessions
WHERE tenant_id = ? AND operator_id = ?
ORDER BY started_at, id
`, t.key.TenantID, t.key.OperatorID)
	if err != nil {
		return nil, errors.Storage(err, "list sessions")
	}
	return sessions, nil
}

func (t *sqliteTx) InsertSession(ctx context.Context, s Session) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO impersonation_sessions (
	id, tenant_id, operator_id, target_user_id, started_at, expires_at, status
) VALUES (?, ?, ?, ?, ?, ?, ?)
`, s.ID, s.TenantID, s.OperatorID, s.TargetUserID, toMicros(s.StartedAt), toMicros(s.ExpiresAt), string(s.Status))
	if err != nil {
		return errors.Storage(err, "insert session")
	}
	return nil
}

func (t *sqliteTx) DeleteSession(ctx context.Context, id string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
DELETE FROM impersonation_sessions
WHERE id = ? AND tenant_id = ? AND operator_id = ?
`, id, t.key.TenantID, t.key.OperatorID)
	if err != nil {
		return false, errors.Storage(err, "delete session")
	}
	return rowsAffected(res) > 0, nil
}

func (t *sqliteTx) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	res, err := t.tx.ExecContext(ctx, `
DELETE FROM impersonation_sessions
WHERE tenant_id = ? AND operator_id = ? AND expires_at < ?
`, t.key.TenantID, t.key.OperatorID, toMicros(now))
	if err != nil {
		return 0, errors.Storage(err, "delete expired sessions")
	}
	return rowsAffected(res), nil
}

func (t *sqliteTx) DeleteSessions(ctx context.Context) (int, error) {
	res, err := t.tx.ExecContext(ctx, `
DELETE FROM impersonation_sessions WHERE tenant_id = ? AND operator_id = ?
`, t.key.TenantID, t.key.OperatorID)
	if err != nil {
		return 0, errors.Storage(err, "delete sessions")
	}
	return rowsAffected(res), nil
}

func (t *sqliteTx) ListEvents(ctx context.Context, since time.Time) ([]RateEvent, error) {
	events, err := sqliteListEvents(ctx, t.tx, t.key, since)
	if err != nil {
		return nil, errors.Storage(err, "list rate events")
	}
	return events, nil
}

func (t *sqliteTx) RecordEvent(ctx context.Context, ev RateEvent) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO impersonation_rate_events (tenant_id, operator_id, occurred_at, count)
VALUES (?, ?, ?, ?)
`, t.key.TenantID, t.key.OperatorID, toMicros(ev.At), ev.Count)
	if err != nil {
		return errors.Storage(err, "record rate event")
	}
	return nil
}

func (t *sqliteTx) ClearEvents(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, `
DELETE FROM impersonation_rate_events WHERE tenant_id = ? AND operator_id = ?
`, t.key.TenantID, t.key.OperatorID)
	if err != nil {
		return errors.Storage(err, "clear rate events")
	}
	return nil
}

func (t *sqliteTx) RecordViolation(ctx context.Context, v Violation) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO impersonation_violations (id, tenant_id, operator_id, limit_type, severity, violated_at)
VALUES (?, ?, ?, ?, ?, ?)
`, v.ID, v.TenantID, v.OperatorID, string(v.LimitType), string(v.Severity), toMicros(v.ViolatedAt))
	if err != nil {
		return errors.Storage(err, "record violation")
	}
	return nil
}

func (t *sqliteTx) ClearViolations(ctx context.Context) (int, error) {
	res, err := t.tx.ExecContext(ctx, `
DELETE FROM impersonation_violations WHERE tenant_id = ? AND operator_id = ?
`, t.key.TenantID, t.key.OperatorID)
	if err != nil {
		return 0, errors.Storage(err, "clear violations")
	}
	return rowsAffected(res), nil
}
