package admission

import (
	"context"
	"time"
)

// SessionStore reads the registry of active sessions
type SessionStore interface {
	// GetSession returns nil, nil when the session does not exist
	GetSession(ctx context.Context, id string) (*Session, error)

	// ListSessions returns every stored session for key, expired ones included
	ListSessions(ctx context.Context, key Key) ([]Session, error)

	// ListExpiredSessions returns sessions of any key with ExpiresAt < now
	ListExpiredSessions(ctx context.Context, now time.Time) ([]Session, error)
}

// RateCounter reads the sliding window of session-start events
type RateCounter interface {
	// ListEvents returns events for key with At > since, oldest first
	ListEvents(ctx context.Context, key Key, since time.Time) ([]RateEvent, error)

	// PruneEvents removes events of any key with At <= before
	PruneEvents(ctx context.Context, before time.Time) (int, error)
}

// ViolationLog reads recorded violations
type ViolationLog interface {
	// ListViolations returns violations for key in a stable order
	ListViolations(ctx context.Context, key Key) ([]Violation, error)
}

// Tx is a unit of work scoped to one key. Everything written through a Tx
// commits together or not at all.
type Tx interface {
	ListSessions(ctx context.Context) ([]Session, error)
	InsertSession(ctx context.Context, s Session) error
	// DeleteSession reports false when the key holds no session with id
	DeleteSession(ctx context.Context, id string) (bool, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)
	DeleteSessions(ctx context.Context) (int, error)

	ListEvents(ctx context.Context, since time.Time) ([]RateEvent, error)
	RecordEvent(ctx context.Context, ev RateEvent) error
	ClearEvents(ctx context.Context) error

	RecordViolation(ctx context.Context, v Violation) error
	ClearViolations(ctx context.Context) (int, error)
}

// Store is the storage boundary of the admission engine. The in-memory,
// SQLite and Postgres implementations satisfy the same contract.
type Store interface {
	SessionStore
	RateCounter
	ViolationLog

	// InTx runs fn in one transaction for key. It commits when fn returns nil
	// and ctx is still live, and rolls back otherwise.
	InTx(ctx context.Context, key Key, fn func(tx Tx) error) error

	Close() error
}
