package admission

import (
	"time"
)

// SessionStatus is the lifecycle state of an impersonation session
type SessionStatus string

const (
	StatusActive     SessionStatus = "active"
	StatusEnded      SessionStatus = "ended"
	StatusExpired    SessionStatus = "expired"
	StatusTerminated SessionStatus = "terminated"
)

// LimitType names the limit a violation or denial refers to
type LimitType string

const (
	LimitHourly     LimitType = "hourly"
	LimitConcurrent LimitType = "concurrent"
	LimitDuration   LimitType = "duration"
)

// Severity of a recorded violation
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Key identifies the (tenant, operator) pair every per-key operation is scoped to
type Key struct {
	TenantID   string
	OperatorID string
}

func (k Key) String() string {
	return k.TenantID + "/" + k.OperatorID
}

// Session is an impersonation grant letting OperatorID act as TargetUserID inside TenantID.
// Stores only hold active sessions; ended and terminated sessions are removed.
type Session struct {
	ID           string        `json:"id"`
	OperatorID   string        `json:"operator_id"`
	TargetUserID string        `json:"target_user_id"`
	TenantID     string        `json:"tenant_id"`
	StartedAt    time.Time     `json:"started_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	Status       SessionStatus `json:"status"`
}

// Key returns the (tenant, operator) pair the session counts against
func (s Session) Key() Key {
	return Key{TenantID: s.TenantID, OperatorID: s.OperatorID}
}

// ExpiredAt reports whether the session is past its expiry at now
func (s Session) ExpiredAt(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// StatusAt returns the stored status, or StatusExpired once an active session
// is past ExpiresAt. Expiry is never persisted.
func (s Session) StatusAt(now time.Time) SessionStatus {
	if s.Status == StatusActive && s.ExpiredAt(now) {
		return StatusExpired
	}
	return s.Status
}

// RateEvent is one entry in a key's sliding window
type RateEvent struct {
	At    time.Time `json:"at"`
	Count int       `json:"count"`
}

// Violation records a rejected attempt. Violations are never updated.
type Violation struct {
	ID         string    `json:"id"`
	OperatorID string    `json:"operator_id"`
	TenantID   string    `json:"tenant_id"`
	LimitType  LimitType `json:"limit_type"`
	Severity   Severity  `json:"severity"`
	ViolatedAt time.Time `json:"violated_at"`
}

// Decision is the outcome of an admission check. A denial is a normal result, not an error.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	Reason    string    `json:"reason,omitempty"`
	LimitType LimitType `json:"limit_type,omitempty"`
}

// Stats is the dashboard view of a (tenant, operator) pair
type Stats struct {
	HourlyCount             int       `json:"hourly_count"`
	ConcurrentSessions      int       `json:"concurrent_sessions"`
	OldestSessionAgeMinutes int       `json:"oldest_session_age_minutes"`
	NextResetAt             time.Time `json:"next_reset_at"`
	ViolationCount          int       `json:"violation_count"`
}

// StartRequest describes a session to start
type StartRequest struct {
	OperatorID      string
	TargetUserID    string
	TenantID        string
	DurationMinutes int // 0 means DefaultSessionDurationMinutes
}
