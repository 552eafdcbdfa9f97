package api

import "time"

// LimitsOverride carries per-call limits; omitted or zero fields keep the configured limits
type LimitsOverride struct {
	MaxSessionsPerHour        int `json:"max_sessions_per_hour,omitempty"`
	MaxConcurrentSessions     int `json:"max_concurrent_sessions,omitempty"`
	MaxSessionDurationMinutes int `json:"max_session_duration_minutes,omitempty"`
	WindowSizeMinutes         int `json:"window_size_minutes,omitempty"`
}

// CheckRequest is the body of POST /admission/check
type CheckRequest struct {
	TenantID string          `json:"tenant_id"`
	Limits   *LimitsOverride `json:"limits,omitempty"`
}

// BeginRequest is the body of POST /sessions
type BeginRequest struct {
	TenantID        string          `json:"tenant_id"`
	TargetUserID    string          `json:"target_user_id"`
	DurationMinutes int             `json:"duration_minutes,omitempty"`
	Limits          *LimitsOverride `json:"limits,omitempty"`
}

// ResetRequest is the body of POST /admin/reset
type ResetRequest struct {
	TenantID   string `json:"tenant_id"`
	OperatorID string `json:"operator_id"`
}

// DecisionResponse is an admission decision
type DecisionResponse struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	Reason    string    `json:"reason,omitempty"`
	LimitType string    `json:"limit_type,omitempty"`
}

// SessionResponse is an impersonation session as seen at request time
type SessionResponse struct {
	ID           string    `json:"id"`
	OperatorID   string    `json:"operator_id"`
	TargetUserID string    `json:"target_user_id"`
	TenantID     string    `json:"tenant_id"`
	StartedAt    time.Time `json:"started_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Status       string    `json:"status"`
}

// BeginResponse is returned by POST /sessions
type BeginResponse struct {
	Decision DecisionResponse `json:"decision"`
	Session  *SessionResponse `json:"session,omitempty"`
}

// EndResponse is returned by DELETE /sessions/{id}
type EndResponse struct {
	SessionID       string `json:"session_id"`
	DurationMinutes int    `json:"duration_minutes"`
}

// DurationResponse is returned by GET /sessions/{id}/duration
type DurationResponse struct {
	SessionID string `json:"session_id"`
	Exceeded  bool   `json:"exceeded"`
}

// ViolationResponse is one recorded violation
type ViolationResponse struct {
	ID         string    `json:"id"`
	OperatorID string    `json:"operator_id"`
	TenantID   string    `json:"tenant_id"`
	LimitType  string    `json:"limit_type"`
	Severity   string    `json:"severity"`
	ViolatedAt time.Time `json:"violated_at"`
}

// StatsResponse is the dashboard view of an operator
type StatsResponse struct {
	HourlyCount             int       `json:"hourly_count"`
	ConcurrentSessions      int       `json:"concurrent_sessions"`
	OldestSessionAgeMinutes int       `json:"oldest_session_age_minutes"`
	NextResetAt             time.Time `json:"next_reset_at"`
	ViolationCount          int       `json:"violation_count"`
}

// ResultResponse reports the outcome of an admin action
type ResultResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Success bool   `json:"success"`
	Count   int    `json:"count,omitempty"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}
