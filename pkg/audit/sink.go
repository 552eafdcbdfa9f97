// Package audit records impersonation lifecycle events and audited HTTP requests.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action names an audited operation
type Action string

const (
	ActionSessionBegin     Action = "impersonation.session.begin"
	ActionSessionEnd       Action = "impersonation.session.end"
	ActionSessionTerminate Action = "impersonation.session.terminate"
	ActionAdmissionDenied  Action = "impersonation.admission.denied"
	ActionLimitsReset      Action = "impersonation.limits.reset"
	ActionViolationsClear  Action = "impersonation.violations.clear"
	ActionHTTPRequest      Action = "http.request"
)

// Event is a single audit record
type Event struct {
	Action       Action
	OperatorID   string
	TenantID     string
	TargetUserID string
	SessionID    string
	Outcome      string
	Timestamp    time.Time
	Metadata     map[string]interface{}
}

// WithMetadata adds metadata to the audit event
func (e Event) WithMetadata(key string, value interface{}) Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// Result reports whether an event was stored and under which id
type Result struct {
	Logged bool
	LogID  string
}

// Sink stores audit events
type Sink interface {
	Record(ctx context.Context, event Event) (Result, error)
}

// LogSink writes audit events as structured log records
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink writing to logger, or to slog.Default when logger is nil
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Record logs the event at info level
func (s *LogSink) Record(ctx context.Context, event Event) (Result, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	id := uuid.NewString()
	s.logger.InfoContext(ctx, "audit",
		"log_id", id,
		"action", string(event.Action),
		"operator_id", event.OperatorID,
		"tenant_id", event.TenantID,
		"target_user_id", event.TargetUserID,
		"session_id", event.SessionID,
		"outcome", event.Outcome,
		"timestamp", event.Timestamp.Format(time.RFC3339),
		"metadata", event.Metadata,
	)
	return Result{Logged: true, LogID: id}, nil
}

// MemorySink keeps events in memory. It backs tests and local development.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an empty in-memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record appends the event
func (s *MemorySink) Record(ctx context.Context, event Event) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return Result{Logged: true, LogID: uuid.NewString()}, nil
}

// Events returns a copy of the recorded events
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByAction returns the recorded events with the given action
func (s *MemorySink) ByAction(action Action) []Event {
	var out []Event
	for _, e := range s.Events() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
