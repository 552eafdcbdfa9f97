// Package impersonate runs the impersonation flow around the admission engine:
// the tenant is validated, the engine decides and records, and every state
// change is reported to the audit sink.
package impersonate

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/tendant/simple-impersonate/pkg/admission"
	"github.com/tendant/simple-impersonate/pkg/audit"
)

// BeginRequest asks to start impersonating TargetUserID
type BeginRequest struct {
	TenantID        string
	OperatorID      string
	TargetUserID    string
	DurationMinutes int
	// Override limits for this call; zero fields keep the engine's base limits
	Override admission.Limits
}

// Service orchestrates tenant validation, admission and auditing
type Service struct {
	engine  *admission.Engine
	tenants TenantValidator
	sink    audit.Sink
}

// Option configures a Service
type Option func(*Service)

// WithTenantValidator sets the tenant directory. The default accepts every tenant.
func WithTenantValidator(v TenantValidator) Option {
	return func(s *Service) {
		s.tenants = v
	}
}

// WithAuditSink sets where audit events go. The default logs them with slog.
func WithAuditSink(sink audit.Sink) Option {
	return func(s *Service) {
		s.sink = sink
	}
}

// NewService creates a new impersonation service
func NewService(engine *admission.Engine, opts ...Option) *Service {
	s := &Service{
		engine:  engine,
		tenants: NewStaticTenants(),
		sink:    audit.NewLogSink(nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Engine returns the underlying admission engine
func (s *Service) Engine() *admission.Engine {
	return s.engine
}

// record sends an event to the sink. Audit failures are logged, never returned:
// the engine state has already changed.
func (s *Service) record(ctx context.Context, event audit.Event) {
	if _, err := s.sink.Record(context.WithoutCancel(ctx), event); err != nil {
		slog.Error("Failed to record audit event", "action", event.Action, "tenant_id", event.TenantID, "error", err)
	}
}

// Begin validates the tenant and admits a new session. A denial is returned as
// a Decision with a nil session and is audited.
func (s *Service) Begin(ctx context.Context, req BeginRequest) (admission.Decision, *admission.Session, error) {
	if err := s.tenants.ValidateTenant(ctx, req.TenantID); err != nil {
		slog.Warn("Impersonation refused for tenant", "tenant_id", req.TenantID, "operator_id", req.OperatorID, "error", err)
		return admission.Decision{}, nil, err
	}

	decision, session, err := s.engine.Admit(ctx, admission.StartRequest{
		OperatorID:      req.OperatorID,
		TargetUserID:    req.TargetUserID,
		TenantID:        req.TenantID,
		DurationMinutes: req.DurationMinutes,
	}, req.Override)
	if err != nil {
		return admission.Decision{}, nil, err
	}

	if !decision.Allowed {
		s.record(ctx, audit.Event{
			Action:       audit.ActionAdmissionDenied,
			TenantID:     req.TenantID,
			OperatorID:   req.OperatorID,
			TargetUserID: req.TargetUserID,
			Outcome:      string(decision.LimitType),
		}.WithMetadata("reason", decision.Reason).WithMetadata("reset_at", decision.ResetAt))
		return decision, nil, nil
	}

	s.record(ctx, audit.Event{
		Action:       audit.ActionSessionBegin,
		TenantID:     session.TenantID,
		OperatorID:   session.OperatorID,
		TargetUserID: session.TargetUserID,
		SessionID:    session.ID,
		Outcome:      "allowed",
	}.WithMetadata("expires_at", session.ExpiresAt).WithMetadata("remaining", decision.Remaining))
	return decision, session, nil
}

// Check runs the admission decision for the operator without starting a session
func (s *Service) Check(ctx context.Context, tenantID, operatorID string, override admission.Limits) (admission.Decision, error) {
	if err := s.tenants.ValidateTenant(ctx, tenantID); err != nil {
		return admission.Decision{}, err
	}
	return s.engine.CheckAdmission(ctx, tenantID, operatorID, override)
}

// End ends a session and returns how many whole minutes it lasted
func (s *Service) End(ctx context.Context, sessionID, tenantID, operatorID string) (int, error) {
	minutes, err := s.engine.EndSession(ctx, sessionID, tenantID)
	if err != nil {
		return 0, err
	}
	s.record(ctx, audit.Event{
		Action:     audit.ActionSessionEnd,
		TenantID:   tenantID,
		OperatorID: operatorID,
		SessionID:  sessionID,
		Outcome:    "ended",
	}.WithMetadata("duration_minutes", minutes))
	return minutes, nil
}

// Terminate force-ends a session on behalf of adminID. It returns false when
// the tenant has no such session.
func (s *Service) Terminate(ctx context.Context, sessionID, tenantID, adminID string) (bool, error) {
	ok, err := s.engine.ForceTerminate(ctx, sessionID, tenantID)
	if err != nil {
		return false, err
	}
	if ok {
		s.record(ctx, audit.Event{
			Action:     audit.ActionSessionTerminate,
			TenantID:   tenantID,
			OperatorID: adminID,
			SessionID:  sessionID,
			Outcome:    "terminated",
		})
	}
	return ok, nil
}

// Reset clears all admission state for an operator on behalf of adminID
func (s *Service) Reset(ctx context.Context, tenantID, operatorID, adminID string) (bool, error) {
	ok, err := s.engine.ResetRateLimits(ctx, tenantID, operatorID)
	if err != nil {
		return false, err
	}
	s.record(ctx, audit.Event{
		Action:     audit.ActionLimitsReset,
		TenantID:   tenantID,
		OperatorID: adminID,
		Outcome:    strconv.FormatBool(ok),
	}.WithMetadata("target_operator_id", operatorID))
	return ok, nil
}

// ClearViolations removes an operator's violation history on behalf of adminID
func (s *Service) ClearViolations(ctx context.Context, tenantID, operatorID, adminID string) (bool, error) {
	ok, err := s.engine.ClearViolations(ctx, tenantID, operatorID)
	if err != nil {
		return false, err
	}
	s.record(ctx, audit.Event{
		Action:     audit.ActionViolationsClear,
		TenantID:   tenantID,
		OperatorID: adminID,
		Outcome:    strconv.FormatBool(ok),
	}.WithMetadata("target_operator_id", operatorID))
	return ok, nil
}

// DurationExceeded reports whether a session has run longer than maxMinutes
func (s *Service) DurationExceeded(ctx context.Context, sessionID string, maxMinutes int) (bool, error) {
	return s.engine.CheckDurationExceeded(ctx, sessionID, maxMinutes)
}

// ActiveSessions lists an operator's sessions, including expired ones not yet swept
func (s *Service) ActiveSessions(ctx context.Context, tenantID, operatorID string) ([]admission.Session, error) {
	return s.engine.GetActiveSessions(ctx, tenantID, operatorID)
}

// Stats returns the dashboard view for an operator
func (s *Service) Stats(ctx context.Context, tenantID, operatorID string, override admission.Limits) (admission.Stats, error) {
	return s.engine.GetStats(ctx, tenantID, operatorID, override)
}

// Violations lists an operator's recorded violations
func (s *Service) Violations(ctx context.Context, tenantID, operatorID string) ([]admission.Violation, error) {
	return s.engine.ListViolations(ctx, tenantID, operatorID)
}

// Cleanup removes expired sessions across all operators
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	return s.engine.CleanupExpiredSessions(ctx)
}
