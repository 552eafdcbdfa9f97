package admission

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/tendant/simple-impersonate/pkg/admission"

type engineMetrics struct {
	decisions       metric.Int64Counter
	violations      metric.Int64Counter
	sessionsStarted metric.Int64Counter
	sessionsRemoved metric.Int64Counter
}

// newEngineMetrics registers the engine counters on meter. A nil meter uses
// the global provider, which is a no-op until main installs an SDK provider.
func newEngineMetrics(meter metric.Meter) *engineMetrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	m := &engineMetrics{}
	var err error
	if m.decisions, err = meter.Int64Counter("impersonation.admission.decisions",
		metric.WithDescription("Admission decisions by outcome")); err != nil {
		slog.Warn("Failed to create metric", "name", "impersonation.admission.decisions", "error", err)
	}
	if m.violations, err = meter.Int64Counter("impersonation.admission.violations",
		metric.WithDescription("Recorded limit violations")); err != nil {
		slog.Warn("Failed to create metric", "name", "impersonation.admission.violations", "error", err)
	}
	if m.sessionsStarted, err = meter.Int64Counter("impersonation.sessions.started",
		metric.WithDescription("Impersonation sessions started")); err != nil {
		slog.Warn("Failed to create metric", "name", "impersonation.sessions.started", "error", err)
	}
	if m.sessionsRemoved, err = meter.Int64Counter("impersonation.sessions.removed",
		metric.WithDescription("Impersonation sessions removed by reason")); err != nil {
		slog.Warn("Failed to create metric", "name", "impersonation.sessions.removed", "error", err)
	}
	return m
}

func (m *engineMetrics) decision(ctx context.Context, d Decision) {
	if m.decisions == nil {
		return
	}
	outcome := "allowed"
	if !d.Allowed {
		outcome = "denied"
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("limit_type", string(d.LimitType)),
	))
}

func (m *engineMetrics) violation(ctx context.Context, v Violation) {
	if m.violations == nil {
		return
	}
	m.violations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limit_type", string(v.LimitType)),
		attribute.String("severity", string(v.Severity)),
	))
}

func (m *engineMetrics) started(ctx context.Context) {
	if m.sessionsStarted == nil {
		return
	}
	m.sessionsStarted.Add(ctx, 1)
}

func (m *engineMetrics) removed(ctx context.Context, reason string, n int) {
	if m.sessionsRemoved == nil || n <= 0 {
		return
	}
	m.sessionsRemoved.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}
