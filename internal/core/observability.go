package core

import (
	"context"
	"time"
)

// Clock supplies the current time to the service.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

type catchKey struct{}

// ContextWithCatch tags ctx with the catch an operation works on. Service
// operations do this before starting spans and observing metrics.
func ContextWithCatch(ctx context.Context, ref CatchRef) context.Context {
	return context.WithValue(ctx, catchKey{}, ref)
}

// CatchFromContext returns the catch tagged by ContextWithCatch.
func CatchFromContext(ctx context.Context) (CatchRef, bool) {
	ref, ok := ctx.Value(catchKey{}).(CatchRef)
	return ref, ok
}

// catchKindLabel is the metric label for ctx's catch kind.
func catchKindLabel(ctx context.Context) string {
	if ref, ok := CatchFromContext(ctx); ok && ref.Kind != "" {
		return string(ref.Kind)
	}
	return "none"
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// MetricsRecorder observes the outcome and latency of service operations.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer starts spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended with the operation error, nil on success.
type TraceSpan interface {
	End(err error)
}

// AuditStatus is the outcome of an audited operation.
type AuditStatus string

// Audit outcomes.
const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry records one service operation on a catch.
type AuditEntry struct {
	RunID     string
	Operation string
	Entity    EntityType
	Action    Action
	EntityID  string
	Status    AuditStatus
	Error     string
	Duration  time.Duration
	Timestamp time.Time
}

// AuditRecorder receives audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

type noopAudit struct{}

func (noopAudit) Record(context.Context, AuditEntry) {}

type auditOperation struct {
	entity EntityType
	action Action
}

// auditedOperations maps service operations to the entity they mutate.
// Operations missing from the map are not audited.
var auditedOperations = map[string]auditOperation{
	OpImportCatch:      {entity: EntitySourceBatch, action: ActionUpdate},
	OpDenormalizeCatch: {entity: EntityDenormalizedBatch, action: ActionUpdate},
	OpDeleteCatch:      {entity: EntitySourceBatch, action: ActionDelete},
}
