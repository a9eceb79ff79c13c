package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// MigrationTracer creates spans around migration operations and the batches
// a backfill executes.
type MigrationTracer struct {
	tracer trace.Tracer
}

// NewMigrationTracer creates a MigrationTracer. If tracer is nil, the global
// tracer provider is used.
func NewMigrationTracer(tracer trace.Tracer) *MigrationTracer {
	if tracer == nil {
		tracer = otel.GetTracerProvider().Tracer(scope)
	}
	return &MigrationTracer{tracer: tracer}
}

// StartOperation begins a span for one orchestrated operation on table.
func (m *MigrationTracer) StartOperation(ctx context.Context, operation, table string) (context.Context, trace.Span) {
	if m == nil {
		return ctx, noop.Span{}
	}
	return m.tracer.Start(ctx, "migration."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("migration.operation", operation),
			attribute.String("db.sql.table", table),
		),
	)
}

// StartBatch begins a child span for one batch of a backfill.
func (m *MigrationTracer) StartBatch(ctx context.Context, table string, number int, bounds string) (context.Context, trace.Span) {
	if m == nil {
		return ctx, noop.Span{}
	}
	return m.tracer.Start(ctx, "migration.batch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.sql.table", table),
			attribute.Int("migration.batch.number", number),
			attribute.String("migration.batch.range", bounds),
		),
	)
}

// RecordError records err on span and marks it failed.
func (m *MigrationTracer) RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSuccess marks span as successful.
func (m *MigrationTracer) SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// End finishes span, recording err when non-nil.
func (m *MigrationTracer) End(span trace.Span, err error) {
	if err != nil {
		m.RecordError(span, err)
	} else {
		m.SetSuccess(span)
	}
	span.End()
}
