package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*MigrationTracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return NewMigrationTracer(tp.Tracer("test")), exporter
}

func TestMigrationTracer_StartOperation(t *testing.T) {
	mt, exporter := newTestTracer(t)

	_, span := mt.StartOperation(context.Background(), "add_not_null", "users")
	mt.End(span, nil)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "migration.add_not_null" {
		t.Errorf("unexpected span name %q", spans[0].Name)
	}
	if spans[0].Status.Code != codes.Ok {
		t.Errorf("expected Ok status, got %v", spans[0].Status.Code)
	}

	found := false
	for _, attr := range spans[0].Attributes {
		if string(attr.Key) == "db.sql.table" && attr.Value.AsString() == "users" {
			found = true
		}
	}
	if !found {
		t.Error("expected db.sql.table attribute")
	}
}

func TestMigrationTracer_BatchIsChildOfOperation(t *testing.T) {
	mt, exporter := newTestTracer(t)

	ctx, op := mt.StartOperation(context.Background(), "backfill", "users")
	_, batch := mt.StartBatch(ctx, "users", 1, "(0, 1000]")
	batch.End()
	op.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name != "migration.batch" {
		t.Fatalf("expected batch span first, got %q", spans[0].Name)
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("batch span should be a child of the operation span")
	}
}

func TestMigrationTracer_EndWithError(t *testing.T) {
	mt, exporter := newTestTracer(t)

	_, span := mt.StartOperation(context.Background(), "add_index", "users")
	mt.End(span, errors.New("lock timeout"))

	spans := exporter.GetSpans()
	if spans[0].Status.Code != codes.Error {
		t.Errorf("expected Error status, got %v", spans[0].Status.Code)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected an exception event")
	}
}

func TestMigrationTracer_Nil(t *testing.T) {
	var mt *MigrationTracer
	ctx := context.Background()
	got, span := mt.StartOperation(ctx, "backfill", "users")
	if got != ctx {
		t.Error("nil tracer should return the input context")
	}
	span.End()
}
