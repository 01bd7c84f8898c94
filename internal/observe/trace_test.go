package observe

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without a span = %q, want empty", got)
	}

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	got := CorrelationID(ctx)
	if len(got) != 32 {
		t.Errorf("CorrelationID = %q, want a 32-hex trace id", got)
	}
}

func TestLogger_CarriesTraceIDs(t *testing.T) {
	if Logger(context.Background()) == nil {
		t.Fatal("Logger without a span returned nil")
	}

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	enriched := Logger(ctx)
	if enriched == nil {
		t.Fatal("Logger inside a span returned nil")
	}
	// The enriched logger is a distinct handle carrying trace attributes.
	if enriched.Handler() == Logger(context.Background()).Handler() {
		t.Error("Logger inside a span did not add trace attributes")
	}
}
