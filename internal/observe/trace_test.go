package observe

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecordingTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

func TestStartSpan_RecordsNamedSpan(t *testing.T) {
	exp := withRecordingTracer(t)

	ctx, span := StartSpan(context.Background(), "session.dispatch")
	if CorrelationID(ctx) == "" {
		t.Error("span context has no trace id")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "session.dispatch" {
		t.Fatalf("recorded spans = %+v, want one named session.dispatch", spans)
	}
}

func TestCorrelationID(t *testing.T) {
	withRecordingTracer(t)

	t.Run("empty without a span", func(t *testing.T) {
		if got := CorrelationID(context.Background()); got != "" {
			t.Errorf("CorrelationID = %q, want empty", got)
		}
	})

	t.Run("lowercase hex trace id", func(t *testing.T) {
		ctx, span := StartSpan(context.Background(), "analysis.segment")
		defer span.End()

		cid := CorrelationID(ctx)
		if len(cid) != 32 {
			t.Fatalf("len(correlation id) = %d, want 32", len(cid))
		}
		if strings.Trim(cid, "0123456789abcdef") != "" {
			t.Errorf("correlation id %q is not lowercase hex", cid)
		}
	})

	t.Run("distinct per span", func(t *testing.T) {
		seen := make(map[string]struct{}, 50)
		for range 50 {
			ctx, span := StartSpan(context.Background(), "trigger.fire")
			cid := CorrelationID(ctx)
			span.End()
			if _, dup := seen[cid]; dup {
				t.Fatalf("duplicate correlation id %s", cid)
			}
			seen[cid] = struct{}{}
		}
	})
}

func TestLogger_TraceAnnotations(t *testing.T) {
	withRecordingTracer(t)

	var buf strings.Builder
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(slog.Default()) })

	Logger(context.Background()).Info("idle")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("spanless log line carries trace_id: %s", buf.String())
	}

	buf.Reset()
	ctx, span := StartSpan(context.Background(), "session.start")
	defer span.End()
	Logger(ctx).Info("started")

	line := buf.String()
	if !strings.Contains(line, "trace_id=") || !strings.Contains(line, "span_id=") {
		t.Errorf("log line missing trace annotations: %s", line)
	}
}
