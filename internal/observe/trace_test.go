package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory tracer provider as the global one for
// the duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs redirects the default logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestStartSpan_TagsSession(t *testing.T) {
	exp := useTestTracer(t)

	ctx := WithSession(context.Background(), "h-1")
	ctx, span := StartSpan(ctx, "bridge.session")
	if CorrelationID(ctx) == "" {
		t.Error("expected a trace id on the span context")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans: got %d, want 1", len(spans))
	}
	if spans[0].Name != "bridge.session" {
		t.Errorf("name: got %q", spans[0].Name)
	}
	var found bool
	for _, kv := range spans[0].Attributes {
		if kv.Key == "session" && kv.Value.AsString() == "h-1" {
			found = true
		}
	}
	if !found {
		t.Errorf("session attribute missing: %v", spans[0].Attributes)
	}
}

func TestEndSpan_RecordsError(t *testing.T) {
	exp := useTestTracer(t)

	_, ok := StartSpan(context.Background(), "ok")
	EndSpan(ok, nil)
	_, bad := StartSpan(context.Background(), "bad")
	EndSpan(bad, errors.New("stream reset"))

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans: got %d, want 2", len(spans))
	}
	if spans[0].Status.Code == codes.Error {
		t.Error("span without error marked as failed")
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "stream reset" {
		t.Errorf("status: got %+v", spans[1].Status)
	}
	if len(spans[1].Events) == 0 {
		t.Error("expected the error to be recorded as an event")
	}
}

func TestCorrelationID_EmptyWithoutSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestSessionFrom(t *testing.T) {
	if got := SessionFrom(context.Background()); got != "" {
		t.Errorf("got %q, want empty", got)
	}
	if got := SessionFrom(WithSession(context.Background(), "abc")); got != "abc" {
		t.Errorf("got %q, want abc", got)
	}
}

func TestLogger(t *testing.T) {
	tests := []struct {
		name    string
		session string
		span    bool
		want    []string
		notWant []string
	}{
		{name: "bare", notWant: []string{"session=", "trace_id="}},
		{name: "session only", session: "h-2", want: []string{"session=h-2"}, notWant: []string{"trace_id="}},
		{name: "span only", span: true, want: []string{"trace_id=", "span_id="}, notWant: []string{"session="}},
		{name: "both", session: "h-3", span: true, want: []string{"session=h-3", "trace_id="}},
	}
	useTestTracer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			ctx := context.Background()
			if tt.session != "" {
				ctx = WithSession(ctx, tt.session)
			}
			if tt.span {
				c, s := StartSpan(ctx, "log")
				defer s.End()
				ctx = c
			}
			Logger(ctx).Info("bridge: session started")

			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("missing %q in %s", w, out)
				}
			}
			for _, nw := range tt.notWant {
				if strings.Contains(out, nw) {
					t.Errorf("unexpected %q in %s", nw, out)
				}
			}
		})
	}
}
