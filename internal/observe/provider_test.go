package observe

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInit_ServesMetricsWithRole(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	tel, err := Init(context.Background(), ProviderConfig{ServiceName: "facerelay-relay", Role: "relay"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	frames, err := otel.Meter("test").Int64Counter("relay.test_frames")
	if err != nil {
		t.Fatal(err)
	}
	frames.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{"relay_test_frames", `facerelay_role="relay"`, "go_goroutines"} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestTelemetry_ShutdownIsRepeatable(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	tel, err := Init(context.Background(), ProviderConfig{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	// The SDK reports a second shutdown as an error; it must not panic.
	_ = tel.Shutdown(context.Background())
}
