package tracing

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	SetPropagator()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter
}

func TestGetVersion(t *testing.T) {
	t.Setenv("SERVICE_VERSION", "")
	if got := getVersion(); got != "dev" {
		t.Errorf("getVersion() = %q, want dev", got)
	}
	t.Setenv("SERVICE_VERSION", "v1.2.3")
	if got := getVersion(); got != "v1.2.3" {
		t.Errorf("getVersion() = %q, want v1.2.3", got)
	}
}

func TestGetInstanceID(t *testing.T) {
	tests := []struct {
		name     string
		hostname string
		podName  string
		expected string
	}{
		{"hostname", "web-01", "", "web-01"},
		{"pod name only", "", "relay-worker-abc123", "relay-worker-abc123"},
		{"hostname wins", "web-01", "relay-worker-abc123", "web-01"},
		{"neither", "", "", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HOSTNAME", tt.hostname)
			t.Setenv("POD_NAME", tt.podName)
			if got := getInstanceID(); got != tt.expected {
				t.Errorf("getInstanceID() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestGetOTLPEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{"http prefix", "http://tempo:4318", "tempo:4318"},
		{"https prefix", "https://tempo:4318", "tempo:4318"},
		{"bare host", "otel-collector.monitoring:4318", "otel-collector.monitoring:4318"},
		{"unset", "", "tempo:4318"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", tt.envValue)
			if got := getOTLPEndpoint(); got != tt.expected {
				t.Errorf("getOTLPEndpoint() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestGetSampleRatio(t *testing.T) {
	tests := []struct {
		env  string
		want float64
	}{
		{"", 1},
		{"0.25", 0.25},
		{"2", 1},
		{"abc", 1},
	}
	for _, tt := range tests {
		t.Setenv("OTEL_TRACES_SAMPLER_ARG", tt.env)
		if got := getSampleRatio(); got != tt.want {
			t.Errorf("getSampleRatio(%q) = %v, want %v", tt.env, got, tt.want)
		}
	}
}

func TestInitTracingDisabled(t *testing.T) {
	t.Setenv("OTEL_SDK_DISABLED", "true")
	shutdown, err := InitTracing(context.Background(), "relay-test")
	if err != nil {
		t.Fatalf("InitTracing() error: %v", err)
	}
	shutdown()
}

func TestStartSpanRecordsAttributes(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "dispatch.attempt",
		AttrDeliveryID.String("dlv_1"), AttrAttempt.Int(2))
	AddSpanEvent(ctx, "claimed")
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	got := spans[0]
	if got.Name != "dispatch.attempt" {
		t.Errorf("span name = %q", got.Name)
	}
	attrs := map[string]string{}
	for _, kv := range got.Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["delivery.id"] != "dlv_1" || attrs["delivery.attempt"] != "2" {
		t.Errorf("span attributes = %v", attrs)
	}
	if len(got.Events) != 1 || got.Events[0].Name != "claimed" {
		t.Errorf("span events = %v", got.Events)
	}
}

func TestSetSpanError(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "reap")
	SetSpanError(ctx, errors.New("boom"))
	SetSpanError(ctx, nil)
	span.End()

	// no span in context must not panic
	SetSpanError(context.Background(), errors.New("ignored"))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != "boom" {
		t.Errorf("span status = %+v", spans[0].Status)
	}
}

func TestGetTraceAndSpanID(t *testing.T) {
	setupTestTracer(t)

	if GetTraceID(context.Background()) != "" || GetSpanID(context.Background()) != "" {
		t.Error("expected empty ids without a span")
	}

	ctx, span := StartSpan(context.Background(), "test-span")
	defer span.End()
	if id := GetTraceID(ctx); len(id) != 32 {
		t.Errorf("GetTraceID() = %q, want 32 hex chars", id)
	}
	if id := GetSpanID(ctx); len(id) != 16 {
		t.Errorf("GetSpanID() = %q, want 16 hex chars", id)
	}
}

func TestHTTPPropagationRoundTrip(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "send")
	defer span.End()

	h := http.Header{}
	InjectHTTP(ctx, h)
	if h.Get("traceparent") == "" {
		t.Fatal("InjectHTTP() did not set traceparent")
	}

	remote := ExtractHTTP(context.Background(), h)
	if got := oteltrace.SpanContextFromContext(remote).TraceID(); got != span.SpanContext().TraceID() {
		t.Errorf("extracted trace id = %s, want %s", got, span.SpanContext().TraceID())
	}
}

func TestNSQPropagationRoundTrip(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "pump.trigger")
	defer span.End()

	headers := PropagateTraceToNSQ(ctx)
	if headers["traceparent"] == "" {
		t.Fatalf("PropagateTraceToNSQ() = %v, want traceparent", headers)
	}

	restored := ExtractTraceFromNSQ(context.Background(), headers)
	if GetTraceID(restored) != GetTraceID(ctx) {
		t.Errorf("ExtractTraceFromNSQ() trace id = %q, want %q", GetTraceID(restored), GetTraceID(ctx))
	}

	bare := context.Background()
	if ExtractTraceFromNSQ(bare, nil) != bare {
		t.Error("ExtractTraceFromNSQ() with no headers should return the input context")
	}
}
