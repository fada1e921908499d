package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestNewResource(t *testing.T) {
	res, err := newResource(Config{Version: "1.4.0", Environment: "staging", Namespace: "coolers", InstanceID: "ingest-1"})
	if err != nil {
		t.Fatalf("newResource() error = %v", err)
	}

	want := map[attribute.Key]string{
		"service.name":           ServiceName,
		"service.version":        "1.4.0",
		"deployment.environment": "staging",
		"service.namespace":      "coolers",
		"service.instance.id":    "ingest-1",
	}
	got := make(map[attribute.Key]string)
	for _, kv := range res.Attributes() {
		got[kv.Key] = kv.Value.Emit()
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("resource %s = %q, want %q", k, got[k], v)
		}
	}
	if _, ok := got["telemetry.sdk.name"]; !ok {
		t.Error("resource lost the SDK attributes")
	}
}

func TestInitTracerSampling(t *testing.T) {
	tests := []struct {
		ratio   float64
		sampled bool
	}{
		{0, false},
		{1, true},
	}
	for _, tt := range tests {
		tp, err := InitTracer(Config{Exporter: ExporterNone, SampleRatio: tt.ratio})
		if err != nil {
			t.Fatalf("InitTracer() error = %v", err)
		}
		_, span := Tracer().Start(context.Background(), "test")
		if got := span.SpanContext().IsSampled(); got != tt.sampled {
			t.Errorf("ratio %v: IsSampled() = %v, want %v", tt.ratio, got, tt.sampled)
		}
		span.End()
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	}
	TracerProvider = nil
}

func TestInitTracerUnknownExporter(t *testing.T) {
	if _, err := InitTracer(Config{Exporter: "zipkin", SampleRatio: 1}); err == nil {
		t.Error("InitTracer() error = nil for an unknown exporter")
	}
}
