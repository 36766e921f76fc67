package observability

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func envLookup(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestTracingConfigFromEnv(t *testing.T) {
	cfg := TracingConfigFromEnv(envLookup(map[string]string{
		"ASEBA_TRACING_ENABLED":      "TRUE",
		"ASEBA_TRACING_EXPORTER":     "OTLP",
		"ASEBA_TRACING_SAMPLE_RATIO": "0.25",
		"ASEBA_OTLP_ENDPOINT":        "collector:4317",
	}))
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.ServiceName != DefaultServiceName {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.SampleRatio != 0.25 || cfg.Endpoint != "collector:4317" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestTracingConfigIgnoresBadRatio(t *testing.T) {
	cfg := TracingConfigFromEnv(envLookup(map[string]string{"ASEBA_TRACING_SAMPLE_RATIO": "7"}))
	if cfg.SampleRatio != 1 || cfg.Enabled || cfg.Exporter != "stdout" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{1, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{0.5, "TraceIDRatioBased"},
	}
	for _, tt := range tests {
		if got := newSampler(tt.ratio).Description(); !strings.Contains(got, tt.want) {
			t.Errorf("newSampler(%v) = %s, want %s", tt.ratio, got, tt.want)
		}
	}
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitTracingStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracing(context.Background(), TracingConfig{
		Enabled:     true,
		Exporter:    "stdout",
		SampleRatio: 1,
		Output:      &buf,
	}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	t.Cleanup(func() { _, _ = InitTracing(context.Background(), TracingConfig{}, nil) })

	_, span := otel.Tracer("test").Start(context.Background(), "LoadScript")
	span.End()
	ShutdownWithTimeout(context.Background(), shutdown, nil)

	if !strings.Contains(buf.String(), `"LoadScript"`) {
		t.Fatalf("span not exported: %q", buf.String())
	}
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, nil)
	if !errors.Is(err, ErrUnknownExporter) {
		t.Fatalf("InitTracing error = %v, want ErrUnknownExporter", err)
	}
}
