package telemetry_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/jensholdgaard/leilao/internal/config"
	"github.com/jensholdgaard/leilao/internal/telemetry"
)

func TestNewNopProvider(t *testing.T) {
	p := telemetry.NewNopProvider(io.Discard)

	if p.TracerProvider == nil {
		t.Fatal("TracerProvider is nil")
	}
	if p.MeterProvider == nil {
		t.Fatal("MeterProvider is nil")
	}
	if p.LoggerProvider == nil {
		t.Fatal("LoggerProvider is nil")
	}
	if p.Logger == nil {
		t.Fatal("Logger is nil")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestSetup_WithoutEndpoint(t *testing.T) {
	p, err := telemetry.Setup(context.Background(), config.TelemetryConfig{ServiceName: "leilao", ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.Logger == nil || p.TracerProvider == nil {
		t.Fatal("incomplete provider")
	}
}

func TestLocalLogger_TraceIDs(t *testing.T) {
	p := telemetry.NewNopProvider(io.Discard)
	defer p.Shutdown(context.Background())

	var buf bytes.Buffer
	logger := telemetry.NewLocalLogger(&buf, slog.LevelInfo).With(slog.String("component", "test"))

	ctx, span := p.TracerProvider.Tracer("test").Start(context.Background(), "op")
	logger.InfoContext(ctx, "inside span")
	span.End()

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decoding log line: %v", err)
	}
	if rec["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("trace_id = %v, want %s", rec["trace_id"], span.SpanContext().TraceID())
	}
	if rec["component"] != "test" {
		t.Errorf("component = %v", rec["component"])
	}

	buf.Reset()
	logger.InfoContext(context.Background(), "outside span")
	var plain map[string]any
	if err := json.Unmarshal(buf.Bytes(), &plain); err != nil {
		t.Fatalf("decoding log line: %v", err)
	}
	if _, ok := plain["trace_id"]; ok {
		t.Error("unexpected trace_id outside a span")
	}
}
