package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func TestTelemetrySetup(t *testing.T) {
	tel, err := Setup("test-service")
	if err != nil {
		t.Fatalf("Failed to setup telemetry: %v", err)
	}

	// Verify providers are set
	if otel.GetTracerProvider() == nil {
		t.Error("Tracer provider not set")
	}
	if otel.GetMeterProvider() == nil {
		t.Error("Meter provider not set")
	}

	// Test GetTracer/GetMeter
	tracer := GetTracer("test-tracer")
	if tracer == nil {
		t.Error("Failed to get tracer")
	}

	meter := GetMeter("test-meter")
	if meter == nil {
		t.Error("Failed to get meter")
	}

	// Exercise domain instruments end to end
	m := GetGlobalMetrics()
	m.RecordOrderbookUpdate(context.Background(), "gate", "BTC/USDT:PERP")
	m.RecordOrderOperation(context.Background(), "mexc", "place", "ok")
	m.ObserveBookTickerLatency(context.Background(), "mexc", 42.0)
	m.SetEngineState("task-1", StateCodeMonitoring)
	m.SetDeltaRatio("task-1", 0.0)

	states := m.GetEngineStates()
	if states["task-1"] != StateCodeMonitoring {
		t.Errorf("engine state gauge = %d, want %d", states["task-1"], StateCodeMonitoring)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := tel.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestMetricsHolder_NilSafety(t *testing.T) {
	var m *MetricsHolder
	// All helpers must be no-ops before initialization.
	m.RecordOrderbookUpdate(context.Background(), "gate", "BTC/USDT:PERP")
	m.RecordWsReconnect(context.Background(), "gate", "public")
	m.RecordSnapshotWrite(context.Background(), "task-1", nil)
	m.SetEngineState("task-1", StateCodeIdle)
}
