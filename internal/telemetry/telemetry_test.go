package telemetry

import (
	"context"
	"errors"
	"testing"
)

func TestInitDisabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected noop tracer and meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInitExporters(t *testing.T) {
	tests := []struct {
		exporter string
		wantErr  bool
	}{
		{exporter: "none"},
		{exporter: "stdout"},
		{exporter: "carrier-pigeon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.exporter, func(t *testing.T) {
			p, err := Init(context.Background(), Config{Enabled: true, Exporter: tt.exporter})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error for unknown exporter")
				}
				return
			}
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			defer p.Shutdown(context.Background())
			if p.TracerProvider == nil {
				t.Fatal("expected sdk tracer provider")
			}
		})
	}
}

func TestSpanHelpers(t *testing.T) {
	p := Noop()
	ctx, span := StartSpan(context.Background(), p.Tracer, "test.internal", AttrSessionID.String("s1"))
	span.End()
	_, client := StartClientSpan(ctx, p.Tracer, "test.client", AttrSandboxID.String("sb"))
	client.End()
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.FrameReceived("prompt")
	m.FrameRejected("invalid_frame")
	m.Broadcast("message", 2)
	m.SendFailed()
	m.PromptQueued()
	m.SpawnFinished(0.5, errors.New("boom"))
	m.ConnectionOpened(1)
	m.SessionResident(-1)
}

func TestNewMetrics(t *testing.T) {
	p := Noop()
	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.FrameReceived("subscribe")
	m.Broadcast("message", 1)
	m.SpawnFinished(1.2, nil)
}
