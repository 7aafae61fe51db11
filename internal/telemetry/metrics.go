package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the coordinator's instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	FramesReceived    metric.Int64Counter
	FramesRejected    metric.Int64Counter
	Broadcasts        metric.Int64Counter
	SendFailures      metric.Int64Counter
	PromptsQueued     metric.Int64Counter
	SpawnAttempts     metric.Int64Counter
	SpawnFailures     metric.Int64Counter
	SpawnDuration     metric.Float64Histogram
	ActiveConnections metric.Int64UpDownCounter
	ActiveSessions    metric.Int64UpDownCounter
}

// NewMetrics creates all instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.FramesReceived, err = meter.Int64Counter("coordinator.frames.received",
		metric.WithDescription("Inbound frames accepted for dispatch"),
	); err != nil {
		return nil, err
	}
	if m.FramesRejected, err = meter.Int64Counter("coordinator.frames.rejected",
		metric.WithDescription("Inbound frames answered with an error frame"),
	); err != nil {
		return nil, err
	}
	if m.Broadcasts, err = meter.Int64Counter("coordinator.broadcasts",
		metric.WithDescription("Frames fanned out to session clients"),
	); err != nil {
		return nil, err
	}
	if m.SendFailures, err = meter.Int64Counter("coordinator.send.failures",
		metric.WithDescription("Per-connection send failures"),
	); err != nil {
		return nil, err
	}
	if m.PromptsQueued, err = meter.Int64Counter("coordinator.prompts.queued",
		metric.WithDescription("Prompts queued while no sandbox was connected"),
	); err != nil {
		return nil, err
	}
	if m.SpawnAttempts, err = meter.Int64Counter("coordinator.spawn.attempts",
		metric.WithDescription("Sandbox spawn RPCs issued"),
	); err != nil {
		return nil, err
	}
	if m.SpawnFailures, err = meter.Int64Counter("coordinator.spawn.failures",
		metric.WithDescription("Sandbox spawn RPCs that failed"),
	); err != nil {
		return nil, err
	}
	if m.SpawnDuration, err = meter.Float64Histogram("coordinator.spawn.duration",
		metric.WithDescription("Sandbox spawn RPC duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.ActiveConnections, err = meter.Int64UpDownCounter("coordinator.connections.active",
		metric.WithDescription("Open WebSocket connections"),
	); err != nil {
		return nil, err
	}
	if m.ActiveSessions, err = meter.Int64UpDownCounter("coordinator.sessions.active",
		metric.WithDescription("Coordinators resident in memory"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// FrameReceived counts an accepted inbound frame.
func (m *Metrics) FrameReceived(frameType string) {
	if m == nil {
		return
	}
	m.FramesReceived.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", frameType)))
}

// FrameRejected counts an inbound frame answered with an error code.
func (m *Metrics) FrameRejected(code string) {
	if m == nil {
		return
	}
	m.FramesRejected.Add(context.Background(), 1, metric.WithAttributes(attribute.String("code", code)))
}

// Broadcast counts a fan-out and its per-connection failures.
func (m *Metrics) Broadcast(frameType string, failures int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.Broadcasts.Add(ctx, 1, metric.WithAttributes(attribute.String("type", frameType)))
	if failures > 0 {
		m.SendFailures.Add(ctx, int64(failures))
	}
}

// SendFailed counts a failed direct send.
func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.SendFailures.Add(context.Background(), 1)
}

// PromptQueued counts a prompt parked in the pending queue.
func (m *Metrics) PromptQueued() {
	if m == nil {
		return
	}
	m.PromptsQueued.Add(context.Background(), 1)
}

// SpawnFinished records a spawn RPC outcome.
func (m *Metrics) SpawnFinished(seconds float64, err error) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.SpawnAttempts.Add(ctx, 1)
	m.SpawnDuration.Record(ctx, seconds)
	if err != nil {
		m.SpawnFailures.Add(ctx, 1)
	}
}

// ConnectionOpened adjusts the open-connection gauge by delta.
func (m *Metrics) ConnectionOpened(delta int64) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(context.Background(), delta)
}

// SessionResident adjusts the resident-coordinator gauge by delta.
func (m *Metrics) SessionResident(delta int64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(context.Background(), delta)
}
