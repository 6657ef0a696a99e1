package otel

import (
	"context"
	"time"

	"github.com/basket/acp-bridge/internal/bus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the bridge's metric instruments.
type Metrics struct {
	SessionsStarted   metric.Int64Counter
	SessionsCompleted metric.Int64Counter
	SessionsFailed    metric.Int64Counter
	TurnDuration      metric.Float64Histogram
	UpdatesEmitted    metric.Int64Counter
	ActiveSessions    metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SessionsStarted, err = meter.Int64Counter("bridge.sessions.started",
		metric.WithDescription("Bridge sessions started"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsCompleted, err = meter.Int64Counter("bridge.sessions.completed",
		metric.WithDescription("Bridge sessions whose prompt turn completed"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsFailed, err = meter.Int64Counter("bridge.sessions.failed",
		metric.WithDescription("Bridge sessions that terminated with an error"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnDuration, err = meter.Float64Histogram("bridge.turn.duration",
		metric.WithDescription("Prompt turn duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.UpdatesEmitted, err = meter.Int64Counter("bridge.updates.emitted",
		metric.WithDescription("Debounced updates delivered to adapters"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("bridge.sessions.active",
		metric.WithDescription("Sessions with a live agent subprocess"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Recorder consumes bus events and records them on the instruments. It runs
// until the context is cancelled.
type Recorder struct {
	metrics *Metrics
	bus     *bus.Bus
}

// NewRecorder creates a Recorder over the given bus.
func NewRecorder(m *Metrics, b *bus.Bus) *Recorder {
	return &Recorder{metrics: m, bus: b}
}

// Run subscribes to session and update topics and records until ctx ends.
func (r *Recorder) Run(ctx context.Context) {
	sub := r.bus.Subscribe("")
	defer r.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			r.record(ctx, ev)
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev bus.Event) {
	switch ev.Topic {
	case bus.TopicSessionStarted:
		if s, ok := ev.Payload.(bus.SessionEvent); ok {
			attrs := metric.WithAttributes(
				AttrService.String(s.ServiceName),
				AttrAgent.String(s.AgentName),
			)
			r.metrics.SessionsStarted.Add(ctx, 1, attrs)
			r.metrics.ActiveSessions.Add(ctx, 1, attrs)
		}
	case bus.TopicSessionCompleted, bus.TopicSessionCancelled:
		if s, ok := ev.Payload.(bus.SessionEvent); ok {
			attrs := metric.WithAttributes(
				AttrService.String(s.ServiceName),
				AttrAgent.String(s.AgentName),
				AttrStopReason.String(s.StopReason),
			)
			r.metrics.SessionsCompleted.Add(ctx, 1, attrs)
			r.metrics.ActiveSessions.Add(ctx, -1, metric.WithAttributes(
				AttrService.String(s.ServiceName),
				AttrAgent.String(s.AgentName),
			))
		}
	case bus.TopicSessionFailed:
		if s, ok := ev.Payload.(bus.SessionEvent); ok {
			attrs := metric.WithAttributes(
				AttrService.String(s.ServiceName),
				AttrAgent.String(s.AgentName),
			)
			r.metrics.SessionsFailed.Add(ctx, 1, attrs)
			r.metrics.ActiveSessions.Add(ctx, -1, attrs)
		}
	case bus.TopicUpdateEmitted:
		if u, ok := ev.Payload.(bus.UpdateEvent); ok {
			r.metrics.UpdatesEmitted.Add(ctx, 1, metric.WithAttributes(
				AttrUpdateKind.String(u.Kind),
			))
		}
	}
}

// RecordTurn records a turn duration sample.
func (m *Metrics) RecordTurn(ctx context.Context, service, agent, stopReason string, elapsed time.Duration) {
	m.TurnDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("bridge.service", service),
		attribute.String("bridge.agent", agent),
		attribute.String("bridge.turn.stop_reason", stopReason),
	))
}
