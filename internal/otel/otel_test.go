package otel

import (
	"context"
	"testing"
	"time"

	"github.com/basket/acp-bridge/internal/bus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	provider, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if provider.Tracer == nil || provider.Meter == nil {
		t.Fatal("no-op provider missing instruments")
	}
	_, span := StartSpan(context.Background(), provider.Tracer, "test")
	span.End()
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_UnknownExporterRejected(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"})
	if err == nil {
		t.Fatal("unknown exporter accepted")
	}
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var data metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &data); err != nil {
		t.Fatalf("collect: %v", err)
	}
	return data
}

func sumOf(data metricdata.ResourceMetrics, name string) int64 {
	for _, scope := range data.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				var total int64
				for _, point := range sum.DataPoints {
					total += point.Value
				}
				return total
			}
		}
	}
	return 0
}

func TestRecorder_CountsBusEvents(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter(MeterName)

	metrics, err := NewMetrics(meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	eventBus := bus.New()
	recorder := NewRecorder(metrics, eventBus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		recorder.Run(ctx)
	}()

	// Give the subscription time to attach before publishing.
	time.Sleep(50 * time.Millisecond)
	session := bus.SessionEvent{ExternalSessionID: "s1", ServiceName: "linear", AgentName: "claude"}
	eventBus.Publish(bus.TopicSessionStarted, session)
	session.StopReason = "end_turn"
	eventBus.Publish(bus.TopicSessionCompleted, session)
	eventBus.Publish(bus.TopicUpdateEmitted, bus.UpdateEvent{ExternalSessionID: "s1", Kind: "thought"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		data := collect(t, reader)
		if sumOf(data, "bridge.sessions.started") == 1 &&
			sumOf(data, "bridge.sessions.completed") == 1 &&
			sumOf(data, "bridge.updates.emitted") == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("metrics never recorded: started=%d completed=%d updates=%d",
				sumOf(data, "bridge.sessions.started"),
				sumOf(data, "bridge.sessions.completed"),
				sumOf(data, "bridge.updates.emitted"))
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not stop")
	}
}
