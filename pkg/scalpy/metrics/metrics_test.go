package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestRecordOrderIncrementsCounter(t *testing.T) {
	m := New()
	m.RecordOrder("BTCUSDT")
	m.RecordOrder("BTCUSDT")

	metric := &dto.Metric{}
	if err := m.OrdersEmitted.WithLabelValues("BTCUSDT").Write(metric); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := metric.GetCounter().GetValue(); got != 2 {
		t.Fatalf("OrdersEmitted = %v, want 2", got)
	}
}

func TestRecordHandlerObservesDuration(t *testing.T) {
	m := New()
	m.RecordHandler("event", 0.01)

	metric := &dto.Metric{}
	if err := m.HandlerDuration.WithLabelValues("event").Write(metric); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := metric.GetHistogram().GetSampleCount(); got != 1 {
		t.Fatalf("HandlerDuration sample count = %v, want 1", got)
	}
}

func TestRecordDispatchIncrementsCounter(t *testing.T) {
	m := New()
	m.RecordDispatch("BTCUSDT", "KLINE")

	metric := &dto.Metric{}
	if err := m.EventsDispatched.WithLabelValues("BTCUSDT", "KLINE").Write(metric); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := metric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("EventsDispatched = %v, want 1", got)
	}
}

func TestRegistryGatherIncludesRegisteredMetrics(t *testing.T) {
	m := New()
	m.RecordSignal("ETHUSDT")

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() == "scalpy_signals_emitted_total" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected scalpy_signals_emitted_total to be registered")
	}
}
