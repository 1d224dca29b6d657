package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRunnerEvent("dispatched")
	m.ObserveFailure("timeout")
	m.ObserveCompletionLatency(time.Second)
	m.SetQueueDepth(3)
	m.SetAttachedClients(1)
	m.ObserveMessage("inbound", "attach")
	m.ObserveWriteError("write_json")
}

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics("invoicedl_metrics_test")
	m.ObserveRunnerEvent("dispatched")
	m.ObserveRunnerEvent("dispatched")
	m.ObserveFailure("ack timeout")
	m.SetQueueDepth(4)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	values := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[mf.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[mf.GetName()] += metric.GetGauge().GetValue()
			}
		}
	}

	if got := values["invoicedl_metrics_test_runner_events_total"]; got != 2 {
		t.Fatalf("runner_events_total = %v, want 2", got)
	}
	if got := values["invoicedl_metrics_test_runner_failures_total"]; got != 1 {
		t.Fatalf("runner_failures_total = %v, want 1", got)
	}
	if got := values["invoicedl_metrics_test_queue_depth"]; got != 4 {
		t.Fatalf("queue_depth = %v, want 4", got)
	}
}
