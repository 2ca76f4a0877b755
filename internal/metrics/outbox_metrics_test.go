package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := g.Write(metric); err != nil {
		t.Fatalf("failed to write gauge: %v", err)
	}
	return metric.GetGauge().GetValue()
}

func TestOutboxMetrics_RecordPublish(t *testing.T) {
	m := NewOutboxMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordPublish("order", "sent")
	m.RecordPublish("order", "sent")
	m.RecordPublish("notification", "failed")

	if got := counterValue(t, m.publishAttempts.WithLabelValues("order", "sent")); got != 2 {
		t.Fatalf("expected 2 sent, got %f", got)
	}
	if got := counterValue(t, m.publishAttempts.WithLabelValues("notification", "failed")); got != 1 {
		t.Fatalf("expected 1 failed, got %f", got)
	}
}

func TestOutboxMetrics_SetBacklog(t *testing.T) {
	m := NewOutboxMetricsWithRegisterer(prometheus.NewRegistry())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	m.SetBacklog(4, now.Add(-30*time.Second), now)
	if got := gaugeValue(t, m.pendingRecords); got != 4 {
		t.Fatalf("expected 4 pending, got %f", got)
	}
	if got := gaugeValue(t, m.oldestPendingAge); got != 30 {
		t.Fatalf("expected age 30s, got %f", got)
	}

	m.SetBacklog(0, time.Time{}, now)
	if got := gaugeValue(t, m.oldestPendingAge); got != 0 {
		t.Fatalf("expected zero age for empty backlog, got %f", got)
	}

	m.SetBacklog(1, now.Add(time.Minute), now)
	if got := gaugeValue(t, m.oldestPendingAge); got != 0 {
		t.Fatalf("future timestamps must clamp to zero, got %f", got)
	}
}

func TestOutboxMetrics_SetFailed(t *testing.T) {
	m := NewOutboxMetricsWithRegisterer(prometheus.NewRegistry())

	m.SetFailed(3)
	if got := gaugeValue(t, m.failedRecords); got != 3 {
		t.Fatalf("expected 3 failed records, got %f", got)
	}
	m.SetFailed(0)
	if got := gaugeValue(t, m.failedRecords); got != 0 {
		t.Fatalf("expected gauge reset, got %f", got)
	}
}
