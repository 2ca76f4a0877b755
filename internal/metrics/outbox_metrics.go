package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OutboxMetrics описывает публикацию transactional outbox.
type OutboxMetrics struct {
	publishAttempts  *prometheus.CounterVec
	pendingRecords   prometheus.Gauge
	oldestPendingAge prometheus.Gauge
	failedRecords    prometheus.Gauge
}

// NewOutboxMetrics создаёт метрики outbox в реестре по умолчанию.
func NewOutboxMetrics() *OutboxMetrics {
	return NewOutboxMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOutboxMetricsWithRegisterer создаёт метрики outbox в указанном реестре.
func NewOutboxMetricsWithRegisterer(registerer prometheus.Registerer) *OutboxMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &OutboxMetrics{
		publishAttempts: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_outbox_publish_attempts_total",
			Help: "Outbox publish attempts by aggregate type and result",
		}, []string{"aggregate", "result"})),
		pendingRecords: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "storefront_outbox_pending_records",
			Help: "Current number of pending records in transactional outbox",
		})),
		oldestPendingAge: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "storefront_outbox_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending outbox record",
		})),
		failedRecords: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "storefront_outbox_failed_records",
			Help: "Outbox records that exhausted retries and went to DLQ",
		})),
	}
}

// RecordPublish учитывает попытку публикации с результатом sent, retry_error, failed или dlq_failed.
func (m *OutboxMetrics) RecordPublish(aggregate, result string) {
	m.publishAttempts.WithLabelValues(aggregate, result).Inc()
}

// SetBacklog обновляет размер и возраст backlog.
func (m *OutboxMetrics) SetBacklog(pending int, oldest time.Time, now time.Time) {
	m.pendingRecords.Set(float64(pending))
	if pending == 0 || oldest.IsZero() {
		m.oldestPendingAge.Set(0)
		return
	}
	age := now.Sub(oldest).Seconds()
	if age < 0 {
		age = 0
	}
	m.oldestPendingAge.Set(age)
}

// SetFailed обновляет число сообщений, ушедших в DLQ.
func (m *OutboxMetrics) SetFailed(n int) {
	m.failedRecords.Set(float64(n))
}

// CleanupMetrics описывает фоновую очистку устаревших записей.
type CleanupMetrics struct {
	runs    *prometheus.CounterVec
	deleted *prometheus.CounterVec
}

// NewCleanupMetricsWithRegisterer создаёт метрики очистки в указанном реестре.
func NewCleanupMetricsWithRegisterer(registerer prometheus.Registerer) *CleanupMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &CleanupMetrics{
		runs: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_cleanup_runs_total",
			Help: "Cleanup runs by target and result",
		}, []string{"target", "result"})),
		deleted: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_cleanup_deleted_total",
			Help: "Records deleted by cleanup per target",
		}, []string{"target"})),
	}
}

// RecordRun учитывает прогон очистки.
func (m *CleanupMetrics) RecordRun(target, result string) {
	m.runs.WithLabelValues(target, result).Inc()
}

// RecordDeleted учитывает удалённые записи.
func (m *CleanupMetrics) RecordDeleted(target string, n int) {
	if n > 0 {
		m.deleted.WithLabelValues(target).Add(float64(n))
	}
}
