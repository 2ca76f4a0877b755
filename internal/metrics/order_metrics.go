// Package metrics содержит Prometheus-метрики оркестратора заказов.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OrderMetrics содержит метрики жизненного цикла заказа и побочных эффектов.
type OrderMetrics struct {
	ordersCreated    prometheus.Counter
	transitions      *prometheus.CounterVec
	paymentEvents    *prometheus.CounterVec
	refunds          *prometheus.CounterVec
	effectFailures   *prometheus.CounterVec
	rateSources      *prometheus.CounterVec
	versionConflicts prometheus.Counter

	operationDuration *prometheus.HistogramVec

	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter

	effectQueueDepth prometheus.Gauge
}

// NewOrderMetrics создаёт метрики в реестре по умолчанию.
func NewOrderMetrics() *OrderMetrics {
	return NewOrderMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOrderMetricsWithRegisterer создаёт метрики в указанном реестре.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewOrderMetricsWithRegisterer(registerer prometheus.Registerer) *OrderMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &OrderMetrics{
		ordersCreated: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storefront_orders_created_total",
			Help: "Total number of orders created",
		})),
		transitions: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_order_transitions_total",
			Help: "Order status transitions by target status and actor role",
		}, []string{"status", "actor"})),
		paymentEvents: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_payment_events_total",
			Help: "Gateway payment events applied to orders",
		}, []string{"method", "kind"})),
		refunds: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_refunds_total",
			Help: "Refund attempts by outcome",
		}, []string{"outcome"})),
		effectFailures: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_side_effect_failures_total",
			Help: "Best-effort side effects that failed",
		}, []string{"effect"})),
		rateSources: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_currency_rate_source_total",
			Help: "Currency conversions by rate source",
		}, []string{"source"})),
		versionConflicts: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storefront_order_version_conflicts_total",
			Help: "Optimistic locking conflicts retried by the orchestrator",
		})),
		operationDuration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storefront_order_operation_duration_seconds",
			Help:    "Duration of orchestrator operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"operation"})),
		timelineEvents: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storefront_timeline_events_total",
			Help: "Total number of timeline events recorded",
		})),
		outboxEvents: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storefront_outbox_events_total",
			Help: "Total number of outbox events enqueued",
		})),
		effectQueueDepth: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "storefront_effect_queue_depth",
			Help: "Side effects waiting in the async runner queue",
		})),
	}
}

// register регистрирует коллектор или возвращает уже зарегистрированный того же типа.
func register[C prometheus.Collector](registerer prometheus.Registerer, collector C) C {
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(C)
			if !ok {
				panic(fmt.Sprintf("collector already registered with unexpected type %T", alreadyRegistered.ExistingCollector))
			}
			return existing
		}
		panic(fmt.Sprintf("register collector: %v", err))
	}
	return collector
}

// RecordOrderCreated увеличивает счётчик созданных заказов.
func (m *OrderMetrics) RecordOrderCreated() {
	m.ordersCreated.Inc()
}

// RecordTransition учитывает смену статуса заказа.
func (m *OrderMetrics) RecordTransition(status, actor string) {
	m.transitions.WithLabelValues(status, actor).Inc()
}

// RecordPaymentEvent учитывает применённое уведомление шлюза.
func (m *OrderMetrics) RecordPaymentEvent(method, kind string) {
	m.paymentEvents.WithLabelValues(method, kind).Inc()
}

// RecordRefund учитывает попытку возврата.
func (m *OrderMetrics) RecordRefund(outcome string) {
	m.refunds.WithLabelValues(outcome).Inc()
}

// RecordEffectFailure учитывает сбой побочного эффекта.
func (m *OrderMetrics) RecordEffectFailure(effect string) {
	m.effectFailures.WithLabelValues(effect).Inc()
}

// RecordRateSource учитывает источник курса валют.
func (m *OrderMetrics) RecordRateSource(source string) {
	m.rateSources.WithLabelValues(source).Inc()
}

// RecordVersionConflict учитывает конфликт версий.
func (m *OrderMetrics) RecordVersionConflict() {
	m.versionConflicts.Inc()
}

// RecordOperationDuration записывает длительность операции оркестратора.
func (m *OrderMetrics) RecordOperationDuration(operation string, duration time.Duration) {
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *OrderMetrics) RecordTimelineEvent() {
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *OrderMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}

// SetEffectQueueDepth обновляет глубину очереди побочных эффектов.
func (m *OrderMetrics) SetEffectQueueDepth(depth int) {
	m.effectQueueDepth.Set(float64(depth))
}
