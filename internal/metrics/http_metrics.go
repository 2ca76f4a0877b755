package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics содержит метрики HTTP API и webhook-эндпоинтов.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	webhooks *prometheus.CounterVec
}

// NewHTTPMetricsWithRegisterer создаёт HTTP-метрики в указанном реестре.
func NewHTTPMetricsWithRegisterer(registerer prometheus.Registerer) *HTTPMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &HTTPMetrics{
		requests: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_http_requests_total",
			Help: "HTTP requests by route template, method and status code",
		}, []string{"route", "method", "code"})),
		duration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storefront_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"})),
		webhooks: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_webhooks_total",
			Help: "Incoming webhooks by source and outcome",
		}, []string{"source", "outcome"})),
	}
}

// ObserveRequest записывает завершённый HTTP-запрос.
func (m *HTTPMetrics) ObserveRequest(route, method string, code int, duration time.Duration) {
	m.requests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.duration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordWebhook увеличивает счётчик уведомлений по источнику и итогу.
func (m *HTTPMetrics) RecordWebhook(source, outcome string) {
	m.webhooks.WithLabelValues(source, outcome).Inc()
}
