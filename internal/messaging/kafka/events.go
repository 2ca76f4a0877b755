package kafka

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"
)

// Topics для Kafka.
const (
	TopicOrderEvents     = "storefront.order.events"
	TopicNotifications   = "storefront.notifications"
	TopicWebhooks        = "storefront.webhooks"
	TopicDeadLetterQueue = "storefront.dlq"
)

// Kafka headers для retry логики.
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// Заголовки, по которым потребители фильтруют события без разбора тела.
const (
	HeaderEventType     = "x-event-type"
	HeaderAggregateType = "x-aggregate-type"
	HeaderOutboxID      = "x-outbox-id"
	HeaderSource        = "x-source"
)

// Источники входящих уведомлений.
const (
	SourcePayPal  = "paypal"
	SourceStripe  = "stripe"
	SourceVNPay   = "vnpay"
	SourceCarrier = "carrier"
)

// OutboxEnvelope — сообщение outbox в том виде, в каком оно уходит в Kafka.
type OutboxEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at,omitempty"`
	PublishedAt   time.Time       `json:"published_at"`
}

// WebhookEnvelope — сырое входящее уведомление, переданное на асинхронную обработку.
// Подпись проверяется при чтении из topic, поэтому тело и заголовки передаются без изменений.
type WebhookEnvelope struct {
	Source     string      `json:"source"`
	Body       []byte      `json:"body,omitempty"`
	Header     http.Header `json:"header,omitempty"`
	Query      url.Values  `json:"query,omitempty"`
	ReceivedAt time.Time   `json:"received_at"`
}

// NewWebhookEnvelope создаёт конверт для входящего уведомления.
func NewWebhookEnvelope(source string, body []byte, header http.Header, query url.Values) *WebhookEnvelope {
	return &WebhookEnvelope{
		Source:     source,
		Body:       body,
		Header:     header,
		Query:      query,
		ReceivedAt: time.Now().UTC(),
	}
}
