package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Routes сопоставляет тип агрегата outbox с topic.
type Routes map[string]string

// DefaultRoutes: события заказов и уведомления идут в разные topic.
func DefaultRoutes() Routes {
	return Routes{
		domain.AggregateOrder:        TopicOrderEvents,
		domain.AggregateNotification: TopicNotifications,
	}
}

func (r Routes) topic(aggregateType, fallback string) string {
	if topic, ok := r[aggregateType]; ok {
		return topic
	}
	return fallback
}

// OutboxTopicPublisher отправляет сообщения outbox в topic по типу агрегата.
// Сообщения одного заказа попадают в одну партицию.
type OutboxTopicPublisher struct {
	producer *Producer
	routes   Routes
	fallback string
	now      func() time.Time
}

// NewOutboxPublisher создаёт паблишер для outbox-воркера.
// Неизвестный тип агрегата уходит в TopicOrderEvents.
func NewOutboxPublisher(producer *Producer, routes Routes) *OutboxTopicPublisher {
	if routes == nil {
		routes = DefaultRoutes()
	}
	return &OutboxTopicPublisher{
		producer: producer,
		routes:   routes,
		fallback: TopicOrderEvents,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// NewDLQPublisher создаёт паблишер, который отправляет всё в TopicDeadLetterQueue.
func NewDLQPublisher(producer *Producer) *OutboxTopicPublisher {
	p := NewOutboxPublisher(producer, Routes{})
	p.fallback = TopicDeadLetterQueue
	return p
}

func (p *OutboxTopicPublisher) Publish(msg domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("%w: kafka producer is not configured", domain.ErrOutboxPublish)
	}

	key := msg.AggregateID
	if key == "" {
		key = msg.ID
	}
	envelope := OutboxEnvelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       json.RawMessage(msg.Payload),
		OccurredAt:    msg.CreatedAt,
		PublishedAt:   p.now(),
	}
	if len(envelope.Payload) == 0 {
		envelope.Payload = json.RawMessage(`{}`)
	}

	return p.producer.SendJSON(p.routes.topic(msg.AggregateType, p.fallback), key, envelope, map[string]string{
		HeaderEventType:     msg.EventType,
		HeaderAggregateType: msg.AggregateType,
		HeaderOutboxID:      msg.ID,
	})
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
