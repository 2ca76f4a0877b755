// Package notification ставит транзакционные письма в outbox.
// Доставку выполняет внешний отправитель, читающий topic уведомлений.
package notification

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Message — полезная нагрузка уведомления в outbox.
type Message struct {
	To        string                  `json:"to"`
	Kind      domain.NotificationKind `json:"kind"`
	Data      map[string]any          `json:"data,omitempty"`
	CreatedAt time.Time               `json:"created_at"`
}

// Option настраивает Dispatcher.
type Option func(*Dispatcher)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClock подменяет часы.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// Dispatcher реализует domain.Notifier поверх transactional outbox.
type Dispatcher struct {
	outbox domain.OutboxRepository
	logger *log.Entry
	now    func() time.Time
}

// NewDispatcher создаёт диспетчер уведомлений.
func NewDispatcher(outbox domain.OutboxRepository, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		outbox: outbox,
		logger: log.New().WithField("component", "notification-dispatcher"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send ставит письмо в очередь. Ошибка не пробрасывается: уведомление не должно
// откатывать операцию над заказом, поэтому вызывающий получает только признак успеха.
func (d *Dispatcher) Send(ctx context.Context, to string, kind domain.NotificationKind, data map[string]any) bool {
	to = strings.TrimSpace(to)
	logger := d.logger.WithFields(log.Fields{"kind": kind})
	if orderID, ok := data["order_id"].(string); ok {
		logger = logger.WithField("order_id", orderID)
	}

	if to == "" {
		logger.Warn("notification skipped: empty recipient")
		return false
	}
	if err := ctx.Err(); err != nil {
		logger.WithError(err).Warn("notification skipped: context done")
		return false
	}

	payload, err := json.Marshal(Message{To: to, Kind: kind, Data: data, CreatedAt: d.now()})
	if err != nil {
		logger.WithError(err).Error("failed to marshal notification")
		return false
	}

	aggregateID := to
	if orderID, ok := data["order_id"].(string); ok && orderID != "" {
		aggregateID = orderID
	}

	if _, err := d.outbox.Enqueue(domain.OutboxMessage{
		ID:            uuid.NewString(),
		AggregateType: domain.AggregateNotification,
		AggregateID:   aggregateID,
		EventType:     string(kind),
		Payload:       payload,
	}); err != nil {
		logger.WithError(err).Error("failed to enqueue notification")
		return false
	}

	logger.Debug("notification enqueued")
	return true
}

var _ domain.Notifier = (*Dispatcher)(nil)
