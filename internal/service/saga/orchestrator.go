// Package saga координирует жизненный цикл заказа: статус исполнения, статус оплаты,
// сток, отправление у перевозчика и уведомления покупателя.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
)

const (
	maxMutationAttempts = 5
	mutationBaseDelay   = 10 * time.Millisecond
)

// errNoChange — заказ уже в нужном состоянии, запись не требуется.
var errNoChange = errors.New("no change")

// PaymentProcessor — платёжный сервис в объёме, нужном оркестратору.
type PaymentProcessor interface {
	domain.PaymentService
	Gateway(method domain.PaymentMethod) (domain.PaymentGateway, error)
	Entries(orderID string) ([]domain.LedgerEntry, error)
	Initiate(ctx context.Context, order domain.Order, opts payment.InitiateOptions) (domain.LedgerEntry, domain.GatewayPayment, error)
	Capture(ctx context.Context, entryID string) (domain.LedgerEntry, error)
}

// Dependencies — порты, с которыми работает оркестратор.
type Dependencies struct {
	Orders    domain.OrderRepository
	Outbox    domain.OutboxRepository
	Timeline  domain.TimelineRepository
	Catalog   domain.ProductCatalog
	Users     domain.UserDirectory
	Inventory domain.InventoryService
	Payments  PaymentProcessor
	Carrier   domain.ShippingCarrier
	Notifier  domain.Notifier
}

// Orchestrator — единственная точка изменения заказа.
type Orchestrator struct {
	orders    domain.OrderRepository
	outbox    domain.OutboxRepository
	timeline  domain.TimelineRepository
	catalog   domain.ProductCatalog
	users     domain.UserDirectory
	inventory domain.InventoryService
	payments  PaymentProcessor
	carrier   domain.ShippingCarrier
	notifier  domain.Notifier

	effects *EffectRunner
	metrics *metrics.OrderMetrics
	logger  *log.Entry
	now     func() time.Time
}

// Option настраивает оркестратор.
type Option func(*Orchestrator)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics задаёт метрики заказов.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithEffectRunner задаёт пул побочных эффектов. По умолчанию эффекты выполняются синхронно.
func WithEffectRunner(r *EffectRunner) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.effects = r
		}
	}
}

// WithClock подменяет часы (для тестов).
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOrchestrator создаёт оркестратор.
func NewOrchestrator(deps Dependencies, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		orders:    deps.Orders,
		outbox:    deps.Outbox,
		timeline:  deps.Timeline,
		catalog:   deps.Catalog,
		users:     deps.Users,
		inventory: deps.Inventory,
		payments:  deps.Payments,
		carrier:   deps.Carrier,
		notifier:  deps.Notifier,
		logger:    log.WithField("component", "saga"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = metrics.NewOrderMetrics()
	}
	if o.effects == nil {
		o.effects = NewEffectRunner(o.logger.WithField("component", "effect-runner"))
	}
	o.effects.onFailure = o.recordEffectFailure
	return o
}

// GetOrder возвращает заказ.
func (o *Orchestrator) GetOrder(_ context.Context, orderID string) (domain.Order, error) {
	if orderID == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}
	return o.orders.Get(orderID)
}

// ListOrders возвращает заказы покупателя, новые первыми.
func (o *Orchestrator) ListOrders(_ context.Context, userID string, limit int) ([]domain.Order, error) {
	if userID == "" {
		return nil, domain.ErrUserRequired
	}
	return o.orders.ListByUser(userID, limit)
}

// Timeline возвращает историю заказа.
func (o *Orchestrator) Timeline(_ context.Context, orderID string) ([]domain.TimelineEvent, error) {
	if _, err := o.orders.Get(orderID); err != nil {
		return nil, err
	}
	return o.timeline.List(orderID)
}

// mutate перечитывает заказ, применяет edit и сохраняет с проверкой версии.
// При конфликте версий повторяет с экспоненциальной задержкой. edit возвращает
// errNoChange, если запись не нужна; тогда changed = false.
func (o *Orchestrator) mutate(ctx context.Context, orderID string, edit func(*domain.Order) error) (before, after domain.Order, changed bool, err error) {
	for attempt := 0; attempt < maxMutationAttempts; attempt++ {
		current, err := o.orders.Get(orderID)
		if err != nil {
			return domain.Order{}, domain.Order{}, false, err
		}

		next := current.Clone()
		if err := edit(&next); err != nil {
			if errors.Is(err, errNoChange) {
				return current, current, false, nil
			}
			return current, current, false, err
		}
		next.UpdatedAt = o.now().UTC()

		err = o.orders.Save(next)
		if err == nil {
			next.Version++
			next.Recalculate()
			return current, next, true, nil
		}
		if !domain.IsVersionConflict(err) {
			return current, current, false, err
		}

		o.metrics.RecordVersionConflict()
		o.logger.WithFields(log.Fields{
			"order_id": orderID,
			"attempt":  attempt + 1,
		}).Debug("order version conflict, retrying")

		select {
		case <-time.After(mutationBaseDelay * time.Duration(1<<attempt)):
		case <-ctx.Done():
			return current, current, false, ctx.Err()
		}
	}
	return domain.Order{}, domain.Order{}, false, fmt.Errorf("%w: order %s after %d attempts", domain.ErrOrderVersionConflict, orderID, maxMutationAttempts)
}

// emitEvent сохраняет событие в outbox и timeline. Сбой записи не отменяет уже сохранённый переход.
func (o *Orchestrator) emitEvent(order domain.Order, eventType, reason string, actor domain.Actor, extra map[string]any) {
	payload := map[string]any{
		"order_id":       order.ID,
		"user_id":        order.UserID,
		"status":         order.Status,
		"payment_status": order.PaymentStatus,
		"payment_method": order.PaymentMethod,
		"total_minor":    order.TotalMinor,
		"currency":       order.Currency,
		"version":        order.Version,
		"actor":          actor.String(),
	}
	if reason != "" {
		payload["reason"] = reason
	}
	for k, v := range extra {
		payload[k] = v
	}

	logger := o.logger.WithFields(log.Fields{
		"order_id":   order.ID,
		"event_type": eventType,
	})

	if o.outbox != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			logger.WithError(err).Error("failed to marshal outbox payload")
		} else if _, err := o.outbox.Enqueue(domain.OutboxMessage{
			AggregateType: domain.AggregateOrder,
			AggregateID:   order.ID,
			EventType:     eventType,
			Payload:       data,
		}); err != nil {
			logger.WithError(err).Error("failed to enqueue outbox event")
		} else {
			o.metrics.RecordOutboxEvent()
		}
	}

	if o.timeline != nil {
		if err := o.timeline.Append(domain.TimelineEvent{
			OrderID:    order.ID,
			Type:       eventType,
			Reason:     reason,
			Actor:      actor.String(),
			Details:    extra,
			OccurredAt: o.now().UTC(),
		}); err != nil {
			logger.WithError(err).Error("failed to append timeline event")
		} else {
			o.metrics.RecordTimelineEvent()
		}
	}
}

// recordEffectFailure фиксирует сбой побочного эффекта в timeline и метриках.
func (o *Orchestrator) recordEffectFailure(effect Effect, err error) {
	o.metrics.RecordEffectFailure(effect.Name)
	if o.timeline == nil || effect.OrderID == "" {
		return
	}
	if appendErr := o.timeline.Append(domain.TimelineEvent{
		OrderID:    effect.OrderID,
		Type:       domain.EventSideEffectFailed,
		Reason:     effect.Name + ": " + err.Error(),
		Actor:      domain.SystemActor.String(),
		Details:    map[string]any{"effect": effect.Name},
		OccurredAt: o.now().UTC(),
	}); appendErr != nil {
		o.logger.WithError(appendErr).WithField("order_id", effect.OrderID).Error("failed to append timeline event")
	}
}

// runSync выполняет обязательный эффект сразу, сбой фиксируется так же, как у фоновых.
func (o *Orchestrator) runSync(ctx context.Context, effect Effect) {
	if err := effect.Run(ctx); err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"effect":   effect.Name,
			"order_id": effect.OrderID,
		}).Warn("side effect failed")
		o.recordEffectFailure(effect, err)
	}
}

func (o *Orchestrator) observe(operation string, start time.Time) {
	o.metrics.RecordOperationDuration(operation, time.Since(start))
}
