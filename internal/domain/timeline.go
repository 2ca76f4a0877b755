package domain

import (
	"maps"
	"time"
)

// Типы событий заказа. Одни и те же имена используются в timeline и в outbox.
const (
	EventOrderCreated         = "OrderCreated"
	EventOrderStatusChanged   = "OrderStatusChanged"
	EventPaymentStatusChanged = "PaymentStatusChanged"
	EventOrderRefunded        = "OrderRefunded"
	EventRefundFailed         = "OrderRefundFailed"
	EventShipmentCreated      = "ShipmentCreated"
	EventShipmentCancelled    = "ShipmentCancelled"
	EventSideEffectFailed     = "SideEffectFailed"
)

// TimelineEvent — запись истории заказа, которую видит оператор.
// Details содержит подробности события: прежний и новый статус, сумму возврата,
// код отправления.
type TimelineEvent struct {
	OrderID    string
	Type       string
	Reason     string
	Actor      string
	Details    map[string]any
	OccurredAt time.Time
}

// Validate проверяет обязательные поля события.
func (e TimelineEvent) Validate() error {
	if e.OrderID == "" {
		return Validationf("timeline event requires order id")
	}
	if e.Type == "" {
		return Validationf("timeline event %s requires type", e.OrderID)
	}
	return nil
}

// Normalized возвращает копию с UTC-временем (текущим, если не задано) и собственной картой Details.
func (e TimelineEvent) Normalized(now time.Time) TimelineEvent {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	e.OccurredAt = e.OccurredAt.UTC()
	e.Details = maps.Clone(e.Details)
	return e
}
