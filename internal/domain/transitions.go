package domain

import "fmt"

// ActorRole — кто инициирует переход.
type ActorRole string

const (
	ActorCustomer ActorRole = "customer"
	ActorAdmin    ActorRole = "admin"
	ActorCarrier  ActorRole = "carrier"
	ActorSystem   ActorRole = "system"
)

// Actor — инициатор действия над заказом.
type Actor struct {
	Role ActorRole `json:"role"`
	ID   string    `json:"id,omitempty"`
}

// SystemActor используется для переходов по платёжным событиям.
var SystemActor = Actor{Role: ActorSystem, ID: "system"}

// Valid проверяет роль инициатора.
func (a Actor) Valid() bool {
	switch a.Role {
	case ActorCustomer, ActorAdmin, ActorCarrier, ActorSystem:
		return true
	default:
		return false
	}
}

func (a Actor) String() string {
	if a.ID == "" {
		return string(a.Role)
	}
	return string(a.Role) + ":" + a.ID
}

// OrderEvent — событие, двигающее статус заказа.
type OrderEvent string

const (
	EventConfirm OrderEvent = "confirm"
	EventShip    OrderEvent = "ship"
	EventDeliver OrderEvent = "deliver"
	EventCancel  OrderEvent = "cancel"
)

type transitionRule struct {
	from   OrderStatus
	event  OrderEvent
	to     OrderStatus
	actors []ActorRole
}

// transitionTable — единственный источник допустимых переходов статуса.
var transitionTable = []transitionRule{
	{OrderStatusPending, EventConfirm, OrderStatusConfirmed, []ActorRole{ActorSystem, ActorAdmin}},
	{OrderStatusPending, EventCancel, OrderStatusCancelled, []ActorRole{ActorCustomer, ActorAdmin, ActorCarrier}},
	{OrderStatusConfirmed, EventShip, OrderStatusShipped, []ActorRole{ActorAdmin, ActorCarrier}},
	{OrderStatusConfirmed, EventDeliver, OrderStatusDelivered, []ActorRole{ActorCarrier}},
	{OrderStatusConfirmed, EventCancel, OrderStatusCancelled, []ActorRole{ActorCustomer, ActorAdmin, ActorCarrier}},
	{OrderStatusShipped, EventDeliver, OrderStatusDelivered, []ActorRole{ActorAdmin, ActorCarrier}},
}

// NextStatus проверяет переход по таблице и возвращает новый статус.
func NextStatus(current OrderStatus, event OrderEvent, actor Actor) (OrderStatus, error) {
	for _, rule := range transitionTable {
		if rule.from != current || rule.event != event {
			continue
		}
		for _, role := range rule.actors {
			if role == actor.Role {
				return rule.to, nil
			}
		}
		return current, fmt.Errorf("%w: %s cannot %s order in %s", ErrActorNotAllowed, actor.Role, event, current)
	}
	return current, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, current)
}

// EventForTarget сопоставляет целевой статус событию.
func EventForTarget(target OrderStatus) (OrderEvent, error) {
	switch target {
	case OrderStatusConfirmed:
		return EventConfirm, nil
	case OrderStatusShipped:
		return EventShip, nil
	case OrderStatusDelivered:
		return EventDeliver, nil
	case OrderStatusCancelled:
		return EventCancel, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, target)
	}
}

// Decide применяет событие к заказу с учётом бизнес-правил поверх таблицы:
// покупатель действует только над своим заказом, администратор подтверждает
// только COD или уже оплаченные заказы, доставка онлайн-заказа требует оплаты.
func (o *Order) Decide(event OrderEvent, actor Actor) (OrderStatus, error) {
	if actor.Role == ActorCustomer && !o.OwnedBy(actor.ID) {
		return o.Status, fmt.Errorf("%w: order belongs to another customer", ErrActorNotAllowed)
	}

	next, err := NextStatus(o.Status, event, actor)
	if err != nil {
		return o.Status, err
	}

	switch event {
	case EventConfirm:
		if actor.Role == ActorAdmin && o.PaymentMethod != PaymentMethodCOD && o.PaymentStatus != PaymentStatusPaid {
			return o.Status, fmt.Errorf("%w: online order must be paid before confirmation", ErrInvalidTransition)
		}
	case EventDeliver:
		if o.PaymentMethod != PaymentMethodCOD && o.PaymentStatus == PaymentStatusPending {
			return o.Status, ErrPaymentPendingOnDelivery
		}
	}
	return next, nil
}
