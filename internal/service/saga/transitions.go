package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/shipping"
)

// targetOf — статус, в который переводит событие. Повтор события для заказа
// в этом статусе ничего не меняет.
var targetOf = map[domain.OrderEvent]domain.OrderStatus{
	domain.EventConfirm: domain.OrderStatusConfirmed,
	domain.EventShip:    domain.OrderStatusShipped,
	domain.EventDeliver: domain.OrderStatusDelivered,
	domain.EventCancel:  domain.OrderStatusCancelled,
}

// progress — порядок статусов исполнения. Отмена в шкалу не входит.
var progress = map[domain.OrderStatus]int{
	domain.OrderStatusPending:   0,
	domain.OrderStatusConfirmed: 1,
	domain.OrderStatusShipped:   2,
	domain.OrderStatusDelivered: 3,
}

// behind сообщает, что target отстаёт от current по шкале исполнения.
func behind(current, target domain.OrderStatus) bool {
	cur, ok := progress[current]
	if !ok {
		return false
	}
	tgt, ok := progress[target]
	return ok && tgt < cur
}

// TransitionStatus переводит заказ в целевой статус от имени actor.
func (o *Orchestrator) TransitionStatus(ctx context.Context, orderID string, target domain.OrderStatus, actor domain.Actor) (domain.Order, error) {
	event, err := domain.EventForTarget(target)
	if err != nil {
		return domain.Order{}, err
	}
	return o.apply(ctx, orderID, event, actor, "", nil)
}

// CancelOrder отменяет заказ: возвращает сток, отменяет отправление, пишет покупателю,
// а оплаченный заказ возвращает через шлюз.
func (o *Orchestrator) CancelOrder(ctx context.Context, orderID string, actor domain.Actor, reason string) (domain.Order, error) {
	return o.apply(ctx, orderID, domain.EventCancel, actor, strings.TrimSpace(reason), nil)
}

// HandleCarrierUpdate отражает статус перевозчика в заказе и при необходимости
// двигает статус исполнения от имени перевозчика.
func (o *Orchestrator) HandleCarrierUpdate(ctx context.Context, update domain.CarrierUpdate) (domain.Order, error) {
	if update.OrderCode == "" {
		return domain.Order{}, domain.Validationf("carrier order code is required")
	}
	order, err := o.orders.FindByCarrierCode(update.OrderCode)
	if err != nil {
		return domain.Order{}, err
	}

	record := func(order *domain.Order) bool {
		if order.Carrier.OrderCode != update.OrderCode {
			return false
		}
		changed := false
		if update.Status != "" && order.Carrier.Status != update.Status {
			order.Carrier.Status = update.Status
			changed = true
		}
		if !update.ExpectedDeliveryAt.IsZero() && !order.Carrier.ExpectedDeliveryAt.Equal(update.ExpectedDeliveryAt) {
			order.Carrier.ExpectedDeliveryAt = update.ExpectedDeliveryAt
			changed = true
		}
		return changed
	}

	var event domain.OrderEvent
	if target, ok := shipping.TranslateStatus(update.Status); ok {
		event, err = domain.EventForTarget(target)
		if err != nil {
			return domain.Order{}, err
		}
	}
	return o.apply(ctx, order.ID, event, domain.Actor{Role: domain.ActorCarrier, ID: update.OrderCode}, "carrier status "+update.Status, record)
}

// apply — общий путь смены статуса. record вносит дополнительные правки в ту же запись.
// Пустое событие означает только правки record.
func (o *Orchestrator) apply(ctx context.Context, orderID string, event domain.OrderEvent, actor domain.Actor, reason string, record func(*domain.Order) bool) (domain.Order, error) {
	defer o.observe("transition", time.Now())

	if orderID == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}
	if !actor.Valid() {
		return domain.Order{}, domain.Validationf("unknown actor role %q", actor.Role)
	}

	before, after, changed, err := o.mutate(ctx, orderID, func(order *domain.Order) error {
		edited := record != nil && record(order)

		// Статус перевозчика, пришедший не по порядку, только записывается.
		stale := actor.Role == domain.ActorCarrier && behind(order.Status, targetOf[event])
		if event == "" || order.Status == targetOf[event] || stale {
			if edited {
				return nil
			}
			return errNoChange
		}

		next, err := order.Decide(event, actor)
		if err != nil {
			return err
		}
		order.Status = next
		return couplePayment(order, event)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if !changed {
		return after, nil
	}

	o.afterSave(ctx, before, after, actor, reason)
	return o.orders.Get(orderID)
}

// couplePayment меняет статус оплаты, связанный с переходом, в той же записи.
func couplePayment(order *domain.Order, event domain.OrderEvent) error {
	var target domain.PaymentStatus
	switch event {
	case domain.EventDeliver:
		if order.PaymentMethod != domain.PaymentMethodCOD || order.PaymentStatus != domain.PaymentStatusPending {
			return nil
		}
		target = domain.PaymentStatusPaid
	case domain.EventCancel:
		switch order.PaymentStatus {
		case domain.PaymentStatusPending:
			target = domain.PaymentStatusFailed
		case domain.PaymentStatusPaid:
			target = domain.PaymentStatusRefundPending
		default:
			return nil
		}
	default:
		return nil
	}
	if err := domain.CanMovePayment(order.PaymentStatus, target); err != nil {
		return err
	}
	order.PaymentStatus = target
	return nil
}

// afterSave публикует события сохранённого перехода и запускает его эффекты.
// Вызывается только победителем записи, поэтому сток меняется ровно один раз.
func (o *Orchestrator) afterSave(ctx context.Context, before, after domain.Order, actor domain.Actor, reason string) {
	statusChanged := before.Status != after.Status
	paymentChanged := before.PaymentStatus != after.PaymentStatus

	if statusChanged {
		o.metrics.RecordTransition(string(after.Status), string(actor.Role))
		o.emitEvent(after, domain.EventOrderStatusChanged, reason, actor, map[string]any{
			"from": before.Status,
			"to":   after.Status,
		})
		o.logger.WithFields(log.Fields{
			"order_id": after.ID,
			"from":     before.Status,
			"to":       after.Status,
			"actor":    actor.String(),
		}).Info("order status changed")
	}
	if paymentChanged {
		o.emitEvent(after, domain.EventPaymentStatusChanged, reason, actor, map[string]any{
			"from": before.PaymentStatus,
			"to":   after.PaymentStatus,
		})
	}

	if statusChanged {
		switch after.Status {
		case domain.OrderStatusConfirmed:
			o.effects.Submit(o.createShipmentEffect(after.ID))
			o.effects.Submit(o.notifyEffect(after, domain.NotificationOrderConfirmed, nil))
		case domain.OrderStatusShipped:
			o.runSync(ctx, Effect{Name: "mark_sold", OrderID: after.ID, Run: func(ctx context.Context) error {
				return o.inventory.MarkSold(ctx, after.Items)
			}})
			o.effects.Submit(o.notifyEffect(after, domain.NotificationOrderShipped, nil))
		case domain.OrderStatusDelivered:
			o.effects.Submit(o.notifyEffect(after, domain.NotificationOrderDelivered, nil))
		case domain.OrderStatusCancelled:
			o.runSync(ctx, Effect{Name: "release_stock", OrderID: after.ID, Run: func(ctx context.Context) error {
				return o.inventory.Release(ctx, after.Items)
			}})
			o.effects.Submit(o.cancelShipmentEffect(after.ID))
			o.effects.Submit(o.notifyEffect(after, domain.NotificationOrderCancelled, map[string]any{"reason": reason}))
		}
	}

	if paymentChanged && after.PaymentStatus == domain.PaymentStatusRefundPending {
		if _, err := o.refund(ctx, after.ID, actor, refundReason(reason)); err != nil {
			o.logger.WithError(err).WithField("order_id", after.ID).Warn("refund left pending")
		}
	}
}

func refundReason(reason string) string {
	if reason == "" {
		return "order cancelled"
	}
	return reason
}

// createShipmentEffect создаёт отправление подтверждённого заказа. Повтор не создаёт второе.
func (o *Orchestrator) createShipmentEffect(orderID string) Effect {
	return Effect{Name: "create_shipment", OrderID: orderID, Run: func(ctx context.Context) error {
		if o.carrier == nil {
			return nil
		}
		order, err := o.orders.Get(orderID)
		if err != nil {
			return err
		}
		if !order.Carrier.Empty() || order.Status != domain.OrderStatusConfirmed || !order.Address.HasRouting() {
			return nil
		}

		shipment, err := o.carrier.CreateShipment(ctx, order)
		if err != nil {
			return err
		}

		_, after, changed, err := o.mutate(ctx, orderID, func(order *domain.Order) error {
			if !order.Carrier.Empty() {
				return errNoChange
			}
			if order.Status == domain.OrderStatusCancelled {
				return domain.ErrInvalidTransition
			}
			order.Carrier = domain.CarrierInfo{
				OrderCode:          shipment.OrderCode,
				Status:             shipment.Status,
				ExpectedDeliveryAt: shipment.ExpectedDeliveryAt,
			}
			return nil
		})
		if errors.Is(err, domain.ErrInvalidTransition) {
			// Заказ отменили, пока создавалось отправление.
			return o.carrier.CancelShipment(ctx, shipment.OrderCode)
		}
		if err != nil {
			return fmt.Errorf("record shipment %s: %w", shipment.OrderCode, err)
		}
		if changed {
			o.emitEvent(after, domain.EventShipmentCreated, "", domain.SystemActor, map[string]any{
				"carrier_order_code": shipment.OrderCode,
			})
		}
		return nil
	}}
}

// cancelShipmentEffect отменяет отправление и очищает данные перевозчика при успехе.
func (o *Orchestrator) cancelShipmentEffect(orderID string) Effect {
	return Effect{Name: "cancel_shipment", OrderID: orderID, Run: func(ctx context.Context) error {
		if o.carrier == nil {
			return nil
		}
		order, err := o.orders.Get(orderID)
		if err != nil {
			return err
		}
		code := order.Carrier.OrderCode
		if code == "" {
			return nil
		}
		if err := o.carrier.CancelShipment(ctx, code); err != nil {
			return err
		}

		_, after, changed, err := o.mutate(ctx, orderID, func(order *domain.Order) error {
			if order.Carrier.OrderCode != code {
				return errNoChange
			}
			order.Carrier = domain.CarrierInfo{}
			return nil
		})
		if err != nil {
			return fmt.Errorf("clear shipment %s: %w", code, err)
		}
		if changed {
			o.emitEvent(after, domain.EventShipmentCancelled, "", domain.SystemActor, map[string]any{
				"carrier_order_code": code,
			})
		}
		return nil
	}}
}

// notifyEffect отправляет письмо покупателю. Адрес берётся из доставки, иначе из профиля.
func (o *Orchestrator) notifyEffect(order domain.Order, kind domain.NotificationKind, extra map[string]any) Effect {
	return Effect{Name: "notify_" + string(kind), OrderID: order.ID, Run: func(ctx context.Context) error {
		if o.notifier == nil {
			return nil
		}
		to := strings.TrimSpace(order.Address.Email)
		if to == "" && o.users != nil {
			user, err := o.users.GetByID(ctx, order.UserID)
			if err != nil {
				return err
			}
			to = user.Email
		}
		if to == "" {
			return nil
		}

		data := map[string]any{
			"order_id":       order.ID,
			"customer_name":  order.Address.FullName,
			"status":         order.Status,
			"total_minor":    order.TotalMinor,
			"currency":       order.Currency,
			"payment_method": order.PaymentMethod,
		}
		for k, v := range extra {
			data[k] = v
		}
		if !o.notifier.Send(ctx, to, kind, data) {
			return fmt.Errorf("notification %s was not accepted", kind)
		}
		return nil
	}}
}
