package saga

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
)

// InitiatePayment создаёт платёжный объект у шлюза заказа. Покупатель может
// повторить оплату, пока заказ не оплачен и не отменён.
func (o *Orchestrator) InitiatePayment(ctx context.Context, orderID string, actor domain.Actor, opts payment.InitiateOptions) (domain.LedgerEntry, domain.GatewayPayment, error) {
	defer o.observe("initiate_payment", time.Now())

	order, err := o.GetOrder(ctx, orderID)
	if err != nil {
		return domain.LedgerEntry{}, domain.GatewayPayment{}, err
	}
	if actor.Role == domain.ActorCustomer && !order.OwnedBy(actor.ID) {
		return domain.LedgerEntry{}, domain.GatewayPayment{}, fmt.Errorf("%w: order belongs to another customer", domain.ErrActorNotAllowed)
	}
	if order.Status != domain.OrderStatusPending {
		return domain.LedgerEntry{}, domain.GatewayPayment{}, fmt.Errorf("%w: cannot pay order in %s", domain.ErrInvalidTransition, order.Status)
	}
	return o.payments.Initiate(ctx, order, opts)
}

// CapturePayment списывает деньги по записи журнала и отражает результат в заказе.
func (o *Orchestrator) CapturePayment(ctx context.Context, orderID, entryID string) (domain.Order, error) {
	defer o.observe("capture_payment", time.Now())

	entries, err := o.payments.Entries(orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !containsEntry(entries, entryID) {
		return domain.Order{}, fmt.Errorf("%w: %s for order %s", domain.ErrLedgerEntryNotFound, entryID, orderID)
	}

	entry, captureErr := o.payments.Capture(ctx, entryID)
	if captureErr != nil && entry.ID == "" {
		return domain.Order{}, captureErr
	}
	order, err := o.syncPayment(ctx, orderID, entry)
	if captureErr != nil {
		return order, captureErr
	}
	return order, err
}

// RecordPaymentEvent применяет проверенное уведомление шлюза к журналу и заказу.
// Одобрение PayPal запускает списание. Второе списание по заказу возвращается
// шлюзом, а заказ остаётся с первым.
func (o *Orchestrator) RecordPaymentEvent(ctx context.Context, event domain.GatewayEvent) (domain.Order, error) {
	defer o.observe("payment_event", time.Now())

	entry, err := o.payments.ApplyEvent(ctx, event)
	if errors.Is(err, domain.ErrDuplicateCapture) {
		o.metrics.RecordPaymentEvent(string(event.Method), "duplicate")
		o.logger.WithFields(log.Fields{
			"order_id":  entry.OrderID,
			"ledger_id": entry.ID,
		}).Warn("duplicate capture refunded")
		return o.GetOrder(ctx, entry.OrderID)
	}
	if err != nil {
		return domain.Order{}, err
	}
	o.metrics.RecordPaymentEvent(string(event.Method), string(event.Kind))

	if event.Kind == domain.GatewayEventApproved && entry.Status == domain.GatewayStatusPending {
		return o.CapturePayment(ctx, entry.OrderID, entry.ID)
	}
	return o.syncPayment(ctx, entry.OrderID, entry)
}

// RefundOrder повторяет возврат для заказа в refund_pending. Только для администратора.
func (o *Orchestrator) RefundOrder(ctx context.Context, orderID string, actor domain.Actor, reason string) (domain.Order, error) {
	if actor.Role != domain.ActorAdmin {
		return domain.Order{}, fmt.Errorf("%w: only admin can retry refunds", domain.ErrActorNotAllowed)
	}
	order, err := o.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.PaymentStatus != domain.PaymentStatusRefundPending {
		return order, fmt.Errorf("%w: payment is %s", domain.ErrRefundNotPending, order.PaymentStatus)
	}
	return o.refund(ctx, orderID, actor, refundReason(reason))
}

// syncPayment переносит статус записи журнала на ось оплаты заказа.
func (o *Orchestrator) syncPayment(ctx context.Context, orderID string, entry domain.LedgerEntry) (domain.Order, error) {
	var edit func(*domain.Order) error

	switch entry.Status {
	case domain.GatewayStatusCompleted:
		edit = func(order *domain.Order) error {
			switch order.PaymentStatus {
			case domain.PaymentStatusPending, domain.PaymentStatusFailed:
			default:
				return errNoChange
			}
			if err := domain.CanMovePayment(order.PaymentStatus, domain.PaymentStatusPaid); err != nil {
				return err
			}
			order.PaymentStatus = domain.PaymentStatusPaid

			switch order.Status {
			case domain.OrderStatusPending:
				next, err := order.Decide(domain.EventConfirm, domain.SystemActor)
				if err != nil {
					return err
				}
				order.Status = next
			case domain.OrderStatusCancelled:
				// Оплата пришла после отмены: деньги нужно вернуть.
				order.PaymentStatus = domain.PaymentStatusRefundPending
			}
			return nil
		}
	case domain.GatewayStatusFailed, domain.GatewayStatusCancelled:
		edit = func(order *domain.Order) error {
			if order.PaymentStatus != domain.PaymentStatusPending {
				return errNoChange
			}
			order.PaymentStatus = domain.PaymentStatusFailed
			return nil
		}
	case domain.GatewayStatusRefunded:
		other, err := o.hasOtherCompleted(orderID, entry.ID)
		if err != nil {
			return domain.Order{}, err
		}
		if other {
			return o.GetOrder(ctx, orderID)
		}
		edit = func(order *domain.Order) error {
			switch order.PaymentStatus {
			case domain.PaymentStatusPaid, domain.PaymentStatusRefundPending:
				order.PaymentStatus = domain.PaymentStatusRefunded
				return nil
			default:
				return errNoChange
			}
		}
	default:
		return o.GetOrder(ctx, orderID)
	}

	before, after, changed, err := o.mutate(ctx, orderID, edit)
	if err != nil {
		return domain.Order{}, err
	}
	if !changed {
		return after, nil
	}

	if after.PaymentStatus == domain.PaymentStatusRefunded && before.PaymentStatus == domain.PaymentStatusRefundPending {
		o.metrics.RecordRefund(string(domain.RefundOutcomeSucceeded))
		o.emitEvent(after, domain.EventOrderRefunded, "gateway confirmed refund", domain.SystemActor, nil)
		o.effects.Submit(o.notifyEffect(after, domain.NotificationRefundIssued, refundNotice(entry.OriginalAmountMinor, entry)))
	}
	o.afterSave(ctx, before, after, domain.SystemActor, "payment "+string(entry.Status))
	return o.orders.Get(orderID)
}

func (o *Orchestrator) hasOtherCompleted(orderID, entryID string) (bool, error) {
	entries, err := o.payments.Entries(orderID)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.ID != entryID && e.Status == domain.GatewayStatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

// refundKey — ключ идемпотентности попытки возврата. Параллельные повторы одной попытки
// получают один ключ, и шлюз проводит возврат один раз.
func refundKey(order domain.Order) string {
	attempt := strconv.Itoa(len(order.Refunds) + 1)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(order.ID+"/refund/"+attempt)).String()
}

// refund вызывает шлюз и записывает результат в историю возвратов заказа.
// Успех переводит оплату в refunded, отложенный возврат или сбой оставляют refund_pending.
func (o *Orchestrator) refund(ctx context.Context, orderID string, actor domain.Actor, reason string) (domain.Order, error) {
	order, err := o.orders.Get(orderID)
	if err != nil {
		return domain.Order{}, err
	}

	record, refundErr := o.payments.Refund(ctx, order, domain.RefundRequest{
		RefundID:    refundKey(order),
		Reason:      reason,
		InitiatedBy: actor,
	})
	if refundErr != nil && (domain.IsConflict(refundErr) || domain.IsValidation(refundErr) || domain.IsNotFound(refundErr)) {
		return domain.Order{}, refundErr
	}
	if refundErr != nil && record.ID == "" {
		record = domain.RefundRecord{
			ID:              uuid.NewString(),
			BaseAmountMinor: order.TotalMinor,
			Reason:          reason,
			InitiatedBy:     actor,
			Outcome:         domain.RefundOutcomeFailed,
			FailureReason:   refundErr.Error(),
			CreatedAt:       o.now().UTC(),
		}
	}

	_, after, _, err := o.mutate(ctx, orderID, func(order *domain.Order) error {
		for _, existing := range order.Refunds {
			if existing.ID == record.ID {
				return errNoChange
			}
		}
		order.Refunds = append(order.Refunds, record)
		if record.Outcome == domain.RefundOutcomeSucceeded && order.PaymentStatus == domain.PaymentStatusRefundPending {
			order.PaymentStatus = domain.PaymentStatusRefunded
		}
		return nil
	})
	if err != nil {
		o.logger.WithError(err).WithField("order_id", orderID).Error("failed to record refund")
		return domain.Order{}, err
	}

	o.metrics.RecordRefund(string(record.Outcome))
	switch record.Outcome {
	case domain.RefundOutcomeSucceeded:
		o.emitEvent(after, domain.EventOrderRefunded, reason, actor, map[string]any{
			"refund_id":               record.ID,
			"settlement_amount_minor": record.SettlementAmountMinor,
			"settlement_currency":     record.SettlementCurrency,
			"base_amount_minor":       record.BaseAmountMinor,
		})
		o.effects.Submit(o.notifyEffect(after, domain.NotificationRefundIssued, map[string]any{
			"refund_id":               record.ID,
			"amount_minor":            record.BaseAmountMinor,
			"base_currency":           after.Currency,
			"settlement_amount_minor": record.SettlementAmountMinor,
			"settlement_currency":     record.SettlementCurrency,
		}))
	case domain.RefundOutcomePending:
		o.emitEvent(after, domain.EventOrderRefunded, "refund accepted, awaiting gateway", actor, map[string]any{
			"refund_id": record.ID,
		})
	default:
		o.emitEvent(after, domain.EventRefundFailed, record.FailureReason, actor, map[string]any{
			"refund_id": record.ID,
		})
	}

	if refundErr != nil {
		return after, refundErr
	}
	return after, nil
}

// refundNotice собирает данные письма о возврате в базовой и расчётной валютах.
func refundNotice(baseAmountMinor int64, entry domain.LedgerEntry) map[string]any {
	charged, chargedCurrency := entry.ChargedAmount()
	return map[string]any{
		"amount_minor":            baseAmountMinor,
		"base_currency":           entry.OriginalCurrency,
		"settlement_amount_minor": charged,
		"settlement_currency":     chargedCurrency,
	}
}

func containsEntry(entries []domain.LedgerEntry, id string) bool {
	for _, e := range entries {
		if e.ID == id {
			return true
		}
	}
	return false
}
