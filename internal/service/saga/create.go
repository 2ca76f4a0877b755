package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// LineRequest — позиция в запросе на создание заказа.
type LineRequest struct {
	ProductID string `json:"product_id"`
	Qty       int32  `json:"qty"`
}

// CreateOrderRequest — запрос покупателя на оформление заказа.
type CreateOrderRequest struct {
	UserID        string                 `json:"user_id"`
	Items         []LineRequest          `json:"items"`
	Address       domain.ShippingAddress `json:"address"`
	PaymentMethod domain.PaymentMethod   `json:"payment_method"`
	// FallbackShippingFeeMinor используется, если адрес без маршрутизации или перевозчик недоступен.
	FallbackShippingFeeMinor int64 `json:"shipping_fee_minor"`
}

// CreateOrder снимает цены из каталога, резервирует сток, рассчитывает доставку
// и сохраняет заказ в статусе pending/pending. Если заказ не удалось сохранить,
// резерв возвращается.
func (o *Orchestrator) CreateOrder(ctx context.Context, req CreateOrderRequest) (domain.Order, error) {
	defer o.observe("create_order", time.Now())

	draft := domain.Order{
		UserID:           strings.TrimSpace(req.UserID),
		Currency:         domain.BaseCurrency,
		Address:          req.Address,
		PaymentMethod:    req.PaymentMethod,
		ShippingFeeMinor: req.FallbackShippingFeeMinor,
	}
	for _, line := range req.Items {
		draft.Items = append(draft.Items, domain.OrderItem{ProductID: strings.TrimSpace(line.ProductID), Qty: line.Qty})
	}
	if errs := draft.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, errors.Join(errs...)
	}
	if draft.PaymentMethod.Online() {
		if _, err := o.payments.Gateway(draft.PaymentMethod); err != nil {
			return domain.Order{}, err
		}
	}
	if o.users != nil {
		if _, err := o.users.GetByID(ctx, draft.UserID); err != nil {
			return domain.Order{}, err
		}
	}

	if err := o.snapshotItems(ctx, &draft); err != nil {
		return domain.Order{}, err
	}

	if err := o.inventory.Reserve(ctx, draft.Items); err != nil {
		return domain.Order{}, err
	}

	draft.Recalculate()
	draft.ShippingFeeMinor = o.quoteFee(ctx, draft, req.FallbackShippingFeeMinor)

	now := o.now().UTC()
	draft.ID = uuid.NewString()
	draft.Status = domain.OrderStatusPending
	draft.PaymentStatus = domain.PaymentStatusPending
	draft.CreatedAt = now
	draft.UpdatedAt = now
	draft.Recalculate()

	if err := o.orders.Create(draft); err != nil {
		if releaseErr := o.inventory.Release(context.WithoutCancel(ctx), draft.Items); releaseErr != nil {
			o.logger.WithError(releaseErr).WithField("order_id", draft.ID).Error("failed to release stock after order persist failure")
		}
		return domain.Order{}, fmt.Errorf("persist order: %w", err)
	}

	o.metrics.RecordOrderCreated()
	o.emitEvent(draft, domain.EventOrderCreated, "", domain.Actor{Role: domain.ActorCustomer, ID: draft.UserID}, map[string]any{
		"shipping_fee_minor": draft.ShippingFeeMinor,
		"items":              len(draft.Items),
	})
	o.logger.WithFields(log.Fields{
		"order_id":       draft.ID,
		"user_id":        draft.UserID,
		"payment_method": draft.PaymentMethod,
		"total_minor":    draft.TotalMinor,
	}).Info("order created")
	return draft, nil
}

// snapshotItems заполняет позиции ценой, названием и весом из каталога на момент оформления.
func (o *Orchestrator) snapshotItems(ctx context.Context, order *domain.Order) error {
	ids := make([]string, 0, len(order.Items))
	for _, item := range order.Items {
		ids = append(ids, item.ProductID)
	}
	products, err := o.catalog.GetByIDs(ctx, ids)
	if err != nil {
		return err
	}
	for i := range order.Items {
		product, ok := products[order.Items[i].ProductID]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrUnknownProduct, order.Items[i].ProductID)
		}
		order.Items[i].Name = product.Name
		order.Items[i].PriceMinor = product.PriceMinor
		order.Items[i].ImageRef = product.ImageRef
		order.Items[i].WeightGrams = product.WeightGrams
	}
	return nil
}

// quoteFee запрашивает стоимость доставки у перевозчика. Адрес без маршрутизации
// или сбой перевозчика дают fallback.
func (o *Orchestrator) quoteFee(ctx context.Context, order domain.Order, fallback int64) int64 {
	if o.carrier == nil || !order.Address.HasRouting() {
		return fallback
	}

	// Повторы с backoff выполняет сам клиент перевозчика.
	fee, err := o.carrier.QuoteFee(ctx, order.Address, order.TotalWeightGrams(), order.AmountMinor)
	if err != nil || fee < 0 {
		o.metrics.RecordEffectFailure("fee_quote")
		o.logger.WithError(err).WithField("fallback_fee_minor", fallback).Warn("shipping fee quote failed, using fallback")
		return fallback
	}
	return fee
}
