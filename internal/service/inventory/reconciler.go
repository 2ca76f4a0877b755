// Package inventory резервирует и возвращает сток каталога под позиции заказа.
package inventory

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Reconciler реализует domain.InventoryService поверх атомарных операций каталога.
type Reconciler struct {
	catalog domain.ProductCatalog
	logger  *log.Entry
}

// NewReconciler создаёт сервис резервирования.
func NewReconciler(catalog domain.ProductCatalog, logger *log.Entry) *Reconciler {
	if logger == nil {
		logger = log.New().WithField("component", "inventory")
	}
	return &Reconciler{catalog: catalog, logger: logger}
}

// Reserve списывает сток по каждому товару. Если какой-то товар зарезервировать
// не удалось, уже списанное в этом вызове возвращается на склад.
func (r *Reconciler) Reserve(ctx context.Context, items []domain.OrderItem) error {
	lines, err := linesFor(items)
	if err != nil {
		return err
	}

	reserved := make([]domain.StockLine, 0, len(lines))
	for _, line := range lines {
		if _, err := r.catalog.AdjustStock(ctx, line.ProductID, -int32(line.Qty)); err != nil {
			r.compensate(ctx, reserved)
			return fmt.Errorf("reserve %s x%d: %w", line.ProductID, line.Qty, err)
		}
		reserved = append(reserved, line)
	}
	return nil
}

// Release возвращает сток по всем позициям. Ошибки по отдельным товарам не
// прерывают возврат остальных.
func (r *Reconciler) Release(ctx context.Context, items []domain.OrderItem) error {
	lines, err := linesFor(items)
	if err != nil {
		return err
	}
	return r.release(ctx, lines)
}

// MarkSold увеличивает счётчики проданных единиц.
func (r *Reconciler) MarkSold(ctx context.Context, items []domain.OrderItem) error {
	lines, err := linesFor(items)
	if err != nil {
		return err
	}

	var errs []error
	for _, line := range lines {
		if err := r.catalog.IncrementSold(ctx, line.ProductID, int32(line.Qty)); err != nil {
			errs = append(errs, fmt.Errorf("mark sold %s: %w", line.ProductID, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) release(ctx context.Context, lines []domain.StockLine) error {
	var errs []error
	for _, line := range lines {
		if _, err := r.catalog.AdjustStock(ctx, line.ProductID, int32(line.Qty)); err != nil {
			errs = append(errs, fmt.Errorf("release %s x%d: %w", line.ProductID, line.Qty, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) compensate(ctx context.Context, reserved []domain.StockLine) {
	if len(reserved) == 0 {
		return
	}
	if err := r.release(context.WithoutCancel(ctx), reserved); err != nil {
		r.logger.WithError(err).Error("failed to compensate partial reservation")
	}
}

func linesFor(items []domain.OrderItem) ([]domain.StockLine, error) {
	if len(items) == 0 {
		return nil, domain.ErrItemsRequired
	}
	lines := domain.AggregateStock(items)
	for i := range lines {
		if errs := lines[i].Validate(); len(errs) > 0 {
			return nil, errors.Join(errs...)
		}
	}
	return lines, nil
}

var _ domain.InventoryService = (*Reconciler)(nil)
