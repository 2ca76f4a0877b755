package shipping

import (
	"strings"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// statusTable переводит статусы перевозчика в статусы заказа.
// Статусы без записи (ready_to_pick, picking, delivery_fail, return...) заказ не меняют.
var statusTable = map[string]domain.OrderStatus{
	"picked":                   domain.OrderStatusShipped,
	"storing":                  domain.OrderStatusShipped,
	"transporting":             domain.OrderStatusShipped,
	"sorting":                  domain.OrderStatusShipped,
	"delivering":               domain.OrderStatusShipped,
	"money_collect_delivering": domain.OrderStatusShipped,
	"delivered":                domain.OrderStatusDelivered,
	"cancel":                   domain.OrderStatusCancelled,
}

// TranslateStatus возвращает целевой статус заказа для статуса перевозчика.
func TranslateStatus(carrierStatus string) (domain.OrderStatus, bool) {
	status, ok := statusTable[strings.ToLower(strings.TrimSpace(carrierStatus))]
	return status, ok
}
