package domain

import (
	"math"
	"sort"
)

// StockLine — изменение стока по одному товару после агрегации позиций.
type StockLine struct {
	ProductID string
	Qty       int64
}

// Validate проверяет, корректно ли заполнены ключевые поля строки.
func (l *StockLine) Validate() []error {
	var errs []error

	if l.ProductID == "" {
		errs = append(errs, ErrStockLineProductRequired)
	}
	if l.Qty <= 0 {
		errs = append(errs, ErrStockLineQtyInvalid)
	}
	if l.Qty > math.MaxInt32 {
		errs = append(errs, ErrStockLineQtyTooLarge)
	}

	return errs
}

// AggregateStock сворачивает позиции заказа в строки по товару.
// Порядок детерминирован (по product_id), чтобы конкурирующие резервы брали товары в одном порядке.
func AggregateStock(items []OrderItem) []StockLine {
	totals := make(map[string]int64, len(items))
	for _, item := range items {
		totals[item.ProductID] += int64(item.Qty)
	}

	lines := make([]StockLine, 0, len(totals))
	for id, qty := range totals {
		lines = append(lines, StockLine{ProductID: id, Qty: qty})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })
	return lines
}

// Product — складская часть товара из каталога.
type Product struct {
	ID           string
	Name         string
	PriceMinor   int64
	WeightGrams  int32
	ImageRef     string
	Stock        int32
	IsAvailable  bool
	SoldQuantity int64
}

// User — получатель уведомлений из справочника пользователей.
type User struct {
	ID    string
	Email string
	Name  string
}
