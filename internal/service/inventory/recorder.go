package inventory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Op — операция со стоком.
type Op string

const (
	OpReserve  Op = "reserve"
	OpRelease  Op = "release"
	OpMarkSold Op = "mark_sold"
)

// Call — один вызов InventoryService после агрегации позиций по товару.
type Call struct {
	Op    Op
	Lines []domain.StockLine
	Err   error
}

// Recorder оборачивает InventoryService: запоминает вызовы и подменяет результат
// заданных операций ошибкой. Без next все операции успешны.
type Recorder struct {
	next domain.InventoryService

	mu       sync.Mutex
	calls    []Call
	failures map[Op]error
}

func NewRecorder(next domain.InventoryService) *Recorder {
	return &Recorder{next: next, failures: make(map[Op]error)}
}

// FailOn заставляет op возвращать err, не вызывая next. err == nil снимает сбой.
func (r *Recorder) FailOn(op Op, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failures, op)
		return
	}
	r.failures[op] = err
}

// Calls возвращает вызовы op в порядке поступления.
func (r *Recorder) Calls(op Op) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, 0, len(r.calls))
	for _, c := range r.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (r *Recorder) Reserve(ctx context.Context, items []domain.OrderItem) error {
	return r.do(ctx, OpReserve, items)
}

func (r *Recorder) Release(ctx context.Context, items []domain.OrderItem) error {
	return r.do(ctx, OpRelease, items)
}

func (r *Recorder) MarkSold(ctx context.Context, items []domain.OrderItem) error {
	return r.do(ctx, OpMarkSold, items)
}

func (r *Recorder) do(ctx context.Context, op Op, items []domain.OrderItem) error {
	r.mu.Lock()
	injected := r.failures[op]
	r.mu.Unlock()

	err := injected
	if err == nil && r.next != nil {
		switch op {
		case OpReserve:
			err = r.next.Reserve(ctx, items)
		case OpRelease:
			err = r.next.Release(ctx, items)
		case OpMarkSold:
			err = r.next.MarkSold(ctx, items)
		}
	}

	r.mu.Lock()
	r.calls = append(r.calls, Call{Op: op, Lines: domain.AggregateStock(items), Err: err})
	r.mu.Unlock()
	return err
}

var _ domain.InventoryService = (*Recorder)(nil)
