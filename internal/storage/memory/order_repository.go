package memory

import (
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// orderStore держит заказы в памяти с индексами по покупателю и коду отправления.
type orderStore struct {
	mu        sync.RWMutex
	orders    map[string]domain.Order
	byUser    map[string]map[string]struct{}
	byCarrier map[string]string
}

// NewOrderRepository создаёт хранилище заказов в памяти.
func NewOrderRepository() domain.OrderRepository {
	return &orderStore{
		orders:    make(map[string]domain.Order),
		byUser:    make(map[string]map[string]struct{}),
		byCarrier: make(map[string]string),
	}
}

func (s *orderStore) Create(order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.orders[order.ID]; taken {
		return domain.ErrOrderVersionConflict
	}
	s.put(order)
	return nil
}

func (s *orderStore) Get(id string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

func (s *orderStore) ListByUser(userID string, limit int) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byUser[userID]
	list := make([]domain.Order, 0, len(ids))
	for id := range ids {
		list = append(list, s.orders[id].Clone())
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID > b.ID
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (s *orderStore) FindByCarrierCode(code string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byCarrier[code]
	if !ok || code == "" {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return s.orders[id].Clone(), nil
}

// Save заменяет заказ, если его Version совпадает с сохранённой, и увеличивает Version.
func (s *orderStore) Save(order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.orders[order.ID]
	switch {
	case !ok:
		return domain.ErrOrderNotFound
	case current.Version != order.Version:
		return domain.ErrOrderVersionConflict
	}

	if code := current.Carrier.OrderCode; code != "" && code != order.Carrier.OrderCode {
		delete(s.byCarrier, code)
	}
	order.Version++
	s.put(order)
	return nil
}

// put пересчитывает итог и обновляет индексы. Вызывается под s.mu.
func (s *orderStore) put(order domain.Order) {
	order.Recalculate()
	s.orders[order.ID] = order.Clone()

	ids, ok := s.byUser[order.UserID]
	if !ok {
		ids = make(map[string]struct{})
		s.byUser[order.UserID] = ids
	}
	ids[order.ID] = struct{}{}

	if code := order.Carrier.OrderCode; code != "" {
		s.byCarrier[code] = order.ID
	}
}

var _ domain.OrderRepository = (*orderStore)(nil)
