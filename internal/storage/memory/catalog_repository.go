package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Catalog — in-memory каталог товаров и справочник пользователей для локального запуска и тестов.
type Catalog struct {
	mu       sync.RWMutex
	products map[string]domain.Product
	users    map[string]domain.User
}

// NewCatalog создаёт пустой каталог.
func NewCatalog() *Catalog {
	return &Catalog{
		products: make(map[string]domain.Product),
		users:    make(map[string]domain.User),
	}
}

// PutProduct добавляет или заменяет товар. Доступность выводится из стока.
func (c *Catalog) PutProduct(p domain.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p.IsAvailable = p.Stock > 0
	c.products[p.ID] = p
}

// PutUser добавляет или заменяет пользователя.
func (c *Catalog) PutUser(u domain.User) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.users[u.ID] = u
}

// GetByIDs возвращает найденные товары; отсутствующие ID просто пропускаются.
func (c *Catalog) GetByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := c.products[id]; ok {
			result[id] = p
		}
	}
	return result, nil
}

// AdjustStock атомарно меняет сток и пересчитывает доступность.
func (c *Catalog) AdjustStock(_ context.Context, productID string, delta int32) (domain.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.products[productID]
	if !ok {
		return domain.Product{}, fmt.Errorf("%w: %s", domain.ErrProductNotFound, productID)
	}
	if p.Stock+delta < 0 {
		return p, fmt.Errorf("%w: %s has %d, need %d", domain.ErrInsufficientStock, productID, p.Stock, -delta)
	}
	p.Stock += delta
	p.IsAvailable = p.Stock > 0
	c.products[productID] = p
	return p, nil
}

// IncrementSold увеличивает счётчик проданных единиц.
func (c *Catalog) IncrementSold(_ context.Context, productID string, delta int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.products[productID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrProductNotFound, productID)
	}
	p.SoldQuantity += int64(delta)
	c.products[productID] = p
	return nil
}

// GetByID возвращает пользователя или ErrUserNotFound.
func (c *Catalog) GetByID(_ context.Context, id string) (domain.User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	u, ok := c.users[id]
	if !ok {
		return domain.User{}, domain.ErrUserNotFound
	}
	return u, nil
}

var (
	_ domain.ProductCatalog = (*Catalog)(nil)
	_ domain.UserDirectory  = (*Catalog)(nil)
)
