package memory

import (
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// ledgerRepositoryInMemory хранит журнал платежей в памяти.
type ledgerRepositoryInMemory struct {
	mu      sync.RWMutex
	entries map[string]domain.LedgerEntry
}

// NewLedgerRepository создаёт in-memory журнал платежей.
func NewLedgerRepository() domain.LedgerRepository {
	return &ledgerRepositoryInMemory{entries: make(map[string]domain.LedgerEntry)}
}

func (r *ledgerRepositoryInMemory) Create(entry domain.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[entry.ID]; exists {
		return domain.ErrLedgerVersionConflict
	}
	if entry.Status == domain.GatewayStatusCompleted && r.hasOtherCompleted(entry) {
		return domain.ErrDuplicateCapture
	}
	r.entries[entry.ID] = entry
	return nil
}

func (r *ledgerRepositoryInMemory) Get(id string) (domain.LedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[id]
	if !ok {
		return domain.LedgerEntry{}, domain.ErrLedgerEntryNotFound
	}
	return entry, nil
}

// ListByOrder возвращает записи заказа в порядке создания.
func (r *ledgerRepositoryInMemory) ListByOrder(orderID string) ([]domain.LedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []domain.LedgerEntry
	for _, entry := range r.entries {
		if entry.OrderID == orderID {
			result = append(result, entry)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (r *ledgerRepositoryInMemory) FindCompleted(orderID string) (domain.LedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, entry := range r.entries {
		if entry.OrderID == orderID && entry.Status == domain.GatewayStatusCompleted {
			return entry, nil
		}
	}
	return domain.LedgerEntry{}, domain.ErrNoCapturedPayment
}

func (r *ledgerRepositoryInMemory) FindByExternalRef(method domain.PaymentMethod, ref string) (domain.LedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ref == "" {
		return domain.LedgerEntry{}, domain.ErrLedgerEntryNotFound
	}
	for _, entry := range r.entries {
		if entry.Method == method && entry.ExternalRef() == ref {
			return entry, nil
		}
	}
	return domain.LedgerEntry{}, domain.ErrLedgerEntryNotFound
}

// Save обновляет запись с проверкой версии и уникальности завершённого платежа.
func (r *ledgerRepositoryInMemory) Save(entry domain.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.entries[entry.ID]
	if !ok {
		return domain.ErrLedgerEntryNotFound
	}
	if current.Version != entry.Version {
		return domain.ErrLedgerVersionConflict
	}
	if entry.Status == domain.GatewayStatusCompleted && r.hasOtherCompleted(entry) {
		return domain.ErrDuplicateCapture
	}
	entry.Version++
	r.entries[entry.ID] = entry
	return nil
}

func (r *ledgerRepositoryInMemory) hasOtherCompleted(entry domain.LedgerEntry) bool {
	for id, other := range r.entries {
		if id != entry.ID && other.OrderID == entry.OrderID && other.Status == domain.GatewayStatusCompleted {
			return true
		}
	}
	return false
}

var _ domain.LedgerRepository = (*ledgerRepositoryInMemory)(nil)
