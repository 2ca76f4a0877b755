package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// TimelineRepository хранит историю заказов в памяти, отсортированной по времени события.
type TimelineRepository struct {
	mu      sync.RWMutex
	byOrder map[string][]domain.TimelineEvent
	now     func() time.Time
}

// NewTimelineRepository создаёт in-memory реализацию domain.TimelineRepository.
func NewTimelineRepository() *TimelineRepository {
	return &TimelineRepository{
		byOrder: make(map[string][]domain.TimelineEvent),
		now:     time.Now,
	}
}

// Append вставляет событие на его место по времени. Равное время сохраняет порядок записи.
func (r *TimelineRepository) Append(event domain.TimelineEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	event = event.Normalized(r.now())

	r.mu.Lock()
	defer r.mu.Unlock()

	history := r.byOrder[event.OrderID]
	at := sort.Search(len(history), func(i int) bool {
		return history[i].OccurredAt.After(event.OccurredAt)
	})
	history = append(history[:at], append([]domain.TimelineEvent{event}, history[at:]...)...)
	r.byOrder[event.OrderID] = history
	return nil
}

// List возвращает копии событий заказа в хронологическом порядке.
func (r *TimelineRepository) List(orderID string) ([]domain.TimelineEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	history := r.byOrder[orderID]
	out := make([]domain.TimelineEvent, 0, len(history))
	for _, event := range history {
		out = append(out, event.Normalized(event.OccurredAt))
	}
	return out, nil
}

var _ domain.TimelineRepository = (*TimelineRepository)(nil)
