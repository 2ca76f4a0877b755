package memory

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const defaultPullLimit = 100

type outboxEntry struct {
	msg       domain.OutboxMessage
	status    domain.OutboxStatus
	updatedAt time.Time
}

// OutboxRepository держит outbox в памяти и выдаёт сообщения в порядке постановки.
type OutboxRepository struct {
	mu      sync.RWMutex
	records map[string]*outboxEntry
	order   []string
	now     func() time.Time
}

// NewOutboxRepository создаёт пустой outbox.
func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{
		records: make(map[string]*outboxEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue ставит сообщение в очередь. Повторная постановка с тем же ID ничего не меняет.
func (r *OutboxRepository) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if existing, ok := r.records[msg.ID]; ok {
		return existing.msg, nil
	}

	now := r.now()
	msg.CreatedAt = now
	msg.Attempts = 0
	msg.Payload = append([]byte(nil), msg.Payload...)
	r.records[msg.ID] = &outboxEntry{msg: msg, status: domain.OutboxStatusPending, updatedAt: now}
	r.order = append(r.order, msg.ID)
	return msg, nil
}

// PullPending отдаёт до limit ожидающих сообщений, самые старые первыми.
func (r *OutboxRepository) PullPending(limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultPullLimit
	}
	return r.collect(func(e *outboxEntry) bool { return e.status == domain.OutboxStatusPending }, limit), nil
}

// Stats считает backlog и сообщения, ушедшие в DLQ.
func (r *OutboxRepository) Stats() (domain.OutboxStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats domain.OutboxStats
	for _, e := range r.records {
		switch e.status {
		case domain.OutboxStatusPending:
			stats.PendingCount++
			if stats.OldestPendingAt.IsZero() || e.msg.CreatedAt.Before(stats.OldestPendingAt) {
				stats.OldestPendingAt = e.msg.CreatedAt
			}
		case domain.OutboxStatusFailed:
			stats.FailedCount++
		}
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(id string) error {
	return r.setStatus(id, domain.OutboxStatusSent)
}

func (r *OutboxRepository) MarkFailed(id string) error {
	return r.setStatus(id, domain.OutboxStatusFailed)
}

// PurgeSent удаляет до limit отправленных сообщений, обновлённых не позже before.
// limit<=0 снимает ограничение.
func (r *OutboxRepository) PurgeSent(before time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	kept := r.order[:0]
	for _, id := range r.order {
		e := r.records[id]
		purge := e.status == domain.OutboxStatusSent &&
			!e.updatedAt.After(before) &&
			(limit <= 0 || removed < limit)
		if purge {
			delete(r.records, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	return removed, nil
}

// AllPending возвращает все ожидающие сообщения.
func (r *OutboxRepository) AllPending() []domain.OutboxMessage {
	return r.ByAggregate("")
}

// ByAggregate фильтрует ожидающие сообщения по типу агрегата; пустая строка отключает фильтр.
func (r *OutboxRepository) ByAggregate(aggregateType string) []domain.OutboxMessage {
	return r.collect(func(e *outboxEntry) bool {
		return e.status == domain.OutboxStatusPending &&
			(aggregateType == "" || e.msg.AggregateType == aggregateType)
	}, 0)
}

func (r *OutboxRepository) collect(match func(*outboxEntry) bool, limit int) []domain.OutboxMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.OutboxMessage, 0)
	for _, id := range r.order {
		e := r.records[id]
		if !match(e) {
			continue
		}
		msg := e.msg
		msg.Payload = append([]byte(nil), e.msg.Payload...)
		out = append(out, msg)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (r *OutboxRepository) setStatus(id string, status domain.OutboxStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.records[id]
	if !ok {
		return domain.ErrOutboxPublish
	}
	e.status = status
	e.msg.Attempts++
	e.updatedAt = r.now()
	return nil
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
