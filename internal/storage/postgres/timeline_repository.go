package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

var timelineColumns = []string{"order_id", "type", "reason", "actor", "details", "occurred_at"}

type timelineRepository struct {
	db      *sql.DB
	builder sq.StatementBuilderType
	now     func() time.Time
}

// NewTimelineRepository хранит историю заказов в timeline_events. Details пишутся в JSONB.
func NewTimelineRepository(store *Store) domain.TimelineRepository {
	return &timelineRepository{db: store.DB(), builder: store.builder, now: time.Now}
}

func encodeDetails(details map[string]any) (any, error) {
	if len(details) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("encode timeline details: %w", err)
	}
	return nullJSON(raw), nil
}

func (r *timelineRepository) Append(event domain.TimelineEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	event = event.Normalized(r.now())

	details, err := encodeDetails(event.Details)
	if err != nil {
		return err
	}
	query, args, err := r.builder.Insert("timeline_events").
		Columns(timelineColumns...).
		Values(event.OrderID, event.Type, event.Reason, event.Actor, details, event.OccurredAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build timeline insert: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("append %s to order %s: %w", event.Type, event.OrderID, err)
	}
	return nil
}

// List возвращает события по времени; при равном времени порядок вставки решает serial id.
func (r *timelineRepository) List(orderID string) ([]domain.TimelineEvent, error) {
	query, args, err := r.builder.Select(timelineColumns...).
		From("timeline_events").
		Where(sq.Eq{"order_id": orderID}).
		OrderBy("occurred_at", "id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build timeline query: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list timeline of order %s: %w", orderID, err)
	}
	defer rows.Close()

	events := []domain.TimelineEvent{}
	for rows.Next() {
		event, err := scanTimelineEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline events: %w", err)
	}
	return events, nil
}

func scanTimelineEvent(row rowScanner) (domain.TimelineEvent, error) {
	var (
		e       domain.TimelineEvent
		details []byte
	)
	if err := row.Scan(&e.OrderID, &e.Type, &e.Reason, &e.Actor, &details, &e.OccurredAt); err != nil {
		return domain.TimelineEvent{}, fmt.Errorf("scan timeline event: %w", err)
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return domain.TimelineEvent{}, fmt.Errorf("decode timeline details of order %s: %w", e.OrderID, err)
		}
	}
	e.OccurredAt = e.OccurredAt.UTC()
	return e, nil
}

var _ domain.TimelineRepository = (*timelineRepository)(nil)
