package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const outboxPullLimit = 100

var outboxColumns = []string{
	"id", "aggregate_type", "aggregate_id", "event_type", "payload", "attempt_count", "created_at",
}

// OutboxRepository хранит outbox в таблице outbox_messages.
type OutboxRepository struct {
	db      *sql.DB
	builder sq.StatementBuilderType
	now     func() time.Time
}

// NewOutboxRepository создаёт outbox поверх store.
func NewOutboxRepository(store *Store) *OutboxRepository {
	return &OutboxRepository{
		db:      store.DB(),
		builder: store.builder,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue ставит сообщение в очередь. Повторная постановка с тем же ID игнорируется.
func (r *OutboxRepository) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if len(msg.Payload) == 0 {
		msg.Payload = []byte("{}")
	}
	msg.CreatedAt = r.now()
	msg.Attempts = 0

	query, args, err := r.builder.
		Insert("outbox_messages").
		Columns(append(outboxColumns, "status", "updated_at")...).
		Values(msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, string(msg.Payload),
			0, msg.CreatedAt, string(domain.OutboxStatusPending), msg.CreatedAt).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("build outbox insert: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue outbox message %s: %w", msg.ID, err)
	}
	return msg, nil
}

// PullPending отдаёт до limit ожидающих сообщений, самые старые первыми.
func (r *OutboxRepository) PullPending(limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = outboxPullLimit
	}

	query, args, err := r.builder.
		Select(outboxColumns...).
		From("outbox_messages").
		Where(sq.Eq{"status": string(domain.OutboxStatusPending)}).
		OrderBy("created_at", "id").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build outbox pull: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pull pending outbox messages: %w", err)
	}
	defer rows.Close()

	messages := make([]domain.OutboxMessage, 0, limit)
	for rows.Next() {
		var msg domain.OutboxMessage
		if err := rows.Scan(
			&msg.ID, &msg.AggregateType, &msg.AggregateID, &msg.EventType,
			&msg.Payload, &msg.Attempts, &msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		msg.CreatedAt = msg.CreatedAt.UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox messages: %w", err)
	}
	return messages, nil
}

// Stats собирает backlog и число сообщений в DLQ одним запросом.
func (r *OutboxRepository) Stats() (domain.OutboxStats, error) {
	query, args, err := r.builder.
		Select(
			"COUNT(*) FILTER (WHERE status = 'pending')",
			"MIN(created_at) FILTER (WHERE status = 'pending')",
			"COUNT(*) FILTER (WHERE status = 'failed')",
		).
		From("outbox_messages").
		ToSql()
	if err != nil {
		return domain.OutboxStats{}, fmt.Errorf("build outbox stats: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&stats.PendingCount, &oldest, &stats.FailedCount); err != nil {
		return domain.OutboxStats{}, fmt.Errorf("query outbox stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(id string) error {
	return r.setStatus(id, domain.OutboxStatusSent)
}

func (r *OutboxRepository) MarkFailed(id string) error {
	return r.setStatus(id, domain.OutboxStatusFailed)
}

func (r *OutboxRepository) setStatus(id string, status domain.OutboxStatus) error {
	query, args, err := r.builder.
		Update("outbox_messages").
		Set("status", string(status)).
		Set("attempt_count", sq.Expr("attempt_count + 1")).
		Set("updated_at", r.now()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build outbox %s update: %w", status, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark outbox message %s as %s: %w", id, status, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for outbox %s: %w", status, err)
	}
	if affected == 0 {
		return domain.ErrOutboxPublish
	}
	return nil
}

// PurgeSent удаляет до limit отправленных сообщений, обновлённых не позже before.
// limit<=0 снимает ограничение.
func (r *OutboxRepository) PurgeSent(before time.Time, limit int) (int, error) {
	sent := sq.And{
		sq.Eq{"status": string(domain.OutboxStatusSent)},
		sq.LtOrEq{"updated_at": before.UTC()},
	}

	del := r.builder.Delete("outbox_messages")
	if limit > 0 {
		oldest := sq.Select("id").
			From("outbox_messages").
			Where(sent).
			OrderBy("updated_at").
			Limit(uint64(limit))
		del = del.Where(sq.Expr("id IN (?)", oldest))
	} else {
		del = del.Where(sent)
	}
	query, args, err := del.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build outbox purge: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purge sent outbox messages: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("outbox rows affected: %w", err)
	}
	return int(affected), nil
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
