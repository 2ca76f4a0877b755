package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

var idempotencyColumns = []string{
	"key", "request_hash", "response_body", "http_status", "status", "ttl_at", "created_at", "updated_at",
}

type idempotencyRepository struct {
	db      *sql.DB
	builder sq.StatementBuilderType
	now     func() time.Time
}

// NewIdempotencyRepository создаёт PostgreSQL-хранилище ключей идемпотентности.
// Захват ключа выполняется под блокировкой строки, правила повторного захвата
// совпадают с in-memory реализацией.
func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	return &idempotencyRepository{
		db:      store.DB(),
		builder: store.builder,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *idempotencyRepository) CreateProcessing(key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	key, requestHash, err := domain.NormalizeIdempotencyInput(key, requestHash)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	now := r.now()
	if ttlAt.IsZero() {
		ttlAt = now.Add(domain.DefaultIdempotencyTTL)
	}
	claimed := domain.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      domain.IdempotencyStatusProcessing,
		TTLAt:       ttlAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var existing domain.IdempotencyRecord
	claimErr := withTx(ctx, r.db, func(tx *sql.Tx) error {
		current, found, err := r.selectRecord(ctx, tx, key, true)
		if err != nil {
			return err
		}
		if !found {
			return r.insert(ctx, tx, claimed)
		}
		if current.Live(now) {
			switch {
			case current.Reclaimable(requestHash):
				claimed.CreatedAt = current.CreatedAt
			case current.RequestHash != requestHash:
				existing = current
				return domain.ErrIdempotencyHashMismatch
			default:
				existing = current
				return domain.ErrIdempotencyKeyAlreadyExists
			}
		}
		return r.reclaim(ctx, tx, claimed)
	})

	switch {
	case claimErr == nil:
		return claimed, nil
	case errors.Is(claimErr, domain.ErrIdempotencyHashMismatch), errors.Is(claimErr, domain.ErrIdempotencyKeyAlreadyExists):
		return existing, claimErr
	case isUniqueViolation(claimErr):
		// Ключ захватил параллельный запрос между SELECT и INSERT.
		winner, getErr := r.Get(key)
		if getErr != nil {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyAlreadyExists
		}
		if winner.RequestHash != requestHash {
			return winner, domain.ErrIdempotencyHashMismatch
		}
		return winner, domain.ErrIdempotencyKeyAlreadyExists
	default:
		return domain.IdempotencyRecord{}, fmt.Errorf("claim idempotency key: %w", claimErr)
	}
}

func (r *idempotencyRepository) Get(key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	record, found, err := r.selectRecord(ctx, r.db, key, false)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	if !found || !record.Live(r.now()) {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return record, nil
}

func (r *idempotencyRepository) MarkDone(key string, responseBody []byte, httpStatus int) error {
	return r.finish(key, domain.IdempotencyStatusDone, responseBody, httpStatus)
}

func (r *idempotencyRepository) MarkFailed(key string, responseBody []byte, httpStatus int) error {
	return r.finish(key, domain.IdempotencyStatusFailed, responseBody, httpStatus)
}

func (r *idempotencyRepository) DeleteExpired(before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = r.now()
	}

	del := r.builder.Delete("idempotency_keys")
	if limit > 0 {
		del = del.Where(sq.Expr(
			"key IN (SELECT key FROM idempotency_keys WHERE ttl_at <= ? ORDER BY ttl_at ASC LIMIT ?)",
			before.UTC(), limit,
		))
	} else {
		del = del.Where(sq.LtOrEq{"ttl_at": before.UTC()})
	}
	query, args, err := del.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build idempotency cleanup: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("idempotency rows affected: %w", err)
	}
	return int(affected), nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *idempotencyRepository) selectRecord(ctx context.Context, q queryRower, key string, forUpdate bool) (domain.IdempotencyRecord, bool, error) {
	sel := r.builder.Select(idempotencyColumns...).From("idempotency_keys").Where(sq.Eq{"key": key})
	if forUpdate {
		sel = sel.Suffix("FOR UPDATE")
	}
	query, args, err := sel.ToSql()
	if err != nil {
		return domain.IdempotencyRecord{}, false, fmt.Errorf("build idempotency select: %w", err)
	}

	var (
		record     domain.IdempotencyRecord
		status     string
		body       []byte
		httpStatus sql.NullInt64
	)
	err = q.QueryRowContext(ctx, query, args...).Scan(
		&record.Key, &record.RequestHash, &body, &httpStatus, &status,
		&record.TTLAt, &record.CreatedAt, &record.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return domain.IdempotencyRecord{}, false, fmt.Errorf("read idempotency key %s: %w", key, err)
	}

	record.Status = domain.IdempotencyStatus(status)
	if !record.Status.Valid() {
		return domain.IdempotencyRecord{}, false, fmt.Errorf("invalid idempotency status %q for key %s", status, key)
	}
	record.ResponseBody = append([]byte(nil), body...)
	if httpStatus.Valid {
		record.HTTPStatus = int(httpStatus.Int64)
	}
	record.TTLAt = record.TTLAt.UTC()
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, true, nil
}

func (r *idempotencyRepository) insert(ctx context.Context, tx *sql.Tx, record domain.IdempotencyRecord) error {
	query, args, err := r.builder.Insert("idempotency_keys").
		Columns(idempotencyColumns...).
		Values(record.Key, record.RequestHash, nil, nil, string(record.Status), record.TTLAt, record.CreatedAt, record.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build idempotency insert: %w", err)
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

// reclaim перезаписывает просроченную или неуспешную запись новым захватом.
func (r *idempotencyRepository) reclaim(ctx context.Context, tx *sql.Tx, record domain.IdempotencyRecord) error {
	query, args, err := r.builder.Update("idempotency_keys").
		Set("request_hash", record.RequestHash).
		Set("response_body", nil).
		Set("http_status", nil).
		Set("status", string(record.Status)).
		Set("ttl_at", record.TTLAt).
		Set("created_at", record.CreatedAt).
		Set("updated_at", record.UpdatedAt).
		Where(sq.Eq{"key": record.Key}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build idempotency reclaim: %w", err)
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

func (r *idempotencyRepository) finish(key string, status domain.IdempotencyStatus, responseBody []byte, httpStatus int) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	now := r.now()
	query, args, err := r.builder.Update("idempotency_keys").
		Set("response_body", responseBody).
		Set("http_status", httpStatus).
		Set("status", string(status)).
		Set("updated_at", now).
		Where(sq.Eq{"key": key}).
		Where(sq.Gt{"ttl_at": now}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build idempotency update: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark idempotency key %s %s: %w", key, status, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("idempotency rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
