package postgres

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const oneCompletedConstraint = "payment_ledger_one_completed"

var ledgerColumns = []string{
	"id", "order_id", "method", "status",
	"original_currency", "original_amount_minor",
	"processed_currency", "processed_amount_minor", "exchange_rate",
	"details", "capture_attempts", "last_capture_attempt_at",
	"version", "created_at", "updated_at",
}

type ledgerRepository struct {
	db      *sql.DB
	builder sq.StatementBuilderType
}

// NewLedgerRepository создаёт PostgreSQL-реализацию журнала платежей.
// Единственность завершённой записи заказа гарантирует частичный уникальный индекс.
func NewLedgerRepository(store *Store) domain.LedgerRepository {
	return &ledgerRepository{db: store.DB(), builder: store.builder}
}

func (r *ledgerRepository) Create(entry domain.LedgerEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	details, err := domain.MarshalGatewayDetails(entry.Details)
	if err != nil {
		return err
	}

	query, args, err := r.builder.Insert("payment_ledger").
		Columns(append(ledgerColumns, "external_ref")...).
		Values(
			entry.ID, entry.OrderID, string(entry.Method), string(entry.Status),
			entry.OriginalCurrency, entry.OriginalAmountMinor,
			entry.ProcessedCurrency, entry.ProcessedAmountMinor, entry.ExchangeRate,
			nullJSON(details), entry.CaptureAttempts, nullTime(entry.LastCaptureAttemptAt),
			entry.Version, entry.CreatedAt.UTC(), entry.UpdatedAt.UTC(),
			entry.ExternalRef(),
		).ToSql()
	if err != nil {
		return fmt.Errorf("build ledger insert: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return mapLedgerWriteError(err, domain.ErrLedgerVersionConflict)
	}
	return nil
}

func (r *ledgerRepository) Get(id string) (domain.LedgerEntry, error) {
	entries, err := r.selectEntries(sq.Eq{"id": id}, 1)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if len(entries) == 0 {
		return domain.LedgerEntry{}, domain.ErrLedgerEntryNotFound
	}
	return entries[0], nil
}

func (r *ledgerRepository) ListByOrder(orderID string) ([]domain.LedgerEntry, error) {
	return r.selectEntries(sq.Eq{"order_id": orderID}, 0)
}

func (r *ledgerRepository) FindCompleted(orderID string) (domain.LedgerEntry, error) {
	entries, err := r.selectEntries(sq.Eq{
		"order_id": orderID,
		"status":   string(domain.GatewayStatusCompleted),
	}, 1)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if len(entries) == 0 {
		return domain.LedgerEntry{}, domain.ErrNoCapturedPayment
	}
	return entries[0], nil
}

func (r *ledgerRepository) FindByExternalRef(method domain.PaymentMethod, ref string) (domain.LedgerEntry, error) {
	if ref == "" {
		return domain.LedgerEntry{}, domain.ErrLedgerEntryNotFound
	}
	entries, err := r.selectEntries(sq.Eq{
		"method":       string(method),
		"external_ref": ref,
	}, 1)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if len(entries) == 0 {
		return domain.LedgerEntry{}, domain.ErrLedgerEntryNotFound
	}
	return entries[0], nil
}

// Save обновляет запись при совпадении версии и увеличивает её.
func (r *ledgerRepository) Save(entry domain.LedgerEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	details, err := domain.MarshalGatewayDetails(entry.Details)
	if err != nil {
		return err
	}

	query, args, err := r.builder.Update("payment_ledger").
		Set("status", string(entry.Status)).
		Set("processed_currency", entry.ProcessedCurrency).
		Set("processed_amount_minor", entry.ProcessedAmountMinor).
		Set("exchange_rate", entry.ExchangeRate).
		Set("external_ref", entry.ExternalRef()).
		Set("details", nullJSON(details)).
		Set("capture_attempts", entry.CaptureAttempts).
		Set("last_capture_attempt_at", nullTime(entry.LastCaptureAttemptAt)).
		Set("version", sq.Expr("version + 1")).
		Set("updated_at", entry.UpdatedAt.UTC()).
		Where(sq.Eq{"id": entry.ID, "version": entry.Version}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build ledger update: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapLedgerWriteError(err, nil)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	if _, err := r.Get(entry.ID); err != nil {
		return err
	}
	return domain.ErrLedgerVersionConflict
}

func (r *ledgerRepository) selectEntries(where sq.Eq, limit uint64) ([]domain.LedgerEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	builder := r.builder.Select(ledgerColumns...).
		From("payment_ledger").
		Where(where).
		OrderBy("created_at ASC", "id ASC")
	if limit > 0 {
		builder = builder.Limit(limit)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build ledger select: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger rows: %w", err)
	}
	return entries, nil
}

func scanLedgerEntry(row rowScanner) (domain.LedgerEntry, error) {
	var (
		entry          domain.LedgerEntry
		method, status string
		rate           decimal.Decimal
		details        []byte
		lastAttempt    sql.NullTime
	)
	if err := row.Scan(
		&entry.ID, &entry.OrderID, &method, &status,
		&entry.OriginalCurrency, &entry.OriginalAmountMinor,
		&entry.ProcessedCurrency, &entry.ProcessedAmountMinor, &rate,
		&details, &entry.CaptureAttempts, &lastAttempt,
		&entry.Version, &entry.CreatedAt, &entry.UpdatedAt,
	); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("scan ledger entry: %w", err)
	}

	entry.Method = domain.PaymentMethod(method)
	entry.Status = domain.GatewayStatus(status)
	entry.ExchangeRate = rate
	if lastAttempt.Valid {
		entry.LastCaptureAttemptAt = lastAttempt.Time.UTC()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	entry.UpdatedAt = entry.UpdatedAt.UTC()

	parsed, err := domain.UnmarshalGatewayDetails(entry.Method, details)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("ledger entry %s: %w", entry.ID, err)
	}
	entry.Details = parsed
	return entry, nil
}

// mapLedgerWriteError переводит нарушение индекса завершённой записи в ErrDuplicateCapture.
func mapLedgerWriteError(err, onDuplicateID error) error {
	if isUniqueViolation(err) {
		if _, constraint := pgCode(err); constraint == oneCompletedConstraint {
			return domain.ErrDuplicateCapture
		}
		if onDuplicateID != nil {
			return onDuplicateID
		}
	}
	return fmt.Errorf("write ledger entry: %w", err)
}

func nullJSON(data []byte) any {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return string(data)
}

var _ domain.LedgerRepository = (*ledgerRepository)(nil)
