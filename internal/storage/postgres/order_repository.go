package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/crypto/fieldcrypt"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const orderColumns = `
	id, user_id, status, payment_method, payment_status, currency,
	amount_minor, shipping_fee_minor, total_minor,
	full_name, phone, email, street, note, province_id, district_id, ward_code,
	carrier_order_code, carrier_status, carrier_expected_at,
	version, created_at, updated_at`

type orderRepository struct {
	db    *sql.DB
	codec *fieldcrypt.Codec
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
// Персональные поля адреса шифруются codec перед записью и расшифровываются при чтении.
func NewOrderRepository(store *Store, codec *fieldcrypt.Codec) domain.OrderRepository {
	return &orderRepository{db: store.DB(), codec: codec}
}

func (r *orderRepository) Create(order domain.Order) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	order.Recalculate()
	addr := order.Address
	if err := r.codec.SealFields(addr.PIIFields()...); err != nil {
		return fmt.Errorf("encrypt address: %w", err)
	}

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (`+orderColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
		`,
			order.ID, order.UserID, string(order.Status), string(order.PaymentMethod), string(order.PaymentStatus), order.Currency,
			order.AmountMinor, order.ShippingFeeMinor, order.TotalMinor,
			addr.FullName, addr.Phone, addr.Email, addr.Street, addr.Note, addr.ProvinceID, addr.DistrictID, addr.WardCode,
			order.Carrier.OrderCode, order.Carrier.Status, nullTime(order.Carrier.ExpectedDeliveryAt),
			order.Version, order.CreatedAt.UTC(), order.UpdatedAt.UTC(),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrOrderVersionConflict
			}
			return fmt.Errorf("insert order: %w", err)
		}

		for i, item := range order.Items {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (
					order_id, position, product_id, name, price_minor, qty, image_ref, weight_grams
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			`,
				order.ID, i, item.ProductID, item.Name, item.PriceMinor, item.Qty, item.ImageRef, item.WeightGrams,
			); err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}

		return insertRefunds(ctx, tx, order.ID, order.Refunds)
	})
}

func (r *orderRepository) Get(id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	order, err := r.scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, err
	}
	if err := r.loadChildren(ctx, &order); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (r *orderRepository) ListByUser(userID string, limit int) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC`

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, query+" LIMIT $2", userID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, query, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := r.scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}

	for i := range orders {
		if err := r.loadChildren(ctx, &orders[i]); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (r *orderRepository) FindByCarrierCode(code string) (domain.Order, error) {
	if code == "" {
		return domain.Order{}, domain.ErrOrderNotFound
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var id string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM orders WHERE carrier_order_code = $1`, code).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("find order by carrier code: %w", err)
	}
	return r.Get(id)
}

// Save обновляет изменяемые поля заказа с проверкой версии. Позиции неизменны,
// история возвратов только дополняется.
func (r *orderRepository) Save(order domain.Order) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	order.Recalculate()
	addr := order.Address
	if err := r.codec.SealFields(addr.PIIFields()...); err != nil {
		return fmt.Errorf("encrypt address: %w", err)
	}

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET status = $1,
			    payment_status = $2,
			    shipping_fee_minor = $3,
			    total_minor = $4,
			    full_name = $5,
			    phone = $6,
			    email = $7,
			    street = $8,
			    note = $9,
			    carrier_order_code = $10,
			    carrier_status = $11,
			    carrier_expected_at = $12,
			    version = version + 1,
			    updated_at = $13
			WHERE id = $14
			  AND version = $15
		`,
			string(order.Status), string(order.PaymentStatus),
			order.ShippingFeeMinor, order.TotalMinor,
			addr.FullName, addr.Phone, addr.Email, addr.Street, addr.Note,
			order.Carrier.OrderCode, order.Carrier.Status, nullTime(order.Carrier.ExpectedDeliveryAt),
			order.UpdatedAt.UTC(),
			order.ID, order.Version,
		)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			exists, err := orderExistsTx(ctx, tx, order.ID)
			if err != nil {
				return err
			}
			if !exists {
				return domain.ErrOrderNotFound
			}
			return domain.ErrOrderVersionConflict
		}

		return insertRefunds(ctx, tx, order.ID, order.Refunds)
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *orderRepository) scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order                         domain.Order
		status, method, paymentStatus string
		expectedAt                    sql.NullTime
	)
	err := row.Scan(
		&order.ID, &order.UserID, &status, &method, &paymentStatus, &order.Currency,
		&order.AmountMinor, &order.ShippingFeeMinor, &order.TotalMinor,
		&order.Address.FullName, &order.Address.Phone, &order.Address.Email, &order.Address.Street, &order.Address.Note,
		&order.Address.ProvinceID, &order.Address.DistrictID, &order.Address.WardCode,
		&order.Carrier.OrderCode, &order.Carrier.Status, &expectedAt,
		&order.Version, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, err
		}
		return domain.Order{}, fmt.Errorf("scan order: %w", err)
	}

	order.Status = domain.OrderStatus(status)
	order.PaymentMethod = domain.PaymentMethod(method)
	order.PaymentStatus = domain.PaymentStatus(paymentStatus)
	if expectedAt.Valid {
		order.Carrier.ExpectedDeliveryAt = expectedAt.Time.UTC()
	}
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()

	if err := r.codec.OpenFields(order.Address.PIIFields()...); err != nil {
		return domain.Order{}, fmt.Errorf("order %s: %w", order.ID, err)
	}
	return order, nil
}

func (r *orderRepository) loadChildren(ctx context.Context, order *domain.Order) error {
	items, err := r.loadItems(ctx, order.ID)
	if err != nil {
		return err
	}
	order.Items = items

	refunds, err := r.loadRefunds(ctx, order.ID)
	if err != nil {
		return err
	}
	order.Refunds = refunds
	return nil
}

func (r *orderRepository) loadItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT product_id, name, price_minor, qty, image_ref, weight_grams
		FROM order_items
		WHERE order_id = $1
		ORDER BY position ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ProductID, &item.Name, &item.PriceMinor, &item.Qty, &item.ImageRef, &item.WeightGrams); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}
	return items, nil
}

func (r *orderRepository) loadRefunds(ctx context.Context, orderID string) ([]domain.RefundRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, external_id, base_amount_minor, settlement_amount_minor, settlement_currency,
		       exchange_rate, reason, actor_role, actor_id, outcome, failure_reason, created_at
		FROM order_refunds
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order refunds: %w", err)
	}
	defer rows.Close()

	var refunds []domain.RefundRecord
	for rows.Next() {
		var (
			rec           domain.RefundRecord
			rate          decimal.Decimal
			role, outcome string
		)
		if err := rows.Scan(
			&rec.ID, &rec.ExternalID, &rec.BaseAmountMinor, &rec.SettlementAmountMinor, &rec.SettlementCurrency,
			&rate, &rec.Reason, &role, &rec.InitiatedBy.ID, &outcome, &rec.FailureReason, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order refund: %w", err)
		}
		rec.ExchangeRate = rate
		rec.InitiatedBy.Role = domain.ActorRole(role)
		rec.Outcome = domain.RefundOutcome(outcome)
		rec.CreatedAt = rec.CreatedAt.UTC()
		refunds = append(refunds, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order refunds: %w", err)
	}
	return refunds, nil
}

// insertRefunds дописывает ещё не сохранённые записи возвратов.
func insertRefunds(ctx context.Context, tx *sql.Tx, orderID string, refunds []domain.RefundRecord) error {
	for _, rec := range refunds {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_refunds (
				id, order_id, external_id, base_amount_minor, settlement_amount_minor, settlement_currency,
				exchange_rate, reason, actor_role, actor_id, outcome, failure_reason, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT (id) DO NOTHING
		`,
			rec.ID, orderID, rec.ExternalID, rec.BaseAmountMinor, rec.SettlementAmountMinor, rec.SettlementCurrency,
			rec.ExchangeRate, rec.Reason, string(rec.InitiatedBy.Role), rec.InitiatedBy.ID, string(rec.Outcome), rec.FailureReason,
			rec.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert order refund: %w", err)
		}
	}
	return nil
}

func orderExistsTx(ctx context.Context, tx *sql.Tx, orderID string) (bool, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1`, orderID).Scan(&id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check order exists: %w", err)
}

var _ domain.OrderRepository = (*orderRepository)(nil)
