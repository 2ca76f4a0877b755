package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/vladislavdragonenkov/storefront/internal/crypto/fieldcrypt"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

var productColumns = []string{
	"id", "name", "price_minor", "weight_grams", "image_ref", "stock", "is_available", "sold_quantity",
}

// Catalog — PostgreSQL-каталог товаров и справочник пользователей.
// Email и имя пользователя хранятся зашифрованными.
type Catalog struct {
	db      *sql.DB
	builder sq.StatementBuilderType
	codec   *fieldcrypt.Codec
}

// NewCatalog создаёт каталог поверх store.
func NewCatalog(store *Store, codec *fieldcrypt.Codec) *Catalog {
	return &Catalog{db: store.DB(), builder: store.builder, codec: codec}
}

// UpsertProduct добавляет или заменяет товар. Доступность выводится из стока.
func (c *Catalog) UpsertProduct(ctx context.Context, p domain.Product) error {
	query, args, err := c.builder.Insert("products").
		Columns(productColumns...).
		Values(p.ID, p.Name, p.PriceMinor, p.WeightGrams, p.ImageRef, p.Stock, p.Stock > 0, p.SoldQuantity).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			price_minor = EXCLUDED.price_minor,
			weight_grams = EXCLUDED.weight_grams,
			image_ref = EXCLUDED.image_ref,
			stock = EXCLUDED.stock,
			is_available = EXCLUDED.is_available`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build product upsert: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

// UpsertUser добавляет или заменяет пользователя.
func (c *Catalog) UpsertUser(ctx context.Context, u domain.User) error {
	if err := c.codec.SealFields(&u.Email, &u.Name); err != nil {
		return fmt.Errorf("encrypt user: %w", err)
	}

	query, args, err := c.builder.Insert("users").
		Columns("id", "email", "name").
		Values(u.ID, u.Email, u.Name).
		Suffix("ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, name = EXCLUDED.name").
		ToSql()
	if err != nil {
		return fmt.Errorf("build user upsert: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetByIDs возвращает найденные товары; отсутствующие ID просто пропускаются.
func (c *Catalog) GetByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	query, args, err := c.builder.Select(productColumns...).
		From("products").
		Where(sq.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build product select: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return result, nil
}

// AdjustStock меняет сток одним условным UPDATE, поэтому параллельные резервы
// не уводят его в минус.
func (c *Catalog) AdjustStock(ctx context.Context, productID string, delta int32) (domain.Product, error) {
	query, args, err := c.builder.Update("products").
		Set("stock", sq.Expr("stock + ?", delta)).
		Set("is_available", sq.Expr("stock + ? > 0", delta)).
		Where(sq.Eq{"id": productID}).
		Where(sq.Expr("stock + ? >= 0", delta)).
		Suffix("RETURNING " + strings.Join(productColumns, ", ")).
		ToSql()
	if err != nil {
		return domain.Product{}, fmt.Errorf("build stock update: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	p, err := scanProduct(c.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return p, nil
	}
	if isCheckViolation(err) {
		return domain.Product{}, fmt.Errorf("%w: %s", domain.ErrInsufficientStock, productID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, fmt.Errorf("adjust stock: %w", err)
	}

	current, err := c.GetByIDs(ctx, []string{productID})
	if err != nil {
		return domain.Product{}, err
	}
	existing, ok := current[productID]
	if !ok {
		return domain.Product{}, fmt.Errorf("%w: %s", domain.ErrProductNotFound, productID)
	}
	return existing, fmt.Errorf("%w: %s has %d, need %d", domain.ErrInsufficientStock, productID, existing.Stock, -delta)
}

// IncrementSold увеличивает счётчик проданных единиц.
func (c *Catalog) IncrementSold(ctx context.Context, productID string, delta int32) error {
	query, args, err := c.builder.Update("products").
		Set("sold_quantity", sq.Expr("sold_quantity + ?", delta)).
		Where(sq.Eq{"id": productID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build sold update: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("increment sold: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrProductNotFound, productID)
	}
	return nil
}

// GetByID возвращает пользователя или ErrUserNotFound.
func (c *Catalog) GetByID(ctx context.Context, id string) (domain.User, error) {
	query, args, err := c.builder.Select("id", "email", "name").
		From("users").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return domain.User{}, fmt.Errorf("build user select: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var u domain.User
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&u.ID, &u.Email, &u.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.User{}, domain.ErrUserNotFound
		}
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}
	if err := c.codec.OpenFields(&u.Email, &u.Name); err != nil {
		return domain.User{}, fmt.Errorf("user %s: %w", u.ID, err)
	}
	return u, nil
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	if err := row.Scan(&p.ID, &p.Name, &p.PriceMinor, &p.WeightGrams, &p.ImageRef, &p.Stock, &p.IsAvailable, &p.SoldQuantity); err != nil {
		return domain.Product{}, err
	}
	return p, nil
}

var (
	_ domain.ProductCatalog = (*Catalog)(nil)
	_ domain.UserDirectory  = (*Catalog)(nil)
)
