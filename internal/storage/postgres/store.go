// Package postgres содержит PostgreSQL-реализации репозиториев заказов, журнала платежей,
// каталога, outbox, timeline и ключей идемпотентности.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// opTimeout ограничивает одну операцию репозитория.
const opTimeout = 5 * time.Second

var errStoreNotInitialized = errors.New("postgres store is not initialized")

// PoolConfig — параметры пула соединений database/sql.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// PingTimeout ограничивает проверку соединения в Open и Ping.
	PingTimeout time.Duration
}

// DefaultPoolConfig возвращает настройки пула для одного инстанса сервиса.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    25,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		PingTimeout:     5 * time.Second,
	}
}

// Option меняет PoolConfig перед открытием пула.
type Option func(*PoolConfig)

// WithMaxConns задаёт лимит открытых и простаивающих соединений.
// Неположительные значения оставляют текущие.
func WithMaxConns(open, idle int) Option {
	return func(c *PoolConfig) {
		if open > 0 {
			c.MaxOpenConns = open
		}
		if idle > 0 {
			c.MaxIdleConns = idle
		}
	}
}

// WithConnLifetime задаёт время жизни соединения и простоя.
func WithConnLifetime(lifetime, idle time.Duration) Option {
	return func(c *PoolConfig) {
		if lifetime > 0 {
			c.ConnMaxLifetime = lifetime
		}
		if idle > 0 {
			c.ConnMaxIdleTime = idle
		}
	}
}

// WithPingTimeout задаёт таймаут проверки соединения.
func WithPingTimeout(d time.Duration) Option {
	return func(c *PoolConfig) {
		if d > 0 {
			c.PingTimeout = d
		}
	}
}

func newPoolConfig(opts ...Option) PoolConfig {
	cfg := DefaultPoolConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.MaxIdleConns > cfg.MaxOpenConns {
		cfg.MaxIdleConns = cfg.MaxOpenConns
	}
	return cfg
}

// Store держит пул соединений и построитель запросов с плейсхолдерами $N.
type Store struct {
	db          *sql.DB
	builder     sq.StatementBuilderType
	pingTimeout time.Duration
}

// Open открывает пул через драйвер pgx и проверяет доступность базы.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg := newPoolConfig(opts...)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	store := newStore(db, cfg.PingTimeout)
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return store, nil
}

func newStore(db *sql.DB, pingTimeout time.Duration) *Store {
	return &Store{
		db:          db,
		builder:     sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		pingTimeout: pingTimeout,
	}
}

// DB отдаёт пул для миграций и метрик.
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}
	if s.pingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.pingTimeout)
		defer cancel()
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// pgCode возвращает SQLSTATE и имя нарушенного ограничения.
func pgCode(err error) (code, constraint string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}

func isUniqueViolation(err error) bool {
	code, _ := pgCode(err)
	return code == pgerrcode.UniqueViolation
}

func isCheckViolation(err error) bool {
	code, _ := pgCode(err)
	return code == pgerrcode.CheckViolation
}

// withTx выполняет fn в транзакции. Ошибка fn откатывает транзакцию и возвращается как есть.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
