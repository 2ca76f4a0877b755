package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/crypto/fieldcrypt"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
)

// catalogStore — каталог товаров и справочник покупателей одного хранилища.
type catalogStore interface {
	domain.ProductCatalog
	domain.UserDirectory
}

// purgeableOutbox — outbox с очисткой отправленных сообщений.
type purgeableOutbox interface {
	domain.OutboxRepository
	PurgeSent(before time.Time, limit int) (int, error)
}

// runtimeDependencies — репозитории выбранного хранилища.
type runtimeDependencies struct {
	repo            domain.OrderRepository
	outboxRepo      purgeableOutbox
	timelineRepo    domain.TimelineRepository
	ledgerRepo      domain.LedgerRepository
	idempotencyRepo domain.IdempotencyRepository
	catalog         catalogStore

	// db — пул postgres для метрик; nil для памяти.
	db *sql.DB

	// ping проверяет доступность хранилища для readiness.
	ping  func(ctx context.Context) error
	close func() error
}

func (d *runtimeDependencies) Close() error {
	if d == nil || d.close == nil {
		return nil
	}
	return d.close()
}

// initRuntimeDependencies открывает хранилище по cfg.StorageDriver.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		logger.Warn("используется in-memory хранилище, данные не переживут перезапуск")
		return &runtimeDependencies{
			repo:            memory.NewOrderRepository(),
			outboxRepo:      memory.NewOutboxRepository(),
			timelineRepo:    memory.NewTimelineRepository(),
			ledgerRepo:      memory.NewLedgerRepository(),
			idempotencyRepo: memory.NewIdempotencyRepository(),
			catalog:         memory.NewCatalog(),
			ping:            func(context.Context) error { return nil },
		}, nil
	case StorageDriverPostgres:
		return initPostgres(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.StorageDriver)
	}
}

func initPostgres(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("postgres dsn is required for %s storage", StorageDriverPostgres)
	}
	codec, err := fieldcrypt.New([]byte(cfg.PIISecret))
	if err != nil {
		return nil, fmt.Errorf("init field codec: %w", err)
	}

	store, err := postgres.Open(ctx, cfg.PostgresDSN,
		postgres.WithMaxConns(cfg.PostgresMaxConns, cfg.PostgresMaxIdle),
		postgres.WithConnLifetime(cfg.PostgresConnTTL, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.PostgresAutoMigrate {
		if err := store.MigrateUp(ctx, 0); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		version, applied, err := store.MigrationStatus(ctx)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migration status: %w", err)
		}
		logger.WithFields(log.Fields{"version": version, "applied": applied}).Info("миграции postgres применены")
	}

	return &runtimeDependencies{
		repo:            postgres.NewOrderRepository(store, codec),
		outboxRepo:      postgres.NewOutboxRepository(store),
		timelineRepo:    postgres.NewTimelineRepository(store),
		ledgerRepo:      postgres.NewLedgerRepository(store),
		idempotencyRepo: postgres.NewIdempotencyRepository(store),
		catalog:         postgres.NewCatalog(store, codec),
		db:              store.DB(),
		ping:            store.Ping,
		close:           store.Close,
	}, nil
}
