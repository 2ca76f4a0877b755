package app

import (
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/saga"
)

// createOrchestrator создаёт оркестратор заказов. При EffectWorkers > 0 побочные
// эффекты уходят в пул воркеров, который нужно запустить через Start; иначе
// выполняются синхронно и runner равен nil.
func createOrchestrator(cfg Config, deps *Dependencies, orderMetrics *metrics.OrderMetrics) (*saga.Orchestrator, *saga.EffectRunner) {
	logger := deps.Logger.WithField("component", "saga")
	opts := []saga.Option{
		saga.WithLogger(logger),
		saga.WithMetrics(orderMetrics),
	}

	var runner *saga.EffectRunner
	if cfg.EffectWorkers > 0 {
		runner = saga.NewEffectRunner(logger.WithField("component", "effect-runner"),
			saga.WithEffectWorkers(cfg.EffectWorkers),
			saga.WithEffectQueueSize(cfg.EffectQueueSize),
			saga.WithEffectTimeout(cfg.EffectTimeout),
			saga.WithEffectMetrics(orderMetrics),
		)
		opts = append(opts, saga.WithEffectRunner(runner))
	}

	orch := saga.NewOrchestrator(saga.Dependencies{
		Orders:    deps.Storage.repo,
		Outbox:    deps.Storage.outboxRepo,
		Timeline:  deps.Storage.timelineRepo,
		Catalog:   deps.Storage.catalog,
		Users:     deps.Storage.catalog,
		Inventory: deps.Inventory,
		Payments:  deps.Payments,
		Carrier:   deps.shippingCarrier(),
		Notifier:  deps.Notifier,
	}, opts...)
	return orch, runner
}
