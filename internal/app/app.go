// Package app собирает сервис оформления заказов: хранилище, шлюзы оплаты,
// перевозчика, оркестратор, фоновые воркеры и серверы HTTP, gRPC health и метрик.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/httpapi"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/cleanup"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
	"github.com/vladislavdragonenkov/storefront/internal/service/webhook"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

const (
	shutdownTimeout  = 5 * time.Second
	readHeaderTimout = 5 * time.Second
)

var errKafkaUnavailable = errors.New("kafka producer is not connected, webhooks are applied inline")

// Run поднимает сервис и блокируется до отмены ctx или падения одного из серверов.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return err
	}

	storage, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := storage.Close(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	registerer := prometheus.DefaultRegisterer
	orderMetrics := metrics.NewOrderMetricsWithRegisterer(registerer)
	httpMetrics := metrics.NewHTTPMetricsWithRegisterer(registerer)
	if storage.db != nil {
		if err := registerer.Register(collectors.NewDBStatsCollector(storage.db, "storefront")); err != nil {
			logger.WithError(err).Warn("db stats collector is not registered")
		}
	}

	deps := NewDependencies(cfg, storage, orderMetrics, logger)
	orch, effects := createOrchestrator(cfg, deps, orderMetrics)
	if effects != nil {
		effects.Start(ctx)
		defer effects.Stop()
	}

	processor := webhook.NewProcessor(deps.Payments, deps.carrierVerifier(), orch, storage.idempotencyRepo,
		webhook.WithLogger(logger.WithField("component", "webhooks")),
		webhook.WithDedupeTTL(cfg.WebhookDedupeTTL),
	)

	var producer *kafka.Producer
	if cfg.KafkaEnabled() {
		// Без Kafka сервис работает дальше: уведомления применяются синхронно.
		producer, _ = initKafkaProducer(cfg.KafkaBrokers, cfg.KafkaClientID, logger)
	}
	defer closeKafka(producer, logger)

	consumer, err := startWebhookConsumer(ctx, cfg, producer, processor, logger)
	if err != nil {
		logger.WithError(err).Warn("webhook consumer is not started, relay disabled")
	}
	defer stopConsumer(consumer, logger)

	var workers sync.WaitGroup
	bgCtx, stopBackground := context.WithCancel(ctx)
	defer func() {
		stopBackground()
		workers.Wait()
	}()
	startBackground(bgCtx, &workers, cfg, deps, producer, registerer, logger)

	apiOpts := []httpapi.Option{
		httpapi.WithLogger(logger.WithField("layer", "http")),
		httpapi.WithIdempotency(storage.idempotencyRepo),
		httpapi.WithWebhooks(processor),
		httpapi.WithShipping(deps.shippingDirectory()),
		httpapi.WithMetrics(httpMetrics),
	}
	if consumer != nil {
		apiOpts = append(apiOpts, httpapi.WithWebhookRelay(kafka.NewWebhookRelay(producer)))
	}
	api := httpapi.NewServer(orch, apiOpts...)

	healthHandler := healthcheck.NewHandler(version.Current().Version)
	healthHandler.RegisterChecker("storage", healthcheck.NewCriticalChecker("storage", storage.ping))
	if cfg.KafkaEnabled() {
		healthHandler.RegisterChecker("kafka", healthcheck.NewOptionalChecker("kafka", func(context.Context) error {
			if producer == nil {
				return errKafkaUnavailable
			}
			return nil
		}))
	}
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)
	defer shutdownHTTP(metricsSrv, logger)

	grpcServer, healthServer := newGRPCServer(logger)

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	httpLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = grpcLis.Close()
		return fmt.Errorf("listen http: %w", err)
	}
	apiSrv := &http.Server{Handler: api, ReadHeaderTimeout: readHeaderTimout}

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("gRPC health сервер слушает %s", grpcLis.Addr())
		errCh <- grpcServer.Serve(grpcLis)
	}()
	go func() {
		logger.Infof("HTTP API слушает %s", httpLis.Addr())
		errCh <- apiSrv.Serve(httpLis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем серверы")
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		shutdownHTTP(apiSrv, logger)
		stopGRPC(grpcServer, logger)
		return ctx.Err()
	case err := <-errCh:
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		shutdownHTTP(apiSrv, logger)
		stopGRPC(grpcServer, logger)
		if errors.Is(err, grpc.ErrServerStopped) || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// startBackground запускает обновление курсов, outbox и очистку устаревших записей.
func startBackground(ctx context.Context, wg *sync.WaitGroup, cfg Config, deps *Dependencies, producer *kafka.Producer, registerer prometheus.Registerer, logger *log.Entry) {
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	run(deps.Refresher.Run)

	if producer != nil {
		publisher := kafka.NewOutboxPublisher(producer, kafka.DefaultRoutes())
		worker := outbox.NewWorker(deps.Storage.outboxRepo, publisher,
			outbox.WithLogger(logger.WithField("component", "outbox-worker")),
			outbox.WithMetrics(metrics.NewOutboxMetricsWithRegisterer(registerer)),
			outbox.WithDLQPublisher(kafka.NewDLQPublisher(producer)),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		)
		run(worker.Run)
	} else {
		logger.Warn("kafka не настроена: события outbox остаются в хранилище до её подключения")
	}

	sweeper := cleanup.NewWorker(cleanupTargets(cfg, deps.Storage),
		cleanup.WithLogger(logger.WithField("component", "cleanup-worker")),
		cleanup.WithMetrics(metrics.NewCleanupMetricsWithRegisterer(registerer)),
		cleanup.WithInterval(cfg.IdempotencyCleanupInterval),
		cleanup.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	)
	run(sweeper.Run)
}

// cleanupTargets — истёкшие ключи идемпотентности и отправленные сообщения outbox.
func cleanupTargets(cfg Config, storage *runtimeDependencies) []cleanup.Target {
	return []cleanup.Target{
		{Name: "idempotency_keys", Sweep: storage.idempotencyRepo.DeleteExpired},
		{Name: "outbox_sent", Retention: cfg.OutboxRetention, Sweep: storage.outboxRepo.PurgeSent},
	}
}

// newGRPCServer создаёт gRPC-сервер с health и reflection для проб Kubernetes.
func newGRPCServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)
	return grpcServer, healthServer
}

func stopGRPC(srv *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		srv.Stop()
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics для Prometheus и health-пробы.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: readHeaderTimout}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
