package saga

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const (
	defaultEffectQueueSize = 256
	defaultEffectWorkers   = 4
	defaultEffectTimeout   = 30 * time.Second
)

// Effect — побочный эффект перехода: вызов перевозчика или письмо покупателю.
// Сбой эффекта не откатывает уже сохранённый переход.
type Effect struct {
	Name    string
	OrderID string
	Run     func(ctx context.Context) error
}

// EffectRunner выполняет побочные эффекты в пуле воркеров. Если очередь
// переполнена или runner не запущен, эффект выполняется синхронно.
type EffectRunner struct {
	logger  *log.Entry
	metrics *metrics.OrderMetrics

	workers int
	timeout time.Duration
	queue   chan Effect

	onFailure func(Effect, error)

	mu      sync.RWMutex
	started bool
	closed  bool
	baseCtx context.Context
	wg      sync.WaitGroup
}

// EffectOption настраивает EffectRunner.
type EffectOption func(*EffectRunner)

// WithEffectWorkers задаёт число воркеров.
func WithEffectWorkers(n int) EffectOption {
	return func(r *EffectRunner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithEffectQueueSize задаёт ёмкость очереди.
func WithEffectQueueSize(n int) EffectOption {
	return func(r *EffectRunner) {
		if n > 0 {
			r.queue = make(chan Effect, n)
		}
	}
}

// WithEffectTimeout ограничивает время одного эффекта.
func WithEffectTimeout(timeout time.Duration) EffectOption {
	return func(r *EffectRunner) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithEffectMetrics задаёт метрики глубины очереди.
func WithEffectMetrics(m *metrics.OrderMetrics) EffectOption {
	return func(r *EffectRunner) {
		r.metrics = m
	}
}

// NewEffectRunner создаёт пул побочных эффектов.
func NewEffectRunner(logger *log.Entry, opts ...EffectOption) *EffectRunner {
	if logger == nil {
		logger = log.WithField("component", "effect-runner")
	}
	r := &EffectRunner{
		logger:  logger,
		workers: defaultEffectWorkers,
		timeout: defaultEffectTimeout,
		queue:   make(chan Effect, defaultEffectQueueSize),
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start запускает воркеры. Эффекты получают ctx без отмены: остановка идёт через Stop.
func (r *EffectRunner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	r.baseCtx = context.WithoutCancel(ctx)

	r.wg.Add(r.workers)
	for i := 0; i < r.workers; i++ {
		go r.work()
	}
	r.logger.WithField("workers", r.workers).Info("effect runner started")
}

// Stop закрывает очередь и дожидается выполнения уже принятых эффектов.
func (r *EffectRunner) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	started := r.started
	close(r.queue)
	r.mu.Unlock()

	if started {
		r.wg.Wait()
	}
	r.logger.Info("effect runner stopped")
}

// Submit ставит эффект в очередь.
func (r *EffectRunner) Submit(effect Effect) {
	r.mu.RLock()
	if r.started && !r.closed {
		select {
		case r.queue <- effect:
			r.mu.RUnlock()
			r.reportDepth()
			return
		default:
			r.logger.WithFields(log.Fields{
				"effect":   effect.Name,
				"order_id": effect.OrderID,
			}).Warn("effect queue full, running synchronously")
		}
	}
	ctx := r.baseCtx
	r.mu.RUnlock()

	r.execute(ctx, effect)
}

func (r *EffectRunner) work() {
	defer r.wg.Done()
	for effect := range r.queue {
		r.reportDepth()
		r.execute(r.baseCtx, effect)
	}
}

func (r *EffectRunner) execute(ctx context.Context, effect Effect) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := effect.Run(ctx)
	if err == nil {
		return
	}
	r.logger.WithError(err).WithFields(log.Fields{
		"effect":   effect.Name,
		"order_id": effect.OrderID,
	}).Warn("side effect failed")
	if r.onFailure != nil {
		r.onFailure(effect, err)
	}
}

func (r *EffectRunner) reportDepth() {
	if r.metrics != nil {
		r.metrics.SetEffectQueueDepth(len(r.queue))
	}
}
