// Package cleanup периодически удаляет устаревшие служебные записи:
// ключи идемпотентности и отправленные сообщения outbox.
package cleanup

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const (
	defaultInterval  = 10 * time.Minute
	defaultBatchSize = 500
)

// SweepFunc удаляет до limit записей, устаревших к моменту before.
type SweepFunc func(before time.Time, limit int) (int, error)

// Target — один вид устаревших записей.
type Target struct {
	Name string
	// Retention сдвигает границу очистки в прошлое. Ноль — граница равна текущему времени.
	Retention time.Duration
	Sweep     SweepFunc
}

// Options задаёт параметры воркера очистки.
type Options struct {
	Logger    *log.Entry
	Metrics   *metrics.CleanupMetrics
	Interval  time.Duration
	BatchSize int
	Now       func() time.Time
}

// Option настраивает Worker.
type Option func(*Options)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) { opts.Logger = logger }
}

// WithMetrics задаёт метрики очистки.
func WithMetrics(m *metrics.CleanupMetrics) Option {
	return func(opts *Options) { opts.Metrics = m }
}

// WithInterval задаёт интервал между циклами.
func WithInterval(interval time.Duration) Option {
	return func(opts *Options) { opts.Interval = interval }
}

// WithBatchSize задаёт размер одной порции удаления.
func WithBatchSize(batchSize int) Option {
	return func(opts *Options) { opts.BatchSize = batchSize }
}

// WithClock подменяет часы.
func WithClock(now func() time.Time) Option {
	return func(opts *Options) { opts.Now = now }
}

// Worker обходит цели очистки по расписанию.
type Worker struct {
	targets   []Target
	logger    *log.Entry
	metrics   *metrics.CleanupMetrics
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewWorker создаёт воркер очистки. Цели без Sweep пропускаются.
func NewWorker(targets []Target, options ...Option) *Worker {
	opts := Options{
		Interval:  defaultInterval,
		BatchSize: defaultBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "cleanup-worker")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCleanupMetricsWithRegisterer(nil)
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	active := make([]Target, 0, len(targets))
	for _, target := range targets {
		if target.Sweep != nil {
			active = append(active, target)
		}
	}

	return &Worker{
		targets:   active,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		now:       opts.Now,
	}
}

// Run выполняет очистку сразу и затем с интервалом до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if len(w.targets) == 0 {
		w.logger.Warn("cleanup worker is disabled: no targets")
		return
	}

	w.RunOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce обходит все цели и возвращает число удалённых записей по каждой.
// Сбой одной цели не останавливает остальные.
func (w *Worker) RunOnce(ctx context.Context) map[string]int {
	result := make(map[string]int, len(w.targets))
	now := w.now()

	for _, target := range w.targets {
		deleted, err := w.sweep(ctx, target, now.Add(-target.Retention))
		result[target.Name] = deleted
		w.metrics.RecordDeleted(target.Name, deleted)

		logger := w.logger.WithField("target", target.Name)
		switch {
		case errors.Is(err, context.Canceled):
			return result
		case err != nil:
			w.metrics.RecordRun(target.Name, "error")
			logger.WithError(err).Warn("cleanup run failed")
		default:
			w.metrics.RecordRun(target.Name, "ok")
			if deleted > 0 {
				logger.WithField("deleted", deleted).Info("cleanup completed")
			}
		}
	}
	return result
}

// sweep удаляет записи порциями, пока порция заполняется целиком.
func (w *Worker) sweep(ctx context.Context, target Target, before time.Time) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		deleted, err := target.Sweep(before, w.batchSize)
		if err != nil {
			return total, err
		}
		total += deleted
		if deleted < w.batchSize {
			return total, nil
		}
	}
}
