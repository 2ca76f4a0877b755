package currency

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Ticker — минимальный интерфейс time.Ticker для подмены в тестах.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// TickerFactory создаёт тикер с заданным интервалом.
type TickerFactory func(time.Duration) Ticker

// Refresher периодически обновляет курсы, чтобы запросы покупателей попадали в кеш.
type Refresher struct {
	converter *Converter
	interval  time.Duration
	newTicker TickerFactory
	logger    *log.Entry
}

// NewRefresher создаёт фоновое обновление. Интервал по умолчанию — половина FreshTTL конвертера.
func NewRefresher(converter *Converter, interval time.Duration, newTicker TickerFactory, logger *log.Entry) *Refresher {
	if interval <= 0 {
		interval = converter.cfg.FreshTTL / 2
	}
	if newTicker == nil {
		newTicker = func(d time.Duration) Ticker { return realTicker{t: time.NewTicker(d)} }
	}
	if logger == nil {
		logger = log.New().WithField("component", "currency-refresher")
	}
	return &Refresher{converter: converter, interval: interval, newTicker: newTicker, logger: logger}
}

// Run обновляет курсы сразу и затем по тикеру до отмены контекста.
func (r *Refresher) Run(ctx context.Context) {
	r.refresh(ctx)

	ticker := r.newTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			r.refresh(ctx)
		}
	}
}

func (r *Refresher) refresh(ctx context.Context) {
	if err := r.converter.Refresh(ctx); err != nil {
		r.logger.WithError(err).Warn("failed to refresh exchange rates")
	}
}
