// Package currency конвертирует суммы между валютой магазина и валютами расчёта шлюзов.
//
// Курсы берутся из внешнего источника и кешируются на FreshTTL. Если источник
// недоступен, используется последний удачный снимок не старше FallbackTTL, а при его
// отсутствии — зашитая таблица курсов.
package currency

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Источники курса в domain.Conversion.Source.
const (
	SourceIdentity         = "identity"
	SourceLive             = "live"
	SourceCache            = "cache"
	SourceDisasterRecovery = "disaster_recovery"
	SourceFallback         = "fallback"
)

const (
	defaultFreshTTL    = 10 * time.Minute
	defaultFallbackTTL = 24 * time.Hour
)

// minorExponents — число знаков минимальной единицы валюты.
var minorExponents = map[string]int32{
	"VND": 0,
	"JPY": 0,
	"KRW": 0,
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"SGD": 2,
	"AUD": 2,
	"THB": 2,
}

// DefaultFallbackRates — последняя линия обороны, если живых курсов нет вовсе.
func DefaultFallbackRates() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(1),
		"VND": decimal.NewFromInt(25000),
	}
}

// Clock возвращает текущее время.
type Clock interface {
	Now() time.Time
}

// ClockFunc адаптирует функцию к Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SourceRecorder считает, из какого источника взят курс.
type SourceRecorder interface {
	RecordRateSource(source string)
}

// Config управляет временем жизни кешей.
type Config struct {
	FreshTTL      time.Duration
	FallbackTTL   time.Duration
	FallbackRates map[string]decimal.Decimal
}

// Converter реализует domain.CurrencyConverter.
type Converter struct {
	source   RateSource
	clock    Clock
	cfg      Config
	logger   *log.Entry
	recorder SourceRecorder

	group singleflight.Group

	mu       sync.RWMutex
	snapshot *Rates
}

// Option настраивает Converter.
type Option func(*Converter)

// WithClock подменяет часы.
func WithClock(clock Clock) Option {
	return func(c *Converter) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(c *Converter) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSourceRecorder подключает метрики источников курса.
func WithSourceRecorder(recorder SourceRecorder) Option {
	return func(c *Converter) {
		c.recorder = recorder
	}
}

// NewConverter создаёт конвертер. Нулевые поля Config заменяются значениями по умолчанию.
func NewConverter(source RateSource, cfg Config, opts ...Option) *Converter {
	if cfg.FreshTTL <= 0 {
		cfg.FreshTTL = defaultFreshTTL
	}
	if cfg.FallbackTTL <= 0 {
		cfg.FallbackTTL = defaultFallbackTTL
	}
	if len(cfg.FallbackRates) == 0 {
		cfg.FallbackRates = DefaultFallbackRates()
	}

	c := &Converter{
		source: source,
		clock:  ClockFunc(time.Now),
		cfg:    cfg,
		logger: log.New().WithField("component", "currency-converter"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Convert переводит сумму в минимальных единицах from в минимальные единицы to.
// Результат округляется half-up до минимальной единицы to.
func (c *Converter) Convert(ctx context.Context, amountMinor int64, from, to string) (domain.Conversion, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))

	if _, ok := minorExponents[from]; !ok {
		return domain.Conversion{}, fmt.Errorf("%w: %q", domain.ErrUnsupportedCurrency, from)
	}
	if _, ok := minorExponents[to]; !ok {
		return domain.Conversion{}, fmt.Errorf("%w: %q", domain.ErrUnsupportedCurrency, to)
	}

	if from == to {
		return domain.Conversion{
			AmountMinor: amountMinor,
			From:        from,
			To:          to,
			Rate:        decimal.NewFromInt(1),
			Source:      SourceIdentity,
		}, nil
	}

	rates, source := c.rates(ctx)
	rate, ok := rates.Pair(from, to)
	if !ok && source != SourceFallback {
		// В живом снимке может не оказаться пары, таблица последней надежды её знает.
		rate, ok = fallbackRates(c.cfg.FallbackRates).Pair(from, to)
		source = SourceFallback
	}
	if !ok {
		return domain.Conversion{}, fmt.Errorf("%w: no rate %s->%s", domain.ErrUnsupportedCurrency, from, to)
	}

	if c.recorder != nil {
		c.recorder.RecordRateSource(source)
	}

	return domain.Conversion{
		AmountMinor: Apply(amountMinor, from, to, rate),
		From:        from,
		To:          to,
		Rate:        rate,
		Source:      source,
	}, nil
}

// Refresh принудительно обновляет снимок курсов из источника.
func (c *Converter) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("rates", func() (any, error) {
		return c.fetch(ctx)
	})
	return err
}

func (c *Converter) rates(ctx context.Context) (Rates, string) {
	now := c.clock.Now()

	if snap, ok := c.current(); ok && now.Sub(snap.FetchedAt) < c.cfg.FreshTTL {
		return snap, SourceCache
	}

	result, err, _ := c.group.Do("rates", func() (any, error) {
		// Пока ждали очереди, снимок мог обновить соседний запрос.
		if snap, ok := c.current(); ok && c.clock.Now().Sub(snap.FetchedAt) < c.cfg.FreshTTL {
			return snap, nil
		}
		return c.fetch(ctx)
	})
	if err == nil {
		return result.(Rates), SourceLive
	}

	if snap, ok := c.current(); ok && now.Sub(snap.FetchedAt) < c.cfg.FallbackTTL {
		c.logger.WithError(err).WithField("age", now.Sub(snap.FetchedAt)).Warn("rate source unavailable, using disaster recovery snapshot")
		return snap, SourceDisasterRecovery
	}

	c.logger.WithError(err).Warn("rate source unavailable, using fallback rates")
	return fallbackRates(c.cfg.FallbackRates), SourceFallback
}

func (c *Converter) fetch(ctx context.Context) (Rates, error) {
	if c.source == nil {
		return Rates{}, domain.GatewayFailure("fetch rates", fmt.Errorf("rate source is not configured"))
	}

	rates, err := c.source.FetchRates(ctx)
	if err != nil {
		return Rates{}, err
	}
	rates.FetchedAt = c.clock.Now()

	c.mu.Lock()
	c.snapshot = &rates
	c.mu.Unlock()

	c.logger.WithField("currencies", len(rates.Values)).Debug("exchange rates refreshed")
	return rates, nil
}

func (c *Converter) current() (Rates, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot == nil {
		return Rates{}, false
	}
	return *c.snapshot, true
}

func fallbackRates(values map[string]decimal.Decimal) Rates {
	return Rates{Base: "USD", Values: values}
}

// Apply переводит сумму по известному курсу с округлением half-up.
func Apply(amountMinor int64, from, to string, rate decimal.Decimal) int64 {
	major := decimal.New(amountMinor, -minorExponents[from])
	converted := major.Mul(rate).Round(minorExponents[to])
	return converted.Shift(minorExponents[to]).IntPart()
}

// Reverse переводит сумму в валюте расчёта обратно в базовую по сохранённому курсу from→to.
func Reverse(amountMinor int64, from, to string, rate decimal.Decimal) (int64, error) {
	if rate.Sign() <= 0 {
		return 0, domain.Validationf("exchange rate must be positive")
	}
	return Apply(amountMinor, to, from, decimal.NewFromInt(1).Div(rate)), nil
}

// MinorExponent возвращает число знаков минимальной единицы валюты.
func MinorExponent(code string) (int32, bool) {
	exp, ok := minorExponents[strings.ToUpper(code)]
	return exp, ok
}

// FormatMajor печатает сумму в основных единицах с нужным числом знаков ("12.34").
func FormatMajor(amountMinor int64, code string) string {
	exp := minorExponents[strings.ToUpper(code)]
	return decimal.New(amountMinor, -exp).StringFixed(exp)
}

// ParseMajor разбирает сумму в основных единицах в минимальные.
func ParseMajor(value, code string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return 0, domain.Validationf("invalid amount %q", value)
	}
	exp := minorExponents[strings.ToUpper(code)]
	return d.Round(exp).Shift(exp).IntPart(), nil
}
