// Package webhook проверяет и применяет входящие уведомления платёжных шлюзов и перевозчика.
// Одно и то же уведомление обрабатывается не более одного раза: ключ события
// фиксируется в хранилище идемпотентности.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const defaultDedupeTTL = 7 * 24 * time.Hour

// ErrInFlight возвращается, когда то же событие сейчас обрабатывается другим запросом.
var ErrInFlight = errors.New("webhook is being processed")

// Источники уведомлений.
const (
	SourcePayPal  = "paypal"
	SourceStripe  = "stripe"
	SourceVNPay   = "vnpay"
	SourceCarrier = "carrier"
)

// Outcome — итог обработки уведомления.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// PaymentVerifier проверяет подписи уведомлений платёжных шлюзов.
type PaymentVerifier interface {
	VerifyCallback(ctx context.Context, method domain.PaymentMethod, req domain.CallbackRequest) (domain.GatewayEvent, error)
}

// CarrierVerifier проверяет подписи уведомлений перевозчика.
type CarrierVerifier interface {
	VerifyWebhook(body []byte, header http.Header) (domain.CarrierUpdate, error)
}

// CarrierVerifierFunc адаптирует функцию к CarrierVerifier.
type CarrierVerifierFunc func(body []byte, header http.Header) (domain.CarrierUpdate, error)

func (f CarrierVerifierFunc) VerifyWebhook(body []byte, header http.Header) (domain.CarrierUpdate, error) {
	return f(body, header)
}

// Applier применяет проверенные события к заказам.
type Applier interface {
	RecordPaymentEvent(ctx context.Context, event domain.GatewayEvent) (domain.Order, error)
	HandleCarrierUpdate(ctx context.Context, update domain.CarrierUpdate) (domain.Order, error)
}

// Result описывает обработанное уведомление.
type Result struct {
	Source  string
	EventID string
	OrderID string
	Outcome Outcome
}

// Processor проверяет, дедуплицирует и применяет уведомления.
type Processor struct {
	payments PaymentVerifier
	carrier  CarrierVerifier
	applier  Applier
	idem     domain.IdempotencyRepository
	logger   *log.Entry
	ttl      time.Duration
	now      func() time.Time
}

// Option настраивает Processor.
type Option func(*Processor)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithDedupeTTL задаёт срок хранения ключей обработанных событий.
func WithDedupeTTL(ttl time.Duration) Option {
	return func(p *Processor) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithClock задаёт источник времени.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProcessor создаёт обработчик уведомлений. idem может быть nil: тогда
// повторы полагаются только на идемпотентность обработчиков состояния.
func NewProcessor(payments PaymentVerifier, carrier CarrierVerifier, applier Applier, idem domain.IdempotencyRepository, opts ...Option) *Processor {
	p := &Processor{
		payments: payments,
		carrier:  carrier,
		applier:  applier,
		idem:     idem,
		logger:   log.New().WithField("component", "webhook"),
		ttl:      defaultDedupeTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Verify только проверяет подпись. Используется перед передачей уведомления в очередь.
func (p *Processor) Verify(ctx context.Context, source string, req domain.CallbackRequest) error {
	_, _, err := p.parse(ctx, source, req)
	if errors.Is(err, domain.ErrEventIgnored) {
		return nil
	}
	return err
}

// Process проверяет подпись, отбрасывает повтор и применяет событие.
// Неверная подпись возвращает ErrInvalidSignature и ничего не меняет.
func (p *Processor) Process(ctx context.Context, source string, req domain.CallbackRequest) (Result, error) {
	result := Result{Source: source}

	apply, eventID, err := p.parse(ctx, source, req)
	if errors.Is(err, domain.ErrEventIgnored) {
		result.Outcome = OutcomeIgnored
		p.logger.WithField("source", source).WithError(err).Debug("webhook ignored")
		return result, nil
	}
	if err != nil {
		return result, err
	}
	result.EventID = eventID

	key := domain.WebhookKey(source, eventID)
	claimed, err := p.claim(key)
	if err != nil {
		return result, err
	}
	if !claimed {
		result.Outcome = OutcomeDuplicate
		p.logger.WithFields(log.Fields{"source": source, "event_id": eventID}).Info("duplicate webhook skipped")
		return result, nil
	}

	order, applyErr := apply(ctx)
	if errors.Is(applyErr, domain.ErrEventIgnored) {
		applyErr = nil
		result.Outcome = OutcomeIgnored
	} else if applyErr == nil {
		result.Outcome = OutcomeApplied
	}
	result.OrderID = order.ID
	p.release(key, applyErr)

	if applyErr != nil {
		p.logger.WithError(applyErr).WithFields(log.Fields{
			"source":   source,
			"event_id": eventID,
		}).Warn("webhook apply failed")
		return result, applyErr
	}
	return result, nil
}

type applyFunc func(ctx context.Context) (domain.Order, error)

func (p *Processor) parse(ctx context.Context, source string, req domain.CallbackRequest) (applyFunc, string, error) {
	if source == SourceCarrier {
		if p.carrier == nil {
			return nil, "", fmt.Errorf("%w: carrier webhooks are not configured", domain.ErrInvalidSignature)
		}
		update, err := p.carrier.VerifyWebhook(req.Body, req.Header)
		if err != nil {
			return nil, "", err
		}
		return func(ctx context.Context) (domain.Order, error) {
			return p.applier.HandleCarrierUpdate(ctx, update)
		}, carrierEventID(update, req.Body), nil
	}

	method, err := methodFor(source)
	if err != nil {
		return nil, "", err
	}
	event, err := p.payments.VerifyCallback(ctx, method, req)
	if err != nil {
		return nil, "", err
	}
	eventID := event.ID
	if eventID == "" {
		eventID = bodyDigest(req.Body)
	}
	return func(ctx context.Context) (domain.Order, error) {
		return p.applier.RecordPaymentEvent(ctx, event)
	}, eventID, nil
}

// claim захватывает ключ события. false означает, что событие уже обработано.
// Хэш запроса строится по ключу: повтор с новой подписью остаётся тем же событием.
func (p *Processor) claim(key string) (bool, error) {
	if p.idem == nil {
		return true, nil
	}
	record, err := p.idem.CreateProcessing(key, bodyDigest([]byte(key)), p.now().Add(p.ttl))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
		if record.Status == domain.IdempotencyStatusProcessing {
			return false, fmt.Errorf("%w: %s", ErrInFlight, key)
		}
		return false, nil
	default:
		return false, fmt.Errorf("claim webhook key: %w", err)
	}
}

func (p *Processor) release(key string, applyErr error) {
	if p.idem == nil {
		return
	}
	var err error
	if applyErr != nil {
		err = p.idem.MarkFailed(key, []byte(applyErr.Error()), 0)
	} else {
		err = p.idem.MarkDone(key, nil, http.StatusOK)
	}
	if err != nil {
		p.logger.WithError(err).WithField("key", key).Warn("failed to store webhook outcome")
	}
}

func methodFor(source string) (domain.PaymentMethod, error) {
	switch source {
	case SourcePayPal:
		return domain.PaymentMethodPayPal, nil
	case SourceStripe:
		return domain.PaymentMethodStripe, nil
	case SourceVNPay:
		return domain.PaymentMethodVNPay, nil
	default:
		return "", domain.Validationf("unknown webhook source %q", source)
	}
}

// carrierEventID: перевозчик не присылает идентификатор события, поэтому ключом
// служат код отправления, статус и время события.
func carrierEventID(update domain.CarrierUpdate, body []byte) string {
	if update.OccurredAt.IsZero() {
		return update.OrderCode + ":" + update.Status + ":" + bodyDigest(body)[:16]
	}
	return update.OrderCode + ":" + update.Status + ":" + update.OccurredAt.UTC().Format(time.RFC3339Nano)
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
