// Package payment ведёт журнал платежей: создание платёжных объектов у шлюзов,
// идемпотентное списание, возвраты и применение уведомлений шлюзов.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/currency"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const maxEntryUpdateAttempts = 5

// errNoChange — мутация не требует сохранения.
var errNoChange = errors.New("no change")

// InitiateOptions — параметры редиректа покупателя.
type InitiateOptions struct {
	ReturnURL string
	CancelURL string
	ClientIP  string
	Locale    string
}

// Service реализует domain.PaymentService поверх журнала и адаптеров шлюзов.
type Service struct {
	ledger   domain.LedgerRepository
	gateways map[domain.PaymentMethod]domain.PaymentGateway

	maxCaptureAttempts int
	now                func() time.Time
	logger             *log.Entry
}

// Option настраивает сервис.
type Option func(*Service)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxCaptureAttempts ограничивает число попыток списания на запись. 0 — без ограничения.
func WithMaxCaptureAttempts(n int) Option {
	return func(s *Service) {
		s.maxCaptureAttempts = n
	}
}

// WithClock подменяет часы.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService создаёт сервис платежей.
func NewService(ledger domain.LedgerRepository, gateways []domain.PaymentGateway, opts ...Option) *Service {
	s := &Service{
		ledger:   ledger,
		gateways: make(map[domain.PaymentMethod]domain.PaymentGateway, len(gateways)),
		now:      time.Now,
		logger:   log.New().WithField("component", "payment-service"),
	}
	for _, gw := range gateways {
		s.gateways[gw.Method()] = gw
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Gateway возвращает адаптер для способа оплаты.
func (s *Service) Gateway(method domain.PaymentMethod) (domain.PaymentGateway, error) {
	gw, ok := s.gateways[method]
	if !ok {
		return nil, fmt.Errorf("%w: no gateway configured for %q", domain.ErrPaymentMethodInvalid, method)
	}
	return gw, nil
}

// Entries возвращает записи журнала заказа.
func (s *Service) Entries(orderID string) ([]domain.LedgerEntry, error) {
	return s.ledger.ListByOrder(orderID)
}

// Initiate создаёт запись журнала и платёжный объект у шлюза заказа.
// Запись сохраняется до обращения к шлюзу, неудачная попытка остаётся в журнале со статусом failed.
func (s *Service) Initiate(ctx context.Context, order domain.Order, opts InitiateOptions) (domain.LedgerEntry, domain.GatewayPayment, error) {
	if !order.PaymentMethod.Online() {
		return domain.LedgerEntry{}, domain.GatewayPayment{}, domain.ErrPaymentNotRequired
	}
	switch order.PaymentStatus {
	case domain.PaymentStatusPending, domain.PaymentStatusFailed:
	default:
		return domain.LedgerEntry{}, domain.GatewayPayment{}, fmt.Errorf("%w: order payment is %s", domain.ErrInvalidPaymentTransition, order.PaymentStatus)
	}
	gw, err := s.Gateway(order.PaymentMethod)
	if err != nil {
		return domain.LedgerEntry{}, domain.GatewayPayment{}, err
	}

	now := s.now().UTC()
	entry := domain.LedgerEntry{
		ID:                  uuid.NewString(),
		OrderID:             order.ID,
		Method:              order.PaymentMethod,
		Status:              domain.GatewayStatusPending,
		OriginalCurrency:    order.Currency,
		OriginalAmountMinor: order.TotalMinor,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.ledger.Create(entry); err != nil {
		return domain.LedgerEntry{}, domain.GatewayPayment{}, fmt.Errorf("create ledger entry: %w", err)
	}

	payment, gwErr := gw.CreatePaymentObject(ctx, domain.PaymentIntent{
		EntryID:     entry.ID,
		OrderID:     order.ID,
		AmountMinor: order.TotalMinor,
		Currency:    order.Currency,
		Description: "Order " + order.ID,
		ReturnURL:   opts.ReturnURL,
		CancelURL:   opts.CancelURL,
		ClientIP:    opts.ClientIP,
		Locale:      opts.Locale,
	})

	updated, err := s.updateEntry(entry.ID, func(e *domain.LedgerEntry) error {
		if gwErr != nil {
			e.Status = domain.GatewayStatusFailed
			return nil
		}
		e.Details = payment.Details
		if payment.ProcessedCurrency != "" {
			e.ProcessedCurrency = payment.ProcessedCurrency
			e.ProcessedAmountMinor = payment.ProcessedAmountMinor
			e.ExchangeRate = payment.ExchangeRate
		}
		return nil
	})
	if gwErr != nil {
		s.logger.WithError(gwErr).WithFields(log.Fields{
			"order_id":       order.ID,
			"ledger_id":      entry.ID,
			"payment_method": order.PaymentMethod,
		}).Warn("failed to create payment object")
		return updated, domain.GatewayPayment{}, gwErr
	}
	if err != nil {
		return domain.LedgerEntry{}, domain.GatewayPayment{}, err
	}

	s.logger.WithFields(log.Fields{
		"order_id":       order.ID,
		"ledger_id":      entry.ID,
		"payment_method": order.PaymentMethod,
	}).Info("payment object created")
	return updated, payment, nil
}

// Capture списывает деньги по записи журнала. Если у записи уже есть идентификатор
// списания, возвращает её без обращения к шлюзу.
func (s *Service) Capture(ctx context.Context, entryID string) (domain.LedgerEntry, error) {
	entry, err := s.updateEntry(entryID, func(e *domain.LedgerEntry) error {
		if e.Status == domain.GatewayStatusCompleted && e.CaptureID() != "" {
			return errNoChange
		}
		if e.Status != domain.GatewayStatusPending {
			return fmt.Errorf("%w: entry %s is %s", domain.ErrPaymentNotCapturable, e.ID, e.Status)
		}
		if s.maxCaptureAttempts > 0 && e.CaptureAttempts >= s.maxCaptureAttempts {
			return fmt.Errorf("%w: %d of %d", domain.ErrCaptureAttemptsExceeded, e.CaptureAttempts, s.maxCaptureAttempts)
		}
		e.CaptureAttempts++
		e.LastCaptureAttemptAt = s.now().UTC()
		return nil
	})
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if entry.Status == domain.GatewayStatusCompleted && entry.CaptureID() != "" {
		return entry, nil
	}

	gw, err := s.Gateway(entry.Method)
	if err != nil {
		return entry, err
	}

	logger := s.logger.WithFields(log.Fields{
		"order_id":  entry.OrderID,
		"ledger_id": entry.ID,
		"attempt":   entry.CaptureAttempts,
	})

	result, capErr := gw.Capture(ctx, entry)
	if capErr != nil {
		if errors.Is(capErr, domain.ErrPaymentDeclined) {
			entry, err = s.updateEntry(entryID, func(e *domain.LedgerEntry) error {
				if e.Status != domain.GatewayStatusPending {
					return errNoChange
				}
				e.Status = domain.GatewayStatusFailed
				return nil
			})
			if err != nil {
				logger.WithError(err).Error("failed to mark declined payment entry")
			}
		}
		logger.WithError(capErr).Warn("capture failed")
		return entry, capErr
	}

	if result.Status != domain.GatewayStatusCompleted {
		return s.updateEntry(entryID, func(e *domain.LedgerEntry) error {
			if e.Status != domain.GatewayStatusPending {
				return errNoChange
			}
			if result.Details != nil {
				e.Details = result.Details
			}
			return nil
		})
	}

	logger.WithField("capture_id", result.CaptureID).Info("payment captured")
	return s.markCompleted(ctx, entryID, result.Details)
}

// Refund возвращает деньги по завершённой записи заказа.
// Ошибка шлюза возвращается вместе с записью возврата с исходом failed.
func (s *Service) Refund(ctx context.Context, order domain.Order, req domain.RefundRequest) (domain.RefundRecord, error) {
	entry, err := s.ledger.FindCompleted(order.ID)
	if err != nil {
		return domain.RefundRecord{}, err
	}
	gw, err := s.Gateway(entry.Method)
	if err != nil {
		return domain.RefundRecord{}, err
	}
	if req.RefundID == "" {
		req.RefundID = uuid.NewString()
	}

	charged, chargedCurrency := entry.ChargedAmount()
	record := domain.RefundRecord{
		ID:                    req.RefundID,
		BaseAmountMinor:       entry.OriginalAmountMinor,
		SettlementAmountMinor: charged,
		SettlementCurrency:    chargedCurrency,
		ExchangeRate:          entry.ExchangeRate,
		Reason:                req.Reason,
		InitiatedBy:           req.InitiatedBy,
		CreatedAt:             s.now().UTC(),
	}

	logger := s.logger.WithFields(log.Fields{
		"order_id":  order.ID,
		"ledger_id": entry.ID,
		"refund_id": req.RefundID,
	})

	result, refundErr := gw.Refund(ctx, entry, req)
	if refundErr != nil {
		record.Outcome = domain.RefundOutcomeFailed
		record.FailureReason = refundErr.Error()
		logger.WithError(refundErr).Warn("refund failed")
		return record, refundErr
	}

	record.ExternalID = result.RefundID
	if result.AmountMinor != charged || result.Currency != chargedCurrency {
		record.SettlementAmountMinor = result.AmountMinor
		record.SettlementCurrency = result.Currency
		if entry.Converted() {
			base, err := currency.Reverse(result.AmountMinor, entry.OriginalCurrency, entry.ProcessedCurrency, entry.ExchangeRate)
			if err == nil {
				record.BaseAmountMinor = base
			}
		} else {
			record.BaseAmountMinor = result.AmountMinor
		}
	}

	record.Outcome = domain.RefundOutcomeSucceeded
	if result.Pending {
		record.Outcome = domain.RefundOutcomePending
	}

	if _, err := s.updateEntry(entry.ID, func(e *domain.LedgerEntry) error {
		if result.Details != nil {
			e.Details = result.Details
		}
		if !result.Pending && e.Status == domain.GatewayStatusCompleted {
			e.Status = domain.GatewayStatusRefunded
		}
		return nil
	}); err != nil {
		// Деньги уже возвращены, журнал догонит уведомление шлюза.
		logger.WithError(err).Error("failed to record refund on ledger entry")
	}

	logger.WithField("outcome", record.Outcome).Info("refund processed")
	return record, nil
}

// VerifyCallback проверяет подпись уведомления шлюза.
func (s *Service) VerifyCallback(ctx context.Context, method domain.PaymentMethod, req domain.CallbackRequest) (domain.GatewayEvent, error) {
	gw, err := s.Gateway(method)
	if err != nil {
		return domain.GatewayEvent{}, err
	}
	return gw.VerifyCallback(ctx, req)
}

// ApplyEvent отражает проверенное уведомление шлюза в журнале. Повторы безопасны.
func (s *Service) ApplyEvent(ctx context.Context, event domain.GatewayEvent) (domain.LedgerEntry, error) {
	entry, err := s.resolveEntry(event)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if entry.Method != event.Method {
		return domain.LedgerEntry{}, fmt.Errorf("%w: entry %s is %s, event from %s", domain.ErrPaymentMethodMismatch, entry.ID, entry.Method, event.Method)
	}
	if event.OrderID != "" && event.OrderID != entry.OrderID {
		return domain.LedgerEntry{}, domain.Validationf("event order %s does not match entry order %s", event.OrderID, entry.OrderID)
	}

	switch event.Kind {
	case domain.GatewayEventApproved:
		return entry, nil
	case domain.GatewayEventCaptured:
		if entry.Status == domain.GatewayStatusCompleted || entry.Status == domain.GatewayStatusRefunded {
			return entry, nil
		}
		if err := checkEventAmount(entry, event); err != nil {
			return domain.LedgerEntry{}, err
		}
		return s.markCompleted(ctx, entry.ID, withCapture(entry, event.CaptureID))
	case domain.GatewayEventFailed:
		return s.updateEntry(entry.ID, statusIfPending(domain.GatewayStatusFailed))
	case domain.GatewayEventCancelled:
		return s.updateEntry(entry.ID, statusIfPending(domain.GatewayStatusCancelled))
	case domain.GatewayEventRefunded:
		return s.updateEntry(entry.ID, func(e *domain.LedgerEntry) error {
			if e.Status != domain.GatewayStatusCompleted {
				return errNoChange
			}
			e.Status = domain.GatewayStatusRefunded
			return nil
		})
	default:
		return domain.LedgerEntry{}, fmt.Errorf("%w: kind %q", domain.ErrEventIgnored, event.Kind)
	}
}

func checkEventAmount(entry domain.LedgerEntry, event domain.GatewayEvent) error {
	if event.AmountMinor <= 0 {
		return nil
	}
	charged, chargedCurrency := entry.ChargedAmount()
	if event.Currency != "" && event.Currency != chargedCurrency {
		return nil
	}
	if event.AmountMinor != charged {
		return fmt.Errorf("%w: got %d, expected %d %s", domain.ErrAmountMismatch, event.AmountMinor, charged, chargedCurrency)
	}
	return nil
}

func (s *Service) resolveEntry(event domain.GatewayEvent) (domain.LedgerEntry, error) {
	if event.EntryID != "" {
		entry, err := s.ledger.Get(event.EntryID)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, domain.ErrLedgerEntryNotFound) {
			return domain.LedgerEntry{}, err
		}
	}
	if event.ExternalRef != "" {
		return s.ledger.FindByExternalRef(event.Method, event.ExternalRef)
	}
	return domain.LedgerEntry{}, domain.ErrLedgerEntryNotFound
}

// markCompleted переводит запись в completed. Если у заказа уже есть другая завершённая
// запись, это второе списание: деньги сразу возвращаются покупателю.
func (s *Service) markCompleted(ctx context.Context, entryID string, details domain.GatewayDetails) (domain.LedgerEntry, error) {
	entry, err := s.updateEntry(entryID, func(e *domain.LedgerEntry) error {
		if (e.Status == domain.GatewayStatusCompleted && e.CaptureID() != "") || e.Status == domain.GatewayStatusRefunded {
			return errNoChange
		}
		if details != nil {
			e.Details = details
		}
		e.Status = domain.GatewayStatusCompleted
		return nil
	})
	if errors.Is(err, domain.ErrDuplicateCapture) {
		return s.refundDuplicate(ctx, entryID, details)
	}
	return entry, err
}

func (s *Service) refundDuplicate(ctx context.Context, entryID string, details domain.GatewayDetails) (domain.LedgerEntry, error) {
	entry, err := s.ledger.Get(entryID)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if details != nil {
		entry.Details = details
	}

	logger := s.logger.WithFields(log.Fields{"order_id": entry.OrderID, "ledger_id": entry.ID})
	logger.Error("second capture for order, refunding it")

	gw, err := s.Gateway(entry.Method)
	if err != nil {
		return entry, err
	}
	result, refundErr := gw.Refund(ctx, entry, domain.RefundRequest{
		RefundID:    "dup-" + entry.ID,
		Reason:      "duplicate payment",
		InitiatedBy: domain.SystemActor,
	})

	updated, err := s.updateEntry(entryID, func(e *domain.LedgerEntry) error {
		if details != nil {
			e.Details = details
		}
		if refundErr == nil {
			if result.Details != nil {
				e.Details = result.Details
			}
			e.Status = domain.GatewayStatusRefunded
		}
		return nil
	})
	if err != nil {
		logger.WithError(err).Error("failed to record duplicate capture")
	}
	if refundErr != nil {
		logger.WithError(refundErr).Error("failed to refund duplicate capture")
		return updated, fmt.Errorf("%w: refund of duplicate failed: %w", domain.ErrDuplicateCapture, refundErr)
	}
	return updated, domain.ErrDuplicateCapture
}

// updateEntry применяет мутацию к свежей копии записи и сохраняет её с проверкой версии.
func (s *Service) updateEntry(id string, mutate func(*domain.LedgerEntry) error) (domain.LedgerEntry, error) {
	var lastErr error
	for attempt := 0; attempt < maxEntryUpdateAttempts; attempt++ {
		entry, err := s.ledger.Get(id)
		if err != nil {
			return domain.LedgerEntry{}, err
		}
		if err := mutate(&entry); err != nil {
			if errors.Is(err, errNoChange) {
				return entry, nil
			}
			return entry, err
		}
		entry.UpdatedAt = s.now().UTC()
		if err := s.ledger.Save(entry); err != nil {
			if errors.Is(err, domain.ErrLedgerVersionConflict) {
				lastErr = err
				continue
			}
			return entry, err
		}
		entry.Version++
		return entry, nil
	}
	return domain.LedgerEntry{}, lastErr
}

func statusIfPending(status domain.GatewayStatus) func(*domain.LedgerEntry) error {
	return func(e *domain.LedgerEntry) error {
		if e.Status != domain.GatewayStatusPending {
			return errNoChange
		}
		e.Status = status
		return nil
	}
}

// withCapture возвращает детали записи с проставленным идентификатором списания.
func withCapture(entry domain.LedgerEntry, captureID string) domain.GatewayDetails {
	if captureID == "" {
		return entry.Details
	}
	switch d := entry.Details.(type) {
	case domain.PayPalDetails:
		d.CaptureID = captureID
		return d
	case domain.VNPayDetails:
		d.TransactionNo = captureID
		return d
	case domain.StripeDetails:
		d.ChargeID = captureID
		return d
	}

	switch entry.Method {
	case domain.PaymentMethodPayPal:
		return domain.PayPalDetails{CaptureID: captureID}
	case domain.PaymentMethodVNPay:
		return domain.VNPayDetails{TxnRef: entry.ID, TransactionNo: captureID}
	case domain.PaymentMethodStripe:
		return domain.StripeDetails{ChargeID: captureID}
	default:
		return entry.Details
	}
}
