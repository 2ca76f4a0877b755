package domain

import (
	"context"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"
)

// PaymentIntent — запрос на создание платёжного объекта у шлюза.
type PaymentIntent struct {
	EntryID     string
	OrderID     string
	AmountMinor int64
	Currency    string
	Description string
	ReturnURL   string
	CancelURL   string
	ClientIP    string
	Locale      string
}

// GatewayPayment — созданный у шлюза платёжный объект.
type GatewayPayment struct {
	Details     GatewayDetails
	RedirectURL string
	// Processed* заполняются, если шлюз списывает в другой валюте.
	ProcessedAmountMinor int64
	ProcessedCurrency    string
	ExchangeRate         decimal.Decimal
}

// CaptureResult — итог списания.
type CaptureResult struct {
	Details   GatewayDetails
	CaptureID string
	Status    GatewayStatus
}

// RefundResult — итог возврата у шлюза в валюте списания.
type RefundResult struct {
	RefundID    string
	AmountMinor int64
	Currency    string
	// Pending — шлюз принял возврат, но ещё не завершил его.
	Pending bool
	Details GatewayDetails
}

// CallbackRequest — сырое входящее уведомление шлюза.
type CallbackRequest struct {
	Body   []byte
	Header http.Header
	Query  url.Values
}

// PaymentGateway — адаптер конкретного платёжного провайдера.
type PaymentGateway interface {
	Method() PaymentMethod
	// CreatePaymentObject создаёт платёж у провайдера и возвращает данные для редиректа.
	CreatePaymentObject(ctx context.Context, intent PaymentIntent) (GatewayPayment, error)
	// Capture списывает деньги по записи журнала. Идентификатор записи служит ключом идемпотентности.
	Capture(ctx context.Context, entry LedgerEntry) (CaptureResult, error)
	// Refund возвращает списанную сумму полностью.
	Refund(ctx context.Context, entry LedgerEntry, req RefundRequest) (RefundResult, error)
	// VerifyCallback проверяет подпись уведомления. Неверная подпись даёт ErrInvalidSignature.
	VerifyCallback(ctx context.Context, req CallbackRequest) (GatewayEvent, error)
}
