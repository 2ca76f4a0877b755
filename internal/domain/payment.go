package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus — денежная ось заказа, независимая от статуса исполнения.
type PaymentStatus string

const (
	// PaymentStatusPending — деньги ещё не собраны.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusPaid — шлюз подтвердил списание или COD-заказ доставлен.
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusFailed — попытка оплаты не удалась или заказ отменён до оплаты.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRefunded — деньги возвращены.
	PaymentStatusRefunded PaymentStatus = "refunded"
	// PaymentStatusRefundPending — возврат требуется, но шлюз его ещё не выполнил.
	PaymentStatusRefundPending PaymentStatus = "refund_pending"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:       {PaymentStatusPaid, PaymentStatusFailed},
	PaymentStatusFailed:        {PaymentStatusPaid},
	PaymentStatusPaid:          {PaymentStatusRefunded, PaymentStatusRefundPending},
	PaymentStatusRefundPending: {PaymentStatusRefunded},
}

// CanMovePayment проверяет смену статуса оплаты.
func CanMovePayment(from, to PaymentStatus) error {
	if from == to {
		return nil
	}
	for _, allowed := range paymentTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidPaymentTransition, from, to)
}

// GatewayStatus — статус записи платежа на стороне шлюза.
type GatewayStatus string

const (
	GatewayStatusPending   GatewayStatus = "pending"
	GatewayStatusCompleted GatewayStatus = "completed"
	GatewayStatusFailed    GatewayStatus = "failed"
	GatewayStatusCancelled GatewayStatus = "cancelled"
	GatewayStatusRefunded  GatewayStatus = "refunded"
)

// GatewayDetails — данные конкретного шлюза. Реализации: PayPalDetails, VNPayDetails, StripeDetails.
type GatewayDetails interface {
	// Method — дискриминант варианта.
	Method() PaymentMethod
	// ExternalRef — идентификатор платёжного объекта у шлюза.
	ExternalRef() string
	// CaptureRef — идентификатор списания; пустой, пока списания не было.
	CaptureRef() string
}

// PayPalDetails хранит идентификаторы PayPal order/capture.
type PayPalDetails struct {
	OrderID     string   `json:"order_id"`
	CaptureID   string   `json:"capture_id,omitempty"`
	PayerID     string   `json:"payer_id,omitempty"`
	ApprovalURL string   `json:"approval_url,omitempty"`
	RefundIDs   []string `json:"refund_ids,omitempty"`
}

func (PayPalDetails) Method() PaymentMethod { return PaymentMethodPayPal }
func (d PayPalDetails) ExternalRef() string { return d.OrderID }
func (d PayPalDetails) CaptureRef() string  { return d.CaptureID }

// VNPayDetails хранит параметры транзакции VNPay.
type VNPayDetails struct {
	TxnRef        string `json:"txn_ref"`
	TransactionNo string `json:"transaction_no,omitempty"`
	BankCode      string `json:"bank_code,omitempty"`
	CreateDate    string `json:"create_date,omitempty"`
	PayDate       string `json:"pay_date,omitempty"`
	PaymentURL    string `json:"payment_url,omitempty"`
	RefundTxnNo   string `json:"refund_transaction_no,omitempty"`
}

func (VNPayDetails) Method() PaymentMethod { return PaymentMethodVNPay }
func (d VNPayDetails) ExternalRef() string { return d.TxnRef }
func (d VNPayDetails) CaptureRef() string  { return d.TransactionNo }

// StripeDetails хранит PaymentIntent и итоговый charge.
type StripeDetails struct {
	PaymentIntentID string   `json:"payment_intent_id"`
	ChargeID        string   `json:"charge_id,omitempty"`
	ClientSecret    string   `json:"client_secret,omitempty"`
	RefundIDs       []string `json:"refund_ids,omitempty"`
}

func (StripeDetails) Method() PaymentMethod { return PaymentMethodStripe }
func (d StripeDetails) ExternalRef() string { return d.PaymentIntentID }
func (d StripeDetails) CaptureRef() string  { return d.ChargeID }

// MarshalGatewayDetails сериализует вариант для хранения.
func MarshalGatewayDetails(details GatewayDetails) ([]byte, error) {
	if details == nil {
		return []byte("null"), nil
	}
	return json.Marshal(details)
}

// UnmarshalGatewayDetails восстанавливает вариант по дискриминанту.
func UnmarshalGatewayDetails(method PaymentMethod, data []byte) (GatewayDetails, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	switch method {
	case PaymentMethodPayPal:
		var d PayPalDetails
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("decode paypal details: %w", err)
		}
		return d, nil
	case PaymentMethodVNPay:
		var d VNPayDetails
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("decode vnpay details: %w", err)
		}
		return d, nil
	case PaymentMethodStripe:
		var d StripeDetails
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("decode stripe details: %w", err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrPaymentMethodInvalid, method)
	}
}

// LedgerEntry — запись журнала платежей: одна на каждую попытку оплаты заказа.
type LedgerEntry struct {
	ID      string
	OrderID string
	Method  PaymentMethod
	Status  GatewayStatus

	// OriginalCurrency/OriginalAmountMinor — сумма заказа в базовой валюте.
	OriginalCurrency    string
	OriginalAmountMinor int64
	// Processed* заполняются только при конвертации.
	ProcessedCurrency    string
	ProcessedAmountMinor int64
	ExchangeRate         decimal.Decimal

	Details GatewayDetails

	CaptureAttempts      int
	LastCaptureAttemptAt time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CaptureID возвращает идентификатор списания у шлюза.
func (e LedgerEntry) CaptureID() string {
	if e.Details == nil {
		return ""
	}
	return e.Details.CaptureRef()
}

// ExternalRef возвращает идентификатор платёжного объекта у шлюза.
func (e LedgerEntry) ExternalRef() string {
	if e.Details == nil {
		return ""
	}
	return e.Details.ExternalRef()
}

// Converted сообщает, что списание шло в другой валюте.
func (e LedgerEntry) Converted() bool {
	return e.ProcessedCurrency != "" && e.ProcessedCurrency != e.OriginalCurrency
}

// ChargedAmount возвращает сумму и валюту фактического списания у шлюза.
func (e LedgerEntry) ChargedAmount() (int64, string) {
	if e.Converted() {
		return e.ProcessedAmountMinor, e.ProcessedCurrency
	}
	return e.OriginalAmountMinor, e.OriginalCurrency
}

// GatewayEventKind — тип асинхронного уведомления шлюза.
type GatewayEventKind string

const (
	// GatewayEventApproved — покупатель подтвердил оплату, можно списывать.
	GatewayEventApproved  GatewayEventKind = "approved"
	GatewayEventCaptured  GatewayEventKind = "captured"
	GatewayEventFailed    GatewayEventKind = "failed"
	GatewayEventCancelled GatewayEventKind = "cancelled"
	GatewayEventRefunded  GatewayEventKind = "refunded"
)

// GatewayEvent — проверенное уведомление шлюза, приведённое к общему виду.
type GatewayEvent struct {
	ID          string
	Method      PaymentMethod
	Kind        GatewayEventKind
	EntryID     string
	OrderID     string
	ExternalRef string
	CaptureID   string
	AmountMinor int64
	Currency    string
	OccurredAt  time.Time
}
