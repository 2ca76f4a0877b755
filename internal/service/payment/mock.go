package payment

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// MockGateway — конфигурируемая заглушка domain.PaymentGateway для тестов.
type MockGateway struct {
	mu sync.Mutex

	PaymentMethod domain.PaymentMethod

	CreateErr    error
	CaptureErr   error
	CaptureState domain.GatewayStatus
	RefundErr    error

	// RefundPending — шлюз принял возврат, но ещё не выполнил.
	RefundPending bool
	Event         domain.GatewayEvent
	EventErr      error

	CreateCalls  int
	CaptureCalls int
	RefundCalls  int
	// RefundKeys — RefundID каждого запроса возврата по порядку.
	RefundKeys []string
}

// NewMockGateway возвращает mock с успешным сценарием по умолчанию.
func NewMockGateway(method domain.PaymentMethod) *MockGateway {
	return &MockGateway{
		PaymentMethod: method,
		CaptureState:  domain.GatewayStatusCompleted,
	}
}

// Method возвращает способ оплаты заглушки.
func (m *MockGateway) Method() domain.PaymentMethod {
	return m.PaymentMethod
}

// CreatePaymentObject возвращает детали с внешним идентификатором "ext-<entry>".
func (m *MockGateway) CreatePaymentObject(_ context.Context, intent domain.PaymentIntent) (domain.GatewayPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls++
	if m.CreateErr != nil {
		return domain.GatewayPayment{}, m.CreateErr
	}
	return domain.GatewayPayment{
		Details:     m.details("ext-"+intent.EntryID, ""),
		RedirectURL: "https://gateway.test/pay/" + intent.EntryID,
	}, nil
}

// Capture возвращает настроенный результат и считает вызовы.
func (m *MockGateway) Capture(_ context.Context, entry domain.LedgerEntry) (domain.CaptureResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CaptureCalls++
	if m.CaptureErr != nil {
		return domain.CaptureResult{}, m.CaptureErr
	}
	if m.CaptureState != domain.GatewayStatusCompleted {
		return domain.CaptureResult{Details: entry.Details, Status: m.CaptureState}, nil
	}
	captureID := "cap-" + entry.ID
	return domain.CaptureResult{
		Details:   m.details(entry.ExternalRef(), captureID),
		CaptureID: captureID,
		Status:    domain.GatewayStatusCompleted,
	}, nil
}

// Refund возвращает настроенный результат и считает вызовы.
func (m *MockGateway) Refund(_ context.Context, entry domain.LedgerEntry, req domain.RefundRequest) (domain.RefundResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RefundCalls++
	m.RefundKeys = append(m.RefundKeys, req.RefundID)
	if m.RefundErr != nil {
		return domain.RefundResult{}, m.RefundErr
	}
	amount, code := entry.ChargedAmount()
	return domain.RefundResult{
		RefundID:    "ref-" + req.RefundID,
		AmountMinor: amount,
		Currency:    code,
		Pending:     m.RefundPending,
		Details:     entry.Details,
	}, nil
}

// VerifyCallback возвращает настроенное событие без проверки подписи.
func (m *MockGateway) VerifyCallback(context.Context, domain.CallbackRequest) (domain.GatewayEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EventErr != nil {
		return domain.GatewayEvent{}, m.EventErr
	}
	ev := m.Event
	ev.Method = m.PaymentMethod
	return ev, nil
}

// Calls возвращает счётчики вызовов create/capture/refund.
func (m *MockGateway) Calls() (create, capture, refund int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CreateCalls, m.CaptureCalls, m.RefundCalls
}

func (m *MockGateway) details(ref, captureID string) domain.GatewayDetails {
	switch m.PaymentMethod {
	case domain.PaymentMethodPayPal:
		return domain.PayPalDetails{OrderID: ref, CaptureID: captureID}
	case domain.PaymentMethodVNPay:
		return domain.VNPayDetails{TxnRef: ref, TransactionNo: captureID}
	default:
		return domain.StripeDetails{PaymentIntentID: ref, ChargeID: captureID}
	}
}

var _ domain.PaymentGateway = (*MockGateway)(nil)
