package domain

import (
	"errors"
	"fmt"
)

// Классы ошибок. Конкретные ошибки ниже оборачивают один из классов,
// поэтому вызывающий код может проверять errors.Is(err, ErrConflict).
var (
	// ErrValidation — некорректный или неполный ввод, отклоняется до любых изменений.
	ErrValidation = errors.New("validation error")
	// ErrConflict — запрос противоречит текущему состоянию (нет стока, недопустимый переход).
	ErrConflict = errors.New("conflict")
	// ErrGateway — сбой внешней системы: платёжный шлюз, перевозчик, источник курсов.
	ErrGateway = errors.New("gateway error")
	// ErrIntegrity — подпись входящего уведомления не прошла проверку.
	ErrIntegrity = errors.New("integrity error")
	// ErrNotFound — сущность отсутствует в хранилище.
	ErrNotFound = errors.New("not found")
)

// classifiedError связывает конкретную ошибку с её классом.
type classifiedError struct {
	class error
	msg   string
}

func (e *classifiedError) Error() string { return e.msg }

func (e *classifiedError) Unwrap() error { return e.class }

func newClassified(class error, msg string) error {
	return &classifiedError{class: class, msg: msg}
}

var (
	// Ошибка отсутствующего идентификатора покупателя.
	ErrUserRequired = newClassified(ErrValidation, "user_id is required")
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = newClassified(ErrValidation, "currency is required")
	// Ошибка отсутствия хотя бы одного товара в заказе.
	ErrItemsRequired = newClassified(ErrValidation, "order must contain at least one item")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = newClassified(ErrValidation, "item qty must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = newClassified(ErrValidation, "item price must be non-negative")
	// Ошибка отсутствующего product_id в позиции.
	ErrItemProductRequired = newClassified(ErrValidation, "item product_id is required")
	// Ошибка отрицательной стоимости доставки.
	ErrShippingFeeNegative = newClassified(ErrValidation, "shipping fee must be non-negative")
	// Ошибка неполного адреса доставки.
	ErrAddressIncomplete = newClassified(ErrValidation, "shipping address requires full_name, phone and street")
	// Ошибка неизвестного способа оплаты.
	ErrPaymentMethodInvalid = newClassified(ErrValidation, "unknown payment method")
	// Ошибка неизвестного целевого статуса.
	ErrUnknownStatus = newClassified(ErrValidation, "unknown order status")
	// Ошибка отсутствующего идентификатора заказа.
	ErrOrderIDRequired = newClassified(ErrValidation, "order_id is required")
	// Ошибка отсутствующего SKU/product_id в строке резерва.
	ErrStockLineProductRequired = newClassified(ErrValidation, "stock line product_id is required")
	// Ошибка некорректного количества в строке резерва.
	ErrStockLineQtyInvalid = newClassified(ErrValidation, "stock line qty must be greater than zero")
	// Ошибка суммарного количества товара сверх допустимого для склада.
	ErrStockLineQtyTooLarge = newClassified(ErrValidation, "stock line qty exceeds stock limit")
	// Ошибка неподдерживаемой валютной пары.
	ErrUnsupportedCurrency = newClassified(ErrValidation, "unsupported currency")
	// Ошибка позиции заказа с товаром, которого нет в каталоге.
	ErrUnknownProduct = newClassified(ErrValidation, "unknown product id")
	// Ошибка расхождения суммы уведомления шлюза с суммой списания.
	ErrAmountMismatch = newClassified(ErrValidation, "event amount does not match charged amount")

	// ErrInsufficientStock — на складе меньше единиц, чем требуется.
	ErrInsufficientStock = newClassified(ErrConflict, "insufficient stock")
	// ErrInvalidTransition — переход статуса не разрешён таблицей переходов.
	ErrInvalidTransition = newClassified(ErrConflict, "invalid status transition")
	// ErrActorNotAllowed — у инициатора нет права на этот переход.
	ErrActorNotAllowed = newClassified(ErrConflict, "transition is not allowed for actor")
	// ErrInvalidPaymentTransition — недопустимая смена статуса оплаты.
	ErrInvalidPaymentTransition = newClassified(ErrConflict, "invalid payment status transition")
	// ErrPaymentPendingOnDelivery — доставка неоплаченного заказа с онлайн-оплатой.
	ErrPaymentPendingOnDelivery = newClassified(ErrConflict, "non-cod order cannot be delivered while payment is pending")
	// ErrDuplicateCapture — у заказа уже есть другая завершённая запись платежа.
	ErrDuplicateCapture = newClassified(ErrConflict, "order already has a completed payment")
	// ErrNoCapturedPayment — возврат невозможен: нет завершённой записи платежа.
	ErrNoCapturedPayment = newClassified(ErrConflict, "order has no captured payment to refund")
	// ErrPaymentNotCapturable — запись платежа не в том состоянии, чтобы её списывать.
	ErrPaymentNotCapturable = newClassified(ErrConflict, "payment entry is not capturable")
	// ErrCaptureAttemptsExceeded — исчерпан лимит попыток списания.
	ErrCaptureAttemptsExceeded = newClassified(ErrConflict, "capture attempts exceeded")
	// ErrAmountBelowMinimum — сумма после конвертации ниже минимума шлюза.
	ErrAmountBelowMinimum = newClassified(ErrConflict, "amount is below gateway minimum")
	// ErrPaymentMethodMismatch — запрос к шлюзу, не соответствующему способу оплаты заказа.
	ErrPaymentMethodMismatch = newClassified(ErrConflict, "payment method does not match order")
	// ErrPaymentNotRequired — для заказа с оплатой при получении онлайн-платёж не создаётся.
	ErrPaymentNotRequired = newClassified(ErrConflict, "order is paid on delivery")
	// ErrRefundNotPending — повторный возврат доступен только для refund_pending.
	ErrRefundNotPending = newClassified(ErrConflict, "order has no pending refund")

	// ErrInvalidSignature — подпись webhook/callback не совпала.
	ErrInvalidSignature = newClassified(ErrIntegrity, "invalid signature")

	// ErrPaymentDeclined — платёж отклонён провайдером.
	ErrPaymentDeclined = newClassified(ErrGateway, "payment declined")
	// ErrGatewayUnavailable — провайдер недоступен или вернул 5xx.
	ErrGatewayUnavailable = newClassified(ErrGateway, "gateway unavailable")
	// ErrCircuitOpen — обращения к внешней системе временно заблокированы.
	ErrCircuitOpen = newClassified(ErrGateway, "circuit breaker is open")

	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = newClassified(ErrNotFound, "order not found")
	// ErrProductNotFound возвращается, если товара нет в каталоге.
	ErrProductNotFound = newClassified(ErrNotFound, "product not found")
	// ErrUserNotFound возвращается, если пользователя нет в справочнике.
	ErrUserNotFound = newClassified(ErrNotFound, "user not found")
	// ErrLedgerEntryNotFound возвращается, если запись платежа не найдена.
	ErrLedgerEntryNotFound = newClassified(ErrNotFound, "payment ledger entry not found")
)

var (
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrLedgerVersionConflict — конфликт версий записи платежа.
	ErrLedgerVersionConflict = errors.New("ledger entry version conflict")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrDecrypt — конверт распознан, но не прошёл аутентификацию.
	ErrDecrypt = errors.New("decrypt envelope failed")
	// ErrEventIgnored — подпись верна, но событие шлюза не влияет на заказ.
	ErrEventIgnored = errors.New("gateway event ignored")
)

var (
	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	ErrIdempotencyKeyAlreadyExists    = errors.New("idempotency key already exists")
	ErrIdempotencyHashMismatch        = errors.New("idempotency key reused with different request")
	ErrIdempotencyKeyNotFound         = errors.New("idempotency key not found")
)

// Validationf создаёт ошибку валидации с деталями.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// GatewayFailure оборачивает сбой внешнего вызова в класс ErrGateway.
func GatewayFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrGateway) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrGateway, op, err)
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict) || errors.Is(err, ErrLedgerVersionConflict)
}

// IsIdempotencyConflict сообщает о повторном использовании ключа идемпотентности.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

func IsGateway(err error) bool { return errors.Is(err, ErrGateway) }

func IsIntegrity(err error) bool { return errors.Is(err, ErrIntegrity) }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
