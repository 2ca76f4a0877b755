package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// BaseCurrency — валюта магазина, в ней хранятся суммы заказа.
const BaseCurrency = "VND"

// OrderStatus описывает жизненный цикл исполнения заказа.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан, сток зарезервирован, ждём оплату или подтверждение.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed — заказ подтверждён и передаётся в доставку.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusShipped — перевозчик забрал посылку.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered — посылка вручена покупателю.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled — заказ отменён до передачи перевозчику.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что из статуса нет исходящих переходов.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// PaymentMethod — способ оплаты заказа.
type PaymentMethod string

const (
	PaymentMethodCOD    PaymentMethod = "cod"
	PaymentMethodVNPay  PaymentMethod = "vnpay"
	PaymentMethodStripe PaymentMethod = "stripe"
	PaymentMethodPayPal PaymentMethod = "paypal"
)

// Valid проверяет, что способ оплаты поддерживается.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCOD, PaymentMethodVNPay, PaymentMethodStripe, PaymentMethodPayPal:
		return true
	default:
		return false
	}
}

// Online сообщает, что деньги собираются через платёжный шлюз.
func (m PaymentMethod) Online() bool {
	return m.Valid() && m != PaymentMethodCOD
}

// OrderItem — снимок позиции каталога на момент оформления. После создания не меняется.
type OrderItem struct {
	ProductID string
	Name      string
	// PriceMinor — цена за единицу в минимальных единицах базовой валюты.
	PriceMinor  int64
	Qty         int32
	ImageRef    string
	WeightGrams int32
}

// ShippingAddress — адрес доставки. Персональные поля шифруются при сохранении,
// коды маршрутизации перевозчика хранятся открыто.
type ShippingAddress struct {
	FullName string
	Phone    string
	Email    string
	Street   string
	Note     string

	ProvinceID int
	DistrictID int
	WardCode   string
}

// HasRouting сообщает, хватает ли кодов для расчёта доставки у перевозчика.
func (a ShippingAddress) HasRouting() bool {
	return a.DistrictID > 0 && strings.TrimSpace(a.WardCode) != ""
}

// PIIFields возвращает указатели на персональные поля адреса.
func (a *ShippingAddress) PIIFields() []*string {
	return []*string{&a.FullName, &a.Phone, &a.Email, &a.Street, &a.Note}
}

// CarrierInfo — данные отправления у перевозчика.
type CarrierInfo struct {
	OrderCode          string
	Status             string
	ExpectedDeliveryAt time.Time
}

// Empty сообщает, что отправление ещё не создано или уже отменено.
func (c CarrierInfo) Empty() bool {
	return c.OrderCode == ""
}

// RefundOutcome — результат попытки возврата.
type RefundOutcome string

const (
	RefundOutcomeSucceeded RefundOutcome = "succeeded"
	RefundOutcomePending   RefundOutcome = "pending"
	RefundOutcomeFailed    RefundOutcome = "failed"
)

// RefundRecord — запись в истории возвратов заказа. История только дополняется.
type RefundRecord struct {
	ID                    string
	ExternalID            string
	BaseAmountMinor       int64
	SettlementAmountMinor int64
	SettlementCurrency    string
	ExchangeRate          decimal.Decimal
	Reason                string
	InitiatedBy           Actor
	Outcome               RefundOutcome
	FailureReason         string
	CreatedAt             time.Time
}

// Order агрегирует состояние заказа, его позиции и денежные поля.
type Order struct {
	ID     string
	UserID string
	Items  []OrderItem

	Currency         string
	AmountMinor      int64
	ShippingFeeMinor int64
	TotalMinor       int64

	Address       ShippingAddress
	Status        OrderStatus
	PaymentMethod PaymentMethod
	PaymentStatus PaymentStatus
	Carrier       CarrierInfo
	Refunds       []RefundRecord

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Recalculate пересчитывает производные суммы из позиций и стоимости доставки.
// Репозитории вызывают его перед каждой записью.
func (o *Order) Recalculate() {
	var amount int64
	for _, item := range o.Items {
		amount += int64(item.Qty) * item.PriceMinor
	}
	o.AmountMinor = amount
	o.TotalMinor = o.AmountMinor + o.ShippingFeeMinor
}

// TotalWeightGrams возвращает суммарный вес позиций.
func (o *Order) TotalWeightGrams() int64 {
	var total int64
	for _, item := range o.Items {
		total += int64(item.WeightGrams) * int64(item.Qty)
	}
	return total
}

// OwnedBy сообщает, принадлежит ли заказ пользователю.
func (o *Order) OwnedBy(userID string) bool {
	return userID != "" && o.UserID == userID
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.UserID == "" {
		errs = append(errs, ErrUserRequired)
	}
	if o.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if o.ShippingFeeMinor < 0 {
		errs = append(errs, ErrShippingFeeNegative)
	}
	if !o.PaymentMethod.Valid() {
		errs = append(errs, ErrPaymentMethodInvalid)
	}

	for _, item := range o.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			errs = append(errs, ErrItemProductRequired)
		}
		if item.Qty <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.PriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
	}

	a := o.Address
	if strings.TrimSpace(a.FullName) == "" || strings.TrimSpace(a.Phone) == "" || strings.TrimSpace(a.Street) == "" {
		errs = append(errs, ErrAddressIncomplete)
	}

	return errs
}

// Clone возвращает копию заказа без общих срезов.
func (o Order) Clone() Order {
	dst := o
	dst.Items = append([]OrderItem(nil), o.Items...)
	dst.Refunds = append([]RefundRecord(nil), o.Refunds...)
	return dst
}
