package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// InventoryService резервирует, возвращает и списывает сток под позиции заказа.
type InventoryService interface {
	// Reserve атомарно уменьшает сток по каждой позиции или возвращает ErrInsufficientStock.
	Reserve(ctx context.Context, items []OrderItem) error
	// Release возвращает сток (компенсация отмены).
	Release(ctx context.Context, items []OrderItem) error
	// MarkSold увеличивает счётчик проданных единиц при отгрузке.
	MarkSold(ctx context.Context, items []OrderItem) error
}

// ProductCatalog — внешний каталог товаров.
type ProductCatalog interface {
	GetByIDs(ctx context.Context, ids []string) (map[string]Product, error)
	// AdjustStock атомарно меняет сток на delta и пересчитывает доступность.
	// Если сток ушёл бы в минус, ничего не меняет и возвращает ErrInsufficientStock.
	AdjustStock(ctx context.Context, productID string, delta int32) (Product, error)
	IncrementSold(ctx context.Context, productID string, delta int32) error
}

// UserDirectory — справочник пользователей, только чтение.
type UserDirectory interface {
	GetByID(ctx context.Context, id string) (User, error)
}

// NotificationKind — шаблон транзакционного письма.
type NotificationKind string

const (
	NotificationOrderConfirmed NotificationKind = "order_confirmed"
	NotificationOrderCancelled NotificationKind = "order_cancelled"
	NotificationOrderShipped   NotificationKind = "order_shipped"
	NotificationOrderDelivered NotificationKind = "order_delivered"
	NotificationRefundIssued   NotificationKind = "refund_issued"
)

// Notifier отправляет письмо по принципу best effort. Ошибка только логируется.
type Notifier interface {
	Send(ctx context.Context, to string, kind NotificationKind, data map[string]any) bool
}

// Shipment — отправление, созданное у перевозчика.
type Shipment struct {
	OrderCode          string
	Status             string
	FeeMinor           int64
	ExpectedDeliveryAt time.Time
}

// CarrierUpdate — проверенное уведомление перевозчика о статусе отправления.
type CarrierUpdate struct {
	OrderCode          string
	Status             string
	ExpectedDeliveryAt time.Time
	OccurredAt         time.Time
}

// ShippingCarrier — клиент внешней службы доставки.
type ShippingCarrier interface {
	QuoteFee(ctx context.Context, to ShippingAddress, weightGrams int64, insuranceMinor int64) (int64, error)
	CreateShipment(ctx context.Context, order Order) (Shipment, error)
	CancelShipment(ctx context.Context, orderCode string) error
}

// Conversion — результат конвертации вместе с использованным курсом.
type Conversion struct {
	AmountMinor int64
	From        string
	To          string
	// Rate — сколько единиц To стоит одна единица From (в основных единицах валют).
	Rate   decimal.Decimal
	Source string
}

// CurrencyConverter конвертирует суммы между валютами.
type CurrencyConverter interface {
	Convert(ctx context.Context, amountMinor int64, from, to string) (Conversion, error)
}

// RefundRequest — параметры возврата по завершённой записи платежа.
type RefundRequest struct {
	RefundID    string
	Reason      string
	InitiatedBy Actor
}

// PaymentService — журнал платежей с точки зрения оркестратора.
type PaymentService interface {
	// Refund возвращает деньги по завершённой записи платежа заказа.
	// Без завершённой записи возвращает ErrNoCapturedPayment.
	Refund(ctx context.Context, order Order, req RefundRequest) (RefundRecord, error)
	// ApplyEvent отражает уведомление шлюза в записи журнала и возвращает её.
	ApplyEvent(ctx context.Context, event GatewayEvent) (LedgerEntry, error)
}

// OrderRepository хранит агрегат заказа. Save и Create пересчитывают TotalMinor,
// Save отклоняет запись с устаревшей Version через ErrOrderVersionConflict.
type OrderRepository interface {
	Create(order Order) error
	// Get возвращает ErrOrderNotFound для неизвестного id.
	Get(id string) (Order, error)
	// ListByUser отдаёт заказы покупателя от новых к старым; limit<=0 без ограничения.
	ListByUser(userID string, limit int) ([]Order, error)
	FindByCarrierCode(code string) (Order, error)
	Save(order Order) error
}

// LedgerRepository хранит записи журнала платежей.
// У заказа не может быть больше одной записи в статусе completed: Save такой записи
// возвращает ErrDuplicateCapture.
type LedgerRepository interface {
	Create(entry LedgerEntry) error
	Get(id string) (LedgerEntry, error)
	ListByOrder(orderID string) ([]LedgerEntry, error)
	// FindCompleted возвращает ErrNoCapturedPayment, если заказ не оплачен.
	FindCompleted(orderID string) (LedgerEntry, error)
	// FindByExternalRef ищет запись по id платёжного объекта на стороне шлюза.
	FindByExternalRef(method PaymentMethod, ref string) (LedgerEntry, error)
	Save(entry LedgerEntry) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(event TimelineEvent) error
	List(orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(key string) (IdempotencyRecord, error)
	MarkDone(key string, responseBody []byte, httpStatus int) error
	MarkFailed(key string, responseBody []byte, httpStatus int) error
	DeleteExpired(before time.Time, limit int) (int, error)
}

// Типы агрегатов в outbox.
const (
	AggregateOrder        = "order"
	AggregateNotification = "notification"
)

// OutboxStatus — состояние сообщения outbox.
type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "pending"
	OutboxStatusSent    OutboxStatus = "sent"
	// OutboxStatusFailed — публикация не удалась, сообщение ушло в DLQ.
	OutboxStatusFailed OutboxStatus = "failed"
)

// OutboxMessage — событие заказа или уведомление, ожидающее публикации в Kafka.
// CreatedAt и Attempts заполняет хранилище.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	Attempts      int
}

// OutboxStats — срез backlog для метрик.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
	FailedCount     int
}
