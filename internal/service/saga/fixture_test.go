package saga

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/inventory"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

const (
	testUserID    = "user-1"
	testProductID = "prod-1"
	testPrice     = int64(150_000)
)

type stubCarrier struct {
	mu sync.Mutex

	fee       int64
	quoteErr  error
	createErr error
	cancelErr error

	quotes    int
	created   []string
	cancelled []string
}

func (c *stubCarrier) QuoteFee(context.Context, domain.ShippingAddress, int64, int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes++
	if c.quoteErr != nil {
		return 0, c.quoteErr
	}
	return c.fee, nil
}

func (c *stubCarrier) CreateShipment(_ context.Context, order domain.Order) (domain.Shipment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return domain.Shipment{}, c.createErr
	}
	code := "GHN-" + order.ID
	c.created = append(c.created, code)
	return domain.Shipment{OrderCode: code, Status: "ready_to_pick"}, nil
}

func (c *stubCarrier) CancelShipment(_ context.Context, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelErr != nil {
		return c.cancelErr
	}
	c.cancelled = append(c.cancelled, code)
	return nil
}

type sentNotification struct {
	to   string
	kind domain.NotificationKind
	data map[string]any
}

type stubNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *stubNotifier) Send(_ context.Context, to string, kind domain.NotificationKind, data map[string]any) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{to: to, kind: kind, data: data})
	return true
}

func (n *stubNotifier) kinds() []domain.NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]domain.NotificationKind, 0, len(n.sent))
	for _, s := range n.sent {
		kinds = append(kinds, s.kind)
	}
	return kinds
}

func (n *stubNotifier) last(kind domain.NotificationKind) (sentNotification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.sent) - 1; i >= 0; i-- {
		if n.sent[i].kind == kind {
			return n.sent[i], true
		}
	}
	return sentNotification{}, false
}

type fixture struct {
	orch     *Orchestrator
	orders   domain.OrderRepository
	catalog  *memory.Catalog
	outbox   *memory.OutboxRepository
	timeline *memory.TimelineRepository
	stockOps *inventory.Recorder
	payments *payment.Service
	gateways map[domain.PaymentMethod]*payment.MockGateway
	carrier  *stubCarrier
	notifier *stubNotifier
}

func newFixture(t *testing.T, stock int32) *fixture {
	t.Helper()

	catalog := memory.NewCatalog()
	catalog.PutProduct(domain.Product{
		ID:          testProductID,
		Name:        "Ceramic mug",
		PriceMinor:  testPrice,
		WeightGrams: 400,
		Stock:       stock,
	})
	catalog.PutUser(domain.User{ID: testUserID, Email: "buyer@example.com", Name: "Buyer"})

	gateways := map[domain.PaymentMethod]*payment.MockGateway{
		domain.PaymentMethodStripe: payment.NewMockGateway(domain.PaymentMethodStripe),
		domain.PaymentMethodPayPal: payment.NewMockGateway(domain.PaymentMethodPayPal),
		domain.PaymentMethodVNPay:  payment.NewMockGateway(domain.PaymentMethodVNPay),
	}
	list := make([]domain.PaymentGateway, 0, len(gateways))
	for _, gw := range gateways {
		list = append(list, gw)
	}

	f := &fixture{
		orders:   memory.NewOrderRepository(),
		catalog:  catalog,
		outbox:   memory.NewOutboxRepository(),
		timeline: memory.NewTimelineRepository(),
		stockOps: inventory.NewRecorder(inventory.NewReconciler(catalog, nil)),
		payments: payment.NewService(memory.NewLedgerRepository(), list),
		gateways: gateways,
		carrier:  &stubCarrier{fee: 30_000},
		notifier: &stubNotifier{},
	}
	f.orch = NewOrchestrator(Dependencies{
		Orders:    f.orders,
		Outbox:    f.outbox,
		Timeline:  f.timeline,
		Catalog:   catalog,
		Users:     catalog,
		Inventory: f.stockOps,
		Payments:  f.payments,
		Carrier:   f.carrier,
		Notifier:  f.notifier,
	}, WithMetrics(metrics.NewOrderMetricsWithRegisterer(prometheus.NewRegistry())))
	return f
}

func routedAddress() domain.ShippingAddress {
	return domain.ShippingAddress{
		FullName:   "Nguyen Van A",
		Phone:      "0901234567",
		Email:      "a@example.com",
		Street:     "12 Ly Thuong Kiet",
		ProvinceID: 202,
		DistrictID: 1442,
		WardCode:   "20101",
	}
}

func (f *fixture) create(t *testing.T, method domain.PaymentMethod, qty int32) domain.Order {
	t.Helper()
	order, err := f.orch.CreateOrder(context.Background(), CreateOrderRequest{
		UserID:        testUserID,
		Items:         []LineRequest{{ProductID: testProductID, Qty: qty}},
		Address:       routedAddress(),
		PaymentMethod: method,
	})
	require.NoError(t, err)
	return order
}

func (f *fixture) stock(t *testing.T) int32 {
	t.Helper()
	products, err := f.catalog.GetByIDs(context.Background(), []string{testProductID})
	require.NoError(t, err)
	return products[testProductID].Stock
}

func (f *fixture) timelineTypes(t *testing.T, orderID string) []string {
	t.Helper()
	events, err := f.timeline.List(orderID)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

// pay проводит онлайн-оплату заказа: создание объекта и списание.
func (f *fixture) pay(t *testing.T, order domain.Order) domain.Order {
	t.Helper()
	entry, _, err := f.orch.InitiatePayment(context.Background(), order.ID, customer(), payment.InitiateOptions{ReturnURL: "https://shop.test/return"})
	require.NoError(t, err)
	paid, err := f.orch.CapturePayment(context.Background(), order.ID, entry.ID)
	require.NoError(t, err)
	return paid
}

func customer() domain.Actor { return domain.Actor{Role: domain.ActorCustomer, ID: testUserID} }
func admin() domain.Actor    { return domain.Actor{Role: domain.ActorAdmin, ID: "admin-1"} }
