package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/inventory"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
	"github.com/vladislavdragonenkov/storefront/internal/service/saga"
	"github.com/vladislavdragonenkov/storefront/internal/service/webhook"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

const (
	testUserID    = "user-1"
	testProductID = "prod-1"
	testPrice     = int64(150_000)
	testFee       = int64(30_000)
)

type stubCarrier struct{}

func (stubCarrier) QuoteFee(context.Context, domain.ShippingAddress, int64, int64) (int64, error) {
	return testFee, nil
}

func (stubCarrier) CreateShipment(_ context.Context, order domain.Order) (domain.Shipment, error) {
	return domain.Shipment{OrderCode: "GHN-" + order.ID, Status: "ready_to_pick"}, nil
}

func (stubCarrier) CancelShipment(context.Context, string) error { return nil }

type nopNotifier struct{}

func (nopNotifier) Send(context.Context, string, domain.NotificationKind, map[string]any) bool {
	return true
}

type apiFixture struct {
	server   *Server
	orch     *saga.Orchestrator
	catalog  *memory.Catalog
	idem     *memory.IdempotencyRepository
	gateways map[domain.PaymentMethod]*payment.MockGateway
	metrics  *metrics.HTTPMetrics
}

func newAPIFixture(t *testing.T, opts ...Option) *apiFixture {
	t.Helper()

	catalog := memory.NewCatalog()
	catalog.PutProduct(domain.Product{ID: testProductID, Name: "Ceramic mug", PriceMinor: testPrice, WeightGrams: 400, Stock: 5})
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
	payments := payment.NewService(memory.NewLedgerRepository(), list)

	registry := prometheus.NewRegistry()
	orch := saga.NewOrchestrator(saga.Dependencies{
		Orders:    memory.NewOrderRepository(),
		Outbox:    memory.NewOutboxRepository(),
		Timeline:  memory.NewTimelineRepository(),
		Catalog:   catalog,
		Users:     catalog,
		Inventory: inventory.NewReconciler(catalog, nil),
		Payments:  payments,
		Carrier:   stubCarrier{},
		Notifier:  nopNotifier{},
	}, saga.WithMetrics(metrics.NewOrderMetricsWithRegisterer(registry)))

	idem := memory.NewIdempotencyRepository()
	httpMetrics := metrics.NewHTTPMetricsWithRegisterer(registry)
	processor := webhook.NewProcessor(payments, nil, orch, idem)

	base := []Option{
		WithIdempotency(idem),
		WithWebhooks(processor),
		WithMetrics(httpMetrics),
	}
	return &apiFixture{
		server:   NewServer(orch, append(base, opts...)...),
		orch:     orch,
		catalog:  catalog,
		idem:     idem,
		gateways: gateways,
		metrics:  httpMetrics,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) createOrder(t *testing.T, method string, qty int32) orderResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/orders", createOrderBody(method, qty), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[orderResponse](t, rec)
}

func createOrderBody(method string, qty int32) map[string]any {
	return map[string]any{
		"user_id":        testUserID,
		"items":          []map[string]any{{"product_id": testProductID, "qty": qty}},
		"payment_method": method,
		"address": map[string]any{
			"full_name":   "Nguyen Van A",
			"phone":       "0901234567",
			"email":       "a@example.com",
			"street":      "12 Ly Thuong Kiet",
			"province_id": 202,
			"district_id": 1442,
			"ward_code":   "20101",
		},
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func customerActor() map[string]any { return map[string]any{"role": "customer", "id": testUserID} }
func adminActor() map[string]any    { return map[string]any{"role": "admin", "id": "admin-1"} }
