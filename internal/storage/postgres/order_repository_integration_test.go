package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func TestOrderRepository_PostgresCreateGetListAndSave(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOrderRepository(store, testCodec(t))

	now := time.Now().UTC().Round(time.Microsecond)
	order1 := sampleOrder("order-1", "customer-1", now.Add(-2*time.Minute))
	order2 := sampleOrder("order-2", "customer-1", now.Add(-time.Minute))

	if err := repo.Create(order1); err != nil {
		t.Fatalf("create order1: %v", err)
	}
	if err := repo.Create(order2); err != nil {
		t.Fatalf("create order2: %v", err)
	}

	got, err := repo.Get(order1.ID)
	if err != nil {
		t.Fatalf("get order1: %v", err)
	}
	if got.ID != order1.ID || got.UserID != order1.UserID || got.Status != order1.Status {
		t.Fatalf("unexpected order payload: %+v", got)
	}
	if len(got.Items) != len(order1.Items) || got.Items[0].ProductID != "prod-1" {
		t.Fatalf("unexpected items: %+v", got.Items)
	}
	if got.TotalMinor != 330 {
		t.Fatalf("total must be recalculated on write, got %d", got.TotalMinor)
	}
	if got.Address != order1.Address {
		t.Fatalf("address must round-trip: got=%+v want=%+v", got.Address, order1.Address)
	}

	listed, err := repo.ListByUser("customer-1", 1)
	if err != nil {
		t.Fatalf("list by user with limit: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != order2.ID {
		t.Fatalf("unexpected list result with limit: %+v", listed)
	}

	all, err := repo.ListByUser("customer-1", 0)
	if err != nil {
		t.Fatalf("list by user without limit: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(all))
	}

	got.Status = domain.OrderStatusConfirmed
	got.PaymentStatus = domain.PaymentStatusPaid
	got.Carrier = domain.CarrierInfo{OrderCode: "GHN-1", Status: "ready_to_pick", ExpectedDeliveryAt: now.Add(48 * time.Hour)}
	got.UpdatedAt = now.Add(time.Minute)
	if err := repo.Save(got); err != nil {
		t.Fatalf("save order: %v", err)
	}

	updated, err := repo.FindByCarrierCode("GHN-1")
	if err != nil {
		t.Fatalf("find by carrier code: %v", err)
	}
	if updated.ID != order1.ID || updated.Status != domain.OrderStatusConfirmed || updated.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("unexpected order after save: %+v", updated)
	}
	if !updated.Carrier.ExpectedDeliveryAt.Equal(got.Carrier.ExpectedDeliveryAt) {
		t.Fatalf("unexpected expected delivery: %s", updated.Carrier.ExpectedDeliveryAt)
	}
	if updated.Version != got.Version+1 {
		t.Fatalf("unexpected version after save: got=%d want=%d", updated.Version, got.Version+1)
	}

	if _, err := repo.FindByCarrierCode("GHN-missing"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for unknown carrier code, got %v", err)
	}
}

func TestOrderRepository_PostgresEncryptsAddress(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOrderRepository(store, testCodec(t))

	order := sampleOrder("order-pii", "customer-pii", time.Now().UTC().Round(time.Microsecond))
	if err := repo.Create(order); err != nil {
		t.Fatalf("create order: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var phone, street, ward string
	if err := store.DB().QueryRowContext(ctx, `SELECT phone, street, ward_code FROM orders WHERE id = $1`, order.ID).Scan(&phone, &street, &ward); err != nil {
		t.Fatalf("read raw row: %v", err)
	}
	if !strings.HasPrefix(phone, "v1:") || !strings.HasPrefix(street, "v1:") {
		t.Fatalf("pii columns must be stored encrypted: phone=%q street=%q", phone, street)
	}
	if ward != order.Address.WardCode {
		t.Fatalf("routing fields are stored as is, got %q", ward)
	}
}

func TestOrderRepository_PostgresRefundsAppendOnly(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOrderRepository(store, testCodec(t))

	now := time.Now().UTC().Round(time.Microsecond)
	order := sampleOrder("order-refund", "customer-3", now)
	order.Status = domain.OrderStatusCancelled
	order.PaymentStatus = domain.PaymentStatusRefundPending
	if err := repo.Create(order); err != nil {
		t.Fatalf("create order: %v", err)
	}

	failed := domain.RefundRecord{
		ID:              "refund-1",
		BaseAmountMinor: 330,
		Reason:          "cancelled",
		InitiatedBy:     domain.Actor{Role: domain.ActorCustomer, ID: "customer-3"},
		Outcome:         domain.RefundOutcomeFailed,
		FailureReason:   "gateway timeout",
		CreatedAt:       now,
	}
	succeeded := domain.RefundRecord{
		ID:                    "refund-2",
		ExternalID:            "re_123",
		BaseAmountMinor:       330,
		SettlementAmountMinor: 8_250_000,
		SettlementCurrency:    "VND",
		ExchangeRate:          decimal.RequireFromString("25000"),
		Reason:                "cancelled",
		InitiatedBy:           domain.Actor{Role: domain.ActorAdmin, ID: "admin-1"},
		Outcome:               domain.RefundOutcomeSucceeded,
		CreatedAt:             now.Add(time.Minute),
	}

	current, err := repo.Get(order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	current.Refunds = append(current.Refunds, failed)
	if err := repo.Save(current); err != nil {
		t.Fatalf("save failed refund: %v", err)
	}

	current, err = repo.Get(order.ID)
	if err != nil {
		t.Fatalf("reload order: %v", err)
	}
	current.Refunds = append(current.Refunds, succeeded)
	current.PaymentStatus = domain.PaymentStatusRefunded
	if err := repo.Save(current); err != nil {
		t.Fatalf("save succeeded refund: %v", err)
	}

	final, err := repo.Get(order.ID)
	if err != nil {
		t.Fatalf("get final order: %v", err)
	}
	if len(final.Refunds) != 2 {
		t.Fatalf("expected 2 refund records, got %d", len(final.Refunds))
	}
	if final.Refunds[0].Outcome != domain.RefundOutcomeFailed || final.Refunds[1].Outcome != domain.RefundOutcomeSucceeded {
		t.Fatalf("unexpected refund order: %+v", final.Refunds)
	}
	if !final.Refunds[1].ExchangeRate.Equal(succeeded.ExchangeRate) || final.Refunds[1].InitiatedBy.Role != domain.ActorAdmin {
		t.Fatalf("unexpected refund payload: %+v", final.Refunds[1])
	}
}

func TestOrderRepository_PostgresErrors(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOrderRepository(store, testCodec(t))

	now := time.Now().UTC().Round(time.Microsecond)
	base := sampleOrder("order-errors", "customer-2", now)

	if _, err := repo.Get("missing-order"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	if err := repo.Save(base); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound on save missing, got %v", err)
	}

	if err := repo.Create(base); err != nil {
		t.Fatalf("create base order: %v", err)
	}
	if err := repo.Create(base); !errors.Is(err, domain.ErrOrderVersionConflict) {
		t.Fatalf("expected ErrOrderVersionConflict on duplicate create, got %v", err)
	}

	stale := base
	stale.Status = domain.OrderStatusConfirmed
	stale.UpdatedAt = now.Add(time.Minute)
	stale.Version = 42
	if err := repo.Save(stale); !errors.Is(err, domain.ErrOrderVersionConflict) {
		t.Fatalf("expected ErrOrderVersionConflict on stale save, got %v", err)
	}
}

func sampleOrder(id, userID string, createdAt time.Time) domain.Order {
	return domain.Order{
		ID:     id,
		UserID: userID,
		Items: []domain.OrderItem{
			{ProductID: "prod-1", Name: "Ceramic mug", PriceMinor: 150, Qty: 2, WeightGrams: 400},
		},
		Currency:         "USD",
		ShippingFeeMinor: 30,
		Address: domain.ShippingAddress{
			FullName:   "Nguyen Van A",
			Phone:      "0901234567",
			Email:      "a@example.com",
			Street:     "12 Ly Thuong Kiet",
			ProvinceID: 202,
			DistrictID: 1442,
			WardCode:   "20101",
		},
		Status:        domain.OrderStatusPending,
		PaymentMethod: domain.PaymentMethodStripe,
		PaymentStatus: domain.PaymentStatusPending,
		Version:       0,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
}
