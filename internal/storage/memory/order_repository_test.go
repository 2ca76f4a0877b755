package memory_test

import (
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func newOrder(id string, createdAt time.Time) domain.Order {
	return domain.Order{
		ID:            id,
		UserID:        "user-1",
		Status:        domain.OrderStatusPending,
		Currency:      domain.BaseCurrency,
		PaymentMethod: domain.PaymentMethodCOD,
		PaymentStatus: domain.PaymentStatusPending,
		Items: []domain.OrderItem{
			{ProductID: "p-1", Name: "Mug", Qty: 5, PriceMinor: 100},
		},
		ShippingFeeMinor: 30,
		Address:          domain.ShippingAddress{FullName: "An", Phone: "0900", Street: "1 Le Loi"},
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}
}

func TestOrderRepository_CreateGet(t *testing.T) {
	repo := memory.NewOrderRepository()
	order := newOrder("order-1", time.Now().UTC())

	if err := repo.Create(order); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := repo.Create(order); !errors.Is(err, domain.ErrOrderVersionConflict) {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}

	stored, err := repo.Get(order.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.AmountMinor != 500 || stored.TotalMinor != 530 {
		t.Fatalf("expected recalculated totals 500/530, got %d/%d", stored.AmountMinor, stored.TotalMinor)
	}

	stored.Items[0].Qty = 99
	again, _ := repo.Get(order.ID)
	if again.Items[0].Qty != 5 {
		t.Fatal("stored order must not share item slice with caller")
	}

	if _, err := repo.Get("missing"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderRepository_ListByUser(t *testing.T) {
	repo := memory.NewOrderRepository()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"order-a", "order-b", "order-c"} {
		if err := repo.Create(newOrder(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
	other := newOrder("order-x", base)
	other.UserID = "user-2"
	if err := repo.Create(other); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	orders, err := repo.ListByUser("user-1", 2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(orders))
	}
	if orders[0].ID != "order-c" || orders[1].ID != "order-b" {
		t.Fatalf("expected newest first, got %s, %s", orders[0].ID, orders[1].ID)
	}
}

func TestOrderRepository_FindByCarrierCode(t *testing.T) {
	repo := memory.NewOrderRepository()
	order := newOrder("order-1", time.Now().UTC())
	order.Carrier = domain.CarrierInfo{OrderCode: "GHN123"}
	if err := repo.Create(order); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	found, err := repo.FindByCarrierCode("GHN123")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if found.ID != order.ID {
		t.Fatalf("expected %s, got %s", order.ID, found.ID)
	}
	if _, err := repo.FindByCarrierCode(""); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for empty code, got %v", err)
	}
}

func TestOrderRepository_Save(t *testing.T) {
	repo := memory.NewOrderRepository()
	order := newOrder("order-1", time.Now().UTC())
	if err := repo.Create(order); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	stored, err := repo.Get(order.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	stored.ShippingFeeMinor = 70
	if err := repo.Save(stored); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	updated, err := repo.Get(order.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	if updated.TotalMinor != 570 {
		t.Fatalf("expected total 570, got %d", updated.TotalMinor)
	}
	if updated.Version != stored.Version+1 {
		t.Fatalf("expected version increment, got %d", updated.Version)
	}

	if err := repo.Save(stored); !errors.Is(err, domain.ErrOrderVersionConflict) {
		t.Fatalf("expected version conflict on stale save, got %v", err)
	}
}

func TestOrderRepository_SaveReindexesCarrierCode(t *testing.T) {
	repo := memory.NewOrderRepository()
	if err := repo.Create(newOrder("order-1", time.Now().UTC())); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	stored, _ := repo.Get("order-1")
	stored.Carrier = domain.CarrierInfo{OrderCode: "GHN-OLD"}
	if err := repo.Save(stored); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	stored, _ = repo.Get("order-1")
	stored.Carrier = domain.CarrierInfo{OrderCode: "GHN-NEW"}
	if err := repo.Save(stored); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if _, err := repo.FindByCarrierCode("GHN-OLD"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("replaced code must not resolve, got %v", err)
	}
	found, err := repo.FindByCarrierCode("GHN-NEW")
	if err != nil || found.ID != "order-1" {
		t.Fatalf("expected order-1 by new code, got %+v, %v", found, err)
	}
}
