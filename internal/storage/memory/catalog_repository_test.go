package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func TestCatalog_AdjustStock(t *testing.T) {
	ctx := context.Background()
	catalog := memory.NewCatalog()
	catalog.PutProduct(domain.Product{ID: "p-1", Stock: 2})

	p, err := catalog.AdjustStock(ctx, "p-1", -2)
	if err != nil {
		t.Fatalf("adjust failed: %v", err)
	}
	if p.Stock != 0 || p.IsAvailable {
		t.Fatalf("expected empty and unavailable product, got %+v", p)
	}

	if _, err := catalog.AdjustStock(ctx, "p-1", -1); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if _, err := catalog.AdjustStock(ctx, "missing", 1); !errors.Is(err, domain.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}

	p, err = catalog.AdjustStock(ctx, "p-1", 3)
	if err != nil {
		t.Fatalf("adjust failed: %v", err)
	}
	if p.Stock != 3 || !p.IsAvailable {
		t.Fatalf("expected restocked product, got %+v", p)
	}
}

func TestCatalog_IncrementSoldAndUsers(t *testing.T) {
	ctx := context.Background()
	catalog := memory.NewCatalog()
	catalog.PutProduct(domain.Product{ID: "p-1", Stock: 1})
	catalog.PutUser(domain.User{ID: "u-1", Email: "an@example.com"})

	if err := catalog.IncrementSold(ctx, "p-1", 4); err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	products, _ := catalog.GetByIDs(ctx, []string{"p-1", "missing"})
	if len(products) != 1 || products["p-1"].SoldQuantity != 4 {
		t.Fatalf("unexpected products: %+v", products)
	}

	user, err := catalog.GetByID(ctx, "u-1")
	if err != nil || user.Email != "an@example.com" {
		t.Fatalf("unexpected user: %+v, %v", user, err)
	}
	if _, err := catalog.GetByID(ctx, "u-2"); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
