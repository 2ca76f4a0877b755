package memory_test

import (
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func newEntry(id, orderID string) domain.LedgerEntry {
	return domain.LedgerEntry{
		ID:                  id,
		OrderID:             orderID,
		Method:              domain.PaymentMethodStripe,
		Status:              domain.GatewayStatusPending,
		OriginalCurrency:    domain.BaseCurrency,
		OriginalAmountMinor: 150000,
		Details:             domain.StripeDetails{PaymentIntentID: "pi_" + id},
		CreatedAt:           time.Now().UTC(),
	}
}

func TestLedgerRepository_SaveVersioned(t *testing.T) {
	repo := memory.NewLedgerRepository()
	entry := newEntry("e-1", "order-1")
	if err := repo.Create(entry); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	entry.CaptureAttempts = 1
	if err := repo.Save(entry); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := repo.Save(entry); !errors.Is(err, domain.ErrLedgerVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	stored, err := repo.Get("e-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Version != 1 || stored.CaptureAttempts != 1 {
		t.Fatalf("unexpected stored entry: %+v", stored)
	}
}

func TestLedgerRepository_SingleCompletedPerOrder(t *testing.T) {
	repo := memory.NewLedgerRepository()
	first := newEntry("e-1", "order-1")
	second := newEntry("e-2", "order-1")
	for _, e := range []domain.LedgerEntry{first, second} {
		if err := repo.Create(e); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	first.Status = domain.GatewayStatusCompleted
	if err := repo.Save(first); err != nil {
		t.Fatalf("save first failed: %v", err)
	}
	second.Status = domain.GatewayStatusCompleted
	if err := repo.Save(second); !errors.Is(err, domain.ErrDuplicateCapture) {
		t.Fatalf("expected ErrDuplicateCapture, got %v", err)
	}

	completed, err := repo.FindCompleted("order-1")
	if err != nil {
		t.Fatalf("find completed failed: %v", err)
	}
	if completed.ID != "e-1" {
		t.Fatalf("expected e-1, got %s", completed.ID)
	}
	if _, err := repo.FindCompleted("order-2"); !errors.Is(err, domain.ErrNoCapturedPayment) {
		t.Fatalf("expected ErrNoCapturedPayment, got %v", err)
	}
}

func TestLedgerRepository_FindByExternalRef(t *testing.T) {
	repo := memory.NewLedgerRepository()
	if err := repo.Create(newEntry("e-1", "order-1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	found, err := repo.FindByExternalRef(domain.PaymentMethodStripe, "pi_e-1")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if found.ID != "e-1" {
		t.Fatalf("expected e-1, got %s", found.ID)
	}
	if _, err := repo.FindByExternalRef(domain.PaymentMethodPayPal, "pi_e-1"); !errors.Is(err, domain.ErrLedgerEntryNotFound) {
		t.Fatalf("expected not found for other method, got %v", err)
	}

	entries, err := repo.ListByOrder("order-1")
	if err != nil || len(entries) != 1 {
		t.Fatalf("unexpected list result: %v %d", err, len(entries))
	}
}
