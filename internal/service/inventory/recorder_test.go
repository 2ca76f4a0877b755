package inventory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func TestRecorder_DelegatesAndRecords(t *testing.T) {
	ctx := context.Background()
	catalog := memory.NewCatalog()
	catalog.PutProduct(domain.Product{ID: "p-1", Stock: 4})
	rec := NewRecorder(NewReconciler(catalog, nil))

	items := []domain.OrderItem{{ProductID: "p-1", Qty: 1}, {ProductID: "p-1", Qty: 2}}
	require.NoError(t, rec.Reserve(ctx, items))
	assert.Equal(t, int32(1), stockOf(t, catalog, "p-1").Stock)

	require.NoError(t, rec.Release(ctx, items))
	assert.Equal(t, int32(4), stockOf(t, catalog, "p-1").Stock)

	reserves := rec.Calls(OpReserve)
	require.Len(t, reserves, 1)
	assert.Equal(t, []domain.StockLine{{ProductID: "p-1", Qty: 3}}, reserves[0].Lines)
	assert.Len(t, rec.Calls(OpRelease), 1)
	assert.Empty(t, rec.Calls(OpMarkSold))
}

func TestRecorder_InjectedFailureSkipsNext(t *testing.T) {
	ctx := context.Background()
	catalog := memory.NewCatalog()
	catalog.PutProduct(domain.Product{ID: "p-1", Stock: 2})
	rec := NewRecorder(NewReconciler(catalog, nil))

	boom := errors.New("catalog unavailable")
	rec.FailOn(OpMarkSold, boom)
	items := []domain.OrderItem{{ProductID: "p-1", Qty: 1}}

	assert.ErrorIs(t, rec.MarkSold(ctx, items), boom)
	assert.Zero(t, stockOf(t, catalog, "p-1").SoldQuantity)

	rec.FailOn(OpMarkSold, nil)
	require.NoError(t, rec.MarkSold(ctx, items))
	assert.Equal(t, int64(1), stockOf(t, catalog, "p-1").SoldQuantity)

	calls := rec.Calls(OpMarkSold)
	require.Len(t, calls, 2)
	assert.ErrorIs(t, calls[0].Err, boom)
	assert.NoError(t, calls[1].Err)
}

func TestRecorder_WithoutNext(t *testing.T) {
	rec := NewRecorder(nil)
	assert.NoError(t, rec.Reserve(context.Background(), []domain.OrderItem{{ProductID: "p-9", Qty: 1}}))
	assert.Len(t, rec.Calls(OpReserve), 1)
}
