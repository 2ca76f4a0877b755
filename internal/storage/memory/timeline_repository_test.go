package memory_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func TestTimelineRepository_ChronologicalOrder(t *testing.T) {
	repo := memory.NewTimelineRepository()
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Append(domain.TimelineEvent{OrderID: "o-1", Type: domain.EventOrderStatusChanged, Reason: "shipped", OccurredAt: base.Add(2 * time.Minute)}))
	require.NoError(t, repo.Append(domain.TimelineEvent{OrderID: "o-1", Type: domain.EventOrderCreated, OccurredAt: base}))
	require.NoError(t, repo.Append(domain.TimelineEvent{OrderID: "o-1", Type: domain.EventPaymentStatusChanged, Reason: "paid", OccurredAt: base.Add(time.Minute)}))
	require.NoError(t, repo.Append(domain.TimelineEvent{OrderID: "o-1", Type: domain.EventOrderStatusChanged, Reason: "confirmed", OccurredAt: base.Add(time.Minute)}))
	require.NoError(t, repo.Append(domain.TimelineEvent{OrderID: "o-2", Type: domain.EventOrderCreated, OccurredAt: base}))

	events, err := repo.List("o-1")
	require.NoError(t, err)
	require.Len(t, events, 4)

	assert.Equal(t, domain.EventOrderCreated, events[0].Type)
	assert.Equal(t, "paid", events[1].Reason)
	assert.Equal(t, "confirmed", events[2].Reason, "equal timestamps keep append order")
	assert.Equal(t, "shipped", events[3].Reason)
}

func TestTimelineRepository_ValidationAndDefaults(t *testing.T) {
	repo := memory.NewTimelineRepository()

	err := repo.Append(domain.TimelineEvent{Type: domain.EventOrderCreated})
	assert.True(t, domain.IsValidation(err))

	require.NoError(t, repo.Append(domain.TimelineEvent{OrderID: "o-3", Type: domain.EventOrderCreated}))
	events, err := repo.List("o-3")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].OccurredAt.IsZero())

	empty, err := repo.List("unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestTimelineRepository_ListReturnsCopy(t *testing.T) {
	repo := memory.NewTimelineRepository()
	require.NoError(t, repo.Append(domain.TimelineEvent{OrderID: "o-4", Type: domain.EventOrderCreated, Reason: "original"}))

	events, err := repo.List("o-4")
	require.NoError(t, err)
	events[0].Reason = "mutated"

	again, err := repo.List("o-4")
	require.NoError(t, err)
	assert.Equal(t, "original", again[0].Reason)
}

func TestTimelineRepository_DetailsAreIsolated(t *testing.T) {
	repo := memory.NewTimelineRepository()
	details := map[string]any{"from": "pending", "to": "confirmed"}
	require.NoError(t, repo.Append(domain.TimelineEvent{OrderID: "o-5", Type: domain.EventOrderStatusChanged, Details: details}))
	details["to"] = "cancelled"

	events, err := repo.List("o-5")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "confirmed", events[0].Details["to"])

	events[0].Details["from"] = "mutated"
	again, err := repo.List("o-5")
	require.NoError(t, err)
	assert.Equal(t, "pending", again[0].Details["from"])
}
