package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func TestTimelineRepository_PostgresHistory(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	orders := NewOrderRepository(store, testCodec(t))
	timeline := NewTimelineRepository(store)

	createdAt := time.Now().UTC().Add(-time.Minute).Round(time.Microsecond)
	order := sampleOrder("timeline-order", "customer-timeline", createdAt)
	require.NoError(t, orders.Create(order))

	require.NoError(t, timeline.Append(domain.TimelineEvent{
		OrderID:    order.ID,
		Type:       domain.EventOrderStatusChanged,
		Reason:     "confirmed by admin",
		Actor:      "admin:admin-1",
		Details:    map[string]any{"from": "pending", "to": "confirmed"},
		OccurredAt: createdAt.Add(10 * time.Second),
	}))
	require.NoError(t, timeline.Append(domain.TimelineEvent{
		OrderID:    order.ID,
		Type:       domain.EventOrderCreated,
		Actor:      "customer:customer-timeline",
		OccurredAt: createdAt,
	}))

	events, err := timeline.List(order.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, domain.EventOrderCreated, events[0].Type)
	assert.Nil(t, events[0].Details)
	assert.True(t, createdAt.Equal(events[0].OccurredAt))

	assert.Equal(t, domain.EventOrderStatusChanged, events[1].Type)
	assert.Equal(t, "admin:admin-1", events[1].Actor)
	assert.Equal(t, map[string]any{"from": "pending", "to": "confirmed"}, events[1].Details)
	assert.Equal(t, time.UTC, events[1].OccurredAt.Location())
}

func TestTimelineRepository_PostgresDefaultsAndValidation(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	timeline := NewTimelineRepository(store)

	assert.True(t, domain.IsValidation(timeline.Append(domain.TimelineEvent{Type: domain.EventOrderCreated})))

	before := time.Now().UTC().Add(-time.Second)
	require.NoError(t, timeline.Append(domain.TimelineEvent{OrderID: "no-order-row", Type: domain.EventSideEffectFailed}))

	events, err := timeline.List("no-order-row")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].OccurredAt.After(before))

	empty, err := timeline.List("missing-order")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
