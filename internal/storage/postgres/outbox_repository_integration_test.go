package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func orderEvent(orderID, eventType string) domain.OutboxMessage {
	return domain.OutboxMessage{
		AggregateType: domain.AggregateOrder,
		AggregateID:   orderID,
		EventType:     eventType,
		Payload:       []byte(`{"order_id":"` + orderID + `"}`),
	}
}

func TestOutboxRepository_PostgresDeliveryCycle(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOutboxRepository(store)

	created, err := repo.Enqueue(orderEvent("order-1", domain.EventOrderCreated))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	fixed := orderEvent("order-2", domain.EventOrderStatusChanged)
	fixed.ID = "outbox-fixed-id"
	stored, err := repo.Enqueue(fixed)
	require.NoError(t, err)
	assert.Equal(t, "outbox-fixed-id", stored.ID)

	_, err = repo.Enqueue(fixed)
	require.NoError(t, err, "re-enqueue with the same id is ignored")

	notify, err := repo.Enqueue(domain.OutboxMessage{
		AggregateType: domain.AggregateNotification,
		AggregateID:   "order-2",
		EventType:     string(domain.NotificationOrderConfirmed),
	})
	require.NoError(t, err)

	pending, err := repo.PullPending(0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, created.ID, pending[0].ID)
	assert.JSONEq(t, `{"order_id":"order-1"}`, string(pending[0].Payload))
	assert.JSONEq(t, `{}`, string(pending[2].Payload), "empty payload is stored as an empty object")
	assert.Zero(t, pending[0].Attempts)
	assert.False(t, pending[0].CreatedAt.IsZero())

	stats, err := repo.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.PendingCount)
	assert.Zero(t, stats.FailedCount)
	assert.WithinDuration(t, created.CreatedAt, stats.OldestPendingAt, time.Millisecond)

	require.NoError(t, repo.MarkSent(created.ID))
	require.NoError(t, repo.MarkFailed(stored.ID))

	pending, err = repo.PullPending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, notify.ID, pending[0].ID)

	stats, err = repo.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PendingCount)
	assert.Equal(t, 1, stats.FailedCount)
}

func TestOutboxRepository_PostgresMissingRows(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOutboxRepository(store)

	assert.ErrorIs(t, repo.MarkSent("missing-outbox"), domain.ErrOutboxPublish)
	assert.ErrorIs(t, repo.MarkFailed("missing-outbox"), domain.ErrOutboxPublish)

	stats, err := repo.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.PendingCount)
	assert.True(t, stats.OldestPendingAt.IsZero())
}

func TestOutboxRepository_PostgresPullLimit(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOutboxRepository(store)

	for _, id := range []string{"order-a", "order-b", "order-c"} {
		_, err := repo.Enqueue(orderEvent(id, domain.EventOrderCreated))
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	pending, err := repo.PullPending(2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "order-a", pending[0].AggregateID)
	assert.Equal(t, "order-b", pending[1].AggregateID)
}

func TestOutboxRepository_PostgresPurgeSent(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOutboxRepository(store)

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		msg, err := repo.Enqueue(orderEvent("order-purge", domain.EventOrderCreated))
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}
	for _, id := range ids[:2] {
		require.NoError(t, repo.MarkSent(id))
	}

	removed, err := repo.PurgeSent(time.Now().UTC().Add(-time.Hour), 0)
	require.NoError(t, err)
	assert.Zero(t, removed, "fresh sent messages survive")

	cutoff := time.Now().UTC().Add(time.Second)
	removed, err = repo.PurgeSent(cutoff, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = repo.PurgeSent(cutoff, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	stats, err := repo.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PendingCount, "pending messages are never purged")
}
