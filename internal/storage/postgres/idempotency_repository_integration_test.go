package postgres

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func TestIdempotencyRepository_PostgresOrderReplay(t *testing.T) {
	store := openPostgresStoreForIdempotencyTest(t)
	repo := NewIdempotencyRepository(store)

	key := domain.RequestKey("create_order", "checkout-42")
	ttl := time.Now().UTC().Add(2 * time.Hour).Round(time.Second)

	claimed, err := repo.CreateProcessing(key, "body-hash", ttl)
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusProcessing, claimed.Status)

	_, err = repo.CreateProcessing(key, "body-hash", ttl)
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists, "in-flight request")

	require.NoError(t, repo.MarkDone(key, []byte(`{"id":"order-1","status":"pending"}`), 201))

	replay, err := repo.CreateProcessing(key, "body-hash", ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)
	assert.Equal(t, domain.IdempotencyStatusDone, replay.Status)
	assert.Equal(t, 201, replay.HTTPStatus)
	assert.JSONEq(t, `{"id":"order-1","status":"pending"}`, string(replay.ResponseBody))
	assert.True(t, replay.TTLAt.Equal(ttl))

	mismatch, err := repo.CreateProcessing(key, "other-body", ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
	assert.Equal(t, "body-hash", mismatch.RequestHash)

	_, err = repo.CreateProcessing(" ", "h", ttl)
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyRequired)
	_, err = repo.Get("missing")
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
}

func TestIdempotencyRepository_PostgresConcurrentWebhookClaims(t *testing.T) {
	store := openPostgresStoreForIdempotencyTest(t)
	repo := NewIdempotencyRepository(store)

	key := domain.WebhookKey("vnpay", "TXN-1:14226112:00")
	ttl := time.Now().UTC().Add(time.Hour)

	const workers = 8
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		losers  atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.CreateProcessing(key, "digest", ttl)
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
				losers.Add(1)
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(workers-1), losers.Load())
}

func TestIdempotencyRepository_PostgresDeleteExpired(t *testing.T) {
	store := openPostgresStoreForIdempotencyTest(t)
	repo := NewIdempotencyRepository(store)

	now := time.Now().UTC()
	_, err := repo.CreateProcessing("idem-expired-1", "h1", now.Add(-5*time.Minute))
	require.NoError(t, err)
	_, err = repo.CreateProcessing("idem-expired-2", "h2", now.Add(-4*time.Minute))
	require.NoError(t, err)
	_, err = repo.CreateProcessing("idem-expired-3", "h3", now.Add(-3*time.Minute))
	require.NoError(t, err)
	_, err = repo.CreateProcessing("idem-active-1", "h4", now.Add(time.Hour))
	require.NoError(t, err)

	removed, err := repo.DeleteExpired(now, 2)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	removed, err = repo.DeleteExpired(now, 10)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = repo.Get("idem-active-1")
	require.NoError(t, err)
}

func TestIdempotencyRepository_PostgresReclaimFailedAndExpired(t *testing.T) {
	store := openPostgresStoreForIdempotencyTest(t)
	repo := NewIdempotencyRepository(store)

	ttl := time.Now().UTC().Add(time.Hour)
	_, err := repo.CreateProcessing("idem-failed", "hash-a", ttl)
	require.NoError(t, err)
	require.NoError(t, repo.MarkFailed("idem-failed", []byte(`{"error":"gateway"}`), 502))

	_, err = repo.CreateProcessing("idem-failed", "hash-b", ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)

	reclaimed, err := repo.CreateProcessing("idem-failed", "hash-a", ttl)
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusProcessing, reclaimed.Status)

	got, err := repo.Get("idem-failed")
	require.NoError(t, err)
	require.Empty(t, got.ResponseBody)
	require.Zero(t, got.HTTPStatus)

	_, err = repo.CreateProcessing("idem-stale", "hash-old", time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	_, err = repo.Get("idem-stale")
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
	require.ErrorIs(t, repo.MarkDone("idem-stale", nil, 200), domain.ErrIdempotencyKeyNotFound)

	fresh, err := repo.CreateProcessing("idem-stale", "hash-new", ttl)
	require.NoError(t, err)
	require.Equal(t, "hash-new", fresh.RequestHash)
}

func openPostgresStoreForIdempotencyTest(t *testing.T) *Store {
	t.Helper()

	store := openPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := store.DB().ExecContext(ctx, `TRUNCATE TABLE idempotency_keys`)
	require.NoError(t, err)

	return store
}
