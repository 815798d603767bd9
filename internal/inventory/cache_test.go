package inventory

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type countingRepo struct {
	*memoryRepo
	nearExpiryCalls int
}

func (r *countingRepo) NearExpiry(ctx context.Context, from, until time.Time) ([]NearExpiryBatch, error) {
	r.nearExpiryCalls++
	return r.memoryRepo.NearExpiry(ctx, from, until)
}

func setupCachedService(t *testing.T, now time.Time) (*Service, *countingRepo) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	repo := &countingRepo{memoryRepo: newMemoryRepo()}
	svc := NewService(repo, nil, &memoryIdempotency{}, NewCache(client, time.Minute), ServiceConfig{Clock: func() time.Time { return now }}, nil)
	return svc, repo
}

func TestNearExpiryServedFromCacheUntilStockMoves(t *testing.T) {
	ctx := context.Background()
	svc, repo := setupCachedService(t, day(2026, time.May, 1))

	_, err := svc.ReceiveBatch(ctx, ReceiveInput{ProductID: 7, BatchNumber: "A", ExpiryDate: day(2026, time.May, 20), Quantity: 5, ActorID: 1})
	require.NoError(t, err)

	first, err := svc.NearExpiry(ctx, 30)
	require.NoError(t, err)
	require.Len(t, first, 1)
	second, err := svc.NearExpiry(ctx, 30)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, repo.nearExpiryCalls)

	_, err = svc.AllocateForSale(ctx, SaleInput{ProductID: 7, Quantity: 5, ActorID: 1})
	require.NoError(t, err)

	third, err := svc.NearExpiry(ctx, 30)
	require.NoError(t, err)
	require.Empty(t, third)
	require.Equal(t, 2, repo.nearExpiryCalls)
}

func TestCacheVersionInitialisesAndBumps(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	cache := NewCache(client, time.Minute)

	key, err := cache.BuildKey(ctx, "inventory", "near_expiry", "30")
	require.NoError(t, err)
	require.Equal(t, "inventory:near_expiry:30:v1", key)

	require.NoError(t, cache.Bump(ctx))
	key, err = cache.BuildKey(ctx, "inventory", "near_expiry", "30")
	require.NoError(t, err)
	require.Equal(t, "inventory:near_expiry:30:v2", key)

	var nilCache *Cache
	key, err = nilCache.BuildKey(ctx, "a", "b")
	require.NoError(t, err)
	require.Equal(t, "a:b", key)
	require.NoError(t, nilCache.Bump(ctx))
}
