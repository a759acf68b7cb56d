package shared

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*RequestCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRequestCache(client, time.Minute), mr
}

func TestRequestCacheLifecycle(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	resp, err := cache.Begin(ctx, "closings", "k1", "fp")
	require.NoError(t, err)
	require.Nil(t, resp)

	_, err = cache.Begin(ctx, "closings", "k1", "fp")
	require.ErrorIs(t, err, ErrRequestInFlight)

	require.NoError(t, cache.Complete(ctx, "closings", "k1", "fp", StoredResponse{Status: 201, Body: json.RawMessage(`{"ok":true}`)}))

	resp, err = cache.Begin(ctx, "closings", "k1", "fp")
	require.NoError(t, err)
	require.Equal(t, 201, resp.Status)
	require.JSONEq(t, `{"ok":true}`, string(resp.Body))

	_, err = cache.Begin(ctx, "closings", "k1", "other")
	require.ErrorIs(t, err, ErrIdempotencyMismatch)
}

func TestRequestCacheReleaseAndExpiry(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	_, err := cache.Begin(ctx, "closings", "k2", "fp")
	require.NoError(t, err)
	require.NoError(t, cache.Release(ctx, "closings", "k2"))

	resp, err := cache.Begin(ctx, "closings", "k2", "fp")
	require.NoError(t, err)
	require.Nil(t, resp)

	mr.FastForward(2 * time.Minute)
	resp, err = cache.Begin(ctx, "closings", "k2", "fp")
	require.NoError(t, err)
	require.Nil(t, resp)
}

func TestRequestCacheRequiresKey(t *testing.T) {
	cache, _ := newTestCache(t)
	_, err := cache.Begin(context.Background(), "closings", "", "fp")
	require.Error(t, err)
}
