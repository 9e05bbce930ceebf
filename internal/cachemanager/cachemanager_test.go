package cachemanager

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInMemoryCacheManager_SetGet(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCacheManager[string, int]("test", DefaultExpiration, DefaultCleanupInterval)

	cache.Set(ctx, "answer", 42, time.Minute)

	value, found := cache.Get(ctx, "answer")
	require.True(t, found)
	require.Equal(t, 42, value)
}

func TestInMemoryCacheManager_MissReturnsZeroValue(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCacheManager[string, string]("test", DefaultExpiration, DefaultCleanupInterval)

	value, found := cache.Get(ctx, "absent")
	require.False(t, found)
	require.Equal(t, "", value)
}

func TestInMemoryCacheManager_DeleteAndFlush(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCacheManager[string, int]("test", DefaultExpiration, DefaultCleanupInterval)

	cache.Set(ctx, "a", 1, time.Minute)
	cache.Set(ctx, "b", 2, time.Minute)

	require.NoError(t, cache.Delete(ctx, "a"))
	_, found := cache.Get(ctx, "a")
	require.False(t, found)

	require.NoError(t, cache.Flush(ctx))
	_, found = cache.Get(ctx, "b")
	require.False(t, found)
}

func TestReadThroughCache_LoadsOnceAndCaches(t *testing.T) {
	ctx := context.Background()
	calls := 0
	loader := func(ctx context.Context, input string) (string, error) {
		calls++
		return "catalog-for-" + input, nil
	}

	cache := NewInMemoryCacheManager[string, string]("test", DefaultExpiration, DefaultCleanupInterval)
	rt := NewReadThroughCache[string, string, string](cache, loader, false)

	for i := 0; i < 3; i++ {
		value, err := rt.Get(ctx, "key", "asset-1", time.Minute)
		require.NoError(t, err)
		require.Equal(t, "catalog-for-asset-1", value)
	}
	require.Equal(t, 1, calls, "loader should be invoked once")
}

func TestReadThroughCache_SkipCacheAlwaysLoads(t *testing.T) {
	ctx := context.Background()
	calls := 0
	loader := func(ctx context.Context, input string) (string, error) {
		calls++
		return "fresh", nil
	}

	cache := NewInMemoryCacheManager[string, string]("test", DefaultExpiration, DefaultCleanupInterval)
	rt := NewReadThroughCache[string, string, string](cache, loader, true)

	for i := 0; i < 2; i++ {
		_, err := rt.Get(ctx, "key", "input", time.Minute)
		require.NoError(t, err)
	}
	require.Equal(t, 2, calls)
}

func TestReadThroughCache_LoaderErrorNotCached(t *testing.T) {
	ctx := context.Background()
	calls := 0
	loader := func(ctx context.Context, input string) (string, error) {
		calls++
		return "", fmt.Errorf("peer unreachable")
	}

	cache := NewInMemoryCacheManager[string, string]("test", DefaultExpiration, DefaultCleanupInterval)
	rt := NewReadThroughCache[string, string, string](cache, loader, false)

	_, err := rt.Get(ctx, "key", "input", time.Minute)
	require.Error(t, err)
	_, err = rt.Get(ctx, "key", "input", time.Minute)
	require.Error(t, err)
	require.Equal(t, 2, calls, "errors must not be cached")
}
