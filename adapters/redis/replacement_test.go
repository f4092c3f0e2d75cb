package redis

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestReplacementCache(t *testing.T) {
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	cache := NewReplacementCache(client, time.Minute, "test-replacement:")

	alice := common.HexToAddress("0xa1")
	bob := common.HexToAddress("0xb0")
	reset := func() {
		for _, executor := range []common.Address{alice, bob} {
			require.NoError(t, cache.Reset(ctx, executor, 7))
		}
	}
	reset()
	t.Cleanup(reset)

	bumps := []struct {
		executor common.Address
		want     uint64
	}{
		{alice, 1},
		{alice, 2},
		{bob, 1},
		{alice, 3},
	}
	for _, bump := range bumps {
		count, err := cache.IncReplacement(ctx, bump.executor, 7)
		require.NoError(t, err)
		require.Equal(t, bump.want, count, bump.executor.Hex())
	}

	count, err := cache.GetReplacements(ctx, alice, 8)
	require.NoError(t, err)
	require.Zero(t, count)

	ttl, err := client.TTL(ctx, cache.key(alice, 7)).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))

	require.NoError(t, cache.Reset(ctx, alice, 7))
	count, err = cache.GetReplacements(ctx, alice, 7)
	require.NoError(t, err)
	require.Zero(t, count)

	count, err = cache.GetReplacements(ctx, bob, 7)
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)
}
