// Package redis provides an adapter to redis client
package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// ReplacementCache counts fee bumps per executor nonce so that every replica
// respects the same replacement limit.
type ReplacementCache struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewReplacementCache(client *redis.Client, expireDuration time.Duration, keyPrefix string) *ReplacementCache {
	return &ReplacementCache{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

func (r *ReplacementCache) key(executor common.Address, nonce uint64) string {
	return r.keyPrefix + executor.Hex() + ":" + strconv.FormatUint(nonce, 10)
}

// IncReplacement records one more replacement and returns the new count.
func (r *ReplacementCache) IncReplacement(ctx context.Context, executor common.Address, nonce uint64) (uint64, error) {
	key := r.key(executor, nonce)
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, r.expireDuration)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return uint64(incr.Val()), nil
}

// GetReplacements returns how many times the executor nonce was replaced, zero if never.
func (r *ReplacementCache) GetReplacements(ctx context.Context, executor common.Address, nonce uint64) (uint64, error) {
	count, err := r.client.Get(ctx, r.key(executor, nonce)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return uint64(count), err
}

// Reset drops the counter once the nonce was mined.
func (r *ReplacementCache) Reset(ctx context.Context, executor common.Address, nonce uint64) error {
	return r.client.Del(ctx, r.key(executor, nonce)).Err()
}
