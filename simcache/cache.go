// Package simcache keeps recent simulation results in a bounded LRU with expiry.
package simcache

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/go-playground/validator/v10"
)

// Key identifies a simulation: the same boop simulated against two entry
// points yields two entries.
type Key struct {
	EntryPoint common.Address
	Hash       common.Hash
}

type Config struct {
	Capacity int           `validate:"gt=0"`
	TTL      time.Duration `validate:"gt=0"`
	// SlidingTTL restarts the expiry timer on every hit.
	SlidingTTL bool
}

func (c Config) Validate() error {
	return validator.New().Struct(c)
}

type item[V any] struct {
	value V
	timer *time.Timer
	gen   uint64
}

// Cache is an LRU where every entry also expires TTL after it was inserted
// (or last read, with SlidingTTL).
type Cache[K comparable, V any] struct {
	cfg Config

	mu    sync.Mutex
	lru   lru.BasicLRU[K, *item[V]]
	gen   uint64
	stats Stats
}

type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Expired   uint64
}

func New[K comparable, V any](cfg Config) *Cache[K, V] {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	return &Cache[K, V]{
		cfg: cfg,
		lru: lru.NewBasicLRU[K, *item[V]](cfg.Capacity),
	}
}

// Insert stores value under key, evicting the least recently used entry if the
// cache is full.
func (c *Cache[K, V]) Insert(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.lru.Peek(key); ok {
		prev.timer.Stop()
	} else if c.lru.Len() >= c.cfg.Capacity {
		if _, oldest, ok := c.lru.RemoveOldest(); ok {
			oldest.timer.Stop()
			c.stats.Evictions++
		}
	}
	it := &item[V]{value: value}
	c.arm(key, it)
	c.lru.Add(key, it)
}

// Find returns the value for key and marks it most recently used.
func (c *Cache[K, V]) Find(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.lru.Get(key)
	if !ok {
		c.stats.Misses++
		var zero V
		return zero, false
	}
	c.stats.Hits++
	if c.cfg.SlidingTTL {
		it.timer.Stop()
		c.arm(key, it)
	}
	return it.value, true
}

func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.lru.Peek(key); ok {
		it.timer.Stop()
		c.lru.Remove(key)
	}
}

func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.lru.Keys() {
		if it, ok := c.lru.Peek(key); ok {
			it.timer.Stop()
		}
	}
	c.lru.Purge()
}

func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// arm must be called with mu held.
func (c *Cache[K, V]) arm(key K, it *item[V]) {
	c.gen++
	gen := c.gen
	it.gen = gen
	it.timer = time.AfterFunc(c.cfg.TTL, func() {
		c.expire(key, it, gen)
	})
}

func (c *Cache[K, V]) expire(key K, it *item[V], gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.lru.Peek(key)
	if !ok || cur != it || it.gen != gen {
		return
	}
	c.lru.Remove(key)
	c.stats.Expired++
}
