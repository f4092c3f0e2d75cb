package simcache

import (
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := New[string, int](Config{Capacity: 3, TTL: time.Hour})
	c.Insert("a", 1)
	c.Insert("b", 2)
	c.Insert("c", 3)

	// touching a makes b the oldest
	_, ok := c.Find("a")
	require.True(t, ok)

	c.Insert("d", 4)
	require.Equal(t, 3, c.Len())
	_, ok = c.Find("b")
	require.False(t, ok, "b was the least recently used entry")
	for _, k := range []string{"a", "c", "d"} {
		_, ok := c.Find(k)
		require.True(t, ok, k)
	}
	require.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestReinsertDoesNotEvict(t *testing.T) {
	c := New[string, int](Config{Capacity: 2, TTL: time.Hour})
	c.Insert("a", 1)
	c.Insert("b", 2)
	c.Insert("a", 10)

	require.Equal(t, 2, c.Len())
	v, ok := c.Find("a")
	require.True(t, ok)
	require.Equal(t, 10, v)
}

func TestExpiresWithoutAccess(t *testing.T) {
	c := New[Key, int](Config{Capacity: 10, TTL: 30 * time.Millisecond})
	k := Key{EntryPoint: common.HexToAddress("0xe0"), Hash: common.HexToHash("0x01")}
	c.Insert(k, 1)

	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
	_, ok := c.Find(k)
	require.False(t, ok)
	require.Equal(t, uint64(1), c.Stats().Expired)
}

func TestKeyIncludesEntryPoint(t *testing.T) {
	c := New[Key, int](Config{Capacity: 10, TTL: time.Hour})
	h := common.HexToHash("0x01")
	c.Insert(Key{EntryPoint: common.HexToAddress("0xe0"), Hash: h}, 1)

	_, ok := c.Find(Key{EntryPoint: common.HexToAddress("0xe1"), Hash: h})
	require.False(t, ok)
}

func TestSlidingTTL(t *testing.T) {
	ttl := 60 * time.Millisecond
	sliding := New[string, int](Config{Capacity: 10, TTL: ttl, SlidingTTL: true})
	fixed := New[string, int](Config{Capacity: 10, TTL: ttl})
	sliding.Insert("a", 1)
	fixed.Insert("a", 1)

	deadline := time.Now().Add(2 * ttl)
	for time.Now().Before(deadline) {
		sliding.Find("a")
		time.Sleep(ttl / 6)
	}
	_, ok := sliding.Find("a")
	require.True(t, ok, "reads keep a sliding entry alive")
	_, ok = fixed.Find("a")
	require.False(t, ok, "a fixed entry expires regardless of reads")
}

func TestDeleteAndPurge(t *testing.T) {
	c := New[int, int](Config{Capacity: 100, TTL: time.Hour})
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Insert(i, i)
		}(i)
	}
	wg.Wait()
	require.Equal(t, 100, c.Len(), "capacity holds under concurrent inserts")

	c.Delete(199)
	c.Purge()
	require.Equal(t, 0, c.Len())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "valid", cfg: Config{Capacity: 10, TTL: time.Second}},
		{name: "zero ttl", cfg: Config{Capacity: 10}, wantErr: true},
		{name: "negative ttl", cfg: Config{Capacity: 10, TTL: -time.Second}, wantErr: true},
		{name: "zero capacity", cfg: Config{TTL: time.Second}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
