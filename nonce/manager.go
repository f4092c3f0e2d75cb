package nonce

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

var ErrNotTracked = errors.New("nonce key is not tracked")

// Source returns the next unused nonce for (account, track) as seen on chain.
type Source interface {
	Nonce(ctx context.Context, account common.Address, track uint64) (uint64, error)
}

type Key struct {
	Account common.Address
	Track   uint64
}

type entry struct {
	// lock is a one slot semaphore so waiting can be cancelled through ctx
	lock chan struct{}

	known    bool
	next     uint64
	returned []uint64
}

func (e *entry) acquire(ctx context.Context) error {
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *entry) release() {
	<-e.lock
}

// Manager hands out nonces per (account, track). The first use of a key fetches
// from the Source once; concurrent callers for the same key wait on its lock,
// callers for other keys proceed independently.
type Manager struct {
	log     *zap.Logger
	source  Source
	entries sync.Map // Key -> *entry
}

func NewManager(log *zap.Logger, source Source) *Manager {
	return &Manager{log: log, source: source}
}

func (m *Manager) entry(k Key) *entry {
	if e, ok := m.entries.Load(k); ok {
		return e.(*entry)
	}
	e, _ := m.entries.LoadOrStore(k, &entry{lock: make(chan struct{}, 1)})
	return e.(*entry)
}

// ensure must be called with the entry lock held.
func (m *Manager) ensure(ctx context.Context, k Key, e *entry) error {
	if e.known {
		return nil
	}
	onchain, err := m.source.Nonce(ctx, k.Account, k.Track)
	if err != nil {
		return fmt.Errorf("fetch nonce: %w", err)
	}
	e.next = onchain
	e.known = true
	e.returned = e.returned[:0]
	return nil
}

// Consume returns a nonce that no other caller holds. Released nonces are reused
// lowest first before the counter advances.
func (m *Manager) Consume(ctx context.Context, account common.Address, track uint64) (uint64, error) {
	k := Key{Account: account, Track: track}
	e := m.entry(k)
	if err := e.acquire(ctx); err != nil {
		return 0, err
	}
	defer e.release()

	if err := m.ensure(ctx, k, e); err != nil {
		return 0, err
	}
	if len(e.returned) > 0 {
		n := e.returned[0]
		e.returned = e.returned[1:]
		return n, nil
	}
	n := e.next
	e.next++
	return n, nil
}

// Peek returns the nonce Consume would hand out next.
func (m *Manager) Peek(ctx context.Context, account common.Address, track uint64) (uint64, error) {
	k := Key{Account: account, Track: track}
	e := m.entry(k)
	if err := e.acquire(ctx); err != nil {
		return 0, err
	}
	defer e.release()

	if err := m.ensure(ctx, k, e); err != nil {
		return 0, err
	}
	if len(e.returned) > 0 {
		return e.returned[0], nil
	}
	return e.next, nil
}

// Release gives back a nonce that was never broadcast. Nonces at or above the
// counter and nonces already returned are ignored.
func (m *Manager) Release(ctx context.Context, account common.Address, track uint64, nonce uint64) error {
	k := Key{Account: account, Track: track}
	e := m.entry(k)
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	if !e.known || nonce >= e.next {
		return nil
	}
	i, found := slices.BinarySearch(e.returned, nonce)
	if found {
		return nil
	}
	e.returned = slices.Insert(e.returned, i, nonce)
	return nil
}

// ResyncIfTooLow re-reads the on-chain nonce and adopts it only if it is ahead of
// the cached value. If the read fails the cached value is dropped so the next
// caller refetches.
func (m *Manager) ResyncIfTooLow(ctx context.Context, account common.Address, track uint64) error {
	k := Key{Account: account, Track: track}
	e := m.entry(k)
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	onchain, err := m.source.Nonce(ctx, account, track)
	if err != nil {
		e.known = false
		e.returned = nil
		return fmt.Errorf("resync nonce: %w", err)
	}
	if !e.known {
		e.next = onchain
		e.known = true
		return nil
	}
	if onchain <= e.next {
		return nil
	}
	m.log.Warn("Nonce behind chain, skipping ahead",
		zap.String("account", account.Hex()), zap.Uint64("track", track),
		zap.Uint64("cached", e.next), zap.Uint64("onchain", onchain))
	e.next = onchain
	e.returned = dropBelow(e.returned, onchain)
	return nil
}

// Hint moves the counter forward when a receipt shows a nonce was used.
func (m *Manager) Hint(ctx context.Context, account common.Address, track uint64, next uint64) error {
	k := Key{Account: account, Track: track}
	e := m.entry(k)
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	if !e.known || next <= e.next {
		return nil
	}
	e.next = next
	e.returned = dropBelow(e.returned, next)
	return nil
}

// Invalidate forgets the cached value of a key.
func (m *Manager) Invalidate(ctx context.Context, account common.Address, track uint64) error {
	e := m.entry(Key{Account: account, Track: track})
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()
	e.known = false
	e.returned = nil
	return nil
}

// Cached returns the cached next nonce without fetching.
func (m *Manager) Cached(account common.Address, track uint64) (uint64, error) {
	v, ok := m.entries.Load(Key{Account: account, Track: track})
	if !ok {
		return 0, ErrNotTracked
	}
	e := v.(*entry)
	if err := e.acquire(context.Background()); err != nil {
		return 0, err
	}
	defer e.release()
	if !e.known {
		return 0, ErrNotTracked
	}
	return e.next, nil
}

func dropBelow(returned []uint64, n uint64) []uint64 {
	i, _ := slices.BinarySearch(returned, n)
	return returned[i:]
}
