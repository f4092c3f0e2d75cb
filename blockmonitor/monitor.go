// Package blockmonitor polls the chain head and announces new blocks.
package blockmonitor

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/happychain/boop-submitter/events"
	"github.com/happychain/boop-submitter/metrics"
	"go.uber.org/zap"
)

// maxCatchUp bounds how many skipped blocks are fetched one by one after a gap.
const maxCatchUp = 16

type HeaderSource interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Observer is called synchronously for every block before it is published.
type Observer func(events.Block)

type Monitor struct {
	log          *zap.Logger
	client       HeaderSource
	bus          *events.Bus[events.Block]
	liveness     *Liveness
	pollInterval time.Duration
	observers    []Observer

	mu   sync.Mutex
	last *events.Block
}

func NewMonitor(log *zap.Logger, client HeaderSource, bus *events.Bus[events.Block], liveness *Liveness, pollInterval time.Duration, observers ...Observer) *Monitor {
	return &Monitor{
		log:          log.Named("blockmonitor"),
		client:       client,
		bus:          bus,
		liveness:     liveness,
		pollInterval: pollInterval,
		observers:    observers,
	}
}

func (m *Monitor) Start(ctx context.Context) *sync.WaitGroup {
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()

		back := backoff.NewExponentialBackOff()
		back.MaxInterval = 3 * time.Second
		back.MaxElapsedTime = 12 * time.Second

		ticker := time.NewTicker(m.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := backoff.Retry(func() error {
					return m.Poll(ctx)
				}, backoff.WithContext(back, ctx))
				if err != nil && ctx.Err() == nil {
					m.log.Error("Failed to poll head block", zap.Error(err))
				}
			}
		}
	}()
	return wg
}

// Poll fetches the head and publishes every block not seen yet.
func (m *Monitor) Poll(ctx context.Context) error {
	head, err := m.client.HeaderByNumber(ctx, nil)
	if err != nil {
		metrics.IncBlockPollFailures()
		m.liveness.TrackError()
		return err
	}
	m.liveness.TrackSuccess()

	m.mu.Lock()
	last := m.last
	m.mu.Unlock()

	number := head.Number.Uint64()
	if last != nil && number <= last.Number {
		return nil
	}

	if last != nil && number > last.Number+1 {
		from := last.Number + 1
		if number-from > maxCatchUp {
			m.log.Warn("Skipping blocks", zap.Uint64("from", from), zap.Uint64("to", number-maxCatchUp-1))
			from = number - maxCatchUp
		}
		for n := from; n < number; n++ {
			h, err := m.client.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
			if err != nil {
				m.liveness.TrackError()
				return err
			}
			if err := m.emit(ctx, events.BlockFromHeader(h)); err != nil {
				return err
			}
		}
	}
	return m.emit(ctx, events.BlockFromHeader(head))
}

func (m *Monitor) emit(ctx context.Context, b events.Block) error {
	for _, o := range m.observers {
		o(b)
	}
	if err := m.bus.Publish(ctx, b); err != nil {
		return backoff.Permanent(err)
	}
	m.mu.Lock()
	m.last = &b
	m.mu.Unlock()
	metrics.SetHeadBlock(b.Number)
	m.log.Debug("New block", zap.Uint64("number", b.Number), zap.Stringer("hash", b.Hash))
	return nil
}

func (m *Monitor) Head() (events.Block, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return events.Block{}, false
	}
	return *m.last, true
}

func (m *Monitor) IsAlive() bool {
	return m.liveness.IsAlive()
}
