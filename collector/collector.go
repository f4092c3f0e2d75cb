// Package collector drains the intent pools once per block and hands intents
// to the submitter, one account at a time and in nonce order within an account.
package collector

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/happychain/boop-submitter/boop"
	"github.com/happychain/boop-submitter/events"
	"github.com/happychain/boop-submitter/intentqueue"
	"github.com/happychain/boop-submitter/latest"
	"github.com/happychain/boop-submitter/metrics"
	"github.com/happychain/boop-submitter/nonce"
	"github.com/happychain/boop-submitter/store"
	"github.com/happychain/boop-submitter/submitter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	subscriberID          = "collector"
	defaultAccountWorkers = 16
	returnTimeout         = 10 * time.Second
)

var errFutureNonce = errors.New("boop nonce is ahead of the expected nonce")

// Source is a pool of intents waiting for a block.
type Source interface {
	Collect(ctx context.Context, block events.Block) ([]*boop.Intent, error)
	// Return hands back intents that could not be processed in this pass.
	Return(ctx context.Context, intents []*boop.Intent) error
	// Done reports that an intent left the pool for good.
	Done(hash common.Hash)
}

// Dispatcher turns intents into transactions, implemented by *submitter.Submitter.
type Dispatcher interface {
	Claimable(hash common.Hash) bool
	PlanAttempt(intent *boop.Intent) (submitter.AttemptParams, bool, error)
	Attempt(ctx context.Context, intent *boop.Intent, p submitter.AttemptParams) (*boop.Attempt, error)
	Abandon(ctx context.Context, hash common.Hash, reason error) bool
}

type Collector struct {
	log            *zap.Logger
	dispatcher     Dispatcher
	repo           store.Repository
	boopNonces     *nonce.Manager
	executorNonces *nonce.Manager
	sources        []Source

	pass    latest.Serial
	trigger chan struct{}

	headMu sync.RWMutex
	head   events.Block

	AccountWorkers int
}

func New(log *zap.Logger, dispatcher Dispatcher, repo store.Repository, boopNonces, executorNonces *nonce.Manager, sources ...Source) *Collector {
	return &Collector{
		log:            log.Named("collector"),
		dispatcher:     dispatcher,
		repo:           repo,
		boopNonces:     boopNonces,
		executorNonces: executorNonces,
		sources:        sources,
		trigger:        make(chan struct{}, 1),
		AccountWorkers: defaultAccountWorkers,
	}
}

// Start runs a pass for every block on the bus and for every Trigger, until ctx is done.
func (c *Collector) Start(ctx context.Context, blocks *events.Bus[events.Block]) (*sync.WaitGroup, error) {
	ch, err := blocks.Subscribe(subscriberID)
	if err != nil {
		return nil, err
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { _ = blocks.Unsubscribe(subscriberID) }()
		for {
			select {
			case <-ctx.Done():
				return
			case b, ok := <-ch:
				if !ok {
					return
				}
				c.OnNewBlock(ctx, b)
			case <-c.trigger:
				c.schedule(ctx, c.headBlock())
			}
		}
	}()
	return wg, nil
}

// Trigger requests a pass without waiting for the next block.
func (c *Collector) Trigger(_ context.Context) {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

func (c *Collector) OnNewBlock(ctx context.Context, b events.Block) {
	c.headMu.Lock()
	if b.Number >= c.head.Number {
		c.head = b
	}
	c.headMu.Unlock()
	c.schedule(ctx, b)
}

func (c *Collector) headBlock() events.Block {
	c.headMu.RLock()
	defer c.headMu.RUnlock()
	return c.head
}

// schedule runs a pass in the background. Passes never overlap and a pass
// waiting for its turn is replaced by a newer one.
func (c *Collector) schedule(ctx context.Context, b events.Block) {
	go func() {
		err := c.pass.Run(ctx, func(ctx context.Context) error {
			return c.Collect(ctx, b)
		})
		if err != nil && !errors.Is(err, latest.ErrSuperseded) && !errors.Is(err, context.Canceled) {
			c.log.Warn("Collector pass failed", zap.Uint64("block", b.Number), zap.Error(err))
		}
	}()
}

type entry struct {
	intent *boop.Intent
	src    Source
}

// Collect runs one pass: gather, persist the batch, then dispatch per account.
func (c *Collector) Collect(ctx context.Context, b events.Block) error {
	start := time.Now()
	defer func() {
		metrics.RecordCollectorPassDuration(time.Since(start).Milliseconds())
	}()

	entries := c.gather(ctx, b)
	if len(entries) == 0 {
		return nil
	}
	metrics.RecordBatchSize(len(entries))

	intents := make([]*boop.Intent, len(entries))
	for i, e := range entries {
		intents[i] = e.intent
	}
	batchID := uuid.New()
	if err := c.repo.SaveBatch(ctx, batchID, intents); err != nil {
		metrics.IncBatchPersistFailed()
		c.log.Error("Failed to persist batch", zap.String("batch", batchID.String()), zap.Error(err))
		c.giveBack(ctx, entries)
		return err
	}
	c.log.Debug("Collected batch", zap.String("batch", batchID.String()), zap.Int("size", len(entries)), zap.Uint64("block", b.Number))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.AccountWorkers)
	for _, group := range byAccount(entries) {
		group := group
		g.Go(func() error {
			c.processAccount(gctx, group)
			return nil
		})
	}
	return g.Wait()
}

// gather drains every source and drops intents that are stale or expired.
// The result is ordered by deadline.
func (c *Collector) gather(ctx context.Context, b events.Block) []entry {
	var entries []entry
	for _, src := range c.sources {
		intents, err := src.Collect(ctx, b)
		if err != nil {
			c.log.Warn("Failed to collect from source", zap.Error(err))
			continue
		}
		for _, intent := range intents {
			switch {
			case !c.dispatcher.Claimable(intent.Hash):
				metrics.IncQueuePopStaleBoops()
				src.Done(intent.Hash)
			case intent.Boop.Expired(b.Time()):
				c.dispatcher.Abandon(ctx, intent.Hash, boop.ErrDeadlineExpired)
				src.Done(intent.Hash)
			default:
				entries = append(entries, entry{intent: intent, src: src})
			}
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].intent.DeadlineScore() < entries[j].intent.DeadlineScore()
	})
	return entries
}

// byAccount groups entries per account, each group sorted by (track, nonce).
func byAccount(entries []entry) [][]entry {
	index := make(map[common.Address]int)
	var groups [][]entry
	for _, e := range entries {
		i, ok := index[e.intent.Boop.Account]
		if !ok {
			i = len(groups)
			index[e.intent.Boop.Account] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], e)
	}
	for _, g := range groups {
		sort.SliceStable(g, func(i, j int) bool {
			a, b := g[i].intent.Slot(), g[j].intent.Slot()
			if a.Track != b.Track {
				return a.Track < b.Track
			}
			return a.Nonce < b.Nonce
		})
	}
	return groups
}

func (c *Collector) processAccount(ctx context.Context, group []entry) {
	var retry []entry
	blocked := make(map[uint64]bool)
	for _, e := range group {
		track := uint64(e.intent.Boop.NonceTrack)
		if blocked[track] || ctx.Err() != nil {
			retry = append(retry, e)
			continue
		}
		err := c.process(ctx, e.intent)
		switch {
		case err == nil:
			e.src.Done(e.intent.Hash)
		case retriable(err):
			c.log.Debug("Deferring boop", zap.String("boopHash", e.intent.Hash.Hex()), zap.Error(err))
			// later nonces of the track cannot go before this one
			blocked[track] = true
			retry = append(retry, e)
		default:
			c.log.Info("Boop failed", zap.String("boopHash", e.intent.Hash.Hex()), zap.Error(err))
			e.src.Done(e.intent.Hash)
		}
	}
	c.giveBack(ctx, retry)
}

func retriable(err error) bool {
	var out *boop.OutputError
	if errors.As(err, &out) {
		return false
	}
	return !errors.Is(err, boop.ErrUnknownBoop) && !errors.Is(err, boop.ErrIllegalTransition)
}

// process gates the intent on its boop nonce and dispatches it with an
// executor nonce. The executor nonce is released unless it was flushed.
func (c *Collector) process(ctx context.Context, intent *boop.Intent) error {
	b := intent.Boop
	params, reuse, err := c.dispatcher.PlanAttempt(intent)
	if err != nil {
		return err
	}

	if !reuse {
		expected, err := c.boopNonces.Peek(ctx, b.Account, uint64(b.NonceTrack))
		if err != nil {
			return err
		}
		switch {
		case uint64(b.NonceValue) > expected:
			return errFutureNonce
		case uint64(b.NonceValue) < expected:
			err := boop.OnchainFailure(boop.OnchainInvalidNonce, boop.StageSubmit, "boop nonce was already used", nil)
			c.dispatcher.Abandon(ctx, intent.Hash, err)
			return err
		}

		executor := params.Signer.Address()
		n, err := c.executorNonces.Consume(ctx, executor, 0)
		if err != nil {
			return err
		}
		params.Nonce = n
	}

	_, err = c.dispatcher.Attempt(ctx, intent, params)
	if err != nil && !reuse && !submitter.Flushed(err) {
		executor := params.Signer.Address()
		if rerr := c.executorNonces.Release(ctx, executor, 0, params.Nonce); rerr != nil {
			c.log.Warn("Failed to release executor nonce", zap.String("executor", executor.Hex()), zap.Error(rerr))
		} else {
			metrics.IncNoncesReleased()
		}
	}
	if err != nil && submitter.Flushed(err) && !errors.Is(err, boop.ErrNonceTooLow) {
		// broadcast failed but the attempt is kept and resent by the monitor
		return nil
	}
	return err
}

// giveBack returns entries to their sources, abandoning the ones a source dropped.
func (c *Collector) giveBack(ctx context.Context, entries []entry) {
	if len(entries) == 0 {
		return
	}
	perSource := make(map[Source][]*boop.Intent)
	var order []Source
	for _, e := range entries {
		if _, ok := perSource[e.src]; !ok {
			order = append(order, e.src)
		}
		perSource[e.src] = append(perSource[e.src], e.intent)
	}
	// the pass context may be cancelled already, returning must still happen
	ctx, cancel := context.WithTimeout(context.Background(), returnTimeout)
	defer cancel()
	for _, src := range order {
		err := src.Return(ctx, perSource[src])
		for _, hash := range intentqueue.Dropped(err) {
			c.dispatcher.Abandon(ctx, hash, boop.ErrSubmitTimeout)
		}
		if err != nil {
			c.log.Warn("Failed to return intents", zap.Error(err))
		}
	}
}
