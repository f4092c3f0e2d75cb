package submitter

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/happychain/boop-submitter/boop"
	"github.com/happychain/boop-submitter/chain"
	"github.com/happychain/boop-submitter/events"
	"github.com/happychain/boop-submitter/latest"
	"github.com/happychain/boop-submitter/metrics"
	"go.uber.org/zap"
)

// Start runs a monitor pass for every block published on the hub until ctx is done.
func (s *Submitter) Start(ctx context.Context) (*sync.WaitGroup, error) {
	ch, err := s.Hub.Blocks.Subscribe(monitorSubscriberID)
	if err != nil {
		return nil, err
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { _ = s.Hub.Blocks.Unsubscribe(monitorSubscriberID) }()
		for {
			select {
			case <-ctx.Done():
				return
			case b, ok := <-ch:
				if !ok {
					return
				}
				s.OnNewBlock(ctx, b)
			}
		}
	}()
	return wg, nil
}

// OnNewBlock schedules a monitor pass. A pass waiting for an older block is dropped.
func (s *Submitter) OnNewBlock(ctx context.Context, b events.Block) {
	s.setHead(b)
	go func() {
		err := s.monitor.Run(ctx, func(ctx context.Context) error {
			return s.monitorPass(ctx, b)
		})
		if err != nil && !errors.Is(err, latest.ErrSuperseded) && !errors.Is(err, context.Canceled) {
			s.log.Warn("Monitor pass failed", zap.Uint64("block", b.Number), zap.Error(err))
		}
	}()
}

func (s *Submitter) monitorPass(ctx context.Context, b events.Block) error {
	if s.Liveness != nil && !s.Liveness.IsAlive() {
		metrics.IncMonitorPassesSkipped()
		s.log.Warn("RPC is down, skipping monitor pass", zap.Uint64("block", b.Number))
		return nil
	}

	executed := make(map[common.Address]uint64)
	executedNonce := func(executor common.Address) (uint64, error) {
		if n, ok := executed[executor]; ok {
			return n, nil
		}
		n, err := chain.ExecutedNonce(ctx, s.Client, executor)
		if err != nil {
			return 0, err
		}
		executed[executor] = n
		return n, nil
	}

	for _, snap := range s.reg.unfinished() {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.keepClaim(ctx, snap.rec.intent.Hash)
		s.check(ctx, b, snap, executedNonce)
	}

	if n := s.reg.purge(s.cfg.FinalizedPurgeTime); n > 0 {
		s.log.Debug("Purged finished boops", zap.Int("count", n))
	}
	return nil
}

func (s *Submitter) check(ctx context.Context, b events.Block, snap snapshot, executedNonce func(common.Address) (uint64, error)) {
	cur := snap.current
	if cur == nil || (snap.state != boop.StateSubmitted && snap.state != boop.StateDropped) {
		return
	}
	if snap.state == boop.StateSubmitted && b.Number < snap.sentBlock+s.cfg.StuckBlocks {
		return
	}
	log := s.log.With(zap.String("boopHash", snap.rec.intent.Hash.Hex()), zap.String("txHash", cur.TxHash.Hex()))

	executed, err := executedNonce(cur.Executor)
	if err != nil {
		log.Warn("Failed to read executor nonce", zap.Error(err))
		return
	}
	if executed > cur.Nonce {
		s.checkInterrupted(ctx, snap)
		return
	}

	switch {
	case cur.Type != boop.AttemptCancellation && snap.rec.intent.Boop.Expired(b.Time()):
		log.Info("Boop deadline expired, cancelling")
		s.replace(ctx, snap, boop.AttemptCancellation)
	case snap.state == boop.StateDropped:
		s.resend(ctx, snap, b)
	case s.Oracle.ShouldBump(cur):
		log.Debug("Attempt is underpriced, bumping fees")
		s.replace(ctx, snap, boop.AttemptReplacement)
	default:
		s.resend(ctx, snap, b)
	}
}

// keepClaim extends the processing claim of an intent this instance is still
// working on, and takes it again if it expired unclaimed.
func (s *Submitter) keepClaim(ctx context.Context, hash common.Hash) {
	if s.Processing == nil {
		return
	}
	log := s.log.With(zap.String("boopHash", hash.Hex()))
	held, err := s.Processing.Refresh(ctx, hash)
	if err != nil {
		log.Warn("Failed to refresh processing claim", zap.Error(err))
		return
	}
	if held {
		return
	}
	claimed, err := s.Processing.Add(ctx, hash)
	switch {
	case err != nil:
		log.Warn("Failed to renew processing claim", zap.Error(err))
	case !claimed:
		log.Warn("Processing claim is held by another instance")
	}
}

// checkInterrupted handles an executor nonce that was consumed while the
// boop's receipt was not seen yet.
func (s *Submitter) checkInterrupted(ctx context.Context, snap snapshot) {
	rec := snap.rec
	s.reg.mu.Lock()
	attempts := append([]*boop.Attempt(nil), rec.attempts...)
	s.reg.mu.Unlock()

	for _, a := range attempts {
		receipt, err := s.Client.TransactionReceipt(ctx, a.TxHash)
		if err == nil && receipt != nil {
			s.onReceipt(rec, a, receipt)
			return
		}
	}

	// another transaction took the executor nonce: start over
	s.log.Warn("Attempt was interrupted, requeueing boop", zap.String("boopHash", rec.intent.Hash.Hex()))
	metrics.IncAttemptsDropped()
	if snap.state == boop.StateSubmitted {
		if err := s.setState(ctx, rec, boop.StateDropped); err != nil {
			return
		}
	}
	if err := s.setState(ctx, rec, boop.StateCreated); err != nil {
		return
	}
	b := rec.intent.Boop
	_ = s.BoopNonces.Invalidate(ctx, b.Account, uint64(b.NonceTrack))
	if err := s.Pool.Push(ctx, rec.intent); err != nil {
		s.finish(ctx, rec, boop.StateAbandoned, nil, err)
		return
	}
	metrics.IncQueueRequeuedBoops()
}

// resend broadcasts the current attempt again.
func (s *Submitter) resend(ctx context.Context, snap snapshot, b events.Block) {
	cur := snap.current
	if len(cur.RawTx) == 0 {
		s.replace(ctx, snap, boop.AttemptReplacement)
		return
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(cur.RawTx); err != nil {
		s.log.Error("Stored attempt is not a valid transaction", zap.String("txHash", cur.TxHash.Hex()), zap.Error(err))
		return
	}

	err := s.Client.SendTransaction(ctx, tx)
	switch {
	case err == nil, isAlreadyKnown(err):
		s.reg.recordAttempt(snap.rec, cur, true, b.Number)
		if snap.state == boop.StateDropped {
			_ = s.setState(ctx, snap.rec, boop.StateSubmitted)
		}
	case isUnderpriced(err):
		s.replace(ctx, snap, boop.AttemptReplacement)
	case isNonceTooLow(err):
		// picked up as interrupted on the next pass
		s.reg.touch(snap.rec, b.Number)
	default:
		s.log.Warn("Failed to resend attempt", zap.String("txHash", cur.TxHash.Hex()), zap.Error(err))
	}
}

// replace sends a new transaction with the executor nonce of the current
// attempt: a fee bump of the same boop or a cancellation.
func (s *Submitter) replace(ctx context.Context, snap snapshot, kind boop.AttemptType) {
	cur, rec := snap.current, snap.rec
	log := s.log.With(zap.String("boopHash", rec.intent.Hash.Hex()), zap.Uint64("nonce", cur.Nonce))

	if s.Replacements != nil {
		n, err := s.Replacements.IncReplacement(ctx, cur.Executor, cur.Nonce)
		if err != nil {
			log.Warn("Failed to count replacement", zap.Error(err))
		} else if n > s.cfg.MaxReplacements && kind != boop.AttemptCancellation {
			log.Warn("Too many replacements, waiting for inclusion", zap.Uint64("replacements", n))
			return
		}
	}

	signer, ok := s.Executors.Signer(cur.Executor)
	if !ok {
		log.Error("Unknown executor", zap.String("executor", cur.Executor.Hex()))
		return
	}
	maxFee, priority, err := s.Oracle.ReplacementFees(cur.MaxFeePerGas, cur.MaxPriorityFeePerGas)
	if err != nil {
		log.Warn("Failed to compute replacement fees", zap.Error(err))
		return
	}
	if err := s.setState(ctx, rec, boop.StateSubmitting); err != nil {
		return
	}
	attempt, err := s.broadcast(ctx, rec, snap.filled, cur.Gas, AttemptParams{
		Signer:               signer,
		Nonce:                cur.Nonce,
		Type:                 kind,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: priority,
	}, snap.state)
	if err != nil {
		log.Warn("Failed to replace attempt", zap.String("type", string(kind)), zap.Error(err))
		return
	}
	log.Info("Replaced attempt", zap.String("type", string(kind)),
		zap.String("old", cur.TxHash.Hex()), zap.String("new", attempt.TxHash.Hex()))
}

// Recover loads unfinished intents from the store. Intents with a flushed
// attempt are resent by the monitor, the others are queued again.
func (s *Submitter) Recover(ctx context.Context) (int, error) {
	stored, err := s.Repo.LoadUnfinished(ctx)
	if err != nil {
		return 0, err
	}
	head := s.headBlock().Number
	recovered := 0
	for _, si := range stored {
		if s.Processing != nil {
			claimed, err := s.Processing.Add(ctx, si.Intent.Hash)
			if err != nil {
				s.log.Warn("Failed to claim recovered boop", zap.String("boopHash", si.Intent.Hash.Hex()), zap.Error(err))
				continue
			}
			if !claimed {
				// another live instance is working on it
				continue
			}
		}
		recovered++
		last := si.LatestAttempt()
		if last != nil && last.Flushed && len(last.RawTx) > 0 {
			rec := s.reg.restore(si.Intent, boop.StateDropped)
			for _, a := range si.Attempts {
				if a != last {
					s.reg.recordAttempt(rec, a, true, head)
				}
			}
			s.reg.recordAttempt(rec, last, true, head)
			for _, a := range si.Attempts {
				s.watch(rec, a)
			}
			continue
		}

		rec := s.reg.restore(si.Intent, boop.StateCreated)
		if err := s.Pool.Push(ctx, si.Intent); err != nil {
			s.finish(ctx, rec, boop.StateAbandoned, nil, err)
		}
	}
	if len(stored) > 0 {
		s.log.Info("Recovered unfinished boops", zap.Int("count", recovered), zap.Int("skipped", len(stored)-recovered))
	}
	return recovered, nil
}
