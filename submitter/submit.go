package submitter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/happychain/boop-submitter/boop"
	"github.com/happychain/boop-submitter/metrics"
	"github.com/happychain/boop-submitter/store"
	"go.uber.org/zap"
)

type SubmitOptions struct {
	// EntryPoint defaults to the configured one.
	EntryPoint common.Address
	// Immediate triggers a collection pass instead of waiting for the next block.
	Immediate bool
}

// Submit admits a boop, simulates it and queues it for broadcast. It returns
// the boop hash once the boop is queued.
func (s *Submitter) Submit(ctx context.Context, b *boop.Boop, opts SubmitOptions) (common.Hash, error) {
	metrics.IncBoopsReceived()
	hash, err := s.submit(ctx, b, opts)
	if err != nil {
		metrics.IncBoopsRejected()
	}
	return hash, err
}

func (s *Submitter) submit(ctx context.Context, b *boop.Boop, opts SubmitOptions) (common.Hash, error) {
	entryPoint := opts.EntryPoint
	if entryPoint == (common.Address{}) {
		entryPoint = s.cfg.EntryPoint
	}
	if err := s.validateGasInput(b, true, boop.StageSubmit); err != nil {
		return common.Hash{}, err
	}
	explicitGas := b.HasAllGasLimits() && b.MaxFeeInt().Sign() > 0
	intent := boop.NewIntent(s.chainID, entryPoint, b, explicitGas)
	log := s.log.With(zap.String("boopHash", intent.Hash.Hex()))

	rec, prior, err := s.reg.admit(intent)
	if err != nil {
		return intent.Hash, err
	}
	reject := func(err error) (common.Hash, error) {
		s.reg.remove(rec)
		if s.Processing != nil {
			_ = s.Processing.Remove(ctx, intent.Hash)
		}
		return intent.Hash, err
	}

	if s.Processing != nil {
		claimed, err := s.Processing.Add(ctx, intent.Hash)
		if err != nil {
			s.reg.remove(rec)
			return intent.Hash, err
		}
		if !claimed {
			s.reg.remove(rec)
			return intent.Hash, boop.ErrAlreadyProcessing
		}
	}

	account, track := b.Account, uint64(b.NonceTrack)
	expected, err := s.BoopNonces.Peek(ctx, account, track)
	if err != nil {
		return reject(fmt.Errorf("%w: %v", boop.ErrRPC, err))
	}
	switch {
	case uint64(b.NonceValue) < expected && prior == nil:
		return reject(boop.OnchainFailure(boop.OnchainInvalidNonce, boop.StageSubmit,
			fmt.Sprintf("nonce %d was already used, expected %d", uint64(b.NonceValue), expected), nil))
	case uint64(b.NonceValue) > expected+s.cfg.MaxNonceAhead:
		return reject(boop.ErrNonceTooFarAhead)
	}

	if !explicitGas {
		out, err := s.simulate(ctx, entryPoint, b, intent.Hash, boop.StageSimulate)
		if err == nil {
			err = s.checkSimulation(b, out)
		}
		var outErr *boop.OutputError
		// a future nonce reverts in simulation until its predecessors land
		if errors.As(err, &outErr) && outErr.Status == string(boop.OnchainInvalidNonce) && uint64(b.NonceValue) > expected {
			err = nil
		}
		if err != nil {
			return reject(err)
		}
	}

	if err := s.Repo.SaveIntent(ctx, intent); err != nil {
		log.Error("Failed to save intent", zap.Error(err))
		return reject(err)
	}
	s.reportState(ctx, rec, "", boop.StateCreated)

	if prior != nil {
		if from, finished := s.reg.supersede(rec, prior); finished {
			s.afterFinish(ctx, prior, from, boop.StateReplaced)
			log.Info("Boop replaced a queued boop", zap.String("replaced", prior.intent.Hash.Hex()))
		}
	}

	if err := s.Pool.Push(ctx, intent); err != nil {
		log.Warn("Failed to queue boop", zap.Error(err))
		s.finish(ctx, rec, boop.StateAbandoned, nil, err)
		return intent.Hash, fmt.Errorf("%w: %v", boop.ErrOverCapacity, err)
	}
	if opts.Immediate && s.trigger != nil {
		s.trigger.Trigger(ctx)
	}
	log.Debug("Boop queued", zap.Bool("explicitGas", explicitGas), zap.Bool("replacement", prior != nil))
	return intent.Hash, nil
}

// Execute submits a boop and waits for its receipt.
func (s *Submitter) Execute(ctx context.Context, b *boop.Boop, opts SubmitOptions, timeout time.Duration) (*boop.Receipt, error) {
	hash, err := s.Submit(ctx, b, opts)
	if err != nil {
		return nil, err
	}
	rec := s.reg.get(hash)
	if rec == nil {
		return nil, boop.ErrUnknownBoop
	}

	timer := time.NewTimer(s.cfg.SubmitTimeout)
	defer timer.Stop()
	select {
	case <-rec.broadcast:
	case <-rec.done:
	case <-timer.C:
		return nil, boop.ErrSubmitTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.WaitForReceipt(ctx, hash, timeout)
}

// WaitForReceipt waits until the boop is finalized. Boops that finished
// earlier are answered from the store.
func (s *Submitter) WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*boop.Receipt, error) {
	if timeout <= 0 {
		timeout = s.cfg.ReceiptTimeout
	}
	rec := s.reg.get(hash)
	if rec == nil {
		receipt, err := s.Repo.GetReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, store.ErrReceiptNotFound) {
			return nil, err
		}
		if _, err := s.Repo.GetIntent(ctx, hash); err == nil {
			// known to another instance, or unfinished from before a restart
			return nil, boop.ErrReceiptTimeout
		}
		return nil, boop.ErrUnknownBoop
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-rec.done:
		if rec.err != nil {
			return nil, rec.err
		}
		return rec.receipt, nil
	case <-timer.C:
		metrics.IncReceiptTimeouts()
		return nil, boop.ErrReceiptTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Abandon stops processing an intent that was not broadcast, for example
// because its deadline passed while it was queued.
func (s *Submitter) Abandon(ctx context.Context, hash common.Hash, reason error) bool {
	rec := s.reg.get(hash)
	if rec == nil {
		return false
	}
	if s.reg.snapshot(rec).current != nil {
		return false
	}
	return s.finish(ctx, rec, boop.StateAbandoned, nil, reason)
}
