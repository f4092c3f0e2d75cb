package submitter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/happychain/boop-submitter/boop"
	"github.com/happychain/boop-submitter/chain"
	"github.com/happychain/boop-submitter/events"
	"github.com/happychain/boop-submitter/metrics"
	"github.com/happychain/boop-submitter/receipts"
	"go.uber.org/zap"
)

const finalizeTimeout = 10 * time.Second

// AttemptParams describe the transaction carrying an intent. Nil fees are
// taken from the gas price oracle.
type AttemptParams struct {
	Signer               chain.Signer
	Nonce                uint64
	Type                 boop.AttemptType
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// AttemptError is returned by Attempt. Flushed is set once the executor nonce
// may have reached the network and must not be handed out again.
type AttemptError struct {
	Err     error
	Flushed bool
}

func (e *AttemptError) Error() string {
	return e.Err.Error()
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

// Flushed reports whether err was returned after the transaction was handed to the network.
func Flushed(err error) bool {
	var ae *AttemptError
	return errors.As(err, &ae) && ae.Flushed
}

// Claimable reports whether the collector should process the intent. Intents
// that finished or are already in flight are skipped.
func (s *Submitter) Claimable(hash common.Hash) bool {
	rec := s.reg.get(hash)
	if rec == nil {
		return false
	}
	snap := s.reg.snapshot(rec)
	return !snap.finished && snap.state == boop.StateCreated
}

// PlanAttempt picks the executor of an intent. When the intent replaces a
// broadcast one, the returned params reuse its executor nonce with bumped fees
// and reuse is true: no new executor nonce must be consumed.
func (s *Submitter) PlanAttempt(intent *boop.Intent) (AttemptParams, bool, error) {
	rec := s.reg.get(intent.Hash)
	if rec == nil {
		return AttemptParams{}, false, boop.ErrUnknownBoop
	}
	if prior := rec.replaces; prior != nil {
		snap := s.reg.snapshot(prior)
		if !snap.finished {
			if snap.current == nil {
				return AttemptParams{}, false, ErrPriorNotBroadcast
			}
			signer, ok := s.Executors.Signer(snap.current.Executor)
			if !ok {
				return AttemptParams{}, false, fmt.Errorf("unknown executor %s", snap.current.Executor.Hex())
			}
			maxFee, priority, err := s.Oracle.ReplacementFees(snap.current.MaxFeePerGas, snap.current.MaxPriorityFeePerGas)
			if err != nil {
				return AttemptParams{}, false, err
			}
			return AttemptParams{
				Signer:               signer,
				Nonce:                snap.current.Nonce,
				Type:                 boop.AttemptReplacement,
				MaxFeePerGas:         maxFee,
				MaxPriorityFeePerGas: priority,
			}, true, nil
		}
	}
	signer := s.Executors.Pick(intent.Boop.Account, uint64(intent.Boop.NonceTrack))
	return AttemptParams{Signer: signer, Type: boop.AttemptOriginal}, false, nil
}

// Attempt simulates the intent if needed and broadcasts it with the given
// executor nonce.
func (s *Submitter) Attempt(ctx context.Context, intent *boop.Intent, p AttemptParams) (*boop.Attempt, error) {
	rec := s.reg.get(intent.Hash)
	if rec == nil {
		return nil, &AttemptError{Err: boop.ErrUnknownBoop}
	}
	start := time.Now()
	defer func() {
		metrics.RecordSubmitDuration(time.Since(start).Milliseconds())
	}()

	filled, txGas, err := s.prepare(ctx, rec)
	if err != nil {
		return nil, &AttemptError{Err: err}
	}
	return s.broadcast(ctx, rec, filled, txGas, p, boop.StateCreated)
}

// prepare moves rec to Submitting and returns the boop to put on chain.
func (s *Submitter) prepare(ctx context.Context, rec *record) (*boop.Boop, uint64, error) {
	intent := rec.intent
	if s.Oracle.AboveLimit() {
		err := boop.SubmitterFailure(boop.SubmitterGasPriceTooHigh, boop.StageSubmit, errGasAboveLimit)
		s.finish(ctx, rec, boop.StateSimulationFailed, nil, err)
		return nil, 0, err
	}

	if intent.ExplicitGas {
		if err := s.setState(ctx, rec, boop.StateSubmitting); err != nil {
			return nil, 0, err
		}
		s.reg.setPrepared(rec, nil, intent.Boop, uint64(intent.Boop.GasLimit))
		return intent.Boop, uint64(intent.Boop.GasLimit), nil
	}

	if err := s.setState(ctx, rec, boop.StateSimulating); err != nil {
		return nil, 0, err
	}
	out, err := s.simulate(ctx, intent.EntryPoint, intent.Boop, intent.Hash, boop.StageSubmit)
	if err == nil {
		err = s.checkSimulation(intent.Boop, out)
	}
	if err != nil {
		var outErr *boop.OutputError
		switch {
		case errors.As(err, &outErr) && outErr.Status == string(boop.OnchainInvalidNonce):
			// the boop nonce moved on chain: resync and let the collector decide
			if rerr := s.BoopNonces.ResyncIfTooLow(ctx, intent.Boop.Account, uint64(intent.Boop.NonceTrack)); rerr != nil {
				s.log.Warn("Failed to resync boop nonce", zap.String("boopHash", intent.Hash.Hex()), zap.Error(rerr))
			}
			metrics.IncNonceResyncs()
			_ = s.setState(ctx, rec, boop.StateCreated)
			return nil, 0, boop.ErrNonceTooLow
		case errors.As(err, &outErr):
			s.finish(ctx, rec, boop.StateSimulationFailed, nil, outErr)
		default:
			_ = s.setState(ctx, rec, boop.StateCreated)
		}
		return nil, 0, err
	}

	filled := intent.Boop
	if !intent.Boop.SelfPaying() {
		filled = intent.Boop.WithGas(out)
	}
	txGas := uint64(out.Gas)
	if g := uint64(filled.GasLimit); g > txGas {
		txGas = g
	}
	s.reg.setPrepared(rec, out, filled, txGas)
	if filled != intent.Boop {
		stored := *intent
		stored.Boop = filled
		if err := s.Repo.SaveIntent(ctx, &stored); err != nil {
			s.log.Warn("Failed to save simulated gas values", zap.String("boopHash", intent.Hash.Hex()), zap.Error(err))
		}
	}
	if err := s.setState(ctx, rec, boop.StateSimulated); err != nil {
		return nil, 0, err
	}
	if err := s.setState(ctx, rec, boop.StateSubmitting); err != nil {
		return nil, 0, err
	}
	return filled, txGas, nil
}

var errGasAboveLimit = errors.New("the network gas price is above the submitter's limit")

// checkSimulation applies the submission policy to a successful simulation.
func (s *Submitter) checkSimulation(b *boop.Boop, out *boop.SimulationOutput) error {
	switch {
	case out.ValidityUnknownDuringSimulation || out.PaymentValidityUnknownDuringSimulation:
		return boop.OnchainFailure(boop.OnchainValidationReverted, boop.StageSubmit,
			"More information needed for the boop to pass validation, most likely a signature", nil)
	case out.FeeTooLowDuringSimulation:
		return boop.OnchainFailure(boop.OnchainGasPriceTooLow, boop.StageSubmit,
			fmt.Sprintf("The onchain gas price is higher than the specified maxFeePerGas (%s wei/gas)", b.MaxFeeInt()), nil)
	case out.FeeTooHighDuringSimulation:
		return boop.SubmitterFailure(boop.SubmitterGasPriceTooHigh, boop.StageSubmit, errGasAboveLimit)
	}
	return nil
}

// broadcast signs, persists and sends one transaction for rec. On failures
// before the send, rec goes back to fallback.
func (s *Submitter) broadcast(ctx context.Context, rec *record, filled *boop.Boop, txGas uint64, p AttemptParams, fallback boop.State) (*boop.Attempt, error) {
	hash := rec.intent.Hash
	fail := func(err error, flushed bool) (*boop.Attempt, error) {
		_ = s.setState(ctx, rec, fallback)
		return nil, &AttemptError{Err: err, Flushed: flushed}
	}

	maxFee, priority := p.MaxFeePerGas, p.MaxPriorityFeePerGas
	if maxFee == nil || priority == nil {
		var err error
		if maxFee, priority, err = s.suggestFees(ctx); err != nil {
			return fail(err, false)
		}
	}
	if p.Type != boop.AttemptCancellation {
		filled, maxFee = feeCap(rec.intent.Boop, filled, maxFee)
	}
	if priority.Cmp(maxFee) > 0 {
		priority = new(big.Int).Set(maxFee)
	}

	executor := p.Signer.Address()
	to, gas := rec.intent.EntryPoint, txGas
	var data []byte
	if p.Type == boop.AttemptCancellation {
		to, gas = executor, params.TxGas
	} else {
		var err error
		if data, err = chain.PackSubmit(filled); err != nil {
			return fail(err, false)
		}
	}

	signed, err := p.Signer.SignTx(ctx, types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     p.Nonce,
		GasTipCap: priority,
		GasFeeCap: maxFee,
		Gas:       gas,
		To:        &to,
		Value:     new(big.Int),
		Data:      data,
	}))
	if err != nil {
		return fail(err, false)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return fail(err, false)
	}

	attempt := &boop.Attempt{
		BoopHash:             hash,
		TxHash:               signed.Hash(),
		Executor:             executor,
		Nonce:                p.Nonce,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: priority,
		Gas:                  gas,
		Type:                 p.Type,
		CreatedAt:            time.Now(),
		Flushed:              true,
		RawTx:                raw,
	}
	// persisted before the send so a restart can resume it
	if err := s.Repo.SaveAttempt(ctx, attempt); err != nil {
		s.log.Error("Failed to save attempt", zap.String("boopHash", hash.Hex()), zap.Error(err))
		_ = s.Hub.SaveFailed.Publish(ctx, events.SaveFailure{BoopHash: hash, TxHash: attempt.TxHash, Err: err})
		return fail(err, false)
	}

	sendErr := s.Client.SendTransaction(ctx, signed)
	switch {
	case sendErr == nil, isAlreadyKnown(sendErr):
	case isNonceTooLow(sendErr):
		if err := s.ExecutorNonces.ResyncIfTooLow(ctx, executor, 0); err != nil {
			s.log.Warn("Failed to resync executor nonce", zap.String("executor", executor.Hex()), zap.Error(err))
		}
		metrics.IncNonceResyncs()
		return fail(fmt.Errorf("%w: %v", boop.ErrNonceTooLow, sendErr), true)
	case isUnderpriced(sendErr) && p.Type != boop.AttemptOriginal:
		return fail(fmt.Errorf("%w: send: %v", boop.ErrRPC, sendErr), true)
	default:
		s.log.Warn("Failed to broadcast attempt, will resend",
			zap.String("boopHash", hash.Hex()), zap.String("txHash", attempt.TxHash.Hex()), zap.Error(sendErr))
		s.reg.setFilled(rec, filled)
		s.reg.recordAttempt(rec, attempt, false, s.headBlock().Number)
		if _, err := s.reg.transition(rec, boop.StateDropped); err == nil {
			s.reportState(ctx, rec, boop.StateSubmitting, boop.StateDropped)
		}
		metrics.IncAttemptsDropped()
		s.watch(rec, attempt)
		return attempt, &AttemptError{Err: fmt.Errorf("%w: send: %v", boop.ErrRPC, sendErr), Flushed: true}
	}

	s.reg.setFilled(rec, filled)
	s.onBroadcast(ctx, rec, attempt)
	return attempt, nil
}

func (s *Submitter) onBroadcast(ctx context.Context, rec *record, attempt *boop.Attempt) {
	hash := rec.intent.Hash
	if prev := s.reg.recordAttempt(rec, attempt, true, s.headBlock().Number); prev != nil {
		if err := s.Repo.SaveAttempt(ctx, prev); err != nil {
			s.log.Warn("Failed to save replaced attempt", zap.String("txHash", prev.TxHash.Hex()), zap.Error(err))
		}
	}
	_ = s.setState(ctx, rec, boop.StateSubmitted)
	metrics.IncAttemptsBroadcast()
	s.log.Debug("Broadcast attempt",
		zap.String("boopHash", hash.Hex()), zap.String("txHash", attempt.TxHash.Hex()),
		zap.String("type", string(attempt.Type)), zap.Uint64("nonce", attempt.Nonce))

	if attempt.Type != boop.AttemptCancellation {
		b := rec.intent.Boop
		if err := s.BoopNonces.Hint(ctx, b.Account, uint64(b.NonceTrack), uint64(b.NonceValue)+1); err != nil {
			s.log.Debug("Failed to hint boop nonce", zap.Error(err))
		}
	}

	if prior := rec.replaces; prior != nil && attempt.Type == boop.AttemptReplacement && !s.reg.snapshot(prior).finished {
		if prev := s.reg.markReplaced(prior, attempt.TxHash); prev != nil {
			_ = s.Repo.SaveAttempt(ctx, prev)
		}
		if s.finish(ctx, prior, boop.StateReplaced, nil, &boop.ReplacedError{Old: prior.intent.Hash, New: hash}) {
			metrics.IncAttemptsReplaced()
		}
	}
	s.watch(rec, attempt)
}

// watch waits for the receipt of one attempt until rec finishes.
func (s *Submitter) watch(rec *record, attempt *boop.Attempt) {
	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		for {
			receipt, err := s.Tracker.WaitForReceipt(rec.ctx, attempt.TxHash, s.cfg.ReceiptTimeout)
			if err == nil {
				s.onReceipt(rec, attempt, receipt)
				return
			}
			if rec.ctx.Err() != nil {
				return
			}
			// timeouts are handled by the monitor, keep waiting
		}
	}()
}

func (s *Submitter) onReceipt(rec *record, attempt *boop.Attempt, receipt *types.Receipt) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	b := rec.intent.Boop
	account, track := b.Account, uint64(b.NonceTrack)

	if s.Replacements != nil {
		if err := s.Replacements.Reset(ctx, attempt.Executor, attempt.Nonce); err != nil {
			s.log.Debug("Failed to reset replacement count", zap.Error(err))
		}
	}

	if attempt.Type == boop.AttemptCancellation {
		if s.finish(ctx, rec, boop.StateAbandoned, nil, boop.ErrDeadlineExpired) {
			metrics.IncAttemptsCancelled()
			_ = s.BoopNonces.Invalidate(ctx, account, track)
		}
		return
	}

	snap := s.reg.snapshot(rec)
	r := receipts.Classify(rec.intent.Hash, snap.filled, receipt, rec.intent.EntryPoint, attempt.Gas)
	state := boop.StateIncluded
	if r.Status != boop.OnchainSuccess {
		state = boop.StateReverted
	}
	if err := s.Repo.SaveReceipt(ctx, r); err != nil {
		s.log.Error("Failed to save receipt", zap.String("boopHash", rec.intent.Hash.Hex()), zap.Error(err))
		_ = s.Hub.SaveFailed.Publish(ctx, events.SaveFailure{BoopHash: rec.intent.Hash, TxHash: attempt.TxHash, Err: err})
	}

	switch r.Status {
	case boop.OnchainUnexpectedReverted, boop.OnchainEntryPointOutOfGas:
		// the whole transaction reverted, the boop nonce was not used
		_ = s.BoopNonces.Invalidate(ctx, account, track)
	default:
		_ = s.BoopNonces.Hint(ctx, account, track, uint64(b.NonceValue)+1)
	}
	if s.finish(ctx, rec, state, r, nil) {
		s.log.Info("Boop finalized", zap.String("boopHash", rec.intent.Hash.Hex()),
			zap.String("status", string(r.Status)), zap.String("txHash", receipt.TxHash.Hex()))
	}
}

// feeCap keeps maxFee within what the encoded boop allows. A fee the account
// left to the submitter is raised along with the transaction instead.
func feeCap(original, filled *boop.Boop, maxFee *big.Int) (*boop.Boop, *big.Int) {
	limit := filled.MaxFeeInt()
	if limit.Sign() == 0 || maxFee.Cmp(limit) <= 0 {
		return filled, maxFee
	}
	if original.MaxFeeInt().Sign() > 0 {
		return filled, limit
	}
	raised := *filled
	raised.MaxFeePerGas = (*hexutil.Big)(new(big.Int).Set(maxFee))
	return &raised, maxFee
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "already imported")
}

func isNonceTooLow(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

func isUnderpriced(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "underpriced") || strings.Contains(msg, "replacement transaction")
}
