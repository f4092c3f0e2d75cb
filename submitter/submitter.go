// Package submitter drives boops from admission to a final receipt.
package submitter

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/happychain/boop-submitter/blockmonitor"
	"github.com/happychain/boop-submitter/boop"
	"github.com/happychain/boop-submitter/chain"
	"github.com/happychain/boop-submitter/events"
	"github.com/happychain/boop-submitter/gasprice"
	"github.com/happychain/boop-submitter/latest"
	"github.com/happychain/boop-submitter/metrics"
	"github.com/happychain/boop-submitter/nonce"
	"github.com/happychain/boop-submitter/receipts"
	"github.com/happychain/boop-submitter/simcache"
	"github.com/happychain/boop-submitter/simulator"
	"github.com/happychain/boop-submitter/store"
	"go.uber.org/zap"
)

const monitorSubscriberID = "submitter-monitor"

var ErrPriorNotBroadcast = errors.New("replaced boop has no broadcast attempt yet")

// IntentPool receives admitted intents until a collector picks them up.
type IntentPool interface {
	Push(ctx context.Context, intent *boop.Intent) error
}

// Trigger asks the collector to run a pass without waiting for the next block.
type Trigger interface {
	Trigger(ctx context.Context)
}

// ReplacementCounter limits fee bumps per executor nonce.
type ReplacementCounter interface {
	IncReplacement(ctx context.Context, executor common.Address, nonce uint64) (uint64, error)
	Reset(ctx context.Context, executor common.Address, nonce uint64) error
}

// ProcessingClaims marks intents as taken across submitter instances.
type ProcessingClaims interface {
	Add(ctx context.Context, hash common.Hash) (bool, error)
	// Refresh extends a claim this instance holds and reports whether it still does.
	Refresh(ctx context.Context, hash common.Hash) (bool, error)
	Remove(ctx context.Context, hash common.Hash) error
}

type SimulationCache = simcache.Cache[simcache.Key, *boop.SimulationOutput]

// Deps are the collaborators of a Submitter. Processing and Replacements are optional.
type Deps struct {
	Client         chain.EthClient
	Simulator      simulator.Backend
	Cache          *SimulationCache
	Oracle         *gasprice.Oracle
	BoopNonces     *nonce.Manager
	ExecutorNonces *nonce.Manager
	Executors      *ExecutorPool
	Tracker        *receipts.Tracker
	Repo           store.Repository
	Pool           IntentPool
	Hub            *events.Hub
	Liveness       *blockmonitor.Liveness
	Processing     ProcessingClaims
	Replacements   ReplacementCounter
}

type Submitter struct {
	log     *zap.Logger
	cfg     Config
	chainID *big.Int
	Deps

	reg     *registry
	trigger Trigger

	headMu sync.RWMutex
	head   events.Block

	monitor  latest.Serial
	watchers sync.WaitGroup
}

func New(log *zap.Logger, cfg Config, chainID *big.Int, deps Deps) (*Submitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Hub == nil {
		deps.Hub = events.NewHub()
	}
	return &Submitter{
		log:     log.Named("submitter"),
		cfg:     cfg,
		chainID: chainID,
		Deps:    deps,
		reg:     newRegistry(cfg.BufferLimit, cfg.MaxCapacity),
	}, nil
}

// SetTrigger connects the collector used for immediate submission.
func (s *Submitter) SetTrigger(t Trigger) {
	s.trigger = t
}

func (s *Submitter) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

func (s *Submitter) EntryPoint() common.Address {
	return s.cfg.EntryPoint
}

func (s *Submitter) headBlock() events.Block {
	s.headMu.RLock()
	defer s.headMu.RUnlock()
	return s.head
}

func (s *Submitter) setHead(b events.Block) {
	s.headMu.Lock()
	defer s.headMu.Unlock()
	if b.Number >= s.head.Number {
		s.head = b
	}
}

// setState transitions rec and reports the change.
func (s *Submitter) setState(ctx context.Context, rec *record, to boop.State) error {
	from, err := s.reg.transition(rec, to)
	if err != nil {
		s.log.Debug("Skipping state change", zap.String("boopHash", rec.intent.Hash.Hex()), zap.Error(err))
		return err
	}
	s.reportState(ctx, rec, from, to)
	return nil
}

// reportState persists the new state and publishes it. A failed save does not
// undo the transition.
func (s *Submitter) reportState(ctx context.Context, rec *record, from, to boop.State) {
	hash := rec.intent.Hash
	if err := s.Repo.SaveState(ctx, hash, to); err != nil {
		metrics.IncStatusSaveFailures()
		s.log.Error("Failed to save boop state", zap.String("boopHash", hash.Hex()), zap.String("state", string(to)), zap.Error(err))
		var txHash common.Hash
		if cur := s.reg.snapshot(rec).current; cur != nil {
			txHash = cur.TxHash
		}
		_ = s.Hub.SaveFailed.Publish(ctx, events.SaveFailure{BoopHash: hash, TxHash: txHash, Err: err})
	}
	_ = s.Hub.StatusChange.Publish(ctx, events.StatusChange{BoopHash: hash, From: from, To: to, At: time.Now()})
}

// finish ends processing of rec. Only the first outcome counts.
func (s *Submitter) finish(ctx context.Context, rec *record, state boop.State, receipt *boop.Receipt, err error) bool {
	from, ok := s.reg.finish(rec, state, receipt, err)
	if !ok {
		return false
	}
	s.afterFinish(ctx, rec, from, state)
	return true
}

func (s *Submitter) afterFinish(ctx context.Context, rec *record, from, to boop.State) {
	s.reportState(ctx, rec, from, to)
	if s.Processing != nil {
		if err := s.Processing.Remove(ctx, rec.intent.Hash); err != nil {
			s.log.Warn("Failed to release processing claim", zap.String("boopHash", rec.intent.Hash.Hex()), zap.Error(err))
		}
	}
	outcome := string(to)
	if receipt := rec.receipt; receipt != nil {
		outcome = string(receipt.Status)
	} else if rec.err != nil {
		outcome = boop.OutputFromError(rec.err, boop.StageSubmit).Status
	}
	metrics.IncBoopStatus(outcome)
}

// State is what the engine knows about a boop.
type State struct {
	Hash       common.Hash            `json:"hash"`
	Boop       *boop.Boop             `json:"boop,omitempty"`
	State      boop.State             `json:"state"`
	Submitted  bool                   `json:"submitted"`
	Simulation *boop.SimulationOutput `json:"simulation,omitempty"`
	Receipt    *boop.Receipt          `json:"receipt,omitempty"`
	Attempt    *boop.Attempt          `json:"attempt,omitempty"`
	Error      *boop.OutputError      `json:"error,omitempty"`
}

// GetState looks up a boop in memory first and then in the store.
func (s *Submitter) GetState(ctx context.Context, hash common.Hash) (*State, error) {
	if rec := s.reg.get(hash); rec != nil {
		s.reg.mu.Lock()
		st := &State{
			Hash:       hash,
			Boop:       rec.intent.Boop,
			State:      rec.state,
			Submitted:  rec.broadcasted,
			Simulation: rec.simulation,
			Receipt:    rec.receipt,
			Attempt:    rec.current,
		}
		if rec.err != nil {
			st.Error = boop.OutputFromError(rec.err, boop.StageSubmit)
		}
		s.reg.mu.Unlock()
		return st, nil
	}

	stored, err := s.Repo.GetIntent(ctx, hash)
	if errors.Is(err, store.ErrIntentNotFound) {
		return nil, boop.ErrUnknownBoop
	}
	if err != nil {
		return nil, err
	}
	st := &State{Hash: hash, Boop: stored.Intent.Boop, State: stored.State, Attempt: stored.LatestAttempt()}
	st.Submitted = st.Attempt != nil
	if stored.State.Finalized() {
		receipt, err := s.Repo.GetReceipt(ctx, hash)
		if err != nil && !errors.Is(err, store.ErrReceiptNotFound) {
			return nil, err
		}
		st.Receipt = receipt
	}
	return st, nil
}

// Pending lists the unfinished boops of an account ordered by (track, nonce).
func (s *Submitter) Pending(ctx context.Context, account common.Address) ([]*State, error) {
	stored, err := s.Repo.PendingByAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	out := make([]*State, 0, len(stored))
	for _, si := range stored {
		st := &State{Hash: si.Intent.Hash, Boop: si.Intent.Boop, State: si.State, Attempt: si.LatestAttempt()}
		if rec := s.reg.get(si.Intent.Hash); rec != nil {
			snap := s.reg.snapshot(rec)
			st.State, st.Attempt = snap.state, snap.current
		}
		st.Submitted = st.Attempt != nil
		out = append(out, st)
	}
	return out, nil
}

// Stats reports the number of unfinished and of tracked intents.
func (s *Submitter) Stats() (active int, tracked int) {
	return s.reg.counts()
}

// Wait blocks until all receipt watchers have returned.
func (s *Submitter) Wait() {
	s.watchers.Wait()
}
