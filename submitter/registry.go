package submitter

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/happychain/boop-submitter/boop"
	"github.com/happychain/boop-submitter/nonce"
)

// record is the in-memory view of an admitted intent.
type record struct {
	intent *boop.Intent

	// guarded by registry.mu
	state      boop.State
	filled     *boop.Boop
	txGas      uint64
	simulation *boop.SimulationOutput
	current    *boop.Attempt
	attempts   []*boop.Attempt
	sentBlock  uint64
	// replaces is the intent this one takes the nonce slot of
	replaces    *record
	finished    bool
	finishedAt  time.Time
	receipt     *boop.Receipt
	err         error
	broadcasted bool

	broadcast chan struct{}
	done      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func newRecord(intent *boop.Intent, state boop.State) *record {
	ctx, cancel := context.WithCancel(context.Background())
	return &record{
		intent:    intent,
		state:     state,
		filled:    intent.Boop,
		broadcast: make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// registry enforces admission limits and owns the state of every unfinished intent.
type registry struct {
	mu       sync.Mutex
	byHash   map[common.Hash]*record
	bySlot   map[boop.Slot]*record
	perTrack map[nonce.Key]int
	active   int

	bufferLimit int
	capacity    int
}

func newRegistry(bufferLimit, capacity int) *registry {
	return &registry{
		byHash:      make(map[common.Hash]*record),
		bySlot:      make(map[boop.Slot]*record),
		perTrack:    make(map[nonce.Key]int),
		bufferLimit: bufferLimit,
		capacity:    capacity,
	}
}

func trackKey(intent *boop.Intent) nonce.Key {
	return nonce.Key{Account: intent.Boop.Account, Track: uint64(intent.Boop.NonceTrack)}
}

// admit registers a new intent and returns the unfinished intent occupying
// the same nonce slot, if any. Replacing a slot does not count against the
// limits. Admission never talks to the chain.
func (r *registry) admit(intent *boop.Intent) (*record, *record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byHash[intent.Hash]; ok && !existing.finished {
		return nil, nil, boop.ErrAlreadyProcessing
	}

	prior := r.bySlot[intent.Slot()]
	if prior != nil && prior.finished {
		prior = nil
	}
	if prior == nil {
		if r.active >= r.capacity {
			return nil, nil, boop.ErrOverCapacity
		}
		if r.perTrack[trackKey(intent)] >= r.bufferLimit {
			return nil, nil, boop.ErrBufferExceeded
		}
	}

	rec := newRecord(intent, boop.StateCreated)
	rec.replaces = prior
	r.insertLocked(rec)
	return rec, prior, nil
}

// supersede lets rec take over the slot of prior. A prior that was not handed
// to the network yet is finished as replaced right away and finished is set;
// otherwise rec will reuse the executor nonce of prior.
func (r *registry) supersede(rec, prior *record) (from boop.State, finished bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prior.finished {
		return prior.state, false
	}
	switch prior.state {
	case boop.StateCreated, boop.StateSimulating, boop.StateSimulated:
		return r.finishLocked(prior, boop.StateReplaced, nil, &boop.ReplacedError{Old: prior.intent.Hash, New: rec.intent.Hash})
	}
	return prior.state, false
}

// restore registers an intent loaded from the store, bypassing the limits.
func (r *registry) restore(intent *boop.Intent, state boop.State) *record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byHash[intent.Hash]; ok {
		return existing
	}
	rec := newRecord(intent, state)
	r.insertLocked(rec)
	return rec
}

func (r *registry) insertLocked(rec *record) {
	r.byHash[rec.intent.Hash] = rec
	r.bySlot[rec.intent.Slot()] = rec
	r.perTrack[trackKey(rec.intent)]++
	r.active++
}

// releaseLocked frees the admission slots held by rec.
func (r *registry) releaseLocked(rec *record) {
	k := trackKey(rec.intent)
	if r.perTrack[k]--; r.perTrack[k] <= 0 {
		delete(r.perTrack, k)
	}
	r.active--
	if r.bySlot[rec.intent.Slot()] != rec {
		return
	}
	delete(r.bySlot, rec.intent.Slot())
	if rec.replaces != nil && !rec.replaces.finished {
		// the replaced intent gets the slot back
		r.bySlot[rec.intent.Slot()] = rec.replaces
	}
}

// remove forgets an intent that was rejected before it was persisted.
func (r *registry) remove(rec *record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byHash[rec.intent.Hash] != rec {
		return
	}
	delete(r.byHash, rec.intent.Hash)
	if !rec.finished {
		r.releaseLocked(rec)
	}
	rec.cancel()
}

func (r *registry) get(hash common.Hash) *record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byHash[hash]
}

// transition moves rec to a new state. It returns the previous state.
func (r *registry) transition(rec *record, to boop.State) (boop.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(rec, to)
}

func (r *registry) transitionLocked(rec *record, to boop.State) (boop.State, error) {
	from := rec.state
	if rec.finished {
		return from, boop.ErrIllegalTransition
	}
	next, err := from.Transition(to)
	if err != nil {
		return from, err
	}
	rec.state = next
	return from, nil
}

// finish marks rec as done with the given outcome. Only the first call wins.
func (r *registry) finish(rec *record, state boop.State, receipt *boop.Receipt, err error) (boop.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishLocked(rec, state, receipt, err)
}

func (r *registry) finishLocked(rec *record, state boop.State, receipt *boop.Receipt, err error) (boop.State, bool) {
	if rec.finished {
		return rec.state, false
	}
	from := rec.state
	rec.state = state
	rec.receipt = receipt
	rec.err = err
	rec.finished = true
	rec.finishedAt = time.Now()
	r.releaseLocked(rec)
	close(rec.done)
	rec.cancel()
	return from, true
}

// recordAttempt makes attempt the current one of rec. A previous attempt with
// the same executor nonce is marked as replaced and returned.
func (r *registry) recordAttempt(rec *record, attempt *boop.Attempt, broadcast bool, block uint64) *boop.Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	var prev *boop.Attempt
	if cur := rec.current; cur != nil && cur.TxHash != attempt.TxHash && cur.Executor == attempt.Executor && cur.Nonce == attempt.Nonce {
		replacedBy := attempt.TxHash
		cur.ReplacedBy = &replacedBy
		prev = cur
	}
	if rec.current == nil || rec.current.TxHash != attempt.TxHash {
		rec.attempts = append(rec.attempts, attempt)
	}
	rec.current = attempt
	rec.sentBlock = block
	if broadcast && !rec.broadcasted {
		rec.broadcasted = true
		close(rec.broadcast)
	}
	return prev
}

// markReplaced records that the current attempt of rec was superseded by txHash.
func (r *registry) markReplaced(rec *record, txHash common.Hash) *boop.Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.current == nil {
		return nil
	}
	rec.current.ReplacedBy = &txHash
	return rec.current
}

// touch restarts the stuck timer of rec after a resend.
func (r *registry) touch(rec *record, block uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.sentBlock = block
}

func (r *registry) setPrepared(rec *record, out *boop.SimulationOutput, filled *boop.Boop, txGas uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.simulation = out
	rec.filled = filled
	rec.txGas = txGas
}

func (r *registry) setFilled(rec *record, filled *boop.Boop) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.filled = filled
}

// snapshot is a consistent copy of the fields the monitor needs.
type snapshot struct {
	rec       *record
	state     boop.State
	current   *boop.Attempt
	filled    *boop.Boop
	sentBlock uint64
	txGas     uint64
	finished  bool
}

func (r *registry) snapshot(rec *record) snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return rec.snapshotLocked()
}

func (rec *record) snapshotLocked() snapshot {
	return snapshot{
		rec:       rec,
		state:     rec.state,
		current:   rec.current,
		filled:    rec.filled,
		sentBlock: rec.sentBlock,
		txGas:     rec.txGas,
		finished:  rec.finished,
	}
}

func (r *registry) unfinished() []snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]snapshot, 0, r.active)
	for _, rec := range r.byHash {
		if rec.finished {
			continue
		}
		out = append(out, rec.snapshotLocked())
	}
	return out
}

// purge drops finished intents older than age. Waiters that still hold a
// record keep working, later lookups fall back to the store.
func (r *registry) purge(age time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-age)
	purged := 0
	for h, rec := range r.byHash {
		if rec.finished && rec.finishedAt.Before(cutoff) {
			delete(r.byHash, h)
			purged++
		}
	}
	return purged
}

func (r *registry) counts() (active int, tracked int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, len(r.byHash)
}
