package submitter

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/happychain/boop-submitter/boop"
	"github.com/happychain/boop-submitter/chain"
	"github.com/happychain/boop-submitter/chain/chaintest"
	"github.com/happychain/boop-submitter/events"
	"github.com/happychain/boop-submitter/gasprice"
	"github.com/happychain/boop-submitter/intentqueue"
	"github.com/happychain/boop-submitter/nonce"
	"github.com/happychain/boop-submitter/receipts"
	"github.com/happychain/boop-submitter/simcache"
	"github.com/happychain/boop-submitter/simulator"
	"github.com/happychain/boop-submitter/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const executorKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var (
	testChainID    = big.NewInt(216)
	testEntryPoint = common.HexToAddress("0x00000000000000000000000000000000000000e9")
	testAccount    = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

type fakeSimulator struct {
	mu      sync.Mutex
	calls   int
	result  func(b *boop.Boop) (*simulator.Result, error)
	balance *big.Int
}

func (f *fakeSimulator) SimulateSubmit(_ context.Context, _ common.Address, b *boop.Boop) (*simulator.Result, error) {
	f.mu.Lock()
	f.calls++
	result := f.result
	f.mu.Unlock()
	if result != nil {
		return result(b)
	}
	return &simulator.Result{Output: &chain.SubmitOutput{
		Gas:         100_000,
		ValidateGas: 20_000,
		ExecuteGas:  40_000,
		CallStatus:  uint8(chain.CallSucceeded),
		RevertData:  []byte{},
	}}, nil
}

func (f *fakeSimulator) Balance(context.Context, common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balance == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeSimulator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type boopNonceSource struct {
	mu     sync.Mutex
	nonces map[nonce.Key]uint64
}

func (s *boopNonceSource) Nonce(_ context.Context, account common.Address, track uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonces[nonce.Key{Account: account, Track: track}], nil
}

func (s *boopNonceSource) set(account common.Address, track, n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonces[nonce.Key{Account: account, Track: track}] = n
}

type harness struct {
	t          *testing.T
	cfg        Config
	sub        *Submitter
	client     *chaintest.Client
	sim        *fakeSimulator
	boopSource *boopNonceSource
	pool       *intentqueue.MemoryQueue
	repo       *store.MemoryBackend
	oracle     *gasprice.Oracle
	tracker    *receipts.Tracker
	executor   chain.Signer
	executors  *ExecutorPool
	processing ProcessingClaims
	block      events.Block
}

const baseFee = 1_000_000_000

func newHarness(t *testing.T, mutate func(cfg *Config)) *harness {
	t.Helper()
	log := zap.NewNop()
	cfg := DefaultConfig
	cfg.EntryPoint = testEntryPoint
	cfg.ReceiptTimeout = 100 * time.Millisecond
	cfg.SubmitTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	client := chaintest.NewClient(testChainID.Int64())
	header := client.SetHead(1, baseFee, 15_000_000, 30_000_000)
	block := events.BlockFromHeader(header)

	oracle := gasprice.NewOracle(log, gasprice.Config{
		Params:               gasprice.MainnetParams,
		BaseFeeMarginPercent: 20,
		MaxPriorityFeePerGas: big.NewInt(1_000),
	}, nil)
	oracle.OnNewBlock(block)

	signer, err := chain.NewKeySigner(executorKey, testChainID)
	require.NoError(t, err)
	executors, err := NewExecutorPool(time.Minute, signer)
	require.NoError(t, err)

	h := &harness{
		t:          t,
		client:     client,
		sim:        &fakeSimulator{},
		boopSource: &boopNonceSource{nonces: make(map[nonce.Key]uint64)},
		pool:       intentqueue.NewMemoryQueue(intentqueue.DefaultQueueConfig),
		repo:       store.NewMemoryBackend(),
		oracle:     oracle,
		executor:   signer,
		block:      block,
	}
	h.tracker = receipts.NewTracker(log, client, nil)
	h.cfg = cfg
	h.executors = executors
	h.sub = h.build()
	return h
}

// build creates a submitter on top of the harness chain, store and pool.
// Nonce managers and caches start empty, as after a restart.
func (h *harness) build() *Submitter {
	h.t.Helper()
	log := zap.NewNop()
	sub, err := New(log, h.cfg, testChainID, Deps{
		Client:         h.client,
		Simulator:      h.sim,
		Cache:          simcache.New[simcache.Key, *boop.SimulationOutput](simcache.Config{Capacity: 100, TTL: time.Minute}),
		Oracle:         h.oracle,
		BoopNonces:     nonce.NewManager(log, h.boopSource),
		ExecutorNonces: nonce.NewManager(log, &chain.PendingNonceSource{Client: h.client}),
		Executors:      h.executors,
		Tracker:        h.tracker,
		Repo:           h.repo,
		Pool:           h.pool,
		Processing:     h.processing,
	})
	require.NoError(h.t, err)
	sub.setHead(h.block)
	h.t.Cleanup(func() {
		sub.reg.mu.Lock()
		for _, rec := range sub.reg.byHash {
			rec.cancel()
		}
		sub.reg.mu.Unlock()
		sub.Wait()
	})
	return sub
}

func testBoop(nonceValue uint64) *boop.Boop {
	return &boop.Boop{
		Account:      testAccount,
		Dest:         common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Value:        (*hexutil.Big)(big.NewInt(0)),
		NonceValue:   hexutil.Uint64(nonceValue),
		MaxFeePerGas: (*hexutil.Big)(big.NewInt(0)),
		CallData:     hexutil.MustDecode("0xdeadbeef"),
	}
}

// dispatch does what the collector does for every queued intent.
func (h *harness) dispatch() []*boop.Attempt {
	h.t.Helper()
	ctx := context.Background()
	intents, err := h.pool.Collect(ctx, h.block)
	require.NoError(h.t, err)

	var attempts []*boop.Attempt
	for _, intent := range intents {
		params, reuse, err := h.sub.PlanAttempt(intent)
		require.NoError(h.t, err)
		if !reuse {
			params.Nonce, err = h.sub.ExecutorNonces.Consume(ctx, params.Signer.Address(), 0)
			require.NoError(h.t, err)
		}
		attempt, err := h.sub.Attempt(ctx, intent, params)
		require.NoError(h.t, err)
		attempts = append(attempts, attempt)
		h.pool.Done(intent.Hash)
	}
	return attempts
}

func (h *harness) mine(tx common.Hash, status uint64) {
	h.client.SetReceipt(&types.Receipt{
		Status:            status,
		TxHash:            tx,
		GasUsed:           90_000,
		EffectiveGasPrice: big.NewInt(baseFee),
		BlockNumber:       new(big.Int).SetUint64(h.block.Number + 1),
		BlockHash:         common.HexToHash("0xb1"),
	})
}

// advance moves the head forward and runs a monitor pass synchronously.
func (h *harness) advance(blocks uint64, fee int64) {
	h.t.Helper()
	header := h.client.SetHead(h.block.Number+blocks, fee, 15_000_000, 30_000_000)
	h.block = events.BlockFromHeader(header)
	h.sub.setHead(h.block)
	h.oracle.OnNewBlock(h.block)
	require.NoError(h.t, h.sub.monitorPass(context.Background(), h.block))
}

func (h *harness) state(hash common.Hash) boop.State {
	h.t.Helper()
	st, err := h.sub.GetState(context.Background(), hash)
	require.NoError(h.t, err)
	return st.State
}

// claimTable is a shared processing set, one memClaims per instance.
type claimTable struct {
	mu     sync.Mutex
	owners map[common.Hash]string
}

func newClaimTable() *claimTable {
	return &claimTable{owners: make(map[common.Hash]string)}
}

func (c *claimTable) owner(hash common.Hash) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owners[hash]
}

func (c *claimTable) set(hash common.Hash, owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if owner == "" {
		delete(c.owners, hash)
		return
	}
	c.owners[hash] = owner
}

type memClaims struct {
	table *claimTable
	name  string
}

func (m *memClaims) Add(_ context.Context, hash common.Hash) (bool, error) {
	m.table.mu.Lock()
	defer m.table.mu.Unlock()
	if _, ok := m.table.owners[hash]; ok {
		return false, nil
	}
	m.table.owners[hash] = m.name
	return true, nil
}

func (m *memClaims) Refresh(_ context.Context, hash common.Hash) (bool, error) {
	m.table.mu.Lock()
	defer m.table.mu.Unlock()
	return m.table.owners[hash] == m.name, nil
}

func (m *memClaims) Remove(_ context.Context, hash common.Hash) error {
	m.table.mu.Lock()
	defer m.table.mu.Unlock()
	if m.table.owners[hash] == m.name {
		delete(m.table.owners, hash)
	}
	return nil
}

type triggerFunc func(ctx context.Context)

func (f triggerFunc) Trigger(ctx context.Context) { f(ctx) }
