package store

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/happychain/boop-submitter/boop"
)

type memoryIntent struct {
	intent   boop.Intent
	batchID  uuid.NullUUID
	state    boop.State
	attempts map[common.Hash]boop.Attempt
}

// MemoryBackend is a Repository kept in process memory, used for tests and single-node runs without Postgres.
type MemoryBackend struct {
	mu       sync.RWMutex
	intents  map[common.Hash]*memoryIntent
	receipts map[common.Hash]boop.Receipt
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		intents:  make(map[common.Hash]*memoryIntent),
		receipts: make(map[common.Hash]boop.Receipt),
	}
}

func (m *MemoryBackend) upsert(intent *boop.Intent, batchID uuid.NullUUID) {
	stored, ok := m.intents[intent.Hash]
	if !ok {
		m.intents[intent.Hash] = &memoryIntent{
			intent:   copyIntent(intent),
			batchID:  batchID,
			state:    boop.StateCreated,
			attempts: make(map[common.Hash]boop.Attempt),
		}
		return
	}
	stored.intent.Boop = copyIntent(intent).Boop
	if batchID.Valid {
		stored.batchID = batchID
	}
}

func (m *MemoryBackend) SaveBatch(ctx context.Context, batchID uuid.UUID, intents []*boop.Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, intent := range intents {
		m.upsert(intent, uuid.NullUUID{UUID: batchID, Valid: true})
	}
	return nil
}

func (m *MemoryBackend) SaveIntent(ctx context.Context, intent *boop.Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsert(intent, uuid.NullUUID{})
	return nil
}

func (m *MemoryBackend) SaveState(ctx context.Context, hash common.Hash, state boop.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.intents[hash]
	if !ok {
		return ErrIntentNotFound
	}
	stored.state = state
	return nil
}

func (m *MemoryBackend) SaveAttempt(ctx context.Context, attempt *boop.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.intents[attempt.BoopHash]
	if !ok {
		return ErrIntentNotFound
	}
	if existing, ok := stored.attempts[attempt.TxHash]; ok {
		existing.Flushed = attempt.Flushed
		existing.ReplacedBy = attempt.ReplacedBy
		stored.attempts[attempt.TxHash] = existing
		return nil
	}
	stored.attempts[attempt.TxHash] = *attempt
	return nil
}

func (m *MemoryBackend) SaveReceipt(ctx context.Context, receipt *boop.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.intents[receipt.BoopHash]; !ok {
		return ErrIntentNotFound
	}
	m.receipts[receipt.BoopHash] = *receipt
	return nil
}

func (m *MemoryBackend) GetReceipt(ctx context.Context, hash common.Hash) (*boop.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	receipt, ok := m.receipts[hash]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	return &receipt, nil
}

func (m *MemoryBackend) GetIntent(ctx context.Context, hash common.Hash) (*StoredIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored, ok := m.intents[hash]
	if !ok {
		return nil, ErrIntentNotFound
	}
	return stored.export(), nil
}

func (m *MemoryBackend) LoadUnfinished(ctx context.Context) ([]*StoredIntent, error) {
	return m.filter(func(s *memoryIntent) bool { return true }, func(a, b *StoredIntent) bool {
		return a.Intent.ReceivedAt.Before(b.Intent.ReceivedAt)
	}), nil
}

func (m *MemoryBackend) PendingByAccount(ctx context.Context, account common.Address) ([]*StoredIntent, error) {
	return m.filter(func(s *memoryIntent) bool { return s.intent.Boop.Account == account }, func(a, b *StoredIntent) bool {
		sa, sb := a.Intent.Slot(), b.Intent.Slot()
		if sa.Track != sb.Track {
			return sa.Track < sb.Track
		}
		return sa.Nonce < sb.Nonce
	}), nil
}

func (m *MemoryBackend) filter(keep func(*memoryIntent) bool, less func(a, b *StoredIntent) bool) []*StoredIntent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]*StoredIntent, 0)
	for _, stored := range m.intents {
		if stored.state.Terminal() || !keep(stored) {
			continue
		}
		res = append(res, stored.export())
	}
	sort.SliceStable(res, func(i, j int) bool { return less(res[i], res[j]) })
	return res
}

func (s *memoryIntent) export() *StoredIntent {
	intent := copyIntent(&s.intent)
	res := &StoredIntent{Intent: &intent, State: s.state}
	for _, a := range s.attempts {
		a := a
		res.Attempts = append(res.Attempts, &a)
	}
	sort.Slice(res.Attempts, func(i, j int) bool { return res.Attempts[i].CreatedAt.Before(res.Attempts[j].CreatedAt) })
	return res
}

func copyIntent(intent *boop.Intent) boop.Intent {
	cp := *intent
	b := *intent.Boop
	cp.Boop = &b
	return cp
}
