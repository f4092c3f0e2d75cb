package events

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/happychain/boop-submitter/boop"
)

const (
	TopicNewBlock                 = "NewBlock"
	TopicTransactionStatusChanged = "TransactionStatusChanged"
	TopicTransactionSaveFailed    = "TransactionSaveFailed"
)

// Block is the part of a header the engine reacts to.
type Block struct {
	Number    uint64
	Hash      common.Hash
	BaseFee   *big.Int
	GasUsed   uint64
	GasLimit  uint64
	Timestamp uint64
}

func BlockFromHeader(h *types.Header) Block {
	b := Block{
		Number:    h.Number.Uint64(),
		Hash:      h.Hash(),
		GasUsed:   h.GasUsed,
		GasLimit:  h.GasLimit,
		Timestamp: h.Time,
	}
	if h.BaseFee != nil {
		b.BaseFee = new(big.Int).Set(h.BaseFee)
	}
	return b
}

func (b Block) Time() time.Time {
	return time.Unix(int64(b.Timestamp), 0)
}

type StatusChange struct {
	BoopHash common.Hash
	From     boop.State
	To       boop.State
	At       time.Time
}

type SaveFailure struct {
	BoopHash common.Hash
	TxHash   common.Hash
	Err      error
}

// Hub groups the buses of all topics.
type Hub struct {
	Blocks       *Bus[Block]
	StatusChange *Bus[StatusChange]
	SaveFailed   *Bus[SaveFailure]
}

func NewHub() *Hub {
	return &Hub{
		Blocks:       NewBus[Block](TopicNewBlock),
		StatusChange: NewBus[StatusChange](TopicTransactionStatusChanged),
		SaveFailed:   NewBus[SaveFailure](TopicTransactionSaveFailed),
	}
}

func (h *Hub) Shutdown() {
	h.Blocks.Shutdown()
	h.StatusChange.Shutdown()
	h.SaveFailed.Shutdown()
}
