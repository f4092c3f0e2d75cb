package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EthClient is the subset of *ethclient.Client the engine uses.
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// PendingNonceSource reads EOA nonces, the track is ignored.
type PendingNonceSource struct {
	Client EthClient
}

func (s *PendingNonceSource) Nonce(ctx context.Context, account common.Address, _ uint64) (uint64, error) {
	n, err := s.Client.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("pending nonce of %s: %w", account.Hex(), err)
	}
	return n, nil
}

// ExecutedNonce returns the nonce after the last mined transaction of account.
func ExecutedNonce(ctx context.Context, client EthClient, account common.Address) (uint64, error) {
	return client.NonceAt(ctx, account, nil)
}

// EntryPointNonceSource reads boop nonces from EntryPoint.nonceValues.
type EntryPointNonceSource struct {
	Client     EthClient
	EntryPoint common.Address
}

func (s *EntryPointNonceSource) Nonce(ctx context.Context, account common.Address, track uint64) (uint64, error) {
	data, err := EntryPointABI.Pack("nonceValues", account, new(big.Int).SetUint64(track))
	if err != nil {
		return 0, err
	}
	ret, err := s.Client.CallContract(ctx, ethereum.CallMsg{To: &s.EntryPoint, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("nonceValues(%s, %d): %w", account.Hex(), track, err)
	}
	out, err := EntryPointABI.Unpack("nonceValues", ret)
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, ErrShortReturnData
	}
	value, ok := out[0].(uint64)
	if !ok {
		return 0, fmt.Errorf("%w: unexpected nonceValues type %T", ErrShortReturnData, out[0])
	}
	return value, nil
}
