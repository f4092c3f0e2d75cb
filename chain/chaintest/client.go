// Package chaintest provides an in-memory chain client for tests.
package chaintest

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Client implements chain.EthClient on top of in-memory state.
type Client struct {
	mu sync.Mutex

	chainID       *big.Int
	head          *types.Header
	headers       map[uint64]*types.Header
	pendingNonces map[common.Address]uint64
	nonces        map[common.Address]uint64
	balances      map[common.Address]*big.Int
	receipts      map[common.Hash]*types.Receipt
	sent          []*types.Transaction

	CallFunc func(msg ethereum.CallMsg) ([]byte, error)

	sendErr error
	headErr error

	nonceCalls   int
	receiptCalls int
}

func NewClient(chainID int64) *Client {
	return &Client{
		chainID:       big.NewInt(chainID),
		headers:       make(map[uint64]*types.Header),
		pendingNonces: make(map[common.Address]uint64),
		nonces:        make(map[common.Address]uint64),
		balances:      make(map[common.Address]*big.Int),
		receipts:      make(map[common.Hash]*types.Receipt),
	}
}

func (c *Client) SetHead(number uint64, baseFee int64, gasUsed, gasLimit uint64) *types.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := &types.Header{
		Number:   new(big.Int).SetUint64(number),
		BaseFee:  big.NewInt(baseFee),
		GasUsed:  gasUsed,
		GasLimit: gasLimit,
		Time:     1_700_000_000 + number*2,
	}
	c.head = h
	c.headers[number] = h
	return h
}

func (c *Client) SetNonce(account common.Address, mined, pending uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonces[account] = mined
	c.pendingNonces[account] = pending
}

func (c *Client) SetBalance(account common.Address, balance *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[account] = balance
}

func (c *Client) SetReceipt(r *types.Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[r.TxHash] = r
}

func (c *Client) SetSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *Client) SetHeadErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headErr = err
}

func (c *Client) Sent() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.sent...)
}

func (c *Client) NonceCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonceCalls
}

func (c *Client) ReceiptCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receiptCalls
}

func (c *Client) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), nil
}

func (c *Client) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.head == nil {
		return 0, nil
	}
	return c.head.Number.Uint64(), nil
}

func (c *Client) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.headErr != nil {
		return nil, c.headErr
	}
	if number == nil {
		if c.head == nil {
			return nil, ethereum.NotFound
		}
		return c.head, nil
	}
	h, ok := c.headers[number.Uint64()]
	if !ok {
		return nil, ethereum.NotFound
	}
	return h, nil
}

func (c *Client) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonceCalls++
	return c.pendingNonces[account], nil
}

func (c *Client) NonceAt(_ context.Context, account common.Address, _ *big.Int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonceCalls++
	return c.nonces[account], nil
}

func (c *Client) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (c *Client) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if c.CallFunc == nil {
		return nil, nil
	}
	return c.CallFunc(msg)
}

func (c *Client) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, tx)
	return nil
}

func (c *Client) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiptCalls++
	r, ok := c.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}
