// Package simulator executes EntryPoint.submit against chain state without broadcasting.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/happychain/boop-submitter/boop"
	"github.com/happychain/boop-submitter/chain"
	"github.com/ybbus/jsonrpc/v3"
)

var ErrNoBackends = errors.New("no simulation backends configured")

// Result is the raw outcome of a simulated submit: either the decoded output or the revert data.
type Result struct {
	Output     *chain.SubmitOutput
	Reverted   bool
	RevertData []byte
}

// Backend simulates boops. There should be one backend per simulation node.
type Backend interface {
	SimulateSubmit(ctx context.Context, entryPoint common.Address, b *boop.Boop) (*Result, error)
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
}

type callArgs struct {
	From common.Address `json:"from"`
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
}

// JSONRPCSimulator calls eth_call on one of several nodes picked at random.
type JSONRPCSimulator struct {
	clients []jsonrpc.RPCClient
}

func NewJSONRPCSimulator(urls ...string) *JSONRPCSimulator {
	clients := make([]jsonrpc.RPCClient, len(urls))
	for i, url := range urls {
		clients[i] = jsonrpc.NewClient(url)
	}
	return &JSONRPCSimulator{clients: clients}
}

func (s *JSONRPCSimulator) client() (jsonrpc.RPCClient, error) {
	if len(s.clients) == 0 {
		return nil, ErrNoBackends
	}
	return s.clients[rand.Intn(len(s.clients))], nil //nolint:gosec
}

// SimulateSubmit runs submit from the zero address, which the EntryPoint treats as a simulation.
func (s *JSONRPCSimulator) SimulateSubmit(ctx context.Context, entryPoint common.Address, b *boop.Boop) (*Result, error) {
	client, err := s.client()
	if err != nil {
		return nil, err
	}
	data, err := chain.PackSubmit(b)
	if err != nil {
		return nil, err
	}
	res, err := client.Call(ctx, "eth_call", callArgs{To: entryPoint, Data: data}, "latest")
	if err != nil {
		return nil, fmt.Errorf("%w: eth_call: %v", boop.ErrRPC, err)
	}
	if res.Error != nil {
		if revert, ok := revertFromRPCError(res.Error.Message, res.Error.Data); ok {
			return &Result{Reverted: true, RevertData: revert}, nil
		}
		return nil, fmt.Errorf("%w: eth_call: %v", boop.ErrRPC, res.Error)
	}
	var ret hexutil.Bytes
	if err := res.GetObject(&ret); err != nil {
		return nil, err
	}
	return decodeResult(ret)
}

func (s *JSONRPCSimulator) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	client, err := s.client()
	if err != nil {
		return nil, err
	}
	var balance hexutil.Big
	if err := client.CallFor(ctx, &balance, "eth_getBalance", account, "latest"); err != nil {
		return nil, fmt.Errorf("%w: eth_getBalance: %v", boop.ErrRPC, err)
	}
	return balance.ToInt(), nil
}

// ClientSimulator simulates through the engine's own chain client.
type ClientSimulator struct {
	Client chain.EthClient
}

func (s *ClientSimulator) SimulateSubmit(ctx context.Context, entryPoint common.Address, b *boop.Boop) (*Result, error) {
	data, err := chain.PackSubmit(b)
	if err != nil {
		return nil, err
	}
	ret, err := s.Client.CallContract(ctx, ethereum.CallMsg{To: &entryPoint, Data: data}, nil)
	if err != nil {
		var dataErr rpc.DataError
		if errors.As(err, &dataErr) {
			if revert, ok := revertFromRPCError(dataErr.Error(), dataErr.ErrorData()); ok {
				return &Result{Reverted: true, RevertData: revert}, nil
			}
		}
		return nil, fmt.Errorf("%w: eth_call: %v", boop.ErrRPC, err)
	}
	return decodeResult(ret)
}

func (s *ClientSimulator) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := s.Client.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: eth_getBalance: %v", boop.ErrRPC, err)
	}
	return balance, nil
}

func decodeResult(ret []byte) (*Result, error) {
	out, err := chain.UnpackSubmit(ret)
	if err != nil {
		return nil, err
	}
	return &Result{Output: out}, nil
}

// revertFromRPCError extracts revert data from an execution error. Nodes put it
// in the error data as a hex string; an empty revert still counts as a revert.
func revertFromRPCError(message string, data interface{}) ([]byte, bool) {
	if s, ok := data.(string); ok {
		if revert, err := hexutil.Decode(s); err == nil {
			return revert, true
		}
	}
	if strings.Contains(message, "execution reverted") {
		return nil, true
	}
	return nil, false
}
