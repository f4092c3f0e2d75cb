package boop

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrGasLimitOverflow = errors.New("gas limit does not fit in uint32")
	ErrNegativeValue    = errors.New("value must not be negative")
	ErrNegativeMaxFee   = errors.New("maxFeePerGas must not be negative")
)

// Boop is a meta-transaction submitted on behalf of a smart-contract account.
// Zero gas limits and a zero maxFeePerGas mean "fill in from simulation".
type Boop struct {
	Account                 common.Address  `json:"account"`
	Dest                    common.Address  `json:"dest"`
	Payer                   common.Address  `json:"payer"`
	Value                   *hexutil.Big    `json:"value"`
	NonceTrack              hexutil.Uint64  `json:"nonceTrack"`
	NonceValue              hexutil.Uint64  `json:"nonceValue"`
	MaxFeePerGas            *hexutil.Big    `json:"maxFeePerGas"`
	SubmitterFee            *SignedBig      `json:"submitterFee"`
	GasLimit                hexutil.Uint64  `json:"gasLimit"`
	ValidateGasLimit        hexutil.Uint64  `json:"validateGasLimit"`
	ValidatePaymentGasLimit hexutil.Uint64  `json:"validatePaymentGasLimit"`
	ExecuteGasLimit         hexutil.Uint64  `json:"executeGasLimit"`
	CallData                hexutil.Bytes   `json:"callData"`
	ValidatorData           hexutil.Bytes   `json:"validatorData"`
	ExtraData               hexutil.Bytes   `json:"extraData"`
	Deadline                *hexutil.Uint64 `json:"deadline,omitempty"`
}

// SelfPaying reports whether the account pays for its own gas.
func (b *Boop) SelfPaying() bool {
	return b.Payer == b.Account
}

// SponsoredBySubmitter reports whether the submitter itself pays (zero payer).
func (b *Boop) SponsoredBySubmitter() bool {
	return b.Payer == (common.Address{})
}

// HasAllGasLimits reports whether every gas limit the account is responsible for was set.
// The payment validation limit only matters when a paymaster pays.
func (b *Boop) HasAllGasLimits() bool {
	if b.GasLimit == 0 || b.ValidateGasLimit == 0 || b.ExecuteGasLimit == 0 {
		return false
	}
	if !b.SelfPaying() && !b.SponsoredBySubmitter() && b.ValidatePaymentGasLimit == 0 {
		return false
	}
	return true
}

func (b *Boop) ValueInt() *big.Int {
	return bigOrZero(b.Value)
}

func (b *Boop) MaxFeeInt() *big.Int {
	return bigOrZero(b.MaxFeePerGas)
}

func (b *Boop) SubmitterFeeInt() *big.Int {
	if b.SubmitterFee == nil {
		return new(big.Int)
	}
	return b.SubmitterFee.ToInt()
}

// Expired reports whether the deadline is set and strictly before now.
func (b *Boop) Expired(now time.Time) bool {
	return b.Deadline != nil && uint64(*b.Deadline) < uint64(now.Unix())
}

// Validate checks the field ranges the EntryPoint encoding relies on.
func (b *Boop) Validate() error {
	for name, v := range map[string]hexutil.Uint64{
		"gasLimit":                b.GasLimit,
		"validateGasLimit":        b.ValidateGasLimit,
		"validatePaymentGasLimit": b.ValidatePaymentGasLimit,
		"executeGasLimit":         b.ExecuteGasLimit,
	} {
		if uint64(v) > math.MaxUint32 {
			return fmt.Errorf("%w: %s", ErrGasLimitOverflow, name)
		}
	}
	if b.ValueInt().Sign() < 0 {
		return ErrNegativeValue
	}
	if b.MaxFeeInt().Sign() < 0 {
		return ErrNegativeMaxFee
	}
	return nil
}

// WithGas returns a copy with zero gas fields replaced by the simulated values.
func (b *Boop) WithGas(out *SimulationOutput) *Boop {
	cp := *b
	if cp.GasLimit == 0 {
		cp.GasLimit = hexutil.Uint64(out.Gas)
	}
	if cp.ValidateGasLimit == 0 {
		cp.ValidateGasLimit = hexutil.Uint64(out.ValidateGas)
	}
	if cp.ValidatePaymentGasLimit == 0 {
		cp.ValidatePaymentGasLimit = hexutil.Uint64(out.ValidatePaymentGas)
	}
	if cp.ExecuteGasLimit == 0 {
		cp.ExecuteGasLimit = hexutil.Uint64(out.ExecuteGas)
	}
	if cp.MaxFeeInt().Sign() == 0 && out.MaxFeePerGas != nil {
		cp.MaxFeePerGas = (*hexutil.Big)(new(big.Int).Set(out.MaxFeePerGas.ToInt()))
	}
	if cp.SubmitterFee == nil && out.SubmitterFee != nil {
		fee := *out.SubmitterFee
		cp.SubmitterFee = &fee
	}
	return &cp
}

// Intent is a boop accepted by the submitter together with its scheduling metadata.
type Intent struct {
	Boop        *Boop          `json:"boop"`
	Hash        common.Hash    `json:"hash"`
	EntryPoint  common.Address `json:"entryPoint"`
	ExplicitGas bool           `json:"explicitGas"`
	ReceivedAt  time.Time      `json:"receivedAt"`
}

func NewIntent(chainID *big.Int, entryPoint common.Address, b *Boop, explicitGas bool) *Intent {
	return &Intent{
		Boop:        b,
		Hash:        ComputeHash(chainID, b),
		EntryPoint:  entryPoint,
		ExplicitGas: explicitGas,
		ReceivedAt:  time.Now(),
	}
}

// DeadlineScore orders intents by deadline, intents without one last.
func (i *Intent) DeadlineScore() uint64 {
	if i.Boop.Deadline == nil {
		return math.MaxUint64
	}
	return uint64(*i.Boop.Deadline)
}

// Slot identifies the nonce position an intent occupies.
type Slot struct {
	Account common.Address
	Track   uint64
	Nonce   uint64
}

func (i *Intent) Slot() Slot {
	return Slot{Account: i.Boop.Account, Track: uint64(i.Boop.NonceTrack), Nonce: uint64(i.Boop.NonceValue)}
}

type AttemptType string

const (
	AttemptOriginal     AttemptType = "original"
	AttemptReplacement  AttemptType = "replacement"
	AttemptCancellation AttemptType = "cancellation"
)

// Attempt is one signed EVM transaction carrying an intent.
type Attempt struct {
	BoopHash             common.Hash    `json:"boopHash"`
	TxHash               common.Hash    `json:"txHash"`
	Executor             common.Address `json:"executor"`
	Nonce                uint64         `json:"nonce"`
	MaxFeePerGas         *big.Int       `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *big.Int       `json:"maxPriorityFeePerGas"`
	Gas                  uint64         `json:"gas"`
	Type                 AttemptType    `json:"type"`
	CreatedAt            time.Time      `json:"createdAt"`
	// Flushed is set once the attempt was persisted and handed to the network.
	Flushed    bool          `json:"flushed"`
	ReplacedBy *common.Hash  `json:"replacedBy,omitempty"`
	RawTx      hexutil.Bytes `json:"rawTx,omitempty"`
}

// Receipt is the classified outcome of an included attempt.
type Receipt struct {
	BoopHash    common.Hash    `json:"boopHash"`
	Status      OnchainStatus  `json:"status"`
	Description string         `json:"description,omitempty"`
	RevertData  hexutil.Bytes  `json:"revertData"`
	GasUsed     hexutil.Uint64 `json:"gasUsed"`
	GasCost     *hexutil.Big   `json:"gasCost"`
	Logs        []*types.Log   `json:"logs"`
	TxHash      common.Hash    `json:"txHash"`
	BlockHash   common.Hash    `json:"blockHash"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
	EntryPoint  common.Address `json:"entryPoint"`
}

// SimulationOutput is what a simulation of EntryPoint.submit reports, after gas margins were applied.
type SimulationOutput struct {
	Status      OnchainStatus  `json:"status"`
	Description string         `json:"description,omitempty"`
	RevertData  hexutil.Bytes  `json:"revertData,omitempty"`
	EntryPoint  common.Address `json:"entryPoint"`

	Gas                hexutil.Uint64 `json:"gas"`
	ValidateGas        hexutil.Uint64 `json:"validateGas"`
	ValidatePaymentGas hexutil.Uint64 `json:"validatePaymentGas"`
	ExecuteGas         hexutil.Uint64 `json:"executeGas"`

	MaxFeePerGas *hexutil.Big `json:"maxFeePerGas"`
	SubmitterFee *SignedBig   `json:"submitterFee"`

	ValidityUnknownDuringSimulation        bool `json:"validityUnknownDuringSimulation"`
	PaymentValidityUnknownDuringSimulation bool `json:"paymentValidityUnknownDuringSimulation"`
	FutureNonceDuringSimulation            bool `json:"futureNonceDuringSimulation"`
	FeeTooLowDuringSimulation              bool `json:"feeTooLowDuringSimulation"`
	FeeTooHighDuringSimulation             bool `json:"feeTooHighDuringSimulation"`
}

func (o *SimulationOutput) Succeeded() bool {
	return o.Status == OnchainSuccess
}

// SignedBig is a big integer that marshals to hex and may be negative ("-0x10").
type SignedBig big.Int

func NewSignedBig(v *big.Int) *SignedBig {
	return (*SignedBig)(new(big.Int).Set(v))
}

func (s *SignedBig) ToInt() *big.Int {
	return new(big.Int).Set((*big.Int)(s))
}

func (s SignedBig) MarshalText() ([]byte, error) {
	return []byte(hexutil.EncodeBig((*big.Int)(&s))), nil
}

func (s *SignedBig) UnmarshalText(input []byte) error {
	text := string(input)
	negative := strings.HasPrefix(text, "-")
	var dec hexutil.Big
	if err := dec.UnmarshalText([]byte(strings.TrimPrefix(text, "-"))); err != nil {
		return err
	}
	v := dec.ToInt()
	if negative {
		v.Neg(v)
	}
	*s = SignedBig(*v)
	return nil
}

func (s *SignedBig) String() string {
	return hexutil.EncodeBig((*big.Int)(s))
}

func bigOrZero(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v.ToInt())
}
