package gasprice

import (
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownPreset = errors.New("unknown fee parameter preset")
	ErrUnknownChain  = errors.New("chain is not configured")
)

// Params are the EIP-1559 constants of a chain.
type Params struct {
	ElasticityMultiplier     uint64 `yaml:"elasticityMultiplier" validate:"gt=0"`
	BaseFeeChangeDenominator uint64 `yaml:"baseFeeChangeDenominator" validate:"gt=0"`
	MinBaseFee               *big.Int
}

var (
	MainnetParams = Params{ElasticityMultiplier: 2, BaseFeeChangeDenominator: 8, MinBaseFee: big.NewInt(0)}
	OpStackParams = Params{ElasticityMultiplier: 6, BaseFeeChangeDenominator: 50, MinBaseFee: big.NewInt(0)}
)

var presets = map[string]Params{
	"mainnet": MainnetParams,
	"opstack": OpStackParams,
}

type ChainsConfig struct {
	Chains map[uint64]struct {
		Name                     string `yaml:"name"`
		Preset                   string `yaml:"preset"`
		ElasticityMultiplier     uint64 `yaml:"elasticityMultiplier"`
		BaseFeeChangeDenominator uint64 `yaml:"baseFeeChangeDenominator"`
		MinBaseFee               string `yaml:"minBaseFee"`
	} `yaml:"chains"`
}

// LoadParams reads the fee parameters of chainID from a chains file. Explicit
// values override the preset.
func LoadParams(file string, chainID uint64) (Params, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return Params{}, err
	}
	return ParseParams(data, chainID)
}

func ParseParams(data []byte, chainID uint64) (Params, error) {
	var config ChainsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Params{}, err
	}
	chain, ok := config.Chains[chainID]
	if !ok {
		return Params{}, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}

	params := MainnetParams
	if chain.Preset != "" {
		params, ok = presets[chain.Preset]
		if !ok {
			return Params{}, fmt.Errorf("%w: %s", ErrUnknownPreset, chain.Preset)
		}
	}
	if chain.ElasticityMultiplier != 0 {
		params.ElasticityMultiplier = chain.ElasticityMultiplier
	}
	if chain.BaseFeeChangeDenominator != 0 {
		params.BaseFeeChangeDenominator = chain.BaseFeeChangeDenominator
	}
	params.MinBaseFee = new(big.Int)
	if chain.MinBaseFee != "" {
		if _, ok := params.MinBaseFee.SetString(chain.MinBaseFee, 10); !ok {
			return Params{}, fmt.Errorf("invalid minBaseFee %q", chain.MinBaseFee)
		}
	}
	if err := validator.New().Struct(params); err != nil {
		return Params{}, err
	}
	return params, nil
}

// PredictNextBaseFee applies the EIP-1559 update rule with integer division.
func PredictNextBaseFee(p Params, baseFee *big.Int, gasUsed, gasLimit uint64) *big.Int {
	next := new(big.Int).Set(baseFee)
	target := gasLimit / p.ElasticityMultiplier
	if target == 0 || gasUsed == target {
		return next
	}

	var diff uint64
	if gasUsed > target {
		diff = gasUsed - target
	} else {
		diff = target - gasUsed
	}
	delta := new(big.Int).Mul(baseFee, new(big.Int).SetUint64(diff))
	delta.Div(delta, new(big.Int).SetUint64(target))
	delta.Div(delta, new(big.Int).SetUint64(p.BaseFeeChangeDenominator))

	if gasUsed > target {
		if delta.Sign() == 0 {
			delta.SetInt64(1)
		}
		return next.Add(next, delta)
	}

	next.Sub(next, delta)
	floor := p.MinBaseFee
	if floor == nil {
		floor = new(big.Int)
	}
	if next.Cmp(floor) < 0 {
		next.Set(floor)
	}
	return next
}
