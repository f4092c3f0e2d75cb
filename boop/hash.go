package boop

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"golang.org/x/crypto/sha3"
)

// account, dest, payer, value, nonceTrack, nonceValue, maxFeePerGas, submitterFee, 4 gas limits
const staticEncodedSize = 20 + 20 + 20 + 32 + 24 + 8 + 32 + 32 + 4*4

// Encode packs the boop the way the EntryPoint decodes it. Dynamic fields are
// prefixed by their length as a 4 byte big endian integer.
func Encode(b *Boop) []byte {
	size := staticEncodedSize + 12 + len(b.CallData) + len(b.ValidatorData) + len(b.ExtraData)
	buf := make([]byte, 0, size)

	buf = append(buf, b.Account.Bytes()...)
	buf = append(buf, b.Dest.Bytes()...)
	buf = append(buf, b.Payer.Bytes()...)
	buf = append(buf, math.U256Bytes(b.ValueInt())...)

	var track [24]byte
	binary.BigEndian.PutUint64(track[16:], uint64(b.NonceTrack))
	buf = append(buf, track[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(b.NonceValue))

	buf = append(buf, math.U256Bytes(b.MaxFeeInt())...)
	// two's complement for rebates
	buf = append(buf, math.U256Bytes(b.SubmitterFeeInt())...)

	buf = binary.BigEndian.AppendUint32(buf, uint32(b.GasLimit))
	buf = binary.BigEndian.AppendUint32(buf, uint32(b.ValidateGasLimit))
	buf = binary.BigEndian.AppendUint32(buf, uint32(b.ValidatePaymentGasLimit))
	buf = binary.BigEndian.AppendUint32(buf, uint32(b.ExecuteGasLimit))

	for _, dyn := range [][]byte{b.CallData, b.ValidatorData, b.ExtraData} {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(dyn)))
		buf = append(buf, dyn...)
	}
	return buf
}

// ComputeHash returns keccak256(Encode(b) || uint256(chainID)).
func ComputeHash(chainID *big.Int, b *Boop) common.Hash {
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(Encode(b))
	hasher.Write(common.BigToHash(chainID).Bytes())
	return common.BytesToHash(hasher.Sum(nil))
}
