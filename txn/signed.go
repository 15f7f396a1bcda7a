package txn

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Signed is a transaction ready for broadcast. Hash is the keccak of Raw and is
// the key every later stage uses to refer to it.
type Signed struct {
	Prepared *Prepared
	Tx       *types.Transaction
	Raw      []byte
	Hash     common.Hash
	From     common.Address

	Nonce                uint64
	GasLimit             uint64
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// NewSigned encodes tx and records the fields it was signed with.
func NewSigned(p *Prepared, tx *types.Transaction) (*Signed, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("couldn't encode signed tx: %w", err)
	}
	s := &Signed{
		Prepared: p,
		Tx:       tx,
		Raw:      raw,
		Hash:     tx.Hash(),
		From:     p.From,
		Nonce:    tx.Nonce(),
		GasLimit: tx.Gas(),
		GasPrice: tx.GasPrice(),
	}
	if tx.Type() == types.DynamicFeeTxType {
		s.MaxFeePerGas = tx.GasFeeCap()
		s.MaxPriorityFeePerGas = tx.GasTipCap()
	}
	return s, nil
}

// Decode parses a canonical signed transaction encoding.
func Decode(raw []byte) (*types.Transaction, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("couldn't decode signed tx: %w", err)
	}
	return tx, nil
}
