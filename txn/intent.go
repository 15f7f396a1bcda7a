// Package txn holds the transaction data model shared by every pipeline stage:
// the caller's Intent, the Prepared unsigned transaction, the Signed payload and
// the Status observed on chain.
package txn

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Overrides pins fields that would otherwise be resolved by the pipeline.
type Overrides struct {
	GasLimit             uint64
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	Nonce                *uint64
}

// Intent is what the caller wants executed. It is never mutated by the pipeline.
type Intent struct {
	To        common.Address
	Data      []byte
	Value     *big.Int
	Overrides Overrides
}

// NewIntent builds a validated intent. A nil value means zero.
func NewIntent(to common.Address, data []byte, value *big.Int) (Intent, error) {
	i := Intent{To: to, Data: data, Value: value}
	if i.Value == nil {
		i.Value = new(big.Int)
	}
	return i, i.Validate()
}

// ParseAddress accepts a 0x-prefixed 20 byte hex address.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) || !strings.HasPrefix(strings.ToLower(s), "0x") {
		return common.Address{}, invalid("address", ErrInvalidAddress)
	}
	return common.HexToAddress(s), nil
}

// Validate checks destination, value and any fee overrides.
func (i Intent) Validate() error {
	if i.To == (common.Address{}) {
		return invalid("to", ErrInvalidAddress)
	}
	if i.Value != nil && i.Value.Sign() < 0 {
		return invalid("value", ErrNegativeValue)
	}
	for name, v := range map[string]*big.Int{
		"gas_price":                i.Overrides.GasPrice,
		"max_fee_per_gas":          i.Overrides.MaxFeePerGas,
		"max_priority_fee_per_gas": i.Overrides.MaxPriorityFeePerGas,
	} {
		if v != nil && v.Sign() < 0 {
			return invalid(name, ErrInvalidAmount)
		}
	}
	o := i.Overrides
	if o.MaxFeePerGas != nil && o.MaxPriorityFeePerGas != nil && o.MaxPriorityFeePerGas.Cmp(o.MaxFeePerGas) > 0 {
		return invalid("max_priority_fee_per_gas", ErrInvalidAmount)
	}
	return nil
}

// Clone returns a deep copy.
func (i Intent) Clone() Intent {
	c := Intent{To: i.To, Value: cloneBig(i.Value)}
	if i.Data != nil {
		c.Data = append([]byte(nil), i.Data...)
	}
	c.Overrides = Overrides{
		GasLimit:             i.Overrides.GasLimit,
		GasPrice:             cloneBig(i.Overrides.GasPrice),
		MaxFeePerGas:         cloneBig(i.Overrides.MaxFeePerGas),
		MaxPriorityFeePerGas: cloneBig(i.Overrides.MaxPriorityFeePerGas),
	}
	if i.Overrides.Nonce != nil {
		n := *i.Overrides.Nonce
		c.Overrides.Nonce = &n
	}
	return c
}

// ValueOrZero returns Value, or zero when unset.
func (i Intent) ValueOrZero() *big.Int {
	if i.Value == nil {
		return new(big.Int)
	}
	return i.Value
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
