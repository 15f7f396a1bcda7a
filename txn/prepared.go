package txn

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Kind is the fee model of a transaction.
type Kind uint8

const (
	KindLegacy     Kind = types.LegacyTxType
	KindDynamicFee Kind = types.DynamicFeeTxType
)

func (k Kind) String() string {
	switch k {
	case KindLegacy:
		return "legacy"
	case KindDynamicFee:
		return "dynamic_fee"
	default:
		return fmt.Sprintf("type_%d", uint8(k))
	}
}

// MinReplacementFactor is the smallest fee bump nodes accept for a same-nonce replacement.
const MinReplacementFactor = 1.1

// Prepared is a fully resolved, unsigned transaction.
type Prepared struct {
	Intent  Intent
	From    common.Address
	ChainID *big.Int
	Nonce   uint64
	// GasLimit is never zero once prepared.
	GasLimit uint64
	Kind     Kind

	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int

	// NonceReserved is set when the nonce came from the local tracker and must be
	// released if the transaction is never broadcast.
	NonceReserved bool
	// Attempt counts replacements; zero for the first submission.
	Attempt int
}

// Tx builds the unsigned transaction.
func (p *Prepared) Tx() *types.Transaction {
	to := p.Intent.To
	value := p.Intent.ValueOrZero()
	if p.Kind == KindLegacy {
		return types.NewTx(&types.LegacyTx{
			Nonce:    p.Nonce,
			GasPrice: p.GasPrice,
			Gas:      p.GasLimit,
			To:       &to,
			Value:    value,
			Data:     p.Intent.Data,
		})
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   p.ChainID,
		Nonce:     p.Nonce,
		GasTipCap: p.MaxPriorityFeePerGas,
		GasFeeCap: p.MaxFeePerGas,
		Gas:       p.GasLimit,
		To:        &to,
		Value:     value,
		Data:      p.Intent.Data,
	})
}

// FromTx rebuilds the prepared form of an already signed transaction, such as
// one recovered from storage, so that it can be replaced. Overrides come from
// intent; recipient, value and data come from tx.
func FromTx(tx *types.Transaction, intent Intent, from common.Address) *Prepared {
	p := &Prepared{
		Intent:   intent.Clone(),
		From:     from,
		ChainID:  tx.ChainId(),
		Nonce:    tx.Nonce(),
		GasLimit: tx.Gas(),
		Kind:     KindDynamicFee,
	}
	if to := tx.To(); to != nil {
		p.Intent.To = *to
	}
	p.Intent.Value = tx.Value()
	p.Intent.Data = tx.Data()
	if tx.Type() == types.LegacyTxType {
		p.Kind = KindLegacy
		p.GasPrice = tx.GasPrice()
		return p
	}
	p.MaxFeePerGas = tx.GasFeeCap()
	p.MaxPriorityFeePerGas = tx.GasTipCap()
	return p
}

// FeeCap is the most the transaction can pay per gas unit.
func (p *Prepared) FeeCap() *big.Int {
	if p.Kind == KindLegacy {
		return p.GasPrice
	}
	return p.MaxFeePerGas
}

// MaxCost is gasLimit * feeCap + value.
func (p *Prepared) MaxCost() *big.Int {
	cost := new(big.Int).Mul(new(big.Int).SetUint64(p.GasLimit), p.FeeCap())
	return cost.Add(cost, p.Intent.ValueOrZero())
}

// Bump returns a replacement with the same nonce and strictly higher fees.
// Factors below MinReplacementFactor are raised to it.
func (p *Prepared) Bump(priceFactor, tipFactor float64) *Prepared {
	if priceFactor < MinReplacementFactor {
		priceFactor = MinReplacementFactor
	}
	if tipFactor < MinReplacementFactor {
		tipFactor = MinReplacementFactor
	}
	next := *p
	next.Intent = p.Intent.Clone()
	next.ChainID = cloneBig(p.ChainID)
	next.Attempt = p.Attempt + 1

	if p.Kind == KindLegacy {
		next.GasPrice = BumpAmount(p.GasPrice, priceFactor)
		return &next
	}
	next.MaxPriorityFeePerGas = BumpAmount(p.MaxPriorityFeePerGas, tipFactor)
	next.MaxFeePerGas = BumpAmount(p.MaxFeePerGas, priceFactor)
	if next.MaxFeePerGas.Cmp(next.MaxPriorityFeePerGas) < 0 {
		next.MaxFeePerGas = new(big.Int).Set(next.MaxPriorityFeePerGas)
	}
	if p.GasPrice != nil {
		next.GasPrice = BumpAmount(p.GasPrice, priceFactor)
	}
	return &next
}

// WithGasLimit returns a copy with a different gas limit and the same nonce and fees.
func (p *Prepared) WithGasLimit(limit uint64) *Prepared {
	next := *p
	next.Intent = p.Intent.Clone()
	next.GasLimit = limit
	return &next
}

// BumpAmount multiplies v by factor, rounding up, and guarantees a strictly larger result.
func BumpAmount(v *big.Int, factor float64) *big.Int {
	if v == nil || v.Sign() == 0 {
		return big.NewInt(1)
	}
	out := MulFactor(v, factor)
	if out.Cmp(v) <= 0 {
		out = new(big.Int).Add(v, big.NewInt(1))
	}
	return out
}

// MulFactor multiplies v by factor with per-mille precision, rounding up.
func MulFactor(v *big.Int, factor float64) *big.Int {
	if v == nil {
		return nil
	}
	perMille := big.NewInt(int64(factor*1000 + 0.5))
	out := new(big.Int).Mul(v, perMille)
	out.Add(out, big.NewInt(999))
	return out.Quo(out, big.NewInt(1000))
}

// MulPercent multiplies v by pct/100, rounding down.
func MulPercent(v *big.Int, pct int64) *big.Int {
	if v == nil {
		return nil
	}
	out := new(big.Int).Mul(v, big.NewInt(pct))
	return out.Quo(out, big.NewInt(100))
}
