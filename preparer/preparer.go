// Package preparer turns an intent into a fully resolved unsigned transaction:
// nonce, gas limit and fee fields.
package preparer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/CaliberVB/txpipeline/chain"
	"github.com/CaliberVB/txpipeline/fee"
	"github.com/CaliberVB/txpipeline/internal/nonce"
	"github.com/CaliberVB/txpipeline/txn"
)

const (
	// DefaultGasLimit is used when the gas probe fails.
	DefaultGasLimit uint64 = 200_000
	// DefaultGasBumpFactor raises the limit after an out-of-gas failure.
	DefaultGasBumpFactor = 1.3
	// Replacement bumps, matching what most nodes require for same-nonce replacement.
	DefaultPriceBumpFactor = 1.2
	DefaultTipBumpFactor   = 1.1
)

// Config tunes preparation. Zero fields take defaults.
type Config struct {
	Priority        fee.Priority
	DefaultGasLimit uint64
	GasBumpFactor   float64
	// MaxFeeCap rejects replacements whose per-gas fee cap would exceed it. Nil disables the check.
	MaxFeeCap *big.Int
}

func (c Config) withDefaults() Config {
	if c.Priority == 0 {
		c.Priority = fee.PriorityStandard
	}
	if c.DefaultGasLimit == 0 {
		c.DefaultGasLimit = DefaultGasLimit
	}
	if c.GasBumpFactor <= 1 {
		c.GasBumpFactor = DefaultGasBumpFactor
	}
	return c
}

// Preparer resolves intents against one network.
type Preparer struct {
	client chain.Client
	fees   *fee.Estimator
	nonces *nonce.Tracker
	cfg    Config
	log    *zap.Logger

	chainMu sync.Mutex
	chainID *big.Int
}

// Option configures a Preparer.
type Option func(*Preparer)

func WithLogger(log *zap.Logger) Option {
	return func(p *Preparer) {
		if log != nil {
			p.log = log
		}
	}
}

// WithNonceTracker shares a tracker between preparers of the same process.
func WithNonceTracker(t *nonce.Tracker) Option {
	return func(p *Preparer) {
		if t != nil {
			p.nonces = t
		}
	}
}

// WithChainID skips the ChainID lookup.
func WithChainID(id *big.Int) Option {
	return func(p *Preparer) {
		if id != nil {
			p.chainID = new(big.Int).Set(id)
		}
	}
}

// New creates a preparer.
func New(client chain.Client, fees *fee.Estimator, cfg Config, opts ...Option) *Preparer {
	p := &Preparer{
		client: client,
		fees:   fees,
		cfg:    cfg.withDefaults(),
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.nonces == nil {
		p.nonces = nonce.NewTracker(p.log)
	}
	return p
}

// ChainID returns the network's chain id, fetched once.
func (p *Preparer) ChainID(ctx context.Context) (*big.Int, error) {
	p.chainMu.Lock()
	defer p.chainMu.Unlock()
	if p.chainID != nil {
		return p.chainID, nil
	}
	id, err := p.client.ChainID(ctx)
	if err != nil {
		return nil, errors.Join(ErrChainIDFailed, err)
	}
	p.chainID = id
	return id, nil
}

// Prepare resolves nonce, fees and gas limit for intent sent from `from`.
// Validation errors are returned as *txn.ValidationError before any network call.
func (p *Preparer) Prepare(ctx context.Context, intent txn.Intent, from common.Address) (prepared *txn.Prepared, err error) {
	if from == (common.Address{}) {
		return nil, &txn.ValidationError{Field: "from", Err: txn.ErrMissingIdentity}
	}
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	intent = intent.Clone()

	chainID, err := p.ChainID(ctx)
	if err != nil {
		return nil, err
	}

	out := &txn.Prepared{
		Intent:  intent,
		From:    from,
		ChainID: new(big.Int).Set(chainID),
	}

	if intent.Overrides.Nonce != nil {
		out.Nonce = *intent.Overrides.Nonce
	} else {
		n, err := p.acquireNonce(ctx, from, chainID.Uint64())
		if err != nil {
			return nil, err
		}
		out.Nonce = n
		out.NonceReserved = true
	}

	// give the nonce back if anything below fails
	defer func() {
		if err != nil && out.NonceReserved {
			p.nonces.Release(from, chainID.Uint64(), out.Nonce)
		}
	}()

	p.resolveFees(ctx, out)

	if intent.Overrides.GasLimit > 0 {
		out.GasLimit = intent.Overrides.GasLimit
	} else {
		est := p.fees.EstimateGasAt(ctx, from, intent, p.cfg.Priority)
		if est.Fallback {
			p.log.Warn("gas estimation failed, using default gas limit",
				zap.String("wallet", from.Hex()),
				zap.String("to", intent.To.Hex()),
				zap.Uint64("gas_limit", p.cfg.DefaultGasLimit),
				zap.Error(est.ProbeErr),
			)
			out.GasLimit = p.cfg.DefaultGasLimit
		} else {
			out.GasLimit = est.GasLimit
		}
	}
	// estimation swallows provider errors, including cancellation
	if err = ctx.Err(); err != nil {
		return nil, err
	}

	p.log.Debug("transaction prepared",
		zap.String("wallet", from.Hex()),
		zap.Uint64("chain_id", chainID.Uint64()),
		zap.Uint64("nonce", out.Nonce),
		zap.Uint64("gas_limit", out.GasLimit),
		zap.Stringer("kind", out.Kind),
		zap.String("fee_cap", out.FeeCap().String()),
	)
	return out, nil
}

func (p *Preparer) acquireNonce(ctx context.Context, from common.Address, chainID uint64) (uint64, error) {
	mined, err := p.client.NonceAt(ctx, from, nil)
	if err != nil {
		return 0, errors.Join(ErrAcquireNonceFailed, fmt.Errorf("couldn't get mined nonce: %w", err))
	}
	pending, err := p.client.PendingNonceAt(ctx, from)
	if err != nil {
		return 0, errors.Join(ErrAcquireNonceFailed, fmt.Errorf("couldn't get pending nonce: %w", err))
	}
	res, err := p.nonces.Acquire(from, chainID, mined, pending)
	if err != nil {
		return 0, errors.Join(ErrAcquireNonceFailed, err)
	}
	return res.Nonce, nil
}

// resolveFees applies overrides, filling whatever they leave open from the estimator.
func (p *Preparer) resolveFees(ctx context.Context, out *txn.Prepared) {
	o := out.Intent.Overrides
	if o.GasPrice != nil && o.MaxFeePerGas == nil && o.MaxPriorityFeePerGas == nil {
		out.Kind = txn.KindLegacy
		out.GasPrice = new(big.Int).Set(o.GasPrice)
		return
	}

	quote := p.fees.Estimate(ctx, p.cfg.Priority)
	if o.MaxFeePerGas == nil && o.MaxPriorityFeePerGas == nil {
		out.Kind = quote.Kind
		out.GasPrice = quote.GasPrice
		out.MaxFeePerGas = quote.MaxFeePerGas
		out.MaxPriorityFeePerGas = quote.MaxPriorityFeePerGas
		return
	}

	out.Kind = txn.KindDynamicFee
	tip := o.MaxPriorityFeePerGas
	if tip == nil {
		tip = quote.MaxPriorityFeePerGas
		if tip == nil {
			tip = quote.GasPrice
		}
	}
	maxFee := o.MaxFeePerGas
	if maxFee == nil {
		maxFee = quote.FeeCap()
		if maxFee.Cmp(tip) < 0 {
			maxFee = tip
		}
	} else if tip.Cmp(maxFee) > 0 {
		tip = maxFee
	}
	out.MaxPriorityFeePerGas = new(big.Int).Set(tip)
	out.MaxFeePerGas = new(big.Int).Set(maxFee)
	if o.GasPrice != nil {
		out.GasPrice = new(big.Int).Set(o.GasPrice)
	}
}

// Replace returns a same-nonce replacement of prev with fees raised by the given
// factors, never below what the network currently quotes at the configured priority.
func (p *Preparer) Replace(ctx context.Context, prev *txn.Prepared, priceFactor, tipFactor float64) (*txn.Prepared, error) {
	next := prev.Bump(priceFactor, tipFactor)

	quote := p.fees.Estimate(ctx, p.cfg.Priority)
	if !quote.Fallback {
		if next.Kind == txn.KindLegacy {
			next.GasPrice = maxBig(next.GasPrice, quote.GasPrice)
		} else {
			next.MaxPriorityFeePerGas = maxBig(next.MaxPriorityFeePerGas, quote.MaxPriorityFeePerGas)
			next.MaxFeePerGas = maxBig(next.MaxFeePerGas, quote.MaxFeePerGas)
		}
	}

	if p.cfg.MaxFeeCap != nil && next.FeeCap().Cmp(p.cfg.MaxFeeCap) > 0 {
		return nil, fmt.Errorf("%w: fee cap %s above %s", ErrFeeCapExceeded, next.FeeCap(), p.cfg.MaxFeeCap)
	}

	p.log.Info("replacement prepared",
		zap.String("wallet", prev.From.Hex()),
		zap.Uint64("nonce", next.Nonce),
		zap.Int("attempt", next.Attempt),
		zap.String("old_fee_cap", prev.FeeCap().String()),
		zap.String("new_fee_cap", next.FeeCap().String()),
	)
	return next, nil
}

// RaiseGasLimit returns prev with a larger gas limit, for retrying after out-of-gas.
func (p *Preparer) RaiseGasLimit(prev *txn.Prepared) (*txn.Prepared, error) {
	limit := txn.MulFactor(new(big.Int).SetUint64(prev.GasLimit), p.cfg.GasBumpFactor).Uint64()
	if limit <= prev.GasLimit {
		limit = prev.GasLimit + 1
	}
	maxLimit := p.fees.Config().MaxGasLimit
	if prev.GasLimit >= maxLimit {
		return nil, fmt.Errorf("%w: gas limit %d already at maximum", ErrGasLimitExceeded, prev.GasLimit)
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return prev.WithGasLimit(limit), nil
}

// Release returns the nonce of a prepared transaction that was never broadcast.
func (p *Preparer) Release(prepared *txn.Prepared) bool {
	if prepared == nil || !prepared.NonceReserved {
		return false
	}
	return p.nonces.Release(prepared.From, prepared.ChainID.Uint64(), prepared.Nonce)
}

// Commit records that prepared was accepted by the network, so explicitly
// chosen nonces are not handed out again.
func (p *Preparer) Commit(prepared *txn.Prepared) {
	p.nonces.Observe(prepared.From, prepared.ChainID.Uint64(), prepared.Nonce)
}

// ResetNonce drops local nonce state for wallet, forcing the next Prepare to
// trust the network. Used after nonce conflicts.
func (p *Preparer) ResetNonce(ctx context.Context, wallet common.Address) error {
	chainID, err := p.ChainID(ctx)
	if err != nil {
		return err
	}
	p.nonces.Reset(wallet, chainID.Uint64())
	return nil
}

// Estimator exposes the fee estimator backing this preparer.
func (p *Preparer) Estimator() *fee.Estimator {
	return p.fees
}

func maxBig(a, b *big.Int) *big.Int {
	if a == nil {
		return b
	}
	if b == nil || a.Cmp(b) >= 0 {
		return a
	}
	return new(big.Int).Set(b)
}
