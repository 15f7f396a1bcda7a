package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/CaliberVB/txpipeline/internal/circuitbreaker"
)

// Guarded wraps a Client with a circuit breaker and classifies every error it returns.
// Transport and server failures count against the breaker; verdicts about the
// transaction (reverts, nonce conflicts, missing receipts) do not.
type Guarded struct {
	inner   Client
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuarded wraps inner. A zero Config uses circuitbreaker defaults.
func NewGuarded(inner Client, cfg circuitbreaker.Config, log *zap.Logger) *Guarded {
	if log != nil && cfg.Logger == nil {
		cfg.Logger = log
	}
	if cfg.Name == "" {
		cfg.Name = "rpc"
	}
	return &Guarded{inner: inner, breaker: circuitbreaker.New(cfg)}
}

// Breaker exposes the underlying breaker for health reporting.
func (g *Guarded) Breaker() *circuitbreaker.CircuitBreaker {
	return g.breaker
}

func countsAgainstBreaker(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return IsTransient(err)
}

func (g *Guarded) guard(fn func() error) error {
	err := g.breaker.Do(func() error {
		return Classify(fn())
	}, countsAgainstBreaker)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return ErrCircuitOpen
	}
	return err
}

func (g *Guarded) ChainID(ctx context.Context) (id *big.Int, err error) {
	err = g.guard(func() (e error) { id, e = g.inner.ChainID(ctx); return })
	return
}

func (g *Guarded) BlockNumber(ctx context.Context) (n uint64, err error) {
	err = g.guard(func() (e error) { n, e = g.inner.BlockNumber(ctx); return })
	return
}

func (g *Guarded) HeaderByNumber(ctx context.Context, number *big.Int) (h *types.Header, err error) {
	err = g.guard(func() (e error) { h, e = g.inner.HeaderByNumber(ctx, number); return })
	return
}

func (g *Guarded) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (n uint64, err error) {
	err = g.guard(func() (e error) { n, e = g.inner.NonceAt(ctx, account, blockNumber); return })
	return
}

func (g *Guarded) PendingNonceAt(ctx context.Context, account common.Address) (n uint64, err error) {
	err = g.guard(func() (e error) { n, e = g.inner.PendingNonceAt(ctx, account); return })
	return
}

func (g *Guarded) SuggestGasPrice(ctx context.Context) (p *big.Int, err error) {
	err = g.guard(func() (e error) { p, e = g.inner.SuggestGasPrice(ctx); return })
	return
}

func (g *Guarded) SuggestGasTipCap(ctx context.Context) (p *big.Int, err error) {
	err = g.guard(func() (e error) { p, e = g.inner.SuggestGasTipCap(ctx); return })
	return
}

func (g *Guarded) EstimateGas(ctx context.Context, call ethereum.CallMsg) (gas uint64, err error) {
	err = g.guard(func() (e error) { gas, e = g.inner.EstimateGas(ctx, call); return })
	return
}

func (g *Guarded) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) (out []byte, err error) {
	err = g.guard(func() (e error) { out, e = g.inner.CallContract(ctx, call, blockNumber); return })
	return
}

func (g *Guarded) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return g.guard(func() error { return g.inner.SendTransaction(ctx, tx) })
}

func (g *Guarded) TransactionReceipt(ctx context.Context, txHash common.Hash) (r *types.Receipt, err error) {
	err = g.guard(func() (e error) { r, e = g.inner.TransactionReceipt(ctx, txHash); return })
	return
}

var _ Client = (*Guarded)(nil)
