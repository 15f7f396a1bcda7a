// Package signer holds signing identities, signs prepared transactions,
// broadcasts them and dry-runs them against current network state.
package signer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/CaliberVB/txpipeline/chain"
	"github.com/CaliberVB/txpipeline/internal/metrics"
	"github.com/CaliberVB/txpipeline/txn"
)

// DefaultBroadcastMemory is how long an accepted payload hash is remembered
// to refuse a second broadcast of the same bytes.
const DefaultBroadcastMemory = time.Hour

// Service signs and submits transactions for identities in its registry.
type Service struct {
	client   chain.Client
	registry *Registry
	decoder  *ErrorDecoder
	accepted *gocache.Cache
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithErrorDecoder decodes custom revert errors during simulation.
func WithErrorDecoder(d *ErrorDecoder) Option {
	return func(s *Service) { s.decoder = d }
}

// WithBroadcastMemory overrides DefaultBroadcastMemory.
func WithBroadcastMemory(d time.Duration) Option {
	return func(s *Service) { s.accepted = gocache.New(d, d) }
}

// New creates a service signing with identities from registry.
func New(client chain.Client, registry *Registry, opts ...Option) *Service {
	s := &Service{
		client:   client,
		registry: registry,
		accepted: gocache.New(DefaultBroadcastMemory, DefaultBroadcastMemory),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Registry() *Registry {
	return s.registry
}

// Sign signs prepared with the key registered for prepared.From.
func (s *Service) Sign(prepared *txn.Prepared) (*txn.Signed, error) {
	key, ok := s.registry.Get(prepared.From)
	if !ok {
		return nil, &identityError{fmt.Errorf("%w: %s", ErrUnknownIdentity, prepared.From.Hex())}
	}
	signer := types.NewLondonSigner(prepared.ChainID)
	tx, err := types.SignTx(prepared.Tx(), signer, key)
	if err != nil {
		return nil, fmt.Errorf("couldn't sign tx: %w", err)
	}
	sender, err := types.Sender(signer, tx)
	if err != nil {
		return nil, fmt.Errorf("couldn't recover sender: %w", err)
	}
	if sender != prepared.From {
		return nil, fmt.Errorf("%w: recovered %s, expected %s", ErrSenderMismatch, sender.Hex(), prepared.From.Hex())
	}
	return txn.NewSigned(prepared, tx)
}

// Broadcast submits signed once. It never retries; a node answering "already
// known" counts as accepted. Submitting a payload that was already accepted
// fails with ErrAlreadyBroadcast without contacting the network.
func (s *Service) Broadcast(ctx context.Context, signed *txn.Signed) (common.Hash, error) {
	key := signed.Hash.Hex()
	if err := s.accepted.Add(key, struct{}{}, gocache.DefaultExpiration); err != nil {
		return signed.Hash, fmt.Errorf("%w: %s", ErrAlreadyBroadcast, key)
	}

	err := s.client.SendTransaction(ctx, signed.Tx)
	if err != nil {
		classified := chain.Classify(err)
		if chain.CategoryOf(classified) == chain.CategoryAlreadyKnown {
			s.metrics.ObserveBroadcast("already_known")
			s.log.Info("tx already known by node, treating as broadcast",
				zap.String("tx_hash", key),
				zap.Uint64("nonce", signed.Nonce),
			)
			return signed.Hash, nil
		}
		s.accepted.Delete(key)
		s.metrics.ObserveBroadcast("rejected")
		s.log.Warn("broadcast rejected",
			zap.String("tx_hash", key),
			zap.String("wallet", signed.From.Hex()),
			zap.Uint64("nonce", signed.Nonce),
			zap.Stringer("category", chain.CategoryOf(classified)),
			zap.Error(err),
		)
		return common.Hash{}, fmt.Errorf("couldn't broadcast tx %s: %w", key, classified)
	}

	s.metrics.ObserveBroadcast("accepted")
	s.log.Info("tx broadcast",
		zap.String("tx_hash", key),
		zap.String("wallet", signed.From.Hex()),
		zap.Uint64("nonce", signed.Nonce),
		zap.Uint64("gas_limit", signed.GasLimit),
		zap.String("gas_price", bigString(signed.GasPrice)),
		zap.String("max_fee_per_gas", bigString(signed.MaxFeePerGas)),
		zap.String("tip_cap", bigString(signed.MaxPriorityFeePerGas)),
	)
	return signed.Hash, nil
}

// Forget drops the accepted record for hash, allowing a rebroadcast of the same
// payload, e.g. after the node dropped it from its pool.
func (s *Service) Forget(hash common.Hash) {
	s.accepted.Delete(hash.Hex())
}

// SimulationResult is the outcome of a dry run.
type SimulationResult struct {
	Success    bool
	Reverted   bool
	GasUsed    uint64
	ReturnData []byte

	RevertReason string
	RevertData   []byte
	ABIError     *abi.Error
	RevertParams any

	// Err wraps ErrSimulatedTxReverted or ErrSimulatedTxFailed when Success is false.
	Err error
}

// Simulate runs prepared as a call against current state without sending it.
func (s *Service) Simulate(ctx context.Context, prepared *txn.Prepared) SimulationResult {
	to := prepared.Intent.To
	msg := ethereum.CallMsg{
		From:  prepared.From,
		To:    &to,
		Gas:   prepared.GasLimit,
		Value: prepared.Intent.ValueOrZero(),
		Data:  prepared.Intent.Data,
	}
	if prepared.Kind == txn.KindLegacy {
		msg.GasPrice = prepared.GasPrice
	} else {
		msg.GasFeeCap = prepared.MaxFeePerGas
		msg.GasTipCap = prepared.MaxPriorityFeePerGas
	}

	out, err := s.client.CallContract(ctx, msg, nil)
	if err != nil {
		return s.simulationFailure(prepared, err)
	}

	res := SimulationResult{Success: true, ReturnData: out}
	// gas used is informational; an estimate without the prepared limit as cap
	msg.Gas = 0
	if gas, gasErr := s.client.EstimateGas(ctx, msg); gasErr == nil {
		res.GasUsed = gas
	} else {
		s.log.Debug("simulation succeeded but gas estimate failed", zap.Error(gasErr))
	}
	return res
}

func (s *Service) simulationFailure(prepared *txn.Prepared, err error) SimulationResult {
	classified := chain.Classify(err)
	data := chain.RevertData(err)
	if len(data) == 0 && chain.CategoryOf(classified) != chain.CategoryReverted {
		s.log.Debug("tx simulation failed but not a revert error",
			zap.String("wallet", prepared.From.Hex()),
			zap.Uint64("nonce", prepared.Nonce),
			zap.Error(err),
		)
		return SimulationResult{Err: errors.Join(ErrSimulatedTxFailed, classified)}
	}

	res := SimulationResult{Reverted: true, RevertData: data}
	res.RevertReason = s.decoder.Reason(data)
	if s.decoder != nil {
		res.ABIError, res.RevertParams, _ = s.decoder.DecodeData(data)
	}
	if res.RevertReason == "" {
		var execErr *chain.ExecutionError
		if errors.As(classified, &execErr) {
			res.RevertReason = execErr.Reason
		}
	}
	res.Err = errors.Join(ErrSimulatedTxReverted, fmt.Errorf("revert reason: %q, data: 0x%s: %w", res.RevertReason, common.Bytes2Hex(data), classified))

	s.log.Debug("tx simulation showed a revert error",
		zap.String("wallet", prepared.From.Hex()),
		zap.Uint64("nonce", prepared.Nonce),
		zap.String("revert_reason", res.RevertReason),
		zap.String("revert_data", common.Bytes2Hex(data)),
	)
	return res
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
