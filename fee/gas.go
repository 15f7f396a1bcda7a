package fee

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/CaliberVB/txpipeline/txn"
)

// GasEstimate is a gas limit with the fee quote used to price it.
type GasEstimate struct {
	GasLimit uint64
	// ProbeGas is the raw provider estimate before the safety multiplier; zero on fallback.
	ProbeGas uint64
	Quote    Quote
	// TotalCost is GasLimit * Quote.FeeCap(), the most the transaction can pay in fees.
	TotalCost         *big.Int
	EstimatedDuration time.Duration
	Confidence        float64
	// Fallback is set when the gas probe failed and GasLimit is a configured default.
	Fallback bool
	ProbeErr error
}

// EstimateGas probes the gas limit for intent sent from `from`, applies the
// safety multiplier and the configured cap, and prices it at the default priority.
// It never fails; probe errors produce a fallback estimate with reduced confidence.
func (e *Estimator) EstimateGas(ctx context.Context, from common.Address, intent txn.Intent) GasEstimate {
	return e.EstimateGasAt(ctx, from, intent, e.cfg.DefaultPriority)
}

// EstimateGasAt is EstimateGas with an explicit priority.
func (e *Estimator) EstimateGasAt(ctx context.Context, from common.Address, intent txn.Intent, priority Priority) GasEstimate {
	quote := e.Estimate(ctx, priority)
	key := gasCacheKey(from, intent)

	var probe uint64
	if cached, ok := e.cache.Get(key); ok {
		probe = cached.(uint64)
	} else {
		to := intent.To
		gas, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &to,
			Value: intent.ValueOrZero(),
			Data:  intent.Data,
		})
		if err != nil {
			limit := e.cfg.MaxGasLimit / 2
			e.log.Warn("gas probe failed, using fallback gas limit",
				zap.String("from", from.Hex()),
				zap.String("to", intent.To.Hex()),
				zap.Uint64("fallback_gas_limit", limit),
				zap.Error(err),
			)
			confidence := fallbackConfidence
			if quote.Fallback {
				confidence -= 2 * confidenceStep
			}
			return GasEstimate{
				GasLimit:          limit,
				Quote:             quote,
				TotalCost:         quote.Cost(limit),
				EstimatedDuration: e.cfg.duration(priority),
				Confidence:        confidence,
				Fallback:          true,
				ProbeErr:          err,
			}
		}
		probe = gas
		e.cache.SetDefault(key, gas)
	}

	limit := applyMultiplier(probe, e.cfg.GasSafetyMultiplier)
	if limit > e.cfg.MaxGasLimit {
		limit = e.cfg.MaxGasLimit
	}

	est := GasEstimate{
		GasLimit:          limit,
		ProbeGas:          probe,
		Quote:             quote,
		TotalCost:         quote.Cost(limit),
		EstimatedDuration: e.cfg.duration(priority),
		Confidence:        confidence(quote),
	}
	e.log.Debug("gas estimated",
		zap.String("to", intent.To.Hex()),
		zap.Uint64("probe_gas", probe),
		zap.Uint64("gas_limit", limit),
		zap.Float64("confidence", est.Confidence),
	)
	return est
}

func confidence(q Quote) float64 {
	if q.Fallback {
		return fallbackConfidence
	}
	c := baseConfidence
	if q.flatPriceKnown {
		c += confidenceStep
	}
	if q.BaseFee != nil && q.MaxPriorityFeePerGas != nil {
		c += confidenceStep
	}
	return math.Min(1.0, math.Max(baseConfidence, c))
}

// applyMultiplier scales gas by m with per-mille precision, rounding up.
func applyMultiplier(gas uint64, m float64) uint64 {
	perMille := uint64(m*1000 + 0.5)
	return (gas*perMille + 999) / 1000
}

func gasCacheKey(from common.Address, intent txn.Intent) string {
	return fmt.Sprintf("gas:%s:%s:%s:%s",
		from.Hex(), intent.To.Hex(), crypto.Keccak256Hash(intent.Data).Hex(), intent.ValueOrZero().String())
}

// Level is an optimization strategy.
type Level int

const (
	LevelConservative Level = iota
	LevelBalanced
	LevelAggressive
)

func (l Level) String() string {
	switch l {
	case LevelConservative:
		return "conservative"
	case LevelBalanced:
		return "balanced"
	case LevelAggressive:
		return "aggressive"
	default:
		return "unknown"
	}
}

// ParseLevel accepts conservative, balanced or aggressive.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "conservative":
		return LevelConservative, nil
	case "balanced", "":
		return LevelBalanced, nil
	case "aggressive":
		return LevelAggressive, nil
	}
	return LevelBalanced, fmt.Errorf("unknown optimization level %q", s)
}

// OptimizationResult compares an estimate before and after optimization.
// Savings are original minus optimized and may be negative.
type OptimizationResult struct {
	Level           Level
	Original        GasEstimate
	Optimized       GasEstimate
	GasSaved        int64
	CostSaved       *big.Int
	Recommendations []string
}

// Optimize adjusts est according to level. Conservative adds 10% gas headroom,
// balanced 5%, aggressive keeps the limit and switches to a fresh fast-tier quote
// only when it is cheaper than the current one. The limits always order
// conservative > balanced > aggressive, even for a zero or tiny estimate.
func (e *Estimator) Optimize(ctx context.Context, est GasEstimate, level Level) OptimizationResult {
	opt := est
	var recs []string

	balanced := max(ceilPercent(est.GasLimit, 105), est.GasLimit+1)
	switch level {
	case LevelConservative:
		opt.GasLimit = ceilPercent(est.GasLimit, 110)
		if opt.GasLimit <= balanced {
			opt.GasLimit = balanced + 1
		}
		recs = append(recs, fmt.Sprintf("raised gas limit by 10%% to %d for extra headroom", opt.GasLimit))
	case LevelBalanced:
		opt.GasLimit = balanced
		recs = append(recs, fmt.Sprintf("raised gas limit by 5%% to %d", opt.GasLimit))
	case LevelAggressive:
		recs = append(recs, "kept gas limit unchanged")
		fast := e.Estimate(ctx, PriorityFast)
		cur := est.Quote.FeeCap()
		if cand := fast.FeeCap(); cand != nil && cur != nil && !fast.Fallback && cand.Cmp(cur) < 0 {
			opt.Quote = fast
			opt.EstimatedDuration = e.cfg.duration(PriorityFast)
			recs = append(recs, fmt.Sprintf("switched to cheaper fast-tier fee cap %s", cand))
		} else {
			recs = append(recs, "current fee already at or below fast-tier quote")
		}
	}
	opt.TotalCost = opt.Quote.Cost(opt.GasLimit)

	origCost := est.TotalCost
	if origCost == nil {
		origCost = est.Quote.Cost(est.GasLimit)
	}
	return OptimizationResult{
		Level:           level,
		Original:        est,
		Optimized:       opt,
		GasSaved:        int64(est.GasLimit) - int64(opt.GasLimit),
		CostSaved:       new(big.Int).Sub(origCost, opt.TotalCost),
		Recommendations: recs,
	}
}

func ceilPercent(v uint64, pct uint64) uint64 {
	return (v*pct + 99) / 100
}
