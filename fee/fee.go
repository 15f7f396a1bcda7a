// Package fee computes fee quotes at three priority tiers and gas estimates
// with confidence scores. It never fails: provider errors are replaced by
// conservative fallback values and flagged as such.
package fee

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/CaliberVB/txpipeline/chain"
	"github.com/CaliberVB/txpipeline/internal/metrics"
	"github.com/CaliberVB/txpipeline/txn"
)

// Priority selects how aggressively a quote outbids the network baseline.
type Priority int

const (
	PrioritySafe Priority = iota + 1
	PriorityStandard
	PriorityFast
)

func (p Priority) String() string {
	switch p {
	case PrioritySafe:
		return "safe"
	case PriorityStandard:
		return "standard"
	case PriorityFast:
		return "fast"
	default:
		return "unknown"
	}
}

// ParsePriority accepts safe, standard or fast.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "safe", "slow":
		return PrioritySafe, nil
	case "standard", "":
		return PriorityStandard, nil
	case "fast":
		return PriorityFast, nil
	}
	return PriorityStandard, fmt.Errorf("unknown priority %q", s)
}

// Priorities lists the tiers from cheapest to most expensive.
var Priorities = []Priority{PrioritySafe, PriorityStandard, PriorityFast}

// Quote is a fee recommendation for one tier. Legacy quotes populate GasPrice;
// dynamic-fee quotes populate BaseFee, MaxFeePerGas and MaxPriorityFeePerGas and
// GasPrice when the provider reported one.
type Quote struct {
	Priority             Priority
	Kind                 txn.Kind
	GasPrice             *big.Int
	BaseFee              *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	Fallback             bool
	FetchedAt            time.Time

	flatPriceKnown bool
}

// FeeCap is the highest per-gas price the quote can pay.
func (q Quote) FeeCap() *big.Int {
	if q.Kind == txn.KindDynamicFee && q.MaxFeePerGas != nil {
		return q.MaxFeePerGas
	}
	return q.GasPrice
}

// Cost is gas * FeeCap.
func (q Quote) Cost(gas uint64) *big.Int {
	feeCap := q.FeeCap()
	if feeCap == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(gas), feeCap)
}

// baseline is the raw network fee state, cached briefly.
type baseline struct {
	kind     txn.Kind
	baseFee  *big.Int
	gasPrice *big.Int
	tip      *big.Int
	// fallback is set when any field is a configured default rather than a provider value.
	fallback  bool
	flatKnown bool
	fetchedAt time.Time
}

const baselineKey = "baseline"

// Estimator produces fee quotes and gas estimates.
type Estimator struct {
	client  chain.Client
	cfg     Config
	cache   *gocache.Cache
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Estimator) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMetrics records quotes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Estimator) { e.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Estimator) { e.now = now }
}

// New creates an estimator. Zero config fields take defaults.
func New(client chain.Client, cfg Config, opts ...Option) *Estimator {
	cfg = cfg.withDefaults()
	e := &Estimator{
		client: client,
		cfg:    cfg,
		cache:  gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		log:    zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Estimator) Config() Config {
	return e.cfg
}

// Invalidate drops cached baselines and gas estimates.
func (e *Estimator) Invalidate() {
	e.cache.Flush()
}

// Estimate returns the quote for priority. It never fails.
func (e *Estimator) Estimate(ctx context.Context, priority Priority) Quote {
	b := e.baseline(ctx)
	q := e.quote(b, priority)
	e.metrics.ObserveFeeQuote(priority.String(), q.Fallback)
	return q
}

// Tiers returns quotes for every priority from the same baseline.
func (e *Estimator) Tiers(ctx context.Context) map[Priority]Quote {
	b := e.baseline(ctx)
	out := make(map[Priority]Quote, len(Priorities))
	for _, p := range Priorities {
		out[p] = e.quote(b, p)
		e.metrics.ObserveFeeQuote(p.String(), out[p].Fallback)
	}
	return out
}

func (e *Estimator) quote(b baseline, priority Priority) Quote {
	pct := e.cfg.percent(priority)
	q := Quote{
		Priority:       priority,
		Kind:           b.kind,
		Fallback:       b.fallback,
		FetchedAt:      b.fetchedAt,
		flatPriceKnown: b.flatKnown,
	}
	if b.gasPrice != nil {
		q.GasPrice = txn.MulPercent(b.gasPrice, pct)
	}
	if b.kind == txn.KindLegacy {
		return q
	}

	q.BaseFee = new(big.Int).Set(b.baseFee)
	q.MaxPriorityFeePerGas = txn.MulPercent(b.tip, pct)
	q.MaxFeePerGas = new(big.Int).Mul(b.baseFee, big.NewInt(e.cfg.BaseFeeMultiplier))
	q.MaxFeePerGas.Add(q.MaxFeePerGas, q.MaxPriorityFeePerGas)
	if q.GasPrice == nil {
		q.GasPrice = new(big.Int).Add(b.baseFee, q.MaxPriorityFeePerGas)
	}
	return q
}

func (e *Estimator) baseline(ctx context.Context) baseline {
	if cached, ok := e.cache.Get(baselineKey); ok {
		return cached.(baseline)
	}

	b := e.fetchBaseline(ctx)
	if !b.fallback {
		e.cache.SetDefault(baselineKey, b)
	}
	return b
}

func (e *Estimator) fetchBaseline(ctx context.Context) baseline {
	b := baseline{fetchedAt: e.now()}

	header, err := e.client.HeaderByNumber(ctx, nil)
	if err != nil {
		e.log.Warn("fee baseline: header unavailable, using fallback gas price",
			zap.String("fallback_gas_price", e.cfg.FallbackGasPrice.String()),
			zap.Error(err),
		)
		b.kind = txn.KindLegacy
		b.gasPrice = new(big.Int).Set(e.cfg.FallbackGasPrice)
		b.fallback = true
		return b
	}

	gasPrice, gpErr := e.client.SuggestGasPrice(ctx)
	if gpErr == nil {
		b.gasPrice = gasPrice
		b.flatKnown = true
	}

	if header.BaseFee == nil {
		b.kind = txn.KindLegacy
		if gpErr != nil {
			e.log.Warn("fee baseline: gas price unavailable, using fallback",
				zap.String("fallback_gas_price", e.cfg.FallbackGasPrice.String()),
				zap.Error(gpErr),
			)
			b.gasPrice = new(big.Int).Set(e.cfg.FallbackGasPrice)
			b.fallback = true
		}
		return b
	}

	b.kind = txn.KindDynamicFee
	b.baseFee = header.BaseFee
	tip, err := e.client.SuggestGasTipCap(ctx)
	if err != nil {
		e.log.Warn("fee baseline: tip cap unavailable, using fallback",
			zap.String("fallback_tip_cap", e.cfg.FallbackPriorityFee.String()),
			zap.Error(err),
		)
		tip = new(big.Int).Set(e.cfg.FallbackPriorityFee)
		b.fallback = true
	}
	b.tip = tip

	e.log.Debug("fee baseline fetched",
		zap.Stringer("kind", b.kind),
		zap.String("base_fee", b.baseFee.String()),
		zap.String("tip_cap", b.tip.String()),
		zap.Bool("flat_price_known", b.flatKnown),
	)
	return b
}
