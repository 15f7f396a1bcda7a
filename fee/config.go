package fee

import (
	"math/big"
	"time"
)

// Defaults. The tier percentages and confidence steps are tunable; only their
// ordering is relied upon.
const (
	DefaultSafePercent         = 100
	DefaultStandardPercent     = 110
	DefaultFastPercent         = 125
	DefaultBaseFeeMultiplier   = 2
	DefaultGasSafetyMultiplier = 1.2
	DefaultMaxGasLimit         = 8_000_000
	DefaultCacheTTL            = 12 * time.Second

	baseConfidence     = 0.8
	confidenceStep     = 0.1
	fallbackConfidence = 0.5
)

var (
	DefaultFallbackGasPrice    = big.NewInt(20_000_000_000) // 20 gwei
	DefaultFallbackPriorityFee = big.NewInt(2_000_000_000)  // 2 gwei
)

// Config tunes the estimator.
type Config struct {
	SafePercent     int64
	StandardPercent int64
	FastPercent     int64

	// BaseFeeMultiplier scales the base fee when computing MaxFeePerGas, leaving
	// headroom for base fee growth across blocks.
	BaseFeeMultiplier int64

	FallbackGasPrice    *big.Int
	FallbackPriorityFee *big.Int

	GasSafetyMultiplier float64
	MaxGasLimit         uint64

	// DefaultPriority is used by EstimateGas.
	DefaultPriority Priority

	FastDuration     time.Duration
	StandardDuration time.Duration
	SafeDuration     time.Duration

	CacheTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.SafePercent <= 0 {
		c.SafePercent = DefaultSafePercent
	}
	if c.StandardPercent <= 0 {
		c.StandardPercent = DefaultStandardPercent
	}
	if c.FastPercent <= 0 {
		c.FastPercent = DefaultFastPercent
	}
	// keep safe <= standard <= fast whatever was configured
	if c.StandardPercent < c.SafePercent {
		c.StandardPercent = c.SafePercent
	}
	if c.FastPercent < c.StandardPercent {
		c.FastPercent = c.StandardPercent
	}
	if c.BaseFeeMultiplier <= 0 {
		c.BaseFeeMultiplier = DefaultBaseFeeMultiplier
	}
	if c.FallbackGasPrice == nil || c.FallbackGasPrice.Sign() <= 0 {
		c.FallbackGasPrice = new(big.Int).Set(DefaultFallbackGasPrice)
	}
	if c.FallbackPriorityFee == nil || c.FallbackPriorityFee.Sign() <= 0 {
		c.FallbackPriorityFee = new(big.Int).Set(DefaultFallbackPriorityFee)
	}
	if c.GasSafetyMultiplier < 1 {
		c.GasSafetyMultiplier = DefaultGasSafetyMultiplier
	}
	if c.MaxGasLimit == 0 {
		c.MaxGasLimit = DefaultMaxGasLimit
	}
	if c.FastDuration <= 0 {
		c.FastDuration = 15 * time.Second
	}
	if c.StandardDuration <= 0 {
		c.StandardDuration = 30 * time.Second
	}
	if c.SafeDuration <= 0 {
		c.SafeDuration = 60 * time.Second
	}
	if c.DefaultPriority == 0 {
		c.DefaultPriority = PriorityStandard
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	return c
}

func (c Config) percent(p Priority) int64 {
	switch p {
	case PrioritySafe:
		return c.SafePercent
	case PriorityFast:
		return c.FastPercent
	default:
		return c.StandardPercent
	}
}

func (c Config) duration(p Priority) time.Duration {
	switch p {
	case PrioritySafe:
		return c.SafeDuration
	case PriorityFast:
		return c.FastDuration
	default:
		return c.StandardDuration
	}
}
