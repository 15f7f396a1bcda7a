// Package config loads pipeline settings from a YAML file and TXPIPE_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const EnvPrefix = "TXPIPE"

type Config struct {
	RPC         RPCConfig         `mapstructure:"rpc"`
	Fee         FeeConfig         `mapstructure:"fee"`
	Gas         GasConfig         `mapstructure:"gas"`
	Confirm     ConfirmConfig     `mapstructure:"confirm"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Log         LogConfig         `mapstructure:"log"`
}

type RPCConfig struct {
	URL string `mapstructure:"url"`
	// ChainID, when set, must match what the node reports.
	ChainID        int64         `mapstructure:"chain_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type FeeConfig struct {
	Priority                string        `mapstructure:"priority"`
	FallbackGasPriceGwei    float64       `mapstructure:"fallback_gas_price_gwei"`
	FallbackPriorityFeeGwei float64       `mapstructure:"fallback_priority_fee_gwei"`
	SafePercent             int64         `mapstructure:"safe_percent"`
	StandardPercent         int64         `mapstructure:"standard_percent"`
	FastPercent             int64         `mapstructure:"fast_percent"`
	BaseFeeMultiplier       int64         `mapstructure:"base_fee_multiplier"`
	MaxFeeCapGwei           float64       `mapstructure:"max_fee_cap_gwei"`
	// CacheTTL covers fee baselines and gas probes.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type GasConfig struct {
	SafetyMultiplier float64 `mapstructure:"safety_multiplier"`
	MaxGasLimit      uint64  `mapstructure:"max_gas_limit"`
	DefaultGasLimit  uint64  `mapstructure:"default_gas_limit"`
	BumpFactor       float64 `mapstructure:"bump_factor"`
}

type ConfirmConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	Confirmations    uint64        `mapstructure:"confirmations"`
	BatchConcurrency int           `mapstructure:"batch_concurrency"`
}

type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	Multiplier float64       `mapstructure:"multiplier"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Jitter     bool          `mapstructure:"jitter"`
	// PriceBumpFactor and TipBumpFactor are applied when a retry replaces a
	// pending transaction.
	PriceBumpFactor float64 `mapstructure:"price_bump_factor"`
	TipBumpFactor   float64 `mapstructure:"tip_bump_factor"`
}

type QueueConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	ItemTimeout   time.Duration `mapstructure:"item_timeout"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

type IdempotencyConfig struct {
	// Backend is "memory" or "redis".
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rpc.url", "http://localhost:8545")
	v.SetDefault("rpc.chain_id", 0)
	v.SetDefault("rpc.request_timeout", 15*time.Second)

	v.SetDefault("fee.priority", "standard")
	v.SetDefault("fee.fallback_gas_price_gwei", 20)
	v.SetDefault("fee.fallback_priority_fee_gwei", 2)
	v.SetDefault("fee.safe_percent", 100)
	v.SetDefault("fee.standard_percent", 110)
	v.SetDefault("fee.fast_percent", 125)
	v.SetDefault("fee.base_fee_multiplier", 2)
	v.SetDefault("fee.max_fee_cap_gwei", 0)
	v.SetDefault("fee.cache_ttl", 12*time.Second)

	v.SetDefault("gas.safety_multiplier", 1.2)
	v.SetDefault("gas.max_gas_limit", 8_000_000)
	v.SetDefault("gas.default_gas_limit", 200_000)
	v.SetDefault("gas.bump_factor", 1.3)

	v.SetDefault("confirm.poll_interval", 2*time.Second)
	v.SetDefault("confirm.timeout", 5*time.Minute)
	v.SetDefault("confirm.confirmations", 1)
	v.SetDefault("confirm.batch_concurrency", 16)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.jitter", true)
	v.SetDefault("retry.price_bump_factor", 1.2)
	v.SetDefault("retry.tip_bump_factor", 1.1)

	v.SetDefault("queue.max_concurrent", 4)
	v.SetDefault("queue.poll_interval", 100*time.Millisecond)
	v.SetDefault("queue.item_timeout", 5*time.Minute)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 2)
	v.SetDefault("breaker.open_timeout", 30*time.Second)

	v.SetDefault("idempotency.backend", "memory")
	v.SetDefault("idempotency.ttl", 24*time.Hour)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "txpipeline:idem:")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Default returns the built-in settings without reading any file or env.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: decoding defaults: %v", err))
	}
	return &cfg
}

// Load reads path (or ./txpipeline.yaml when path is empty and the file
// exists), applies TXPIPE_* overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("txpipeline")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var ErrInvalidConfig = errors.New("invalid config")

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.RPC.URL != "", "rpc.url is required")
	check(c.RPC.ChainID >= 0, "rpc.chain_id must not be negative")
	check(c.RPC.RequestTimeout >= 0, "rpc.request_timeout must not be negative")

	switch strings.ToLower(c.Fee.Priority) {
	case "safe", "standard", "fast":
	default:
		errs = append(errs, fmt.Errorf("fee.priority %q must be safe, standard or fast", c.Fee.Priority))
	}
	check(c.Fee.FallbackGasPriceGwei > 0, "fee.fallback_gas_price_gwei must be positive")
	check(c.Fee.FallbackPriorityFeeGwei > 0, "fee.fallback_priority_fee_gwei must be positive")
	check(c.Fee.SafePercent > 0 && c.Fee.StandardPercent > 0 && c.Fee.FastPercent > 0, "fee tier percents must be positive")
	check(c.Fee.SafePercent <= c.Fee.StandardPercent && c.Fee.StandardPercent <= c.Fee.FastPercent,
		"fee tiers must satisfy safe <= standard <= fast (got %d/%d/%d)", c.Fee.SafePercent, c.Fee.StandardPercent, c.Fee.FastPercent)
	check(c.Fee.BaseFeeMultiplier > 0, "fee.base_fee_multiplier must be positive")
	check(c.Fee.MaxFeeCapGwei >= 0, "fee.max_fee_cap_gwei must not be negative")

	check(c.Gas.SafetyMultiplier >= 1, "gas.safety_multiplier must be at least 1")
	check(c.Gas.MaxGasLimit > 0, "gas.max_gas_limit must be positive")
	check(c.Gas.DefaultGasLimit > 0 && c.Gas.DefaultGasLimit <= c.Gas.MaxGasLimit, "gas.default_gas_limit must be in (0, max_gas_limit]")
	check(c.Gas.BumpFactor > 1, "gas.bump_factor must be greater than 1")

	check(c.Confirm.PollInterval > 0, "confirm.poll_interval must be positive")
	check(c.Confirm.Timeout >= 0, "confirm.timeout must not be negative")
	check(c.Confirm.BatchConcurrency > 0, "confirm.batch_concurrency must be positive")

	check(c.Retry.MaxRetries >= 0, "retry.max_retries must not be negative")
	check(c.Retry.Multiplier >= 1, "retry.multiplier must be at least 1")
	check(c.Retry.MaxDelay >= c.Retry.BaseDelay, "retry.max_delay must not be below retry.base_delay")
	check(c.Retry.PriceBumpFactor > 1 && c.Retry.TipBumpFactor > 1, "retry bump factors must be greater than 1")

	check(c.Queue.MaxConcurrent > 0, "queue.max_concurrent must be positive")
	check(c.Queue.PollInterval > 0, "queue.poll_interval must be positive")
	check(c.Queue.ItemTimeout > 0, "queue.item_timeout must be positive")

	check(c.Breaker.FailureThreshold > 0 && c.Breaker.SuccessThreshold > 0, "breaker thresholds must be positive")
	check(c.Breaker.OpenTimeout > 0, "breaker.open_timeout must be positive")

	switch c.Idempotency.Backend {
	case "memory":
	case "redis":
		check(c.Redis.Addr != "", "redis.addr is required for the redis idempotency backend")
	default:
		errs = append(errs, fmt.Errorf("idempotency.backend %q must be memory or redis", c.Idempotency.Backend))
	}

	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}

// Wei converts a gwei amount from config into wei.
func Wei(gwei float64) *big.Int {
	if gwei <= 0 {
		return nil
	}
	return new(big.Int).SetUint64(uint64(math.Round(gwei * 1e9)))
}

// Build returns a zap logger for these settings.
func (c LogConfig) Build() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
