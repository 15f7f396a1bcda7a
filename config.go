package txpipeline

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/redis/go-redis/v9"

	"github.com/CaliberVB/txpipeline/config"
	"github.com/CaliberVB/txpipeline/fee"
	"github.com/CaliberVB/txpipeline/idempotency"
	"github.com/CaliberVB/txpipeline/preparer"
	"github.com/CaliberVB/txpipeline/queue"
	"github.com/CaliberVB/txpipeline/retry"
)

// ErrRedisRequired is returned when the config selects the redis backend
// without a redis client.
var ErrRedisRequired = errors.New("redis client required for redis backend")

// OptionsFromConfig translates loaded settings into pipeline options.
// rdb is only used when the idempotency backend is "redis"; the queue
// snapshot is then kept in redis too.
func OptionsFromConfig(cfg *config.Config, rdb redis.UniversalClient) ([]Option, error) {
	priority, err := fee.ParsePriority(cfg.Fee.Priority)
	if err != nil {
		return nil, err
	}

	opts := []Option{
		WithFeeConfig(fee.Config{
			SafePercent:         cfg.Fee.SafePercent,
			StandardPercent:     cfg.Fee.StandardPercent,
			FastPercent:         cfg.Fee.FastPercent,
			BaseFeeMultiplier:   cfg.Fee.BaseFeeMultiplier,
			FallbackGasPrice:    config.Wei(cfg.Fee.FallbackGasPriceGwei),
			FallbackPriorityFee: config.Wei(cfg.Fee.FallbackPriorityFeeGwei),
			GasSafetyMultiplier: cfg.Gas.SafetyMultiplier,
			MaxGasLimit:         cfg.Gas.MaxGasLimit,
			DefaultPriority:     priority,
			CacheTTL:            cfg.Fee.CacheTTL,
		}),
		WithPreparerConfig(preparer.Config{
			Priority:        priority,
			DefaultGasLimit: cfg.Gas.DefaultGasLimit,
			GasBumpFactor:   cfg.Gas.BumpFactor,
			MaxFeeCap:       config.Wei(cfg.Fee.MaxFeeCapGwei),
		}),
		WithRetryPolicy(retry.Policy{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BaseDelay,
			Multiplier: cfg.Retry.Multiplier,
			MaxDelay:   cfg.Retry.MaxDelay,
			Jitter:     cfg.Retry.Jitter,
		}),
		WithBumpFactors(cfg.Retry.PriceBumpFactor, cfg.Retry.TipBumpFactor),
		WithDefaultConfirmations(cfg.Confirm.Confirmations),
		WithConfirmTimeout(cfg.Confirm.Timeout),
		WithPollInterval(cfg.Confirm.PollInterval),
		WithBatchConcurrency(cfg.Confirm.BatchConcurrency),
		WithCircuitBreaker(cfg.Breaker.FailureThreshold, cfg.Breaker.SuccessThreshold, cfg.Breaker.OpenTimeout),
		WithQueueOptions(
			queue.WithMaxConcurrent(cfg.Queue.MaxConcurrent),
			queue.WithPollInterval(cfg.Queue.PollInterval),
			queue.WithItemTimeout(cfg.Queue.ItemTimeout),
		),
	}
	if cfg.RPC.ChainID > 0 {
		opts = append(opts, WithChainID(big.NewInt(cfg.RPC.ChainID)))
	}

	switch cfg.Idempotency.Backend {
	case "", "memory":
		opts = append(opts, WithDefaultIdempotencyStore(cfg.Idempotency.TTL))
	case "redis":
		if rdb == nil {
			return nil, ErrRedisRequired
		}
		opts = append(opts,
			WithIdempotencyStore(idempotency.NewRedisStore(rdb, cfg.Redis.KeyPrefix, cfg.Idempotency.TTL)),
			WithQueueStore(NewRedisQueueStore(rdb, "")),
		)
	default:
		return nil, fmt.Errorf("%w: unknown idempotency backend %q", config.ErrInvalidConfig, cfg.Idempotency.Backend)
	}
	return opts, nil
}

// DialRedis connects to the redis server of cfg and checks it answers.
func DialRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to redis %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}
