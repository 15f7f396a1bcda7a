package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/CaliberVB/txpipeline/chain"
	"github.com/CaliberVB/txpipeline/internal/metrics"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
)

// Policy bounds how an operation is retried. The smaller of MaxRetries and
// the classified strategy's own ceiling wins.
type Policy struct {
	MaxRetries int
	// BaseDelay is used when the strategy has no delay of its own.
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	Jitter     bool
	// RetryIf can veto a retry the strategy would allow.
	RetryIf func(error) bool

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// ExponentialBackoff doubles the delay on every attempt, with jitter.
func ExponentialBackoff(maxRetries int, baseDelay, maxDelay time.Duration) Policy {
	return Policy{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		Multiplier: 2,
		MaxDelay:   maxDelay,
		Jitter:     true,
	}
}

// LinearBackoff keeps the delay constant and deterministic.
func LinearBackoff(maxRetries int, baseDelay, maxDelay time.Duration) Policy {
	return Policy{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		Multiplier: 1,
		MaxDelay:   maxDelay,
	}
}

func DefaultPolicy() Policy {
	return ExponentialBackoff(DefaultMaxRetries, DefaultBaseDelay, DefaultMaxDelay)
}

// Delay returns the wait before retry number attempt (0-based):
// base × multiplier^attempt, scaled by U[0.5, 1.0) with jitter, capped at MaxDelay.
func (p Policy) Delay(attempt int, s Strategy) time.Duration {
	base := s.RetryDelay
	if base <= 0 {
		base = p.BaseDelay
	}
	if base <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	if attempt < 0 {
		attempt = 0
	}
	d := float64(base) * math.Pow(mult, float64(attempt))
	if p.Jitter {
		d *= 0.5 + rand.Float64()/2
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ShouldRetry reports whether another attempt is allowed after `retries`
// retries have already been made and the last attempt failed with err.
func (p Policy) ShouldRetry(retries int, err error, s Strategy) bool {
	if err == nil || !s.CanRetry {
		return false
	}
	if p.RetryIf != nil && !p.RetryIf(err) {
		return false
	}
	ceiling := p.MaxRetries
	if s.MaxRetries < ceiling {
		ceiling = s.MaxRetries
	}
	return retries < ceiling
}

func (p Policy) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

// Error is the terminal failure of a retried operation.
type Error struct {
	Op       string
	Attempts int
	Strategy Strategy
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s) [%s]: %v", e.Op, e.Attempts, e.Strategy.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Category keeps the last classification visible to chain.CategoryOf.
func (e *Error) Category() chain.Category { return e.Strategy.Category }

// Action is the recovery hint for the caller.
func (e *Error) Action() string { return e.Strategy.Action }

// Result is the outcome of Do.
type Result[T any] struct {
	Value     T
	Err       error
	Attempts  int
	TotalTime time.Duration
	// Strategy is the classification of the last failure, zero on success.
	Strategy Strategy
}

func (r Result[T]) Success() bool {
	return r.Err == nil
}

// Operation is one attempt. attempt starts at 0.
type Operation[T any] func(ctx context.Context, attempt int) (T, error)

// Do runs op until it succeeds, the policy gives up or ctx ends. A context
// error while waiting ends the loop with that error.
func Do[T any](ctx context.Context, p Policy, name string, op Operation[T]) Result[T] {
	log := p.logger()
	start := time.Now()
	var res Result[T]

	for attempt := 0; ; attempt++ {
		value, err := op(ctx, attempt)
		res.Attempts = attempt + 1
		if err == nil {
			res.Value = value
			res.Err = nil
			res.Strategy = Strategy{}
			res.TotalTime = time.Since(start)
			return res
		}

		s := StrategyFor(err)
		res.Strategy = s
		if ctx.Err() != nil || !p.ShouldRetry(attempt, err, s) {
			res.Err = &Error{Op: name, Attempts: res.Attempts, Strategy: s, Err: err}
			res.TotalTime = time.Since(start)
			if s.CanRetry {
				log.Warn("giving up", zap.String("op", name), zap.Int("attempts", res.Attempts),
					zap.Stringer("category", s.Category), zap.Error(err))
			}
			return res
		}

		delay := p.Delay(attempt, s)
		p.Metrics.ObserveRetry(s.Category.String())
		log.Warn("retrying after failure",
			zap.String("op", name),
			zap.Int("attempt", attempt+1),
			zap.Stringer("category", s.Category),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if cerr := Sleep(ctx, delay); cerr != nil {
			res.Strategy = StrategyFor(cerr)
			res.Err = &Error{Op: name, Attempts: res.Attempts, Strategy: res.Strategy, Err: fmt.Errorf("%w (last error: %v)", cerr, err)}
			res.TotalTime = time.Since(start)
			return res
		}
	}
}

// Sleep waits for d or until ctx ends, whichever is first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
