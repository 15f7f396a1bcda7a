// Package confirm tracks broadcast transactions until they reach a target
// confirmation depth, revert, or time out.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/CaliberVB/txpipeline/chain"
	"github.com/CaliberVB/txpipeline/internal/metrics"
	"github.com/CaliberVB/txpipeline/txn"
)

const (
	DefaultPollInterval     = 2 * time.Second
	DefaultBatchConcurrency = 16
)

var (
	ErrTimeout  = errors.New("timed out waiting for confirmation")
	ErrReverted = errors.New("transaction reverted")
	ErrSkipped  = errors.New("wait skipped after an earlier failure")
)

// Result is the terminal outcome of a wait. Waits never return errors; a
// failure is reported through Success=false and Err.
type Result struct {
	Hash          common.Hash
	Success       bool
	Status        txn.Status
	Finality      Finality
	Confirmations uint64
	Receipt       *types.Receipt
	Elapsed       time.Duration
	Err           error
}

// TimedOut reports whether the wait ended because its timeout elapsed.
func (r *Result) TimedOut() bool {
	return errors.Is(r.Err, ErrTimeout)
}

// Monitor polls a network for receipts and chain height.
type Monitor struct {
	client      chain.Client
	interval    time.Duration
	concurrency int
	metrics     *metrics.Metrics
	log         *zap.Logger
	now         func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithBatchConcurrency bounds how many waits a batch runs at once.
func WithBatchConcurrency(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(m *Monitor) {
		if log != nil {
			m.log = log
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func New(client chain.Client, opts ...Option) *Monitor {
	m := &Monitor{
		client:      client,
		interval:    DefaultPollInterval,
		concurrency: DefaultBatchConcurrency,
		log:         zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PollInterval returns the configured interval.
func (m *Monitor) PollInterval() time.Duration {
	return m.interval
}

// poller holds the per-hash polling state shared by waits and watches.
type poller struct {
	m             *Monitor
	hash          common.Hash
	required      uint64
	receipt       *types.Receipt
	confirmations uint64
}

type observation struct {
	changed  bool
	terminal bool
	failed   bool
}

// step polls once. Provider errors are logged and treated as "no progress".
func (p *poller) step(ctx context.Context) observation {
	if p.receipt == nil {
		r, err := p.m.client.TransactionReceipt(ctx, p.hash)
		if err != nil {
			if !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
				p.m.log.Debug("receipt lookup failed, will retry",
					zap.String("tx_hash", p.hash.Hex()),
					zap.Error(err),
				)
			}
			return observation{}
		}
		p.receipt = r
		if r.Status == types.ReceiptStatusFailed {
			p.confirmations = 1
			return observation{changed: true, terminal: true, failed: true}
		}
	}

	head, err := p.m.client.BlockNumber(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.m.log.Debug("block number lookup failed, will retry",
				zap.String("tx_hash", p.hash.Hex()),
				zap.Error(err),
			)
		}
		return observation{}
	}
	var depth uint64 = 1
	if included := p.receipt.BlockNumber; included != nil && head >= included.Uint64() {
		depth = head - included.Uint64() + 1
	}
	// depth never goes backwards, even if a lagging node reports an older head
	if depth <= p.confirmations {
		return observation{terminal: p.confirmations >= p.required}
	}
	p.confirmations = depth
	return observation{changed: true, terminal: depth >= p.required}
}

func (p *poller) status() txn.Status {
	if p.receipt == nil {
		return txn.Status{Hash: p.hash, State: txn.StatePending, Timestamp: p.m.now()}
	}
	s := txn.StatusFromReceipt(p.receipt, p.confirmations, p.m.now())
	if s.State == txn.StateConfirmed && p.confirmations < p.required {
		s.State = txn.StatePending
	}
	return s
}

func (p *poller) result(start time.Time) *Result {
	st := p.status()
	res := &Result{
		Hash:          p.hash,
		Status:        st,
		Confirmations: p.confirmations,
		Receipt:       p.receipt,
		Finality:      Classify(p.confirmations, p.required),
		Elapsed:       p.m.now().Sub(start),
	}
	switch st.State {
	case txn.StateConfirmed:
		res.Success = true
	case txn.StateFailed:
		res.Err = fmt.Errorf("%w: %s in block %d", ErrReverted, p.hash.Hex(), st.BlockNumber)
	}
	return res
}

// WaitForConfirmation blocks until hash has `required` confirmations, its
// receipt shows a revert, timeout elapses or ctx is cancelled. A zero timeout
// waits until ctx ends.
func (m *Monitor) WaitForConfirmation(ctx context.Context, hash common.Hash, required uint64, timeout time.Duration) *Result {
	if required == 0 {
		required = 1
	}
	start := m.now()
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	p := &poller{m: m, hash: hash, required: required}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		obs := p.step(waitCtx)
		if obs.changed {
			m.log.Debug("confirmation progress",
				zap.String("tx_hash", hash.Hex()),
				zap.Uint64("confirmations", p.confirmations),
				zap.Uint64("required", required),
			)
		}
		if obs.terminal {
			res := p.result(start)
			m.observe(res)
			return res
		}

		select {
		case <-waitCtx.Done():
			res := p.result(start)
			// only an explicit cancel is a cancellation; a caller deadline is a timeout
			if errors.Is(ctx.Err(), context.Canceled) {
				res.Status.State = txn.StateCancelled
				res.Err = ctx.Err()
			} else {
				res.Status.State = txn.StateFailed
				res.Status.Reason = "timeout"
				res.Err = fmt.Errorf("%w: %s after %s (%d/%d confirmations)",
					ErrTimeout, hash.Hex(), m.now().Sub(start).Round(time.Millisecond), p.confirmations, required)
			}
			res.Success = false
			m.observe(res)
			return res
		case <-ticker.C:
		}
	}
}

func (m *Monitor) observe(res *Result) {
	outcome := "confirmed"
	switch {
	case res.Success:
	case res.TimedOut():
		outcome = "timeout"
	case errors.Is(res.Err, ErrReverted):
		outcome = "reverted"
	default:
		outcome = "cancelled"
	}
	m.metrics.ObserveConfirmation(outcome, res.Elapsed)

	fields := []zap.Field{
		zap.String("tx_hash", res.Hash.Hex()),
		zap.String("outcome", outcome),
		zap.Uint64("confirmations", res.Confirmations),
		zap.Stringer("finality", res.Finality),
		zap.Duration("elapsed", res.Elapsed),
	}
	if res.Success {
		m.log.Info("transaction confirmed", fields...)
		return
	}
	m.log.Warn("transaction not confirmed", append(fields, zap.Error(res.Err))...)
}
