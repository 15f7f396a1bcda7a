// Package txpipeline prepares, signs, broadcasts and confirms EVM transactions.
//
// A Pipeline owns every component of one network connection: a circuit-broken
// provider client, the signing registry, the fee estimator, the preparer, the
// confirmation monitor and the execution queue. Callers either run a single
// intent end to end with ExecuteFlow (or the R() request builder), or enqueue
// intents and let the queue drive them with bounded concurrency.
package txpipeline

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/CaliberVB/txpipeline/chain"
	"github.com/CaliberVB/txpipeline/confirm"
	"github.com/CaliberVB/txpipeline/fee"
	"github.com/CaliberVB/txpipeline/idempotency"
	"github.com/CaliberVB/txpipeline/internal/circuitbreaker"
	"github.com/CaliberVB/txpipeline/internal/metrics"
	"github.com/CaliberVB/txpipeline/preparer"
	"github.com/CaliberVB/txpipeline/queue"
	"github.com/CaliberVB/txpipeline/retry"
	"github.com/CaliberVB/txpipeline/signer"
	"github.com/CaliberVB/txpipeline/txn"
)

// Pipeline is safe for concurrent use.
type Pipeline struct {
	client   *chain.Guarded
	registry *signer.Registry
	fees     *fee.Estimator
	preparer *preparer.Preparer
	signer   *signer.Service
	monitor  *confirm.Monitor
	queue    *queue.Queue
	idem     idempotency.Store
	store    QueueStore
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time

	chainID *big.Int

	// settings collected by options before the components are built
	feeCfg        fee.Config
	prepCfg       preparer.Config
	breakerCfg    circuitbreaker.Config
	policy        retry.Policy
	confirmations uint64
	confirmTO     time.Duration
	pollInterval  time.Duration
	batchLimit    int
	priceBump     float64
	tipBump       float64
	decoder       *signer.ErrorDecoder
	queueOpts     []queue.Option

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
}

// Option configures a Pipeline
type Option func(*Pipeline)

func WithLogger(log *zap.Logger) Option {
	return func(p *Pipeline) {
		if log != nil {
			p.log = log
		}
	}
}

// WithMetrics records into m instead of a private registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithRegistry shares a signing registry between pipelines.
func WithRegistry(r *signer.Registry) Option {
	return func(p *Pipeline) {
		if r != nil {
			p.registry = r
		}
	}
}

// WithChainID pins the expected chain id; New fails if the provider disagrees.
func WithChainID(id *big.Int) Option {
	return func(p *Pipeline) { p.chainID = id }
}

func WithFeeConfig(cfg fee.Config) Option {
	return func(p *Pipeline) { p.feeCfg = cfg }
}

func WithPreparerConfig(cfg preparer.Config) Option {
	return func(p *Pipeline) { p.prepCfg = cfg }
}

// WithCircuitBreaker sets the provider breaker thresholds.
func WithCircuitBreaker(failureThreshold, successThreshold int, openTimeout time.Duration) Option {
	return func(p *Pipeline) {
		p.breakerCfg.FailureThreshold = failureThreshold
		p.breakerCfg.SuccessThreshold = successThreshold
		p.breakerCfg.OpenTimeout = openTimeout
	}
}

// WithRetryPolicy sets the default policy of flows and queue items.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(p *Pipeline) { p.policy = policy }
}

// WithDefaultConfirmations sets how deep a transaction must be before a flow reports it confirmed.
func WithDefaultConfirmations(n uint64) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.confirmations = n
		}
	}
}

// WithConfirmTimeout bounds every confirmation wait that has no timeout of its own.
func WithConfirmTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.confirmTO = d
		}
	}
}

// WithPollInterval sets how often receipts and chain height are polled.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pipeline) { p.pollInterval = d }
}

// WithBatchConcurrency bounds concurrent waits in WaitForBatchConfirmation.
func WithBatchConcurrency(n int) Option {
	return func(p *Pipeline) { p.batchLimit = n }
}

// WithBumpFactors sets the fee multipliers of same-nonce replacements.
func WithBumpFactors(price, tip float64) Option {
	return func(p *Pipeline) {
		if price > txn.MinReplacementFactor {
			p.priceBump = price
		}
		if tip > txn.MinReplacementFactor {
			p.tipBump = tip
		}
	}
}

// WithErrorDecoder decodes custom contract errors in simulation results.
func WithErrorDecoder(d *signer.ErrorDecoder) Option {
	return func(p *Pipeline) { p.decoder = d }
}

// WithQueueOptions passes options to the execution queue.
func WithQueueOptions(opts ...queue.Option) Option {
	return func(p *Pipeline) { p.queueOpts = append(p.queueOpts, opts...) }
}

// WithIdempotencyStore sets a custom idempotency store
func WithIdempotencyStore(store idempotency.Store) Option {
	return func(p *Pipeline) { p.idem = store }
}

// WithDefaultIdempotencyStore sets up an in-memory idempotency store with the given TTL
func WithDefaultIdempotencyStore(ttl time.Duration) Option {
	return func(p *Pipeline) { p.idem = idempotency.NewInMemoryStore(ttl) }
}

// WithQueueStore persists the queue across restarts.
func WithQueueStore(store QueueStore) Option {
	return func(p *Pipeline) { p.store = store }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// New builds a pipeline on client. It resolves the chain id once so a
// misconfigured endpoint fails here instead of on the first transaction.
func New(ctx context.Context, client chain.Client, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		registry:      signer.NewRegistry(),
		policy:        retry.DefaultPolicy(),
		confirmations: DefaultConfirmations,
		confirmTO:     DefaultConfirmTimeout,
		priceBump:     GasPriceIncreasePercent,
		tipBump:       TipCapIncreasePercent,
		log:           zap.NewNop(),
		now:           time.Now,
		breakerCfg:    circuitbreaker.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = metrics.New(nil)
	}
	if p.idem == nil {
		p.idem = idempotency.NewInMemoryStore(DefaultIdempotencyTTL)
	}
	if p.policy.Logger == nil {
		p.policy.Logger = p.log
	}
	if p.policy.Metrics == nil {
		p.policy.Metrics = p.metrics
	}

	p.breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		p.metrics.SetBreakerState(name, int(to))
		p.log.Warn("provider circuit breaker changed state",
			zap.String("breaker", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	}
	p.client = chain.NewGuarded(client, p.breakerCfg, p.log)

	remoteID, err := p.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("couldn't get chain id: %w", err)
	}
	if p.chainID != nil && p.chainID.Sign() > 0 && p.chainID.Cmp(remoteID) != 0 {
		return nil, fmt.Errorf("%w: provider reports %s, configured %s", ErrChainIDMismatch, remoteID, p.chainID)
	}
	p.chainID = remoteID

	p.fees = fee.New(p.client, p.feeCfg,
		fee.WithLogger(p.log),
		fee.WithMetrics(p.metrics),
		fee.WithClock(p.now),
	)
	p.preparer = preparer.New(p.client, p.fees, p.prepCfg,
		preparer.WithLogger(p.log),
		preparer.WithChainID(p.chainID),
	)
	signerOpts := []signer.Option{signer.WithLogger(p.log), signer.WithMetrics(p.metrics)}
	if p.decoder != nil {
		signerOpts = append(signerOpts, signer.WithErrorDecoder(p.decoder))
	}
	p.signer = signer.New(p.client, p.registry, signerOpts...)
	p.monitor = confirm.New(p.client,
		confirm.WithPollInterval(p.pollInterval),
		confirm.WithBatchConcurrency(p.batchLimit),
		confirm.WithLogger(p.log),
		confirm.WithMetrics(p.metrics),
		confirm.WithClock(p.now),
	)
	queueOpts := append([]queue.Option{
		queue.WithExecutor(p),
		queue.WithRetryPolicy(p.policy),
		queue.WithLogger(p.log),
		queue.WithMetrics(p.metrics),
		queue.WithClock(p.now),
	}, p.queueOpts...)
	p.queue = queue.New(queueOpts...)

	p.log.Info("pipeline created",
		zap.Uint64("chain_id", p.chainID.Uint64()),
		zap.Int("identities", p.registry.Len()),
		zap.Bool("queue_store", p.store != nil),
	)
	return p, nil
}

// Start restores any persisted queue and begins queue processing. Queue
// executions run under ctx until Shutdown. Calling Start twice is a no-op.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPipelineClosed
	}
	if p.started {
		return nil
	}
	if p.store != nil {
		if err := p.restoreQueue(ctx); err != nil {
			return err
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	if err := p.queue.Start(runCtx); err != nil {
		cancel()
		return err
	}
	p.cancel = cancel
	p.started = true
	return nil
}

// Shutdown stops dispatching queue items and waits for in-flight ones. When
// ctx ends first the in-flight executions are cancelled. The queue is then
// persisted and the idempotency store released. Later calls are no-ops.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.cancel
	p.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		p.queue.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		p.log.Warn("shutdown deadline reached, cancelling in-flight executions")
		if cancel != nil {
			cancel()
		}
		<-stopped
	}
	if cancel != nil {
		cancel()
	}

	var errs []error
	if p.store != nil {
		// ctx may be done already; persisting must still happen
		saveCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := p.persistQueue(saveCtx); err != nil {
			errs = append(errs, err)
		}
		done()
	}
	if closer, ok := p.idem.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing idempotency store: %w", err))
		}
	}
	p.log.Info("pipeline shut down")
	return errors.Join(errs...)
}

func (p *Pipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// ChainID is the chain id the pipeline signs for.
func (p *Pipeline) ChainID() *big.Int {
	return new(big.Int).Set(p.chainID)
}

func (p *Pipeline) Client() chain.Client               { return p.client }
func (p *Pipeline) Registry() *signer.Registry         { return p.registry }
func (p *Pipeline) Fees() *fee.Estimator               { return p.fees }
func (p *Pipeline) Monitor() *confirm.Monitor          { return p.monitor }
func (p *Pipeline) Queue() *queue.Queue                { return p.queue }
func (p *Pipeline) IdempotencyStore() idempotency.Store { return p.idem }

// BreakerStats returns the provider circuit breaker statistics.
func (p *Pipeline) BreakerStats() circuitbreaker.Stats {
	return p.client.Breaker().Stats()
}

// ResetCircuitBreaker closes the provider breaker.
func (p *Pipeline) ResetCircuitBreaker() {
	p.client.Breaker().Reset()
}

// AddIdentity registers a signing key for address.
func (p *Pipeline) AddIdentity(address common.Address, privateKeyHex string) error {
	if err := p.registry.Add(address, privateKeyHex); err != nil {
		return err
	}
	p.log.Info("identity added", zap.String("wallet", address.Hex()))
	return nil
}

// AddKey registers key under its own address.
func (p *Pipeline) AddKey(key *ecdsa.PrivateKey) common.Address {
	addr := p.registry.AddKey(key)
	p.log.Info("identity added", zap.String("wallet", addr.Hex()))
	return addr
}

// Prepare resolves nonce, gas and fees for intent.
func (p *Pipeline) Prepare(ctx context.Context, intent txn.Intent, from common.Address) (*txn.Prepared, error) {
	return p.preparer.Prepare(ctx, intent, from)
}

// Release hands back the nonce of a prepared transaction that will not be broadcast.
func (p *Pipeline) Release(prepared *txn.Prepared) bool {
	return p.preparer.Release(prepared)
}

func (p *Pipeline) Sign(prepared *txn.Prepared) (*txn.Signed, error) {
	return p.signer.Sign(prepared)
}

// Broadcast submits signed once, without retrying.
func (p *Pipeline) Broadcast(ctx context.Context, signed *txn.Signed) (common.Hash, error) {
	hash, err := p.signer.Broadcast(ctx, signed)
	if err == nil {
		p.preparer.Commit(signed.Prepared)
	}
	return hash, err
}

func (p *Pipeline) Simulate(ctx context.Context, prepared *txn.Prepared) signer.SimulationResult {
	return p.signer.Simulate(ctx, prepared)
}

// WaitForConfirmation waits for hash; a zero required uses the pipeline default.
func (p *Pipeline) WaitForConfirmation(ctx context.Context, hash common.Hash, required uint64, timeout time.Duration) *confirm.Result {
	if required == 0 {
		required = p.confirmations
	}
	return p.monitor.WaitForConfirmation(ctx, hash, required, timeout)
}

func (p *Pipeline) WaitForBatchConfirmation(ctx context.Context, hashes []common.Hash, required uint64, timeout time.Duration, failFast bool) map[common.Hash]*confirm.Result {
	if required == 0 {
		required = p.confirmations
	}
	return p.monitor.WaitForBatchConfirmation(ctx, hashes, required, timeout, failFast)
}

// Watch streams confirmation progress of hash until it is final or ctx ends.
func (p *Pipeline) Watch(ctx context.Context, hash common.Hash, required uint64) *confirm.Subscription {
	if required == 0 {
		required = p.confirmations
	}
	return p.monitor.Watch(ctx, hash, required)
}

// EstimateFee quotes every priority tier.
func (p *Pipeline) EstimateFee(ctx context.Context) FeeSummary {
	tiers := p.fees.Tiers(ctx)
	return FeeSummary{
		Safe:     tiers[fee.PrioritySafe],
		Standard: tiers[fee.PriorityStandard],
		Fast:     tiers[fee.PriorityFast],
	}
}

func (p *Pipeline) EstimateGas(ctx context.Context, from common.Address, intent txn.Intent) fee.GasEstimate {
	return p.fees.EstimateGas(ctx, from, intent)
}

func (p *Pipeline) Optimize(ctx context.Context, est fee.GasEstimate, level fee.Level) fee.OptimizationResult {
	return p.fees.Optimize(ctx, est, level)
}
