package txpipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/CaliberVB/txpipeline/chain"
	"github.com/CaliberVB/txpipeline/confirm"
	"github.com/CaliberVB/txpipeline/idempotency"
	"github.com/CaliberVB/txpipeline/preparer"
	"github.com/CaliberVB/txpipeline/retry"
	"github.com/CaliberVB/txpipeline/signer"
	"github.com/CaliberVB/txpipeline/txn"
)

// flow is the state of one ExecuteFlow call across its attempts.
type flow struct {
	p        *Pipeline
	intent   txn.Intent
	from     common.Address
	opts     FlowOptions
	required uint64
	timeout  time.Duration
	log      *zap.Logger

	prepared *txn.Prepared
	// sent holds every broadcast accepted by the network; all share prepared's nonce.
	sent    []*txn.Signed
	lastErr error
	last    *confirm.Result
	sim     *signer.SimulationResult
	hookErr error
	record  *idempotency.Record
	// resumed is set when sent and prepared were rebuilt from a submitted record.
	resumed bool
}

// ExecuteFlow ensures intent is broadcast from `from` and confirmed, retrying
// until it is mined, the retry policy gives up or ctx ends.
//
// Every attempt runs prepare, an optional simulation, sign, broadcast and a
// confirmation wait. Once something was broadcast, later attempts first look
// for a receipt of any earlier broadcast and otherwise replace the pending
// transaction with the same nonce and a bumped fee; an out-of-gas failure also
// raises the gas limit and a nonce conflict with nothing of ours mined starts
// over on a fresh nonce.
//
// The returned result is never nil and ends in confirmed, failed or cancelled.
// The error is nil only for confirmed results, unless a TxMined hook failed.
func (p *Pipeline) ExecuteFlow(ctx context.Context, intent txn.Intent, from common.Address, opts FlowOptions) (*TransactionResult, error) {
	start := p.now()
	if p.isClosed() {
		return failedResult(ErrPipelineClosed, start, p.now()), ErrPipelineClosed
	}

	f := &flow{
		p:        p,
		intent:   intent,
		from:     from,
		opts:     opts,
		required: opts.Confirmations,
		timeout:  opts.Timeout,
		log:      p.log.With(zap.String("wallet", from.Hex()), zap.String("to", intent.To.Hex())),
	}
	if f.required == 0 {
		f.required = p.confirmations
	}
	if f.timeout <= 0 {
		f.timeout = p.confirmTO
	}

	if opts.IdempotencyKey != "" {
		rec, err := p.idem.Create(ctx, opts.IdempotencyKey)
		if errors.Is(err, idempotency.ErrDuplicateKey) {
			return f.fromRecord(ctx, rec, start)
		}
		if err != nil {
			err = fmt.Errorf("idempotency store: %w", err)
			return failedResult(err, start, p.now()), err
		}
		f.record = rec
		f.log = f.log.With(zap.String("idempotency_key", opts.IdempotencyKey))
	}
	return f.run(ctx, start)
}

// run drives the attempts of f under the flow's retry policy.
func (f *flow) run(ctx context.Context, start time.Time) (*TransactionResult, error) {
	p, opts := f.p, f.opts
	policy := p.policy
	if opts.Policy != nil {
		policy = *opts.Policy
		if policy.Logger == nil {
			policy.Logger = p.log
		}
		if policy.Metrics == nil {
			policy.Metrics = p.metrics
		}
	}
	retryIf := policy.RetryIf
	policy.RetryIf = func(err error) bool {
		if errors.Is(err, ErrHookAborted) {
			return false
		}
		return retryIf == nil || retryIf(err)
	}

	res := retry.Do(ctx, policy, "execute flow", f.attempt)

	// a nonce that never reached the network goes back to the tracker
	if len(f.sent) == 0 && f.prepared != nil {
		p.preparer.Release(f.prepared)
	}

	out := f.result(ctx, res, start)
	f.finishRecord(ctx, out)

	if out.State == txn.StateConfirmed {
		if f.hookErr != nil {
			return out, f.hookErr
		}
		return out, nil
	}
	err := res.Err
	if res.Attempts > 1 && res.Strategy.CanRetry && out.State == txn.StateFailed {
		err = errors.Join(ErrEnsureTxOutOfRetries, err)
	}
	if f.hookErr != nil {
		err = errors.Join(err, f.hookErr)
	}
	return out, err
}

func (f *flow) attempt(ctx context.Context, n int) (*confirm.Result, error) {
	res, err := f.try(ctx, n)
	f.lastErr = err
	return res, err
}

func (f *flow) try(ctx context.Context, n int) (*confirm.Result, error) {
	rebroadcast := true
	if (n > 0 || f.resumed) && len(f.sent) > 0 {
		if res, ok := f.minedEarlier(ctx); ok {
			return f.settle(res)
		}
	}
	switch {
	case n > 0, f.resumed && f.opts.ReplacePending:
		var err error
		if rebroadcast, err = f.adjust(ctx); err != nil {
			return nil, err
		}
	case f.resumed:
		rebroadcast = false
	}

	if !rebroadcast {
		latest := f.sent[len(f.sent)-1]
		return f.settle(f.p.monitor.WaitForConfirmation(ctx, latest.Hash, f.required, f.timeout))
	}

	if f.prepared == nil {
		prepared, err := f.p.preparer.Prepare(ctx, f.intent, f.from)
		if err != nil {
			return nil, err
		}
		f.prepared = prepared
	}
	if f.opts.Simulate && len(f.sent) == 0 {
		if err := f.simulate(ctx); err != nil {
			return nil, err
		}
	}
	signed, err := f.signAndBroadcast(ctx)
	if err != nil {
		return nil, err
	}
	return f.settle(f.p.monitor.WaitForConfirmation(ctx, signed.Hash, f.required, f.timeout))
}

// adjust reshapes the prepared transaction after the previous attempt failed
// and reports whether a new broadcast is needed.
func (f *flow) adjust(ctx context.Context) (bool, error) {
	category := chain.CategoryOf(f.lastErr)
	if f.prepared == nil {
		return true, nil
	}

	if len(f.sent) == 0 {
		switch category {
		case chain.CategoryNonceConflict:
			f.p.preparer.Release(f.prepared)
			f.prepared = nil
			return true, f.p.preparer.ResetNonce(ctx, f.from)
		case chain.CategoryOutOfGas:
			raised, err := f.p.preparer.RaiseGasLimit(f.prepared)
			if err != nil {
				return false, tagged(chain.CategoryValidation, err)
			}
			f.prepared = raised
		case chain.CategoryUnderpriced:
			bumped, err := f.p.preparer.Replace(ctx, f.prepared, f.p.priceBump, f.p.tipBump)
			if err != nil {
				return false, tagged(chain.CategoryValidation, err)
			}
			f.prepared = bumped
		}
		return true, nil
	}

	if category == chain.CategoryNonceConflict {
		// nothing we sent was mined, so another transaction took the nonce
		f.log.Warn("nonce taken by a foreign transaction, starting over on a fresh nonce",
			zap.Uint64("nonce", f.prepared.Nonce),
			zap.Int("abandoned", len(f.sent)),
		)
		f.sent = nil
		f.prepared = nil
		return true, f.p.preparer.ResetNonce(ctx, f.from)
	}

	next := f.prepared
	if category == chain.CategoryOutOfGas {
		raised, err := f.p.preparer.RaiseGasLimit(next)
		if err != nil {
			return false, tagged(chain.CategoryValidation, err)
		}
		next = raised
	}
	replacement, err := f.p.preparer.Replace(ctx, next, f.p.priceBump, f.p.tipBump)
	if errors.Is(err, preparer.ErrFeeCapExceeded) {
		f.log.Warn("fee protection limit reached, waiting on the last broadcast instead of replacing it",
			zap.Uint64("nonce", f.prepared.Nonce),
			zap.Error(err),
		)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	f.prepared = replacement
	return true, nil
}

// minedEarlier looks for a receipt of any broadcast so far, newest first.
func (f *flow) minedEarlier(ctx context.Context) (*confirm.Result, bool) {
	for i := len(f.sent) - 1; i >= 0; i-- {
		hash := f.sent[i].Hash
		if _, err := f.p.client.TransactionReceipt(ctx, hash); err != nil {
			continue
		}
		f.log.Info("found mined transaction from an earlier attempt",
			zap.String("tx_hash", hash.Hex()),
			zap.Int("attempt", i),
		)
		return f.p.monitor.WaitForConfirmation(ctx, hash, f.required, f.timeout), true
	}
	return nil, false
}

func (f *flow) simulate(ctx context.Context) error {
	sim := f.p.signer.Simulate(ctx, f.prepared)
	f.sim = &sim
	if sim.Success {
		return nil
	}
	if !sim.Reverted {
		return sim.Err
	}
	if hook := f.opts.Hooks.SimulationFailed; hook != nil {
		shouldRetry, hookErr := hook(f.prepared.Tx(), sim.RevertData, sim.ABIError, sim.RevertParams, sim.Err)
		if hookErr != nil {
			return fmt.Errorf("%w: simulation failed hook: %w", ErrHookAborted, hookErr)
		}
		if shouldRetry {
			return tagged(chain.CategoryUnknown, sim.Err)
		}
	}
	return sim.Err
}

func (f *flow) signAndBroadcast(ctx context.Context) (*txn.Signed, error) {
	if hook := f.opts.Hooks.BeforeSignAndBroadcast; hook != nil {
		if err := hook(f.prepared.Tx(), nil); err != nil {
			return nil, fmt.Errorf("%w: before sign and broadcast hook: %w", ErrHookAborted, err)
		}
	}
	signed, err := f.p.signer.Sign(f.prepared)
	if err != nil {
		return nil, err
	}
	_, err = f.p.signer.Broadcast(ctx, signed)
	if err == nil {
		f.accepted(ctx, signed)
	}
	if hook := f.opts.Hooks.AfterSignAndBroadcast; hook != nil {
		if hookErr := hook(signed.Tx, err); hookErr != nil {
			return nil, fmt.Errorf("%w: after sign and broadcast hook: %w", ErrHookAborted, hookErr)
		}
	}
	if err != nil {
		return nil, err
	}
	return signed, nil
}

func (f *flow) accepted(ctx context.Context, signed *txn.Signed) {
	f.p.preparer.Commit(signed.Prepared)
	f.sent = append(f.sent, signed)
	if f.record != nil {
		f.record.Status = idempotency.StatusSubmitted
		f.record.TxHash = signed.Hash
		f.record.RawTx = signed.Raw
		f.record.Broadcasts = append(f.record.Broadcasts, signed.Hash)
		if err := f.p.idem.Update(ctx, f.record); err != nil {
			f.log.Warn("couldn't record submission", zap.String("tx_hash", signed.Hash.Hex()), zap.Error(err))
		}
	}
}

// settle turns a confirmation wait into the attempt's outcome.
func (f *flow) settle(res *confirm.Result) (*confirm.Result, error) {
	f.last = res
	switch {
	case res.Success:
		f.minedHook(res)
		return res, nil
	case errors.Is(res.Err, confirm.ErrReverted):
		f.minedHook(res)
		return res, tagged(chain.CategoryReverted, fmt.Errorf("%w: %w", ErrTxReverted, res.Err))
	case res.TimedOut():
		return res, tagged(chain.CategoryTimeout, fmt.Errorf("%w: %w", ErrConfirmationTimeout, res.Err))
	default:
		return res, res.Err
	}
}

func (f *flow) minedHook(res *confirm.Result) {
	hook := f.opts.Hooks.TxMined
	if hook == nil || res.Receipt == nil {
		return
	}
	if err := hook(f.txFor(res.Hash), res.Receipt); err != nil {
		f.hookErr = fmt.Errorf("%w: tx mined hook: %w", ErrHookAborted, err)
	}
}

func (f *flow) txFor(hash common.Hash) *types.Transaction {
	for _, s := range f.sent {
		if s.Hash == hash {
			return s.Tx
		}
	}
	return nil
}

func (f *flow) result(ctx context.Context, res retry.Result[*confirm.Result], start time.Time) *TransactionResult {
	out := &TransactionResult{
		Attempts:   res.Attempts,
		Simulation: f.sim,
		Elapsed:    f.p.now().Sub(start),
	}
	for _, s := range f.sent {
		out.Hashes = append(out.Hashes, s.Hash)
	}
	if f.prepared != nil {
		out.Nonce = f.prepared.Nonce
	}
	if len(f.sent) > 0 {
		out.Hash = f.sent[len(f.sent)-1].Hash
	}
	if f.last != nil {
		out.Hash = f.last.Hash
		out.Status = f.last.Status
		out.Receipt = f.last.Receipt
		out.Finality = f.last.Finality
	}
	out.Transaction = f.txFor(out.Hash)

	if res.Success() {
		out.State = txn.StateConfirmed
		for _, s := range f.sent {
			if s.Hash != out.Hash {
				out.Superseded = append(out.Superseded, txn.Status{Hash: s.Hash, State: txn.StateReplaced})
			}
		}
		f.log.Info("flow confirmed",
			zap.String("tx_hash", out.Hash.Hex()),
			zap.Uint64("nonce", out.Nonce),
			zap.Int("attempts", out.Attempts),
			zap.Int("broadcasts", len(out.Hashes)),
		)
		return out
	}

	out.State, out.Category, out.Action = endState(ctx, res.Strategy)
	out.Status.State = out.State
	out.Reason = failureReason(f, res.Err)
	out.Status.Reason = out.Reason

	f.log.Warn("flow did not confirm",
		zap.String("tx_hash", out.Hash.Hex()),
		zap.Stringer("state", out.State),
		zap.Stringer("category", out.Category),
		zap.String("reason", out.Reason),
		zap.Int("attempts", out.Attempts),
	)
	return out
}

// endState maps an unconfirmed flow to cancelled only when the caller cancelled
// it. A caller deadline ends the flow as a timeout failure.
func endState(ctx context.Context, s retry.Strategy) (txn.State, chain.Category, string) {
	switch {
	case s.Category == chain.CategoryCancelled || errors.Is(ctx.Err(), context.Canceled):
		return txn.StateCancelled, chain.CategoryCancelled, retry.ActionNone
	case errors.Is(ctx.Err(), context.DeadlineExceeded) && s.Category != chain.CategoryTimeout:
		s = retry.StrategyForCategory(chain.CategoryTimeout)
	}
	return txn.StateFailed, s.Category, s.Action
}

func failureReason(f *flow, err error) string {
	if f.sim != nil && f.sim.Reverted && f.sim.RevertReason != "" && len(f.sent) == 0 {
		return f.sim.RevertReason
	}
	if f.last != nil && f.last.Status.Reason != "" && errors.Is(err, ErrTxReverted) {
		return f.last.Status.Reason
	}
	var rerr *retry.Error
	if errors.As(err, &rerr) {
		return rerr.Err.Error()
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

func failedResult(err error, start, end time.Time) *TransactionResult {
	s := retry.StrategyFor(err)
	return &TransactionResult{
		State:    txn.StateFailed,
		Status:   txn.Status{State: txn.StateFailed, Reason: err.Error()},
		Reason:   err.Error(),
		Category: s.Category,
		Action:   s.Action,
		Elapsed:  end.Sub(start),
	}
}

// finishRecord stores the outcome under the flow's idempotency key. A flow that
// never reached the network frees its key so the request can run again; one
// whose broadcast is still unresolved stays submitted for a later resume.
func (f *flow) finishRecord(ctx context.Context, out *TransactionResult) {
	if f.record == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	var err error
	switch {
	case out.State == txn.StateConfirmed:
		f.record.Status = idempotency.StatusConfirmed
		f.record.TxHash = out.Hash
		f.record.BlockNumber = out.Status.BlockNumber
		err = f.p.idem.Update(ctx, f.record)
	case len(f.sent) == 0:
		err = f.p.idem.Delete(ctx, f.record.Key)
	case out.Receipt != nil:
		f.record.Status = idempotency.StatusFailed
		f.record.TxHash = out.Hash
		f.record.BlockNumber = out.Status.BlockNumber
		f.record.Error = out.Reason
		err = f.p.idem.Update(ctx, f.record)
	}
	if err != nil {
		f.log.Warn("couldn't update idempotency record", zap.Error(err))
	}
}

// fromRecord answers a repeated idempotency key. A submitted record carrying its
// signed broadcast resumes the flow on that nonce: it keeps waiting or, with
// ReplacePending, replaces the broadcast with a bumped fee. A record with only a
// hash resumes waiting on it.
func (f *flow) fromRecord(ctx context.Context, rec *idempotency.Record, start time.Time) (*TransactionResult, error) {
	out := &TransactionResult{
		Hash:         rec.TxHash,
		Deduplicated: true,
		Status:       txn.Status{Hash: rec.TxHash, BlockNumber: rec.BlockNumber},
	}
	if rec.TxHash != (common.Hash{}) {
		out.Hashes = []common.Hash{rec.TxHash}
	}

	switch rec.Status {
	case idempotency.StatusConfirmed:
		out.State = txn.StateConfirmed
		out.Status.State = txn.StateConfirmed
		out.Elapsed = f.p.now().Sub(start)
		return out, nil
	case idempotency.StatusFailed:
		out.State = txn.StateFailed
		out.Status.State = txn.StateFailed
		out.Reason = rec.Error
		out.Status.Reason = rec.Error
		out.Elapsed = f.p.now().Sub(start)
		return out, fmt.Errorf("%w: %s", ErrPreviouslyFailed, rec.Error)
	case idempotency.StatusSubmitted:
	default:
		err := fmt.Errorf("%w: %s", ErrDuplicateIdempotencyKey, rec.Key)
		out.State = txn.StateFailed
		out.Status.State = txn.StateFailed
		out.Reason = err.Error()
		s := retry.StrategyFor(err)
		out.Category, out.Action = s.Category, s.Action
		out.Elapsed = f.p.now().Sub(start)
		return out, err
	}

	f.record = rec
	f.log = f.log.With(zap.String("idempotency_key", rec.Key))
	if f.resume(rec) {
		f.log.Info("resuming submitted transaction",
			zap.String("tx_hash", rec.TxHash.Hex()),
			zap.Uint64("nonce", f.prepared.Nonce),
			zap.Int("broadcasts", len(f.sent)),
			zap.Bool("replace", f.opts.ReplacePending),
		)
		res, err := f.run(ctx, start)
		res.Deduplicated = true
		return res, err
	}

	f.log.Info("resuming submitted transaction", zap.String("tx_hash", rec.TxHash.Hex()))
	res := f.p.monitor.WaitForConfirmation(ctx, rec.TxHash, f.required, f.timeout)
	f.last = res
	out.Status = res.Status
	out.Receipt = res.Receipt
	out.Finality = res.Finality
	out.Attempts = 1
	out.Elapsed = f.p.now().Sub(start)

	_, err := f.settle(res)
	if err == nil {
		out.State = txn.StateConfirmed
		f.record.Status = idempotency.StatusConfirmed
		f.record.BlockNumber = res.Status.BlockNumber
		if uerr := f.p.idem.Update(context.WithoutCancel(ctx), f.record); uerr != nil {
			f.log.Warn("couldn't update idempotency record", zap.Error(uerr))
		}
		return out, f.hookErr
	}

	out.State, out.Category, out.Action = endState(ctx, retry.StrategyFor(err))
	out.Status.State = out.State
	out.Reason = err.Error()
	if res.Receipt != nil {
		out.Reason = res.Status.Reason
		f.record.Status = idempotency.StatusFailed
		f.record.Error = out.Reason
		f.record.BlockNumber = res.Status.BlockNumber
		if uerr := f.p.idem.Update(context.WithoutCancel(ctx), f.record); uerr != nil {
			f.log.Warn("couldn't update idempotency record", zap.Error(uerr))
		}
	}
	out.Status.Reason = out.Reason
	return out, err
}

// resume rebuilds the sent broadcasts and prepared transaction of a submitted
// record from its stored signed encoding. Earlier hashes are kept so a receipt
// for any of them still settles the flow.
func (f *flow) resume(rec *idempotency.Record) bool {
	if len(rec.RawTx) == 0 {
		return false
	}
	tx, err := txn.Decode(rec.RawTx)
	if err != nil {
		f.log.Warn("couldn't decode recorded transaction, only waiting on its hash", zap.Error(err))
		return false
	}
	prepared := txn.FromTx(tx, f.intent, f.from)
	signed, err := txn.NewSigned(prepared, tx)
	if err != nil {
		f.log.Warn("couldn't rebuild recorded transaction, only waiting on its hash", zap.Error(err))
		return false
	}
	for _, h := range rec.Broadcasts {
		if h != signed.Hash {
			f.sent = append(f.sent, &txn.Signed{Hash: h, From: f.from, Nonce: signed.Nonce})
		}
	}
	f.sent = append(f.sent, signed)
	f.prepared = prepared
	f.resumed = true
	return true
}
