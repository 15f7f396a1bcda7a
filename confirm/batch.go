package confirm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/CaliberVB/txpipeline/txn"
)

// WaitForBatchConfirmation waits for every hash concurrently, bounded by the
// monitor's batch concurrency. With failFast, once any wait fails no further
// waits are started and the remaining hashes report ErrSkipped; waits already
// running are left to finish.
func (m *Monitor) WaitForBatchConfirmation(ctx context.Context, hashes []common.Hash, required uint64, timeout time.Duration, failFast bool) map[common.Hash]*Result {
	results := make(map[common.Hash]*Result, len(hashes))
	var mu sync.Mutex
	var failed atomic.Bool

	var g errgroup.Group
	g.SetLimit(m.concurrency)

	seen := make(map[common.Hash]struct{}, len(hashes))
	for _, hash := range hashes {
		if _, dup := seen[hash]; dup {
			continue
		}
		seen[hash] = struct{}{}

		g.Go(func() error {
			var res *Result
			if failFast && failed.Load() {
				res = &Result{
					Hash:   hash,
					Status: txn.Status{Hash: hash, State: txn.StatePending, Timestamp: m.now()},
					Err:    ErrSkipped,
				}
			} else {
				res = m.WaitForConfirmation(ctx, hash, required, timeout)
				if !res.Success {
					failed.Store(true)
				}
			}
			mu.Lock()
			results[hash] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if failFast && failed.Load() {
		m.log.Warn("batch confirmation stopped early",
			zap.Int("hashes", len(seen)),
			zap.Uint64("required", required),
		)
	}
	return results
}
