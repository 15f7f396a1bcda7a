package txpipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/CaliberVB/txpipeline/queue"
	"github.com/CaliberVB/txpipeline/retry"
	"github.com/CaliberVB/txpipeline/txn"
)

// queueKeyPrefix namespaces the idempotency keys of queue items.
const queueKeyPrefix = "queue:"

// Enqueue adds intent to the execution queue and returns its id. Higher
// priorities run first; equal priorities run in submission order.
func (p *Pipeline) Enqueue(intent txn.Intent, priority int, opts queue.Options) (string, error) {
	if p.isClosed() {
		return "", ErrPipelineClosed
	}
	return p.queue.Enqueue(intent, priority, opts)
}

// EnqueueBatch adds every intent or none of them.
func (p *Pipeline) EnqueueBatch(intents []txn.Intent, priority int, opts queue.Options) ([]string, error) {
	if p.isClosed() {
		return nil, ErrPipelineClosed
	}
	return p.queue.EnqueueBatch(intents, priority, opts)
}

func (p *Pipeline) QueueStatus(id string) (queue.Item, bool) {
	return p.queue.Status(id)
}

func (p *Pipeline) Statistics() queue.Statistics {
	return p.queue.Statistics()
}

// CancelItem cancels an item that has not started executing.
func (p *Pipeline) CancelItem(id string) error {
	return p.queue.Cancel(id)
}

func (p *Pipeline) CreateBundle(ids []string) (string, error) {
	return p.queue.CreateBundle(ids)
}

func (p *Pipeline) BundleStatus(id string) (queue.BundleStatus, error) {
	return p.queue.Bundle(id)
}

// CleanupCompletedItems drops completed items older than age and returns how many were removed.
func (p *Pipeline) CleanupCompletedItems(age time.Duration) int {
	return p.queue.CleanupCompleted(age)
}

func (p *Pipeline) CleanupFailedItems(age time.Duration) int {
	return p.queue.CleanupFailed(age)
}

// Execute runs one queue item as a single flow attempt; the queue owns the
// retries. The item id doubles as an idempotency key, so an attempt after a
// broadcast picks up that transaction's nonce: it settles on a receipt of any
// earlier broadcast or replaces the pending one with a bumped fee, and never
// sends the item on a second nonce.
func (p *Pipeline) Execute(ctx context.Context, item queue.Item) (queue.Outcome, error) {
	once := retry.Policy{MaxRetries: 0, Logger: p.log, Metrics: p.metrics}
	res, err := p.ExecuteFlow(ctx, item.Intent, item.Options.From, FlowOptions{
		Simulate:       item.Options.Simulate,
		Confirmations:  item.Options.Confirmations,
		Policy:         &once,
		IdempotencyKey: queueKeyPrefix + item.ID,
		// the previous attempt already waited out its timeout
		ReplacePending: true,
	})
	out := queue.Outcome{
		Hash:          res.Hash,
		BlockNumber:   res.Status.BlockNumber,
		GasUsed:       res.Status.GasUsed,
		Confirmations: res.Status.Confirmations,
	}
	if err != nil {
		p.log.Debug("queue item attempt failed",
			zap.String("item_id", item.ID),
			zap.Int("attempt", item.Attempts),
			zap.Stringer("category", res.Category),
			zap.Error(err),
		)
	}
	return out, err
}
