package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Executor runs one item through the pipeline. The item is a copy.
type Executor interface {
	Execute(ctx context.Context, item Item) (Outcome, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, item Item) (Outcome, error)

func (f ExecutorFunc) Execute(ctx context.Context, item Item) (Outcome, error) {
	return f(ctx, item)
}

// Start begins processing in the background. Executions run under ctx with
// the item's timeout; Stop only stops new dispatches.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.exec == nil {
		return ErrNoExecutor
	}
	if q.running {
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	q.running = true
	q.stop = cancel

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.loop(loopCtx, ctx)
	}()
	q.log.Info("queue processing started", zap.Int("max_concurrent", q.maxConcurrent))
	return nil
}

// Stop halts dispatching and waits for in-flight executions. It is a no-op
// when the queue is not running.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	stop := q.stop
	q.stop = nil
	q.mu.Unlock()

	stop()
	q.wg.Wait()
	q.log.Info("queue processing stopped")
}

// Running reports whether the processing loop is active.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *Queue) loop(loopCtx, execCtx context.Context) {
	timer := time.NewTimer(q.pollInterval)
	defer timer.Stop()

	for {
		if err := q.sem.Acquire(loopCtx, 1); err != nil {
			return
		}
		item, ok := q.Dequeue()
		if !ok {
			q.sem.Release(1)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(q.pollInterval)
			select {
			case <-loopCtx.Done():
				return
			case <-q.wake:
			case <-timer.C:
			}
			continue
		}

		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			defer q.sem.Release(1)
			q.run(execCtx, item)
		}()
	}
}

func (q *Queue) run(ctx context.Context, item Item) {
	timeout := item.Options.Timeout
	if timeout <= 0 {
		timeout = q.itemTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	q.log.Debug("executing item",
		zap.String("item_id", item.ID),
		zap.Int("priority", item.Priority),
		zap.Int("attempt", item.Attempts),
		zap.String("wallet", item.Options.From.Hex()),
	)
	out, err := q.exec.Execute(ctx, item)
	if _, ferr := q.Finish(item.ID, out, err); ferr != nil {
		q.log.Error("cannot record item result", zap.String("item_id", item.ID), zap.Error(ferr))
	}
}
