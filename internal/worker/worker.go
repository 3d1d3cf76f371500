// ============================================================================
// PulmoScan Worker - Batch Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Executes one batch at a time; each Worker runs in its own goroutine
//
// How it works:
//   1. Receive a batch from the scheduler channel (blocking wait)
//   2. Call the executor under a per-call timeout, retrying batch level
//      failures with the configured retry.Policy
//   3. For every item: publish to the cache reservation (or abandon it on
//      failure) and report the outcome to the owning job
//   4. Repeat until the batch channel is closed
//
// Failure Isolation:
//   - Per-item error (CorruptInputError)  → only that item fails
//   - Batch error (ModelInferenceError / TransientIOError / contract
//     violation) → the same items run again as a reconstituted batch; when
//     the retry budget is spent every item in the batch fails
//
// In-flight batches are never cancelled by job cancellation or timeout; their
// results still land in the cache.
//
// ============================================================================

package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/pulmoscan/internal/cache"
	"github.com/ChuLiYu/pulmoscan/internal/errdefs"
	"github.com/ChuLiYu/pulmoscan/internal/executor"
	"github.com/ChuLiYu/pulmoscan/internal/retry"
	"github.com/ChuLiYu/pulmoscan/internal/scheduler"
)

// Worker represents a batch execution unit
type Worker struct {
	id      int
	pool    *Pool
	batches <-chan scheduler.Batch
}

func newWorker(id int, pool *Pool, batches <-chan scheduler.Batch) *Worker {
	return &Worker{id: id, pool: pool, batches: batches}
}

// Run is the main loop of the Worker
func (w *Worker) Run() {
	for b := range w.batches {
		w.process(b)
	}
}

func (w *Worker) process(b scheduler.Batch) {
	p := w.pool
	p.busy.Add(1)
	defer p.busy.Add(-1)

	start := time.Now()
	inputs := make([][]byte, len(b.Items))
	for i, it := range b.Items {
		inputs[i] = it.Content
	}

	var preds []executor.Prediction
	err := retry.Do(context.Background(), p.cfg.Retry, func(ctx context.Context, attempt int) error {
		b.Attempt = attempt
		if attempt > 1 {
			p.metrics.RecordBatchRetry()
			p.log.Info("retrying batch", "worker", w.id, "batch_id", b.ID, "attempt", attempt, "size", len(b.Items))
		}

		callCtx, cancel := context.WithTimeout(ctx, p.cfg.ExecTimeout)
		defer cancel()

		t0 := time.Now()
		out, callErr := executor.Call(callCtx, p.exec, inputs)
		p.metrics.RecordExecutor(time.Since(t0).Seconds(), string(errdefs.KindOf(callErr)))
		if callErr != nil {
			p.log.Warn("batch execution failed",
				"worker", w.id, "batch_id", b.ID, "attempt", attempt, "error", callErr)
			return callErr
		}
		preds = out
		return nil
	})

	if err != nil {
		p.log.Error("batch failed permanently",
			"worker", w.id, "batch_id", b.ID, "size", len(b.Items), "attempts", b.Attempt, "error", err)
		for _, it := range b.Items {
			w.fail(it, err, b, start)
		}
		return
	}

	for i, it := range b.Items {
		if preds[i].Err != nil {
			w.fail(it, preds[i].Err, b, start)
			continue
		}
		res := cache.Result{Label: preds[i].Label, Confidence: preds[i].Confidence}
		if pubErr := p.cache.Publish(context.Background(), it.Fingerprint, it.Token, res, p.cfg.ResultTTL); pubErr != nil {
			p.log.Warn("publish failed", "batch_id", b.ID, "fingerprint", it.Fingerprint.Short(), "error", pubErr)
		}
		p.reporter.Report(it, Outcome{
			Result:   res,
			BatchID:  b.ID,
			Attempts: b.Attempt,
			Duration: time.Since(start),
		})
	}

	p.log.Debug("batch done", "worker", w.id, "batch_id", b.ID, "size", len(b.Items),
		"attempts", b.Attempt, "duration_ms", time.Since(start).Milliseconds())
}

func (w *Worker) fail(it scheduler.WorkItem, err error, b scheduler.Batch, start time.Time) {
	p := w.pool
	// waiters on the same fingerprint get the same error
	_ = p.cache.Abandon(it.Fingerprint, it.Token, err)
	p.reporter.Report(it, Outcome{
		Err:      err,
		BatchID:  b.ID,
		Attempts: b.Attempt,
		Duration: time.Since(start),
	})
}
