// ============================================================================
// Pipeline Scheduler Worker - Job Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: One goroutine that drains the job queue, running jobs one at a time
//
// Execution Model:
//   ┌──────────────────────────────────────────┐
//   │  Worker Goroutine                        │
//   │  ┌───────────────────────────────────┐   │
//   │  │ for {                             │   │
//   │  │   job := source.Pop(ctx)          │   │
//   │  │   ├─ Context with timeout         │   │
//   │  │   ├─ job.Run(ctx)                 │   │
//   │  │   ├─ source.Complete(job)         │   │
//   │  │   └─ send result to resultCh      │   │
//   │  │ }                                 │   │
//   │  └───────────────────────────────────┘   │
//   └──────────────────────────────────────────┘
//
// A job's compute function and all of its callbacks run on the same worker,
// sequentially; two workers never run the same job because Pop moves it to
// running under the queue lock.
//
// Exit:
//   - Pop returns an error (queue closed, pool context cancelled)
//   - the pool context is cancelled while a result is waiting to be sent
//
// ============================================================================

package worker

import (
	"context"
	"time"
)

// Worker represents a job execution unit
type Worker struct {
	id       int           // worker identifier, used for logging
	source   Source        // queue jobs are popped from
	resultCh chan<- Result // results of finished jobs
	timeout  time.Duration // per-job timeout, zero for none
}

func newWorker(id int, source Source, resultCh chan<- Result, timeout time.Duration) *Worker {
	return &Worker{
		id:       id,
		source:   source,
		resultCh: resultCh,
		timeout:  timeout,
	}
}

// Run is the worker's main loop
func (w *Worker) Run(ctx context.Context) {
	for {
		j, err := w.source.Pop(ctx)
		if err != nil {
			log.Debug("Worker stopping", "worker", w.id, "reason", err)
			return
		}

		start := time.Now()
		err = w.execute(ctx, j.Run)
		w.source.Complete(j)

		result := Result{
			WorkerID: w.id,
			Key:      j.Key,
			Job:      j,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}

		select {
		case w.resultCh <- result:
		case <-ctx.Done():
			return
		}
	}
}

// execute runs fn under the per-job timeout
func (w *Worker) execute(ctx context.Context, fn func(context.Context) error) error {
	if w.timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return fn(ctx)
}
