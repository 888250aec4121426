// ============================================================================
// Pipeline Scheduler Worker Pool
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Purpose: Manage the lifecycle of a fixed set of worker goroutines that
//          drain the job queue
//
// Architecture:
//   ┌─────────────┐
//   │ Controller  │ --Submit()--> Source (job queue)
//   └─────────────┘                  │ Pop()
//         ↑                          ▼
//    Results()              ┌──────────────┐
//         ↑                 │ Worker 1     │
//         └──── resultCh ◀──│ Worker 2     │
//                           │ Worker N     │
//                           └──────────────┘
//
// Lifecycle:
//   1. NewPool(source, buffer, timeout)
//   2. Start(n)          - launch n workers
//   3. Submit(job)       - put a pending job on the source
//   4. ReceiveResult()   - read one finished job
//   5. Stop()            - cancel workers, wait, close resultCh
//
// Shutdown:
//   Stop cancels the pool context. Workers blocked in Pop return at once; a
//   worker in the middle of a job finishes its current callback and the job
//   fails with an aborted fault. Closing the source has the same effect on
//   idle workers.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/pipeline-scheduler/internal/job"
)

var log = slog.Default()

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrPoolClosed means the pool was stopped
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted means Start was never called
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// ============================================================================
// Pool
// ============================================================================

// Pool runs workers against a shared job source
type Pool struct {
	source   Source
	timeout  time.Duration
	workers  []*Worker
	resultCh chan Result
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// NewPool creates a pool reading from source. bufferSize is the result
// channel capacity; jobTimeout bounds each job run, zero for none.
func NewPool(source Source, bufferSize int, jobTimeout time.Duration) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		source:   source,
		timeout:  jobTimeout,
		workers:  make([]*Worker, 0),
		resultCh: make(chan Result, bufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches workerCount workers
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}
	if workerCount < 1 {
		return errors.New("worker count must be positive")
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.source, p.resultCh, p.timeout)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(p.ctx)
		}(w)
	}

	p.started = true
	log.Debug("Worker pool started", "workers", workerCount)
	return nil
}

// Submit puts a pending job on the source. It returns false without error
// when the source already holds the job's triple.
func (p *Pool) Submit(j *job.Job) (bool, error) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return false, ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return false, ErrPoolClosed
	}
	p.mu.Unlock()

	return p.source.Put(j)
}

// ReceiveResult blocks for the next result
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Results exposes the result channel; it is closed by Stop
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Stop cancels all workers, waits for them to exit and closes the result
// channel. Buffered results stay readable until drained.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	wasStarted := p.started
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	if wasStarted {
		p.wg.Wait()
	}
	close(p.resultCh)
}

// GetWorkerCount returns the number of started workers
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start succeeded
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
