// ============================================================================
// Pipeline Scheduler Job Queue
// ============================================================================
//
// Package: internal/queue
// File: queue.go
// Purpose: Concurrent multi-producer multi-consumer queue of pending jobs
//
// Producers:
//   - controller dispatch loop (forward jobs for the first stage)
//   - controller inbound loop  (forward jobs received from the previous stage)
//   - backward bridge          (backward jobs created when a gradient arrives)
//
// Consumers:
//   worker goroutines calling Pop(); the job is moved Pending → Running under
//   the queue lock, atomically with its removal, so no two workers ever see
//   the same job.
//
// Ordering:
//   backward []*Job   FIFO   ← served first when prioritizeBackward is set,
//   forward  []*Job   FIFO     bounding activations held in the store
//
// De-duplication:
//   seen map[JobKey]JobStatus records every triple put in this run. A second
//   Put with a triple that is pending, running or finished is skipped
//   silently (Put returns false).
//
// Lifecycle:
//   New/Reset at run start → Put/Pop/Complete → Close + Drain at run end
//
// ============================================================================

package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/ChuLiYu/pipeline-scheduler/internal/job"
	"github.com/ChuLiYu/pipeline-scheduler/pkg/types"
)

var (
	// ErrQueueClosed is returned by Put and Pop after Close
	ErrQueueClosed = errors.New("job queue is closed")
	// ErrNotPending is returned when a job that already started is put
	ErrNotPending = errors.New("job is not pending")
	// ErrDrained is the cancellation reason given to jobs removed by Drain
	ErrDrained = errors.New("job queue drained")
)

// Observer receives the pending counts per kind after every change
type Observer func(forward, backward int)

// Queue holds pending jobs for the worker pool
type Queue struct {
	mu                 sync.Mutex
	forward            []*job.Job
	backward           []*job.Job
	seen               map[types.JobKey]types.JobStatus
	running            int
	done               map[types.JobType]int
	failed             map[types.JobType]int
	prioritizeBackward bool
	observe            Observer

	notify  chan struct{}
	closed  bool
	closeCh chan struct{}
}

// New creates an empty open queue. observe may be nil.
func New(prioritizeBackward bool, observe Observer) *Queue {
	q := &Queue{
		prioritizeBackward: prioritizeBackward,
		observe:            observe,
		notify:             make(chan struct{}, 1),
	}
	q.Reset()
	return q
}

// Put enqueues a pending job. It returns false without error when the job's
// triple is already represented in this run.
func (q *Queue) Put(j *job.Job) (bool, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, ErrQueueClosed
	}
	if _, dup := q.seen[j.Key]; dup {
		q.mu.Unlock()
		return false, nil
	}
	if j.Status() != types.StatusPending {
		q.mu.Unlock()
		return false, ErrNotPending
	}

	q.seen[j.Key] = types.StatusPending
	if j.Key.JobType == types.JobBackward {
		q.backward = append(q.backward, j)
	} else {
		q.forward = append(q.forward, j)
	}
	fwd, bwd := len(q.forward), len(q.backward)
	q.mu.Unlock()

	q.signal()
	q.report(fwd, bwd)
	return true, nil
}

// Pop blocks until a job is available, the queue closes or ctx is done.
// The returned job is already running.
func (q *Queue) Pop(ctx context.Context) (*job.Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		j := q.popLocked()
		closeCh := q.closeCh
		fwd, bwd := len(q.forward), len(q.backward)
		q.mu.Unlock()

		if j != nil {
			if fwd+bwd > 0 {
				q.signal()
			}
			q.report(fwd, bwd)
			return j, nil
		}

		select {
		case <-q.notify:
		case <-closeCh:
			return nil, ErrQueueClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryPop is the non-blocking form of Pop; it returns nil when empty
func (q *Queue) TryPop() *job.Job {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	j := q.popLocked()
	fwd, bwd := len(q.forward), len(q.backward)
	q.mu.Unlock()

	if j != nil {
		q.report(fwd, bwd)
	}
	return j
}

func (q *Queue) popLocked() *job.Job {
	for {
		var j *job.Job
		switch {
		case q.prioritizeBackward && len(q.backward) > 0:
			j, q.backward = q.backward[0], q.backward[1:]
		case len(q.forward) > 0:
			j, q.forward = q.forward[0], q.forward[1:]
		case len(q.backward) > 0:
			j, q.backward = q.backward[0], q.backward[1:]
		default:
			return nil
		}
		if j.Start() {
			q.seen[j.Key] = types.StatusRunning
			q.running++
			return j
		}
		// cancelled while queued
		q.seen[j.Key] = j.Status()
	}
}

// Complete records the terminal state of a job returned by Pop
func (q *Queue) Complete(j *job.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.seen[j.Key] != types.StatusRunning {
		return
	}
	status := j.Status()
	q.seen[j.Key] = status
	q.running--
	if status == types.StatusDone {
		q.done[j.Key.JobType]++
	} else {
		q.failed[j.Key.JobType]++
	}
}

// Drain removes and cancels every pending job
func (q *Queue) Drain() []*job.Job {
	q.mu.Lock()
	drained := make([]*job.Job, 0, len(q.forward)+len(q.backward))
	drained = append(drained, q.backward...)
	drained = append(drained, q.forward...)
	q.forward = nil
	q.backward = nil
	for _, j := range drained {
		j.Cancel(ErrDrained)
		q.seen[j.Key] = types.StatusFailed
	}
	q.mu.Unlock()

	q.report(0, 0)
	return drained
}

// Close refuses new jobs and wakes blocked consumers
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.closeCh)
}

// IsClosed reports whether Close was called
func (q *Queue) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Reset empties the queue and reopens it for a new run
func (q *Queue) Reset() {
	q.mu.Lock()
	q.forward = nil
	q.backward = nil
	q.seen = make(map[types.JobKey]types.JobStatus)
	q.running = 0
	q.done = make(map[types.JobType]int)
	q.failed = make(map[types.JobType]int)
	q.closed = false
	q.closeCh = make(chan struct{})
	q.mu.Unlock()

	q.report(0, 0)
}

// Lookup returns the last known status of a triple in this run
func (q *Queue) Lookup(key types.JobKey) (types.JobStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.seen[key]
	return s, ok
}

// Len returns the number of pending jobs
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.forward) + len(q.backward)
}

// Stats returns job counts by state and kind
func (q *Queue) Stats() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return map[string]int{
		"pending_forward":  len(q.forward),
		"pending_backward": len(q.backward),
		"running":          q.running,
		"done_forward":     q.done[types.JobForward],
		"done_backward":    q.done[types.JobBackward],
		"failed_forward":   q.failed[types.JobForward],
		"failed_backward":  q.failed[types.JobBackward],
	}
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) report(forward, backward int) {
	if q.observe != nil {
		q.observe(forward, backward)
	}
}
