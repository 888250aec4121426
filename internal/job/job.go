// ============================================================================
// Pipeline Scheduler Job - Unit of Pipeline Work
// ============================================================================
//
// Package: internal/job
// File: job.go
// Purpose: A Forward or Backward job: one function plus an ordered chain of
//          callbacks that carry its side effects
//
// State Machine:
//   Pending
//      ↓ Start()                 (queue pop, atomically with removal)
//   Running                      function(input) executing
//      ↓
//   Completing                   callbacks executing in ascending Order
//      ↓
//   Done / Failed                terminal, a Job is single-use
//
// Run Contract:
//   1. BeforeCompute hooks run in ascending Order
//   2. function(input) runs; its result becomes Output.Data, or Output
//      itself when the function returns a *types.Package
//   3. AfterCompute hooks run in ascending Order and may rewrite Output
//   4. The first failing hook aborts the rest; the job becomes Failed and
//      the fault is returned to the caller
//   5. A cancelled context stops the job between callbacks
//
// ============================================================================

package job

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/pipeline-scheduler/pkg/types"
)

// Func is the numeric work of a job
type Func func(ctx context.Context, input *types.Package) (any, error)

// Order positions a callback in a job's chain. Values are unique per job.
type Order int

const (
	OrderCreateOutputPackage Order = iota
	OrderScheduleBackward
	OrderSaveActivation
	OrderSaveInputActivation
	OrderSendPackage
	OrderConfirmProgress
)

// Callback is a named side effect bound to a job's lifecycle
type Callback interface {
	Name() string
	Order() Order
	AfterCompute(ctx context.Context, j *Job) error
}

// BeforeComputer is implemented by callbacks that also act before the function runs
type BeforeComputer interface {
	BeforeCompute(ctx context.Context, j *Job) error
}

// Job is a single-use unit of pipeline work
type Job struct {
	Key         types.JobKey
	Input       *types.Package
	Output      *types.Package
	IsScheduled bool // created reactively by the backward bridge

	fn        Func
	callbacks []Callback

	mu         sync.Mutex
	status     types.JobStatus
	err        error
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
}

// New builds a pending job. Callbacks are sorted by Order; duplicate orders
// are a configuration fault.
func New(fn Func, input *types.Package, callbacks []Callback) (*Job, error) {
	if input == nil {
		return nil, types.NewFault(types.FaultConfiguration, types.JobKey{}, fmt.Errorf("nil package"))
	}
	key := input.Metadata.Key()
	if fn == nil {
		return nil, types.NewFault(types.FaultConfiguration, key, fmt.Errorf("nil job function"))
	}

	sorted, err := sortCallbacks(callbacks)
	if err != nil {
		return nil, types.NewFault(types.FaultConfiguration, key, err)
	}

	return &Job{
		Key:       key,
		Input:     input,
		fn:        fn,
		callbacks: sorted,
		status:    types.StatusPending,
		createdAt: time.Now(),
	}, nil
}

func sortCallbacks(callbacks []Callback) ([]Callback, error) {
	seen := make(map[Order]string, len(callbacks))
	for _, cb := range callbacks {
		if cb == nil {
			return nil, fmt.Errorf("nil callback")
		}
		if prev, dup := seen[cb.Order()]; dup {
			return nil, fmt.Errorf("callbacks %s and %s share order %d", prev, cb.Name(), cb.Order())
		}
		seen[cb.Order()] = cb.Name()
	}

	sorted := make([]Callback, len(callbacks))
	copy(sorted, callbacks)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].Order() < sorted[b].Order() })
	return sorted, nil
}

// Status returns the current lifecycle state
func (j *Job) Status() types.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Err returns the fault that failed the job, if any
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Callbacks returns the chain in execution order
func (j *Job) Callbacks() []Callback {
	out := make([]Callback, len(j.callbacks))
	copy(out, j.callbacks)
	return out
}

// Start moves the job from pending to running. It returns false if the job
// was already started, so a job can only be handed to one worker.
func (j *Job) Start() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != types.StatusPending {
		return false
	}
	j.status = types.StatusRunning
	j.startedAt = time.Now()
	return true
}

// Cancel fails a job that never started. Used when a queue is drained.
func (j *Job) Cancel(reason error) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != types.StatusPending {
		return false
	}
	j.status = types.StatusFailed
	j.err = types.NewFault(types.FaultAborted, j.Key, reason)
	j.finishedAt = time.Now()
	return true
}

// Duration is the time between Start and completion
func (j *Job) Duration() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.startedAt.IsZero() || j.finishedAt.IsZero() {
		return 0
	}
	return j.finishedAt.Sub(j.startedAt)
}

func (j *Job) setStatus(s types.JobStatus) {
	j.mu.Lock()
	j.status = s
	j.mu.Unlock()
}

func (j *Job) fail(kind types.FaultKind, err error) error {
	f, ok := types.AsFault(err)
	if !ok {
		f = types.NewFault(kind, j.Key, err)
	}

	j.mu.Lock()
	j.status = types.StatusFailed
	j.err = f
	j.finishedAt = time.Now()
	j.mu.Unlock()
	return f
}

// Run executes the job to completion. A pending job is started first.
func (j *Job) Run(ctx context.Context) error {
	j.Start()
	if s := j.Status(); s != types.StatusRunning {
		return types.NewFault(types.FaultConfiguration, j.Key, fmt.Errorf("job is %s, not running", s))
	}

	for _, cb := range j.callbacks {
		hook, ok := cb.(BeforeComputer)
		if !ok {
			continue
		}
		if err := hook.BeforeCompute(ctx, j); err != nil {
			return j.fail(types.FaultCallback, fmt.Errorf("%s: %w", cb.Name(), err))
		}
	}

	result, err := j.fn(ctx, j.Input)
	if err != nil {
		return j.fail(types.FaultCompute, err)
	}
	if pkg, ok := result.(*types.Package); ok {
		j.Output = pkg
	} else {
		j.Output = j.Input.Clone()
		j.Output.Data = result
	}

	j.setStatus(types.StatusCompleting)
	for _, cb := range j.callbacks {
		if err := ctx.Err(); err != nil {
			return j.fail(types.FaultAborted, err)
		}
		if err := cb.AfterCompute(ctx, j); err != nil {
			return j.fail(types.FaultCallback, fmt.Errorf("%s: %w", cb.Name(), err))
		}
	}

	j.mu.Lock()
	j.status = types.StatusDone
	j.finishedAt = time.Now()
	j.mu.Unlock()
	return nil
}
