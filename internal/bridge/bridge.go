// ============================================================================
// Pipeline Scheduler Backward-Scheduling Bridge
// ============================================================================
//
// Package: internal/bridge
// File: bridge.go
// Purpose: Turn "a gradient arrived at this stage boundary" into a Backward
//          job on the scheduler's queue
//
// The reverse pass is driven by an external engine in an order it controls.
// The bridge is the single entry point that engine calls:
//
//   forward job ──ScheduleBackward──▶ Registry.Capture(md)      arm (m, p)
//
//   reverse engine ──▶ OnGradientArrived(md, grad)
//                        1. claim (m, p) in the registry         once per run
//                        2. wrap grad in a Backward Package
//                        3. Builder.Create(pkg)                  preconditions
//                        4. Enqueuer.Put(job)                    worker picks up
//                        5. return grad unchanged                never blocks
//
// Repeated arrivals for the same (m, p), e.g. a boundary whose output has
// several consumers, are skipped silently. After Close the bridge refuses
// new work with ErrRunAborted.
//
// ============================================================================

package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/pipeline-scheduler/internal/job"
	"github.com/ChuLiYu/pipeline-scheduler/pkg/types"
)

var log = slog.Default()

// ErrClosed is the cause attached to refusals after Close
var ErrClosed = errors.New("backward bridge closed")

// Builder creates a job for a package
type Builder interface {
	Create(pkg *types.Package) (*job.Job, error)
}

// Enqueuer accepts pending jobs
type Enqueuer interface {
	Put(j *job.Job) (bool, error)
}

// Recorder observes bridge activity
type Recorder interface {
	RecordBridgeFired()
	RecordBridgeSkipped()
}

// Registry tracks armed and fired stage boundaries of one run
type Registry struct {
	mu    sync.Mutex
	armed map[types.ActivationKey]types.Metadata
	fired map[types.ActivationKey]struct{}
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	r := &Registry{}
	r.Reset()
	return r
}

// Capture arms the boundary described by md
func (r *Registry) Capture(md types.Metadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := md.ActivationKey()
	if _, done := r.fired[key]; done {
		return
	}
	r.armed[key] = md
}

// Armed reports whether a boundary is armed and has not fired
func (r *Registry) Armed(key types.ActivationKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.armed[key]
	return ok
}

// claim marks key as fired. first is false if it already fired;
// captured/armed describe what the forward pass recorded.
func (r *Registry) claim(key types.ActivationKey) (captured types.Metadata, armed, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, done := r.fired[key]; done {
		return types.Metadata{}, false, false
	}
	r.fired[key] = struct{}{}
	captured, armed = r.armed[key]
	delete(r.armed, key)
	return captured, armed, true
}

// Reset forgets every boundary; called at run start
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed = make(map[types.ActivationKey]types.Metadata)
	r.fired = make(map[types.ActivationKey]struct{})
}

// Bridge routes gradients into backward jobs
type Bridge struct {
	registry *Registry
	builder  Builder
	queue    Enqueuer
	recorder Recorder
	closed   atomic.Bool
}

// New creates an open bridge. recorder may be nil.
func New(registry *Registry, builder Builder, queue Enqueuer, recorder Recorder) *Bridge {
	return &Bridge{
		registry: registry,
		builder:  builder,
		queue:    queue,
		recorder: recorder,
	}
}

// Registry returns the boundary registry forward jobs capture into
func (b *Bridge) Registry() *Registry {
	return b.registry
}

// OnGradientArrived schedules the Backward job for the boundary md and
// returns grad unchanged so the reverse pass can continue. The error is
// non-nil when the job could not be scheduled; the gradient is still returned.
func (b *Bridge) OnGradientArrived(ctx context.Context, md types.Metadata, grad any) (any, error) {
	md.JobType = types.JobBackward
	key := md.Key()

	if b.closed.Load() {
		return grad, types.NewFault(types.FaultAborted, key, ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return grad, types.NewFault(types.FaultAborted, key, err)
	}

	captured, armed, first := b.registry.claim(md.ActivationKey())
	if !first {
		b.skipped(key, "boundary already fired")
		return grad, nil
	}
	if armed {
		captured.JobType = types.JobBackward
		md = captured
	}

	j, err := b.builder.Create(types.NewPackage(grad, md))
	if err != nil {
		return grad, err
	}
	j.IsScheduled = true

	ok, err := b.queue.Put(j)
	if err != nil {
		return grad, types.NewFault(types.FaultAborted, key, err)
	}
	if !ok {
		b.skipped(key, "triple already queued")
		return grad, nil
	}

	if b.recorder != nil {
		b.recorder.RecordBridgeFired()
	}
	log.Debug("Backward job scheduled",
		"microbatch", key.MicrobatchIdx,
		"partition", key.PartitionIdx)
	return grad, nil
}

func (b *Bridge) skipped(key types.JobKey, reason string) {
	if b.recorder != nil {
		b.recorder.RecordBridgeSkipped()
	}
	log.Debug("Backward scheduling skipped",
		"microbatch", key.MicrobatchIdx,
		"partition", key.PartitionIdx,
		"reason", reason)
}

// Close refuses all further gradients
func (b *Bridge) Close() {
	b.closed.Store(true)
}

// Reopen accepts gradients again and forgets all boundaries; called at run start
func (b *Bridge) Reopen() {
	b.registry.Reset()
	b.closed.Store(false)
}

// IsClosed reports whether the bridge refuses gradients
func (b *Bridge) IsClosed() bool {
	return b.closed.Load()
}
