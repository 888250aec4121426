// ============================================================================
// Pipeline Scheduler Controller - Run Coordinator
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: Own the shared state of one pipeline rank and drive a run from
//          the first forward job to the last backward job
//
// Owned state (created once, reset at every run start):
//   - activation.Store   forward activations awaiting their gradient
//   - queue.Queue        pending jobs, drained by the worker pool
//   - bridge.Bridge      gradient arrival → backward job
//   - job.Creator        package → job with the right callback chain
//   - pipeline.Context   per micro-batch progress, Done() on completion
//
// Loops (per run):
//   1. Dispatch Loop - submit a forward job per micro-batch for partition 0
//   2. Inbound Loops - one per neighbour rank: forward packages become jobs,
//                      backward packages go through the bridge
//   3. Result Loop   - record metrics; on the last stage, turn a finished
//                      forward job into the loss gradient that starts the
//                      backward pass
//   4. Watch Loop    - wait for completion or abort, then tear the run down
//
// Abort:
//   The first fault ends the run. abort() records it, closes the bridge,
//   closes and drains the queue, clears the store and cancels the run
//   context. Running jobs finish their current callback and stop.
//   Every neighbour rank then gets an abort notice through the transport.
//   A rank that receives one aborts and relays it to its other neighbours,
//   so a fault anywhere ends the run on every rank:
//
//     rank 0 ◀─notice── rank 1 (fault) ──notice─▶ rank 2 ──notice─▶ rank 3
//
// Teardown (watch loop, once per run):
//   bridge.Close → queue.Close + Drain → cancel → pool.Stop → wait loops →
//   store.Clear → wait abort notices → report → close(doneCh)
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/pipeline-scheduler/internal/activation"
	"github.com/ChuLiYu/pipeline-scheduler/internal/bridge"
	"github.com/ChuLiYu/pipeline-scheduler/internal/compute"
	"github.com/ChuLiYu/pipeline-scheduler/internal/job"
	"github.com/ChuLiYu/pipeline-scheduler/internal/metrics"
	"github.com/ChuLiYu/pipeline-scheduler/internal/pipeline"
	"github.com/ChuLiYu/pipeline-scheduler/internal/queue"
	"github.com/ChuLiYu/pipeline-scheduler/internal/report"
	"github.com/ChuLiYu/pipeline-scheduler/internal/transport"
	"github.com/ChuLiYu/pipeline-scheduler/internal/worker"
	"github.com/ChuLiYu/pipeline-scheduler/pkg/types"
	"github.com/google/uuid"
)

var log = slog.Default()

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotRunning is returned when a run operation is called between runs
	ErrNotRunning = errors.New("no run in progress")
	// ErrAlreadyRunning is returned by Start while a run is in progress
	ErrAlreadyRunning = errors.New("run already in progress")
	// ErrStopped is the abort cause used by Stop
	ErrStopped = errors.New("run stopped")
	// ErrNotLocal is returned for partitions hosted on another rank
	ErrNotLocal = errors.New("partition is not hosted on this rank")
	// ErrMicrobatchRange is returned for a micro-batch outside [0, Microbatches)
	ErrMicrobatchRange = errors.New("micro-batch index out of range")
	// ErrPeerAborted is the cause of a run aborted by a neighbour rank's notice
	ErrPeerAborted = errors.New("neighbour rank aborted")
)

// RunError describes the fault that aborted a run
type RunError struct {
	RunID string
	Key   types.JobKey
	Kind  types.FaultKind
	Err   error
}

func (e *RunError) Error() string {
	if e.Key.IsZero() {
		return fmt.Sprintf("run %s aborted by %s fault: %v", e.RunID, e.Kind, e.Err)
	}
	return fmt.Sprintf("run %s aborted by %s fault at %s: %v", e.RunID, e.Kind, e.Key, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// ============================================================================
// Configuration
// ============================================================================

// Config is the per-rank run configuration
type Config struct {
	Microbatches       int           // micro-batches per run
	Training           bool          // run the backward pass
	WorkerCount        int           // worker goroutines
	PrioritizeBackward bool          // serve backward jobs first
	JobTimeout         time.Duration // per-job timeout, zero for none
	ResultBuffer       int           // worker result channel capacity
	ReportPath         string        // run report file, empty to skip
	NotifyTimeout      time.Duration // bound on each abort notice, default 2s
}

// InputFunc supplies the first-stage input of a micro-batch
type InputFunc func(microbatchIdx int) any

// Deps are the collaborators a controller runs against
type Deps struct {
	Topology  pipeline.Topology
	Transport transport.Transport
	Stage     compute.Stage
	Metrics   *metrics.Collector // optional
	Inputs    InputFunc          // optional, defaults to DefaultInputs
}

// DefaultInputs feeds micro-batch m the vector [m+1]
func DefaultInputs(microbatchIdx int) any {
	return []float64{float64(microbatchIdx + 1)}
}

// ============================================================================
// Controller
// ============================================================================

// run is the state of one run
type run struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	pool      *worker.Pool
	abortOnce sync.Once
	abortCh   chan struct{}
	doneCh    chan struct{}
	err       *RunError
	startedAt time.Time
	endedAt   time.Time
	loopWg    sync.WaitGroup
	notifyWg  sync.WaitGroup
}

// Controller coordinates runs on one pipeline rank
type Controller struct {
	mu       sync.Mutex
	config   Config
	deps     Deps
	store    *activation.Store
	queue    *queue.Queue
	registry *bridge.Registry
	bridge   *bridge.Bridge
	creator  *job.Creator
	progress *pipeline.Context
	current  *run
}

// NewController wires the shared state of a rank. Missing collaborators and
// invalid settings are configuration faults.
func NewController(config Config, deps Deps) (*Controller, error) {
	if config.Microbatches < 1 {
		return nil, types.NewFault(types.FaultConfiguration, types.JobKey{},
			fmt.Errorf("micro-batch count must be positive, got %d", config.Microbatches))
	}
	if config.WorkerCount < 1 {
		return nil, types.NewFault(types.FaultConfiguration, types.JobKey{},
			fmt.Errorf("worker count must be positive, got %d", config.WorkerCount))
	}
	if deps.Topology == nil {
		return nil, types.NewFault(types.FaultConfiguration, types.JobKey{}, errors.New("topology is required"))
	}
	if len(pipeline.LocalPartitions(deps.Topology)) == 0 {
		return nil, types.NewFault(types.FaultConfiguration, types.JobKey{},
			fmt.Errorf("rank %d hosts no partition", deps.Topology.CurrentRank()))
	}
	if deps.Inputs == nil {
		deps.Inputs = DefaultInputs
	}
	if config.ResultBuffer < 1 {
		config.ResultBuffer = 64
	}
	if config.NotifyTimeout <= 0 {
		config.NotifyTimeout = 2 * time.Second
	}

	c := &Controller{config: config, deps: deps}

	var storeObserver activation.Observer
	var queueObserver queue.Observer
	var recorder bridge.Recorder
	if m := deps.Metrics; m != nil {
		rank := deps.Topology.CurrentRank()
		storeObserver = func(kind activation.Kind, size int) { m.UpdateActivations(rank, string(kind), size) }
		queueObserver = func(forward, backward int) { m.UpdateQueueStats(rank, forward, backward) }
		recorder = m
	}

	c.store = activation.NewStore(storeObserver)
	c.queue = queue.New(config.PrioritizeBackward, queueObserver)
	c.registry = bridge.NewRegistry()
	c.progress = pipeline.NewContext(deps.Topology, config.Microbatches, config.Training)

	creator, err := job.NewCreator(job.Deps{
		Store:      c.store,
		Transport:  deps.Transport,
		Topology:   deps.Topology,
		Progress:   c.progress,
		Boundaries: c.registry,
		Stage:      deps.Stage,
		Training:   config.Training,
	})
	if err != nil {
		return nil, err
	}
	c.creator = creator
	c.bridge = bridge.New(c.registry, creator, queueSink{c}, recorder)
	c.bridge.Close()

	return c, nil
}

// queueSink lets the bridge enqueue through the controller
type queueSink struct{ c *Controller }

func (s queueSink) Put(j *job.Job) (bool, error) {
	return s.c.enqueue(j)
}

// ============================================================================
// Run lifecycle
// ============================================================================

// Start resets all shared state and begins a new run
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		select {
		case <-c.current.doneCh:
		default:
			return ErrAlreadyRunning
		}
	}

	c.store.Clear()
	c.queue.Reset()
	c.progress.Reset()
	c.bridge.Reopen()

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:        uuid.NewString(),
		ctx:       ctx,
		cancel:    cancel,
		pool:      worker.NewPool(c.queue, c.config.ResultBuffer, c.config.JobTimeout),
		abortCh:   make(chan struct{}),
		doneCh:    make(chan struct{}),
		startedAt: time.Now(),
	}
	if err := r.pool.Start(c.config.WorkerCount); err != nil {
		cancel()
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	c.current = r

	sources := inboundSources(c.deps.Topology)
	r.loopWg.Add(2 + len(sources))
	go c.dispatchLoop(r)
	go c.resultLoop(r)
	for _, src := range sources {
		go c.inboundLoop(r, src)
	}
	go c.watchLoop(r)

	log.Info("Run started",
		"run_id", r.id,
		"rank", c.deps.Topology.CurrentRank(),
		"partitions", pipeline.LocalPartitions(c.deps.Topology),
		"microbatches", c.config.Microbatches,
		"training", c.config.Training,
		"workers", c.config.WorkerCount)
	return nil
}

// Wait blocks until the current run completes or aborts. It returns the
// *RunError of an aborted run.
func (c *Controller) Wait(ctx context.Context) error {
	r := c.run()
	if r == nil {
		return ErrNotRunning
	}
	select {
	case <-r.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.err != nil {
		return r.err
	}
	return nil
}

// Stop aborts the current run, if any, and waits for teardown
func (c *Controller) Stop() {
	r := c.run()
	if r == nil {
		return
	}
	c.abort(r, types.NewFault(types.FaultAborted, types.JobKey{}, ErrStopped))
	<-r.doneCh
}

// RunID returns the identifier of the current or last run
func (c *Controller) RunID() string {
	if r := c.run(); r != nil {
		return r.id
	}
	return ""
}

func (c *Controller) run() *run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// active returns the current run if it is still accepting work
func (c *Controller) active() (*run, error) {
	r := c.run()
	if r == nil {
		return nil, ErrNotRunning
	}
	select {
	case <-r.abortCh:
		return nil, ErrNotRunning
	case <-r.doneCh:
		return nil, ErrNotRunning
	default:
		return r, nil
	}
}

// abort ends r with err; only the first fault of a run is recorded
func (c *Controller) abort(r *run, err error) {
	c.abortExcept(r, err, -1)
}

// abortExcept ends r with err and notifies every neighbour rank but skip
func (c *Controller) abortExcept(r *run, err error, skip int) {
	r.abortOnce.Do(func() {
		re := &RunError{RunID: r.id, Kind: types.FaultAborted, Err: err}
		if f, ok := types.AsFault(err); ok {
			re.Key = f.Key
			re.Kind = f.Kind
		}
		r.err = re

		attrs := []any{"run_id", r.id, "fault", re.Kind, "error", err}
		if !re.Key.IsZero() {
			attrs = append(attrs, "job", re.Key.String())
		}
		log.Error("Run aborted", attrs...)

		c.bridge.Close()
		c.queue.Close()
		c.queue.Drain()
		c.store.Clear()
		r.cancel()
		c.notifyPeers(r, re, skip)
		close(r.abortCh)
	})
}

// notifyPeers sends an abort notice for re to the neighbour ranks. Sends
// run in the background, bounded by NotifyTimeout; teardown waits for them.
func (c *Controller) notifyPeers(r *run, re *RunError, skip int) {
	self := c.deps.Topology.CurrentRank()
	reason := re.Err.Error()
	if reason == "" {
		reason = string(re.Kind)
	}
	md := types.Metadata{
		JobType:       re.Key.JobType,
		MicrobatchIdx: re.Key.MicrobatchIdx,
		PartitionIdx:  re.Key.PartitionIdx,
		SrcRank:       self,
		Abort:         reason,
	}

	for _, dst := range inboundSources(c.deps.Topology) {
		if dst == self || dst == skip {
			continue
		}
		r.notifyWg.Add(1)
		go func(dst int) {
			defer r.notifyWg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), c.config.NotifyTimeout)
			defer cancel()

			notice := md
			notice.DstRank = dst
			if err := c.deps.Transport.Send(ctx, types.NewPackage(nil, notice), dst); err != nil {
				log.Warn("Failed to send abort notice", "run_id", r.id, "rank", dst, "error", err)
				return
			}
			log.Debug("Abort notice sent", "run_id", r.id, "rank", dst)
		}(dst)
	}
}

// peerAbort turns a received abort notice into the local run's fault
func peerAbort(md types.Metadata) error {
	return types.NewFault(types.FaultAborted, md.Key(),
		fmt.Errorf("%w: rank %d: %s", ErrPeerAborted, md.SrcRank, md.Abort))
}

// checkMicrobatch rejects micro-batches outside the run's schedule
func (c *Controller) checkMicrobatch(md types.Metadata) error {
	if md.MicrobatchIdx < 0 || md.MicrobatchIdx >= c.config.Microbatches {
		return types.NewFault(types.FaultPrecondition, md.Key(),
			fmt.Errorf("%w: %d not in [0, %d)", ErrMicrobatchRange, md.MicrobatchIdx, c.config.Microbatches))
	}
	return nil
}

// ============================================================================
// Loops
// ============================================================================

// dispatchLoop feeds every micro-batch into partition 0
func (c *Controller) dispatchLoop(r *run) {
	defer r.loopWg.Done()

	if rank, err := c.deps.Topology.RankFor(0); err != nil || rank != c.deps.Topology.CurrentRank() {
		return
	}
	for m := 0; m < c.config.Microbatches; m++ {
		select {
		case <-r.ctx.Done():
			return
		default:
		}
		if err := c.submitForward(r, m, c.deps.Inputs(m)); err != nil {
			c.abort(r, err)
			return
		}
	}
	log.Debug("Dispatch loop finished", "run_id", r.id, "microbatches", c.config.Microbatches)
}

// inboundLoop receives packages sent by rank src
func (c *Controller) inboundLoop(r *run, src int) {
	defer r.loopWg.Done()
	for {
		pkg, err := c.deps.Transport.Receive(r.ctx, src)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			c.abort(r, types.NewFault(types.FaultTransport, types.JobKey{}, fmt.Errorf("receive from rank %d: %w", src, err)))
			return
		}
		if pkg.Metadata.IsAbort() {
			c.abortExcept(r, peerAbort(pkg.Metadata), src)
			return
		}
		if err := c.handleInbound(r, pkg); err != nil {
			c.abort(r, err)
			return
		}
	}
}

func (c *Controller) handleInbound(r *run, pkg *types.Package) error {
	md := pkg.Metadata
	rank, err := c.deps.Topology.RankFor(md.PartitionIdx)
	if err != nil || rank != c.deps.Topology.CurrentRank() {
		return types.NewFault(types.FaultConfiguration, md.Key(),
			fmt.Errorf("%w: partition %d from rank %d", ErrNotLocal, md.PartitionIdx, md.SrcRank))
	}
	if err := c.checkMicrobatch(md); err != nil {
		return err
	}

	switch md.JobType {
	case types.JobForward:
		j, err := c.creator.Create(pkg)
		if err != nil {
			return err
		}
		_, err = c.enqueue(j)
		return err
	case types.JobBackward:
		_, err := c.bridge.OnGradientArrived(r.ctx, md, pkg.Data)
		return err
	}
	return types.NewFault(types.FaultConfiguration, md.Key(), fmt.Errorf("unrecognized job type %q", md.JobType))
}

// resultLoop handles finished jobs until the pool stops
func (c *Controller) resultLoop(r *run) {
	defer r.loopWg.Done()
	for result := range r.pool.Results() {
		c.handleResult(r, result)
	}
}

func (c *Controller) handleResult(r *run, result worker.Result) {
	kind := result.Key.JobType
	if !result.Success {
		fault := types.FaultCallback
		if f, ok := types.AsFault(result.Error); ok {
			fault = f.Kind
		}
		if m := c.deps.Metrics; m != nil {
			m.RecordFailed(kind, fault)
		}
		c.abort(r, result.Error)
		return
	}

	if m := c.deps.Metrics; m != nil {
		m.RecordCompleted(kind, result.Duration.Seconds())
	}
	log.Debug("Job completed",
		"job", result.Key.String(),
		"worker", result.WorkerID,
		"duration", result.Duration)

	if kind != types.JobForward || !c.config.Training || !pipeline.IsLast(c.deps.Topology, result.Key.PartitionIdx) {
		return
	}

	// the last stage seeds the backward pass with the loss gradient
	out := result.Job.Output
	grad, err := c.deps.Stage.LossGradient(r.ctx, out.Data)
	if err != nil {
		c.abort(r, types.NewFault(types.FaultCompute, result.Key, fmt.Errorf("loss gradient: %w", err)))
		return
	}
	if _, err := c.bridge.OnGradientArrived(r.ctx, out.Metadata, grad); err != nil {
		c.abort(r, err)
	}
}

// watchLoop waits for the run to end and tears it down
func (c *Controller) watchLoop(r *run) {
	select {
	case <-c.progress.Done():
		log.Info("Run complete", "run_id", r.id)
	case <-r.abortCh:
	}
	// faults raised during teardown do not turn a finished run into an aborted one
	r.abortOnce.Do(func() {})

	c.bridge.Close()
	c.queue.Close()
	c.queue.Drain()
	r.cancel()
	r.pool.Stop()
	r.loopWg.Wait()
	c.store.Clear()
	r.notifyWg.Wait()
	r.endedAt = time.Now()

	if m := c.deps.Metrics; m != nil {
		m.SetRunDuration(c.deps.Topology.CurrentRank(), r.endedAt.Sub(r.startedAt).Seconds())
	}
	if c.config.ReportPath != "" {
		if err := report.NewWriter(c.config.ReportPath).Write(c.summary(r)); err != nil {
			log.Error("Failed to write run report", "path", c.config.ReportPath, "error", err)
		}
	}
	close(r.doneCh)
}

// ============================================================================
// Public job submission
// ============================================================================

// SubmitForward enqueues the forward job of micro-batch m at partition 0
func (c *Controller) SubmitForward(microbatchIdx int, data any) error {
	r, err := c.active()
	if err != nil {
		return err
	}
	return c.submitForward(r, microbatchIdx, data)
}

func (c *Controller) submitForward(r *run, microbatchIdx int, data any) error {
	rank := c.deps.Topology.CurrentRank()
	md := types.Metadata{
		JobType:       types.JobForward,
		MicrobatchIdx: microbatchIdx,
		PartitionIdx:  0,
		SrcRank:       rank,
		DstRank:       rank,
	}
	if owner, err := c.deps.Topology.RankFor(0); err != nil || owner != rank {
		return types.NewFault(types.FaultConfiguration, md.Key(), ErrNotLocal)
	}
	if err := c.checkMicrobatch(md); err != nil {
		return err
	}
	j, err := c.creator.Create(types.NewPackage(data, md))
	if err != nil {
		return err
	}
	_, err = c.enqueue(j)
	return err
}

// SubmitBackward requests the backward job of md directly, bypassing the
// bridge. A missing forward activation aborts the run with a precondition
// fault, which is also returned.
func (c *Controller) SubmitBackward(md types.Metadata, grad any) error {
	r, err := c.active()
	if err != nil {
		return err
	}
	md.JobType = types.JobBackward
	j, err := c.creator.Create(types.NewPackage(grad, md))
	if err != nil {
		c.abort(r, err)
		return err
	}
	j.IsScheduled = false
	if _, err := c.enqueue(j); err != nil {
		c.abort(r, err)
		return err
	}
	return nil
}

// OnGradientArrived is the entry point for an external reverse engine: it
// schedules the backward job of the boundary md and returns grad unchanged.
// A scheduling fault aborts the run.
func (c *Controller) OnGradientArrived(ctx context.Context, md types.Metadata, grad any) (any, error) {
	out, err := c.bridge.OnGradientArrived(ctx, md, grad)
	if err != nil {
		if r, aerr := c.active(); aerr == nil {
			c.abort(r, err)
		}
	}
	return out, err
}

// enqueue puts a pending job on the current run's pool
func (c *Controller) enqueue(j *job.Job) (bool, error) {
	r := c.run()
	if r == nil {
		return false, types.NewFault(types.FaultAborted, j.Key, ErrNotRunning)
	}
	ok, err := r.pool.Submit(j)
	if err != nil {
		if errors.Is(err, queue.ErrQueueClosed) || errors.Is(err, worker.ErrPoolClosed) {
			return false, types.NewFault(types.FaultAborted, j.Key, err)
		}
		return false, types.NewFault(types.FaultConfiguration, j.Key, err)
	}
	if !ok {
		log.Debug("Duplicate job skipped", "job", j.Key.String())
		return false, nil
	}
	if m := c.deps.Metrics; m != nil {
		m.RecordEnqueue(j.Key.JobType)
	}
	return true, nil
}

// ============================================================================
// Status
// ============================================================================

// Stats returns job, activation and progress counters of the current run
func (c *Controller) Stats() map[string]int {
	stats := c.queue.Stats()
	stats["activations_output"] = c.store.Output.Len()
	stats["activations_input"] = c.store.Input.Len()
	fwd, bwd := c.progress.Progress()
	stats["progress_forward"] = fwd
	stats["progress_backward"] = bwd
	return stats
}

// GetStatus returns a printable summary of the controller
func (c *Controller) GetStatus() map[string]interface{} {
	status := map[string]interface{}{
		"rank":         c.deps.Topology.CurrentRank(),
		"partitions":   pipeline.LocalPartitions(c.deps.Topology),
		"microbatches": c.config.Microbatches,
		"training":     c.config.Training,
		"workers":      c.config.WorkerCount,
		"state":        "idle",
	}
	for k, v := range c.Stats() {
		status[k] = v
	}

	r := c.run()
	if r == nil {
		return status
	}
	status["run_id"] = r.id
	select {
	case <-r.doneCh:
		status["state"] = "finished"
		status["duration"] = r.endedAt.Sub(r.startedAt).String()
		if r.err != nil {
			status["state"] = "aborted"
			status["error"] = r.err.Error()
		}
	default:
		status["state"] = "running"
		status["uptime"] = time.Since(r.startedAt).String()
	}
	return status
}

func (c *Controller) summary(r *run) report.Summary {
	s := report.Summary{
		RunID:        r.id,
		Rank:         c.deps.Topology.CurrentRank(),
		Partitions:   pipeline.LocalPartitions(c.deps.Topology),
		Microbatches: c.config.Microbatches,
		Training:     c.config.Training,
		StartedAt:    r.startedAt,
		FinishedAt:   r.endedAt,
		DurationMS:   r.endedAt.Sub(r.startedAt).Milliseconds(),
		Completed:    r.err == nil,
		Jobs:         c.queue.Stats(),
	}
	if r.err != nil {
		s.Failure = &report.Failure{
			Kind:    string(r.err.Kind),
			Message: r.err.Err.Error(),
		}
		if !r.err.Key.IsZero() {
			s.Failure.Job = r.err.Key.String()
		}
	}
	return s
}

// inboundSources lists the ranks that send packages to the partitions of t's
// current rank: the owners of every neighbouring partition
func inboundSources(t pipeline.Topology) []int {
	seen := make(map[int]bool)
	for _, p := range pipeline.LocalPartitions(t) {
		for _, q := range []int{p - 1, p + 1} {
			if q < 0 || q >= t.NumPartitions() {
				continue
			}
			if rank, err := t.RankFor(q); err == nil {
				seen[rank] = true
			}
		}
	}
	ranks := make([]int, 0, len(seen))
	for rank := range seen {
		ranks = append(ranks, rank)
	}
	sort.Ints(ranks)
	return ranks
}
