// ============================================================================
// Pipeline Scheduler Pipeline Context
// ============================================================================
//
// Package: internal/pipeline
// File: context.go
// Purpose: Per-run coordination state consumed by job callbacks
//
// Progress Tracking:
//   Every local partition must run forward once per micro-batch, and, in
//   training mode, backward once per micro-batch.
//
//     expected forward  = microbatches × local partitions
//     expected backward = microbatches × local partitions (training only)
//
//   AdvanceProgress(m)  - one forward unit of micro-batch m finished
//   ConfirmBackward(m)  - one backward unit of micro-batch m finished
//   IsComplete()        - every micro-batch reached its expected count
//   Done()              - closed once IsComplete() becomes true
//
// ============================================================================

package pipeline

import (
	"fmt"
	"sync"
)

// Context tracks run progress for the partitions hosted on this rank
type Context struct {
	topology     Topology
	microbatches int
	perBatch     int // units per micro-batch per direction
	training     bool

	mu       sync.Mutex
	forward  map[int]int
	backward map[int]int
	done     chan struct{}
	closed   bool
}

// NewContext creates a progress tracker for a run of microbatches micro-batches
func NewContext(topology Topology, microbatches int, training bool) *Context {
	c := &Context{
		topology:     topology,
		microbatches: microbatches,
		perBatch:     len(LocalPartitions(topology)),
		training:     training,
	}
	c.Reset()
	return c
}

// Topology returns the parallel topology of the run
func (c *Context) Topology() Topology {
	return c.topology
}

// Microbatches is the number of micro-batches in the run
func (c *Context) Microbatches() int {
	return c.microbatches
}

// Training reports whether backward work is expected
func (c *Context) Training() bool {
	return c.training
}

// AdvanceProgress marks one unit of forward progress for microbatchIdx
func (c *Context) AdvanceProgress(microbatchIdx int) error {
	return c.advance(c.forward, microbatchIdx, "forward")
}

// ConfirmBackward marks one unit of backward progress for microbatchIdx
func (c *Context) ConfirmBackward(microbatchIdx int) error {
	if !c.training {
		return fmt.Errorf("backward progress reported for micro-batch %d outside training", microbatchIdx)
	}
	return c.advance(c.backward, microbatchIdx, "backward")
}

func (c *Context) advance(counts map[int]int, microbatchIdx int, direction string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if microbatchIdx < 0 || microbatchIdx >= c.microbatches {
		return fmt.Errorf("micro-batch %d out of range [0,%d)", microbatchIdx, c.microbatches)
	}
	if counts[microbatchIdx] >= c.perBatch {
		return fmt.Errorf("%s progress of micro-batch %d already complete", direction, microbatchIdx)
	}
	counts[microbatchIdx]++

	if !c.closed && c.completeLocked() {
		c.closed = true
		close(c.done)
	}
	return nil
}

// IsComplete reports whether the run has finished all expected work
func (c *Context) IsComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completeLocked()
}

func (c *Context) completeLocked() bool {
	for m := 0; m < c.microbatches; m++ {
		if c.forward[m] < c.perBatch {
			return false
		}
		if c.training && c.backward[m] < c.perBatch {
			return false
		}
	}
	return true
}

// Done is closed when the run completes
func (c *Context) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Progress returns completed forward and backward units so far
func (c *Context) Progress() (forward, backward int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.forward {
		forward += n
	}
	for _, n := range c.backward {
		backward += n
	}
	return forward, backward
}

// Reset clears all progress; called at run start
func (c *Context) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.forward = make(map[int]int, c.microbatches)
	c.backward = make(map[int]int, c.microbatches)
	c.done = make(chan struct{})
	c.closed = false
	if c.completeLocked() {
		c.closed = true
		close(c.done)
	}
}
