// ============================================================================
// Pipeline Integration Test Suite
// ============================================================================
//
// Package: test/integration
// File: pipeline_test.go
// Functionality: Multi-rank runs over the in-process transport hub
//
// Test Objectives:
//   1. every micro-batch completes forward and backward on every rank
//   2. gradients reaching partition 0 match the analytic result
//   3. a fault on one rank aborts every rank through abort notices
//
// Pipeline:
//   rank 0 ──fwd──▶ rank 1 ──fwd──▶ ... ──fwd──▶ rank N-1
//          ◀──bwd──        ◀──bwd──     ◀──bwd──    (loss gradient)
//
//   Affine stages with W=2, B=0 on N partitions: the first stage sees the
//   gradient 4^N * x for input x.
// ============================================================================

package integration

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/pipeline-scheduler/internal/compute"
	"github.com/ChuLiYu/pipeline-scheduler/internal/controller"
	"github.com/ChuLiYu/pipeline-scheduler/internal/metrics"
	"github.com/ChuLiYu/pipeline-scheduler/internal/pipeline"
	"github.com/ChuLiYu/pipeline-scheduler/internal/transport"
	"github.com/ChuLiYu/pipeline-scheduler/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingStage remembers the input gradient of every partition 0 backward
type recordingStage struct {
	compute.Stage

	mu    sync.Mutex
	grads map[float64]float64 // input x -> dL/dx
}

func (s *recordingStage) Backward(ctx context.Context, partition int, grad, input, output any) (any, error) {
	dx, err := s.Stage.Backward(ctx, partition, grad, input, output)
	if err != nil || partition != 0 {
		return dx, err
	}
	xs, _ := compute.AsVector(input)
	gs, _ := compute.AsVector(dx)
	s.mu.Lock()
	s.grads[xs[0]] = gs[0]
	s.mu.Unlock()
	return dx, nil
}

type cluster struct {
	hub   *transport.Hub
	ctrls []*controller.Controller
}

func newCluster(t testing.TB, n int, config controller.Config, stage compute.Stage, collector *metrics.Collector) *cluster {
	t.Helper()
	c := &cluster{hub: transport.NewHub(256)}
	for rank := 0; rank < n; rank++ {
		ctrl, err := controller.NewController(config, controller.Deps{
			Topology:  pipeline.NewLinearTopology(rank, n),
			Transport: c.hub.Endpoint(rank),
			Stage:     stage,
			Metrics:   collector,
		})
		require.NoError(t, err)
		c.ctrls = append(c.ctrls, ctrl)
	}
	t.Cleanup(func() {
		for _, ctrl := range c.ctrls {
			ctrl.Stop()
		}
		c.hub.Close()
	})
	return c
}

// start launches the ranks from the last to the first
func (c *cluster) start(t testing.TB) {
	t.Helper()
	for i := len(c.ctrls) - 1; i >= 0; i-- {
		require.NoError(t, c.ctrls[i].Start())
	}
}

func (c *cluster) wait(t testing.TB, timeout time.Duration) []error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	errs := make([]error, len(c.ctrls))
	for i, ctrl := range c.ctrls {
		errs[i] = ctrl.Wait(ctx)
	}
	return errs
}

// TestDeepPipelineTraining runs 32 micro-batches through 4 ranks
func TestDeepPipelineTraining(t *testing.T) {
	const (
		ranks        = 4
		microbatches = 32
	)
	stage := &recordingStage{Stage: compute.NewAffine(ranks, 2, 0), grads: make(map[float64]float64)}
	collector := metrics.NewCollector(prometheus.NewRegistry())
	c := newCluster(t, ranks, controller.Config{
		Microbatches:       microbatches,
		Training:           true,
		WorkerCount:        4,
		PrioritizeBackward: true,
		JobTimeout:         5 * time.Second,
	}, stage, collector)

	startTime := time.Now()
	c.start(t)
	for rank, err := range c.wait(t, 30*time.Second) {
		require.NoError(t, err, "rank %d", rank)
	}
	t.Logf("%d micro-batches through %d ranks in %v", microbatches, ranks, time.Since(startTime))

	for rank, ctrl := range c.ctrls {
		stats := ctrl.Stats()
		assert.Equal(t, microbatches, stats["done_forward"], "rank %d", rank)
		assert.Equal(t, microbatches, stats["done_backward"], "rank %d", rank)
		assert.Equal(t, 0, stats["activations_output"], "rank %d", rank)
		assert.Equal(t, 0, stats["activations_input"], "rank %d", rank)
	}

	stage.mu.Lock()
	defer stage.mu.Unlock()
	require.Len(t, stage.grads, microbatches)
	scale := math.Pow(4, ranks)
	for m := 0; m < microbatches; m++ {
		x := float64(m + 1)
		assert.InDelta(t, scale*x, stage.grads[x], 1e-9, "micro-batch %d", m)
	}
}

// TestInferencePipeline never creates backward jobs
func TestInferencePipeline(t *testing.T) {
	c := newCluster(t, 3, controller.Config{
		Microbatches: 8,
		WorkerCount:  2,
	}, compute.NewAffine(3, 1, 1), nil)

	c.start(t)
	for rank, err := range c.wait(t, 10*time.Second) {
		require.NoError(t, err, "rank %d", rank)
	}
	for _, ctrl := range c.ctrls {
		stats := ctrl.Stats()
		assert.Equal(t, 8, stats["done_forward"])
		assert.Equal(t, 0, stats["done_backward"])
	}
}

// failOnce fails the first backward of partition 1
type failOnce struct {
	compute.Stage
	once sync.Once
}

func (s *failOnce) Backward(ctx context.Context, partition int, grad, input, output any) (any, error) {
	var fail bool
	if partition == 1 {
		s.once.Do(func() { fail = true })
	}
	if fail {
		return nil, assert.AnError
	}
	return s.Stage.Backward(ctx, partition, grad, input, output)
}

// TestFaultAbortsRank aborts rank 1 with a compute fault. Its abort notices
// end the run on rank 0, which would otherwise wait for backward packages
// forever.
func TestFaultAbortsRank(t *testing.T) {
	stage := &failOnce{Stage: compute.NewAffine(3, 1, 0)}
	c := newCluster(t, 3, controller.Config{
		Microbatches: 4,
		Training:     true,
		WorkerCount:  1,
	}, stage, nil)

	c.start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.ctrls[1].Wait(ctx)
	require.Error(t, err)

	var runErr *controller.RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, types.FaultCompute, runErr.Kind)
	assert.Equal(t, types.JobBackward, runErr.Key.JobType)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, "aborted", c.ctrls[1].GetStatus()["state"])

	err = c.ctrls[0].Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, controller.ErrPeerAborted)
	assert.ErrorIs(t, err, types.ErrRunAborted)
	assert.NotErrorIs(t, err, controller.ErrStopped)

	var peerErr *controller.RunError
	require.ErrorAs(t, err, &peerErr)
	assert.Equal(t, runErr.Key, peerErr.Key)
	assert.Equal(t, "aborted", c.ctrls[0].GetStatus()["state"])
}
