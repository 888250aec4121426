package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ChuLiYu/pipeline-scheduler/internal/job"
	"github.com/ChuLiYu/pipeline-scheduler/internal/queue"
	"github.com/ChuLiYu/pipeline-scheduler/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// stubBuilder builds trivial jobs and can be told to fail
type stubBuilder struct {
	mu    sync.Mutex
	calls []types.Metadata
	err   error
}

func (s *stubBuilder) Create(pkg *types.Package) (*job.Job, error) {
	s.mu.Lock()
	s.calls = append(s.calls, pkg.Metadata)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	fn := func(context.Context, *types.Package) (any, error) { return nil, nil }
	return job.New(fn, pkg, nil)
}

type countingRecorder struct {
	mu             sync.Mutex
	fired, skipped int
}

func (c *countingRecorder) RecordBridgeFired() {
	c.mu.Lock()
	c.fired++
	c.mu.Unlock()
}

func (c *countingRecorder) RecordBridgeSkipped() {
	c.mu.Lock()
	c.skipped++
	c.mu.Unlock()
}

func forwardMD(m, p int) types.Metadata {
	return types.Metadata{JobType: types.JobForward, MicrobatchIdx: m, PartitionIdx: p, SrcRank: 3, DstRank: 4}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestGradientSchedulesBackwardJob(t *testing.T) {
	reg := NewRegistry()
	builder := &stubBuilder{}
	q := queue.New(true, nil)
	rec := &countingRecorder{}
	b := New(reg, builder, q, rec)

	reg.Capture(forwardMD(0, 1))
	assert.True(t, reg.Armed(types.ActivationKey{MicrobatchIdx: 0, PartitionIdx: 1}))

	grad := []float64{0.5}
	out, err := b.OnGradientArrived(context.Background(), types.Metadata{MicrobatchIdx: 0, PartitionIdx: 1}, grad)
	require.NoError(t, err)
	assert.Equal(t, grad, out, "gradient passes through unchanged")

	j := q.TryPop()
	require.NotNil(t, j)
	assert.Equal(t, types.JobKey{MicrobatchIdx: 0, PartitionIdx: 1, JobType: types.JobBackward}, j.Key)
	assert.True(t, j.IsScheduled)
	assert.Equal(t, grad, j.Input.Data)

	require.Len(t, builder.calls, 1)
	assert.Equal(t, types.JobBackward, builder.calls[0].JobType)
	assert.Equal(t, 3, builder.calls[0].SrcRank, "captured metadata is used")
	assert.Equal(t, 1, rec.fired)
	assert.False(t, reg.Armed(types.ActivationKey{MicrobatchIdx: 0, PartitionIdx: 1}))
}

func TestSingleEnqueuePerBoundary(t *testing.T) {
	reg := NewRegistry()
	builder := &stubBuilder{}
	q := queue.New(true, nil)
	rec := &countingRecorder{}
	b := New(reg, builder, q, rec)
	reg.Capture(forwardMD(2, 0))

	const consumers = 16
	var wg sync.WaitGroup
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.OnGradientArrived(context.Background(), forwardMD(2, 0), 1.0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, q.Len())
	assert.Len(t, builder.calls, 1)
	assert.Equal(t, 1, rec.fired)
	assert.Equal(t, consumers-1, rec.skipped)

	// capturing again after firing does not re-arm
	reg.Capture(forwardMD(2, 0))
	_, err := b.OnGradientArrived(context.Background(), forwardMD(2, 0), 1.0)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())
}

func TestBuilderFaultSurfaces(t *testing.T) {
	precondition := types.NewFault(types.FaultPrecondition,
		types.JobKey{MicrobatchIdx: 5, PartitionIdx: 2, JobType: types.JobBackward}, errors.New("no activations"))
	b := New(NewRegistry(), &stubBuilder{err: precondition}, queue.New(true, nil), nil)

	grad, err := b.OnGradientArrived(context.Background(), types.Metadata{MicrobatchIdx: 5, PartitionIdx: 2}, 7.0)
	assert.Equal(t, 7.0, grad)
	assert.ErrorIs(t, err, types.ErrPrecondition)
}

func TestClosedBridgeRefuses(t *testing.T) {
	q := queue.New(true, nil)
	builder := &stubBuilder{}
	b := New(NewRegistry(), builder, q, nil)
	b.Close()
	assert.True(t, b.IsClosed())

	grad, err := b.OnGradientArrived(context.Background(), forwardMD(0, 0), 1.0)
	assert.Equal(t, 1.0, grad)
	assert.ErrorIs(t, err, types.ErrRunAborted)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, builder.calls)
	assert.Equal(t, 0, q.Len())

	b.Reopen()
	_, err = b.OnGradientArrived(context.Background(), forwardMD(0, 0), 1.0)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())
}

func TestClosedQueueIsAbort(t *testing.T) {
	q := queue.New(true, nil)
	q.Close()
	b := New(NewRegistry(), &stubBuilder{}, q, nil)

	_, err := b.OnGradientArrived(context.Background(), forwardMD(0, 0), 1.0)
	assert.ErrorIs(t, err, types.ErrRunAborted)
	assert.ErrorIs(t, err, queue.ErrQueueClosed)
}

func TestCancelledContextRefuses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := New(NewRegistry(), &stubBuilder{}, queue.New(true, nil), nil)

	_, err := b.OnGradientArrived(ctx, forwardMD(0, 0), 1.0)
	assert.ErrorIs(t, err, types.ErrRunAborted)
}
