package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify queue draining, timeouts, failure reporting, shutdown
// ============================================================================

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/pipeline-scheduler/internal/job"
	"github.com/ChuLiYu/pipeline-scheduler/internal/queue"
	"github.com/ChuLiYu/pipeline-scheduler/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newJob(t testing.TB, kind types.JobType, m int, fn job.Func) *job.Job {
	t.Helper()
	if fn == nil {
		fn = func(context.Context, *types.Package) (any, error) { return m, nil }
	}
	md := types.Metadata{JobType: kind, MicrobatchIdx: m}
	j, err := job.New(fn, types.NewPackage(m, md), nil)
	require.NoError(t, err)
	return j
}

func startPool(t *testing.T, workers int, timeout time.Duration) (*Pool, *queue.Queue) {
	t.Helper()
	q := queue.New(true, nil)
	pool := NewPool(q, 16, timeout)
	require.NoError(t, pool.Start(workers))
	t.Cleanup(func() {
		q.Close()
		pool.Stop()
	})
	return pool, q
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(queue.New(true, nil), 10, 0)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(queue.New(true, nil), 10, 0)

	require.NoError(t, pool.Start(8))
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	assert.Error(t, pool.Start(4), "second start must fail")
	pool.Stop()
}

func TestPoolStartRejectsZeroWorkers(t *testing.T) {
	pool := NewPool(queue.New(true, nil), 10, 0)
	assert.Error(t, pool.Start(0))
	assert.False(t, pool.IsStarted())
}

func TestWorkerExecution(t *testing.T) {
	pool, _ := startPool(t, 1, time.Second)

	const jobCount = 10
	for i := 0; i < jobCount; i++ {
		ok, err := pool.Submit(newJob(t, types.JobForward, i, nil))
		require.NoError(t, err)
		require.True(t, ok)
	}

	results := make(map[types.JobKey]Result)
	for i := 0; i < jobCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		results[result.Key] = result
	}

	assert.Len(t, results, jobCount)
	for key, r := range results {
		assert.True(t, r.Success, "job %s", key)
		assert.Equal(t, types.StatusDone, r.Job.Status())
		assert.Equal(t, key.MicrobatchIdx, r.Job.Output.Data)
	}
}

func TestFailureReported(t *testing.T) {
	pool, q := startPool(t, 1, 0)
	boom := errors.New("boom")
	_, err := pool.Submit(newJob(t, types.JobBackward, 0, func(context.Context, *types.Package) (any, error) {
		return nil, boom
	}))
	require.NoError(t, err)

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, types.ErrCompute)
	assert.ErrorIs(t, result.Error, boom)
	assert.Equal(t, 1, q.Stats()["failed_backward"])
}

func TestTimeout(t *testing.T) {
	pool, _ := startPool(t, 1, 10*time.Millisecond)
	_, err := pool.Submit(newJob(t, types.JobForward, 0, func(ctx context.Context, _ *types.Package) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.NoError(t, err)

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, context.DeadlineExceeded)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrency(t *testing.T) {
	pool, q := startPool(t, 8, time.Second)
	const jobCount = 100

	var runs atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < jobCount; i++ {
		wg.Add(1)
		go func(m int) {
			defer wg.Done()
			j := newJob(t, types.JobForward, m, func(context.Context, *types.Package) (any, error) {
				runs.Add(1)
				time.Sleep(time.Millisecond)
				return nil, nil
			})
			_, err := pool.Submit(j)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	seen := make(map[types.JobKey]bool)
	for i := 0; i < jobCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		assert.False(t, seen[result.Key], "job %s reported twice", result.Key)
		seen[result.Key] = true
	}

	assert.Equal(t, int64(jobCount), runs.Load())
	assert.Equal(t, jobCount, q.Stats()["done_forward"])
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

func TestGracefulShutdown(t *testing.T) {
	q := queue.New(true, nil)
	pool := NewPool(q, 4, 0)
	require.NoError(t, pool.Start(4))

	goroutinesBefore := runtime.NumGoroutine()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return with idle workers")
	}

	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, runtime.NumGoroutine(), goroutinesBefore)
}

func TestStopInterruptsRunningJob(t *testing.T) {
	q := queue.New(true, nil)
	pool := NewPool(q, 4, 0)
	require.NoError(t, pool.Start(1))

	started := make(chan struct{})
	j := newJob(t, types.JobForward, 0, func(ctx context.Context, _ *types.Package) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_, err := pool.Submit(j)
	require.NoError(t, err)

	<-started
	pool.Stop()
	assert.Equal(t, types.StatusFailed, j.Status())
}

func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(queue.New(true, nil), 10, 0)
	assert.NotPanics(t, func() {
		pool.Stop()
		pool.Stop()
	})
}

// ============================================================================
// Error Handling Tests
// ============================================================================

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(queue.New(true, nil), 10, 0)
	_, err := pool.Submit(newJob(t, types.JobForward, 0, nil))
	assert.Equal(t, ErrPoolNotStarted, err)
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(queue.New(true, nil), 10, 0)
	require.NoError(t, pool.Start(2))
	pool.Stop()

	_, err := pool.Submit(newJob(t, types.JobForward, 0, nil))
	assert.Equal(t, ErrPoolClosed, err)
}

func TestReceiveResultAfterStop(t *testing.T) {
	pool := NewPool(queue.New(true, nil), 10, 0)
	require.NoError(t, pool.Start(2))
	pool.Stop()

	_, err := pool.ReceiveResult()
	assert.Equal(t, ErrPoolClosed, err)
}

func TestClosedQueueStopsWorkers(t *testing.T) {
	q := queue.New(true, nil)
	pool := NewPool(q, 4, 0)
	require.NoError(t, pool.Start(2))

	q.Close()
	_, err := pool.Submit(newJob(t, types.JobForward, 0, nil))
	assert.ErrorIs(t, err, queue.ErrQueueClosed)
	pool.Stop()
}

// ============================================================================
// Benchmark Tests
// ============================================================================

func BenchmarkPoolThroughput(b *testing.B) {
	q := queue.New(true, nil)
	pool := NewPool(q, 1000, 0)
	if err := pool.Start(8); err != nil {
		b.Fatal(err)
	}
	defer pool.Stop()

	jobs := make([]*job.Job, b.N)
	for i := range jobs {
		jobs[i] = newJob(b, types.JobForward, i, nil)
	}

	b.ResetTimer()
	for _, j := range jobs {
		if _, err := pool.Submit(j); err != nil {
			b.Fatal(err)
		}
	}
	for i := 0; i < b.N; i++ {
		if _, err := pool.ReceiveResult(); err != nil {
			b.Fatal(err)
		}
	}
}
