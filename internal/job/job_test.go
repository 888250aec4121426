package job

import (
	"context"
	"errors"
	"testing"

	"github.com/ChuLiYu/pipeline-scheduler/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// recordingCallback appends its name to a shared log when it runs
type recordingCallback struct {
	name  string
	order Order
	log   *[]string
	err   error
}

func (c *recordingCallback) Name() string { return c.name }
func (c *recordingCallback) Order() Order { return c.order }

func (c *recordingCallback) AfterCompute(_ context.Context, j *Job) error {
	*c.log = append(*c.log, c.name)
	return c.err
}

type beforeCallback struct {
	recordingCallback
}

func (c *beforeCallback) BeforeCompute(_ context.Context, j *Job) error {
	*c.log = append(*c.log, "before:"+c.name)
	return nil
}

func forwardPackage(m, p int, data any) *types.Package {
	return types.NewPackage(data, types.Metadata{JobType: types.JobForward, MicrobatchIdx: m, PartitionIdx: p})
}

func doubler(log *[]string) Func {
	return func(_ context.Context, in *types.Package) (any, error) {
		*log = append(*log, "compute")
		return in.Data.(float64) * 2, nil
	}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestRunOrdersCallbacks(t *testing.T) {
	var log []string
	callbacks := []Callback{
		&recordingCallback{name: "c", order: 5, log: &log},
		&recordingCallback{name: "a", order: 0, log: &log},
		&beforeCallback{recordingCallback{name: "b", order: 2, log: &log}},
	}

	j, err := New(doubler(&log), forwardPackage(0, 0, 2.0), callbacks)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, j.Status())

	require.NoError(t, j.Run(context.Background()))

	assert.Equal(t, []string{"before:b", "compute", "a", "b", "c"}, log)
	assert.Equal(t, types.StatusDone, j.Status())
	assert.Equal(t, 4.0, j.Output.Data)
	assert.Equal(t, 2.0, j.Input.Data, "input package is not mutated")
	assert.Equal(t, j.Input.Metadata, j.Output.Metadata)
}

func TestNewRejectsDuplicateOrder(t *testing.T) {
	var log []string
	_, err := New(doubler(&log), forwardPackage(0, 0, 1.0), []Callback{
		&recordingCallback{name: "a", order: 1, log: &log},
		&recordingCallback{name: "b", order: 1, log: &log},
	})
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestNewRejectsNilInputs(t *testing.T) {
	_, err := New(nil, forwardPackage(0, 0, 1.0), nil)
	assert.ErrorIs(t, err, types.ErrConfiguration)

	_, err = New(func(context.Context, *types.Package) (any, error) { return nil, nil }, nil, nil)
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestCallbackFaultAbortsRemaining(t *testing.T) {
	var log []string
	boom := errors.New("boom")
	j, err := New(doubler(&log), forwardPackage(1, 2, 1.0), []Callback{
		&recordingCallback{name: "first", order: 0, log: &log},
		&recordingCallback{name: "broken", order: 1, log: &log, err: boom},
		&recordingCallback{name: "never", order: 2, log: &log},
	})
	require.NoError(t, err)

	err = j.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCallback)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"compute", "first", "broken"}, log)
	assert.Equal(t, types.StatusFailed, j.Status())

	f, ok := types.AsFault(j.Err())
	require.True(t, ok)
	assert.Equal(t, types.JobKey{MicrobatchIdx: 1, PartitionIdx: 2, JobType: types.JobForward}, f.Key)
}

func TestComputeFaultSkipsCallbacks(t *testing.T) {
	var log []string
	fn := func(context.Context, *types.Package) (any, error) { return nil, errors.New("nan") }
	j, err := New(fn, forwardPackage(0, 0, 1.0), []Callback{
		&recordingCallback{name: "never", order: 0, log: &log},
	})
	require.NoError(t, err)

	err = j.Run(context.Background())
	assert.ErrorIs(t, err, types.ErrCompute)
	assert.Empty(t, log)
}

func TestFunctionMayRepackage(t *testing.T) {
	repacked := forwardPackage(0, 9, "boundary")
	fn := func(context.Context, *types.Package) (any, error) { return repacked, nil }
	j, err := New(fn, forwardPackage(0, 0, 1.0), nil)
	require.NoError(t, err)

	require.NoError(t, j.Run(context.Background()))
	assert.Same(t, repacked, j.Output)
}

func TestJobIsSingleUse(t *testing.T) {
	var log []string
	j, err := New(doubler(&log), forwardPackage(0, 0, 1.0), nil)
	require.NoError(t, err)

	assert.True(t, j.Start())
	assert.False(t, j.Start(), "a started job cannot be started again")
	require.NoError(t, j.Run(context.Background()))

	err = j.Run(context.Background())
	assert.ErrorIs(t, err, types.ErrConfiguration)
	assert.Equal(t, []string{"compute"}, log)
}

func TestCancelledContextStopsBetweenCallbacks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var log []string
	stopper := &cancelCallback{cancel: cancel, log: &log}
	j, err := New(doubler(&log), forwardPackage(0, 0, 1.0), []Callback{
		stopper,
		&recordingCallback{name: "never", order: 1, log: &log},
	})
	require.NoError(t, err)

	err = j.Run(ctx)
	assert.ErrorIs(t, err, types.ErrRunAborted)
	assert.Equal(t, []string{"compute", "cancel"}, log)
}

type cancelCallback struct {
	cancel context.CancelFunc
	log    *[]string
}

func (c *cancelCallback) Name() string { return "cancel" }
func (c *cancelCallback) Order() Order { return 0 }
func (c *cancelCallback) AfterCompute(context.Context, *Job) error {
	*c.log = append(*c.log, "cancel")
	c.cancel()
	return nil
}

func TestCancelPendingJob(t *testing.T) {
	var log []string
	j, err := New(doubler(&log), forwardPackage(0, 0, 1.0), nil)
	require.NoError(t, err)

	assert.True(t, j.Cancel(errors.New("drained")))
	assert.Equal(t, types.StatusFailed, j.Status())
	assert.ErrorIs(t, j.Err(), types.ErrRunAborted)
	assert.False(t, j.Start())
}
