// ============================================================================
// Pipeline Scheduler Job Creator
// ============================================================================
//
// Package: internal/job
// File: creator.go
// Purpose: Assemble the right Job, with the right callback chain, for the
//          job kind carried in a Package's Metadata
//
// Dispatch:
//   BuildJob switches on Metadata.JobType; an unknown kind is a
//   configuration fault.
//
// Forward chain (ascending Order):
//   0 CreateForwardOutputPackage   address output to partition p+1
//   1 ScheduleBackward             arm the bridge at this boundary
//   2 SaveActivationIfTraining     Output store
//   3 SaveInputActivation          Input store
//   4 SendForwardPackage           transmit to the next rank
//   5 ConfirmForwardProgress       advance the pipeline context
//
// Backward chain (ascending Order):
//   0 CreateBackwardOutputPackage  address gradient to partition p-1
//   4 SendBackwardPackage          transmit to the previous rank
//   5 ConfirmBackwardProgress      advance the pipeline context
//
// Backward preconditions:
//   Output and Input activations for (m, p) must already be cached. Their
//   absence means backward was requested before its forward finished, which
//   is a scheduling bug: a precondition fault, never retried.
//
// ============================================================================

package job

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/pipeline-scheduler/internal/activation"
	"github.com/ChuLiYu/pipeline-scheduler/internal/compute"
	"github.com/ChuLiYu/pipeline-scheduler/internal/pipeline"
	"github.com/ChuLiYu/pipeline-scheduler/internal/transport"
	"github.com/ChuLiYu/pipeline-scheduler/pkg/types"
)

// Capturer records a stage boundary whose gradient should schedule backward work
type Capturer interface {
	Capture(md types.Metadata)
}

// Progress is the part of the pipeline context callbacks advance
type Progress interface {
	AdvanceProgress(microbatchIdx int) error
	ConfirmBackward(microbatchIdx int) error
}

// Deps are the collaborators a job's function and callbacks use
type Deps struct {
	Store      *activation.Store
	Transport  transport.Transport
	Topology   pipeline.Topology
	Progress   Progress
	Boundaries Capturer
	Stage      compute.Stage
	Training   bool
}

func (d Deps) validate() error {
	switch {
	case d.Store == nil:
		return fmt.Errorf("activation store is required")
	case d.Transport == nil:
		return fmt.Errorf("transport is required")
	case d.Topology == nil:
		return fmt.Errorf("topology is required")
	case d.Progress == nil:
		return fmt.Errorf("progress tracker is required")
	case d.Boundaries == nil:
		return fmt.Errorf("boundary capturer is required")
	case d.Stage == nil:
		return fmt.Errorf("compute stage is required")
	}
	return nil
}

// Creator builds jobs against a fixed set of collaborators
type Creator struct {
	deps Deps
}

// NewCreator validates deps and both callback chains before any work runs
func NewCreator(deps Deps) (*Creator, error) {
	if err := deps.validate(); err != nil {
		return nil, types.NewFault(types.FaultConfiguration, types.JobKey{}, err)
	}
	for _, kind := range []types.JobType{types.JobForward, types.JobBackward} {
		chain, err := callbacksFor(kind, deps)
		if err != nil {
			return nil, err
		}
		if _, err := sortCallbacks(chain); err != nil {
			return nil, types.NewFault(types.FaultConfiguration, types.JobKey{JobType: kind}, err)
		}
	}
	return &Creator{deps: deps}, nil
}

// Create builds the job for pkg
func (c *Creator) Create(pkg *types.Package) (*Job, error) {
	return BuildJob(pkg, c.deps)
}

// BuildJob selects the creator for pkg's job kind and assembles the job
func BuildJob(pkg *types.Package, deps Deps) (*Job, error) {
	if pkg == nil {
		return nil, types.NewFault(types.FaultConfiguration, types.JobKey{}, fmt.Errorf("nil package"))
	}
	switch pkg.Metadata.JobType {
	case types.JobForward:
		return buildForward(pkg, deps)
	case types.JobBackward:
		return buildBackward(pkg, deps)
	}
	return nil, types.NewFault(types.FaultConfiguration, pkg.Metadata.Key(),
		fmt.Errorf("unrecognized job type %q", pkg.Metadata.JobType))
}

func callbacksFor(kind types.JobType, deps Deps) ([]Callback, error) {
	switch kind {
	case types.JobForward:
		return []Callback{
			&CreateForwardOutputPackage{Topology: deps.Topology},
			&ScheduleBackward{Boundaries: deps.Boundaries, Training: deps.Training},
			&SaveActivationIfTraining{Store: deps.Store, Training: deps.Training},
			&SaveInputActivation{Store: deps.Store},
			&SendForwardPackage{Transport: deps.Transport, Topology: deps.Topology},
			&ConfirmForwardProgress{Progress: deps.Progress},
		}, nil
	case types.JobBackward:
		return []Callback{
			&CreateBackwardOutputPackage{Topology: deps.Topology},
			&SendBackwardPackage{Transport: deps.Transport},
			&ConfirmBackwardProgress{Progress: deps.Progress},
		}, nil
	}
	return nil, types.NewFault(types.FaultConfiguration, types.JobKey{JobType: kind},
		fmt.Errorf("unrecognized job type %q", kind))
}

func buildForward(pkg *types.Package, deps Deps) (*Job, error) {
	callbacks, err := callbacksFor(types.JobForward, deps)
	if err != nil {
		return nil, err
	}
	fn := func(ctx context.Context, in *types.Package) (any, error) {
		return deps.Stage.Forward(ctx, in.Metadata.PartitionIdx, in.Data)
	}
	return New(fn, pkg, callbacks)
}

func buildBackward(pkg *types.Package, deps Deps) (*Job, error) {
	key := pkg.Metadata.ActivationKey()
	if !deps.Store.Output.Has(key) {
		return nil, types.NewFault(types.FaultPrecondition, pkg.Metadata.Key(),
			fmt.Errorf("no saved output activation for %s", key))
	}
	if !deps.Store.Input.Has(key) {
		return nil, types.NewFault(types.FaultPrecondition, pkg.Metadata.Key(),
			fmt.Errorf("no saved input activation for %s", key))
	}

	callbacks, err := callbacksFor(types.JobBackward, deps)
	if err != nil {
		return nil, err
	}
	fn := func(ctx context.Context, in *types.Package) (any, error) {
		k := in.Metadata.ActivationKey()
		output, err := deps.Store.Output.Take(k)
		if err != nil {
			return nil, types.NewFault(types.FaultPrecondition, in.Metadata.Key(), fmt.Errorf("output activation %s: %w", k, err))
		}
		input, err := deps.Store.Input.Take(k)
		if err != nil {
			return nil, types.NewFault(types.FaultPrecondition, in.Metadata.Key(), fmt.Errorf("input activation %s: %w", k, err))
		}
		return deps.Stage.Backward(ctx, in.Metadata.PartitionIdx, in.Data, input, output)
	}

	j, err := New(fn, pkg, callbacks)
	if err != nil {
		return nil, err
	}
	j.IsScheduled = true
	return j, nil
}
