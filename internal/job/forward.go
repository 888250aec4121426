package job

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/pipeline-scheduler/internal/activation"
	"github.com/ChuLiYu/pipeline-scheduler/internal/pipeline"
	"github.com/ChuLiYu/pipeline-scheduler/internal/transport"
	"github.com/ChuLiYu/pipeline-scheduler/pkg/types"
)

// CreateForwardOutputPackage addresses the output to the next stage
type CreateForwardOutputPackage struct {
	Topology pipeline.Topology
}

func (c *CreateForwardOutputPackage) Name() string { return "create_forward_output_package" }
func (c *CreateForwardOutputPackage) Order() Order { return OrderCreateOutputPackage }

func (c *CreateForwardOutputPackage) AfterCompute(_ context.Context, j *Job) error {
	in := j.Input.Metadata
	md := types.Metadata{
		JobType:       types.JobForward,
		MicrobatchIdx: in.MicrobatchIdx,
		PartitionIdx:  in.PartitionIdx,
		SrcRank:       c.Topology.CurrentRank(),
		DstRank:       c.Topology.CurrentRank(),
	}
	if !pipeline.IsLast(c.Topology, in.PartitionIdx) {
		dst, err := c.Topology.RankFor(in.PartitionIdx + 1)
		if err != nil {
			return err
		}
		md.PartitionIdx = in.PartitionIdx + 1
		md.DstRank = dst
	}
	j.Output.Metadata = md
	return nil
}

// ScheduleBackward arms the backward bridge at this stage boundary, so a
// gradient arriving later turns into a Backward job
type ScheduleBackward struct {
	Boundaries Capturer
	Training   bool
}

func (c *ScheduleBackward) Name() string { return "schedule_backward" }
func (c *ScheduleBackward) Order() Order { return OrderScheduleBackward }

func (c *ScheduleBackward) AfterCompute(_ context.Context, j *Job) error {
	if !c.Training {
		return nil
	}
	c.Boundaries.Capture(j.Input.Metadata)
	return nil
}

// SaveActivationIfTraining caches the stage output for the backward pass
type SaveActivationIfTraining struct {
	Store    *activation.Store
	Training bool
}

func (c *SaveActivationIfTraining) Name() string { return "save_activation_if_training" }
func (c *SaveActivationIfTraining) Order() Order { return OrderSaveActivation }

func (c *SaveActivationIfTraining) AfterCompute(_ context.Context, j *Job) error {
	if !c.Training {
		return nil
	}
	key := j.Input.Metadata.ActivationKey()
	if err := c.Store.Output.Put(key, j.Output.Data); err != nil {
		return fmt.Errorf("output activation %s: %w", key, err)
	}
	return nil
}

// SaveInputActivation caches the stage input for gradient computation
type SaveInputActivation struct {
	Store *activation.Store
}

func (c *SaveInputActivation) Name() string { return "save_input_activation" }
func (c *SaveInputActivation) Order() Order { return OrderSaveInputActivation }

func (c *SaveInputActivation) AfterCompute(_ context.Context, j *Job) error {
	key := j.Input.Metadata.ActivationKey()
	if err := c.Store.Input.Put(key, j.Input.Data); err != nil {
		return fmt.Errorf("input activation %s: %w", key, err)
	}
	return nil
}

// SendForwardPackage transmits the output to the next stage.
// The last stage has nowhere to send.
type SendForwardPackage struct {
	Transport transport.Transport
	Topology  pipeline.Topology
}

func (c *SendForwardPackage) Name() string { return "send_forward_package" }
func (c *SendForwardPackage) Order() Order { return OrderSendPackage }

func (c *SendForwardPackage) AfterCompute(ctx context.Context, j *Job) error {
	if pipeline.IsLast(c.Topology, j.Input.Metadata.PartitionIdx) {
		return nil
	}
	return send(ctx, c.Transport, j)
}

// ConfirmForwardProgress marks one unit of forward progress
type ConfirmForwardProgress struct {
	Progress Progress
}

func (c *ConfirmForwardProgress) Name() string { return "confirm_forward_progress" }
func (c *ConfirmForwardProgress) Order() Order { return OrderConfirmProgress }

func (c *ConfirmForwardProgress) AfterCompute(_ context.Context, j *Job) error {
	return c.Progress.AdvanceProgress(j.Input.Metadata.MicrobatchIdx)
}

func send(ctx context.Context, t transport.Transport, j *Job) error {
	dst := j.Output.Metadata.DstRank
	if err := t.Send(ctx, j.Output, dst); err != nil {
		return types.NewFault(types.FaultTransport, j.Key, fmt.Errorf("send to rank %d: %w", dst, err))
	}
	return nil
}
