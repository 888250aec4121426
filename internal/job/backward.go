package job

import (
	"context"

	"github.com/ChuLiYu/pipeline-scheduler/internal/pipeline"
	"github.com/ChuLiYu/pipeline-scheduler/internal/transport"
	"github.com/ChuLiYu/pipeline-scheduler/pkg/types"
)

// CreateBackwardOutputPackage addresses the input gradient to the previous stage
type CreateBackwardOutputPackage struct {
	Topology pipeline.Topology
}

func (c *CreateBackwardOutputPackage) Name() string { return "create_backward_output_package" }
func (c *CreateBackwardOutputPackage) Order() Order { return OrderCreateOutputPackage }

func (c *CreateBackwardOutputPackage) AfterCompute(_ context.Context, j *Job) error {
	in := j.Input.Metadata
	md := types.Metadata{
		JobType:       types.JobBackward,
		MicrobatchIdx: in.MicrobatchIdx,
		PartitionIdx:  in.PartitionIdx,
		SrcRank:       c.Topology.CurrentRank(),
		DstRank:       c.Topology.CurrentRank(),
	}
	if !pipeline.IsFirst(in.PartitionIdx) {
		dst, err := c.Topology.RankFor(in.PartitionIdx - 1)
		if err != nil {
			return err
		}
		md.PartitionIdx = in.PartitionIdx - 1
		md.DstRank = dst
	}
	j.Output.Metadata = md
	return nil
}

// SendBackwardPackage transmits the input gradient to the previous stage,
// where it reaches that stage's bridge. The first stage ends the pass.
type SendBackwardPackage struct {
	Transport transport.Transport
}

func (c *SendBackwardPackage) Name() string { return "send_backward_package" }
func (c *SendBackwardPackage) Order() Order { return OrderSendPackage }

func (c *SendBackwardPackage) AfterCompute(ctx context.Context, j *Job) error {
	if pipeline.IsFirst(j.Input.Metadata.PartitionIdx) {
		return nil
	}
	return send(ctx, c.Transport, j)
}

// ConfirmBackwardProgress marks one unit of backward progress
type ConfirmBackwardProgress struct {
	Progress Progress
}

func (c *ConfirmBackwardProgress) Name() string { return "confirm_backward_progress" }
func (c *ConfirmBackwardProgress) Order() Order { return OrderConfirmProgress }

func (c *ConfirmBackwardProgress) AfterCompute(_ context.Context, j *Job) error {
	return c.Progress.ConfirmBackward(j.Input.Metadata.MicrobatchIdx)
}
