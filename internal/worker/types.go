package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/pipeline-scheduler/internal/job"
	"github.com/ChuLiYu/pipeline-scheduler/pkg/types"
)

// Source is where workers take jobs from and report them back to
type Source interface {
	Put(j *job.Job) (bool, error)
	Pop(ctx context.Context) (*job.Job, error)
	Complete(j *job.Job)
}

// Result is the outcome of one job run by a worker
type Result struct {
	WorkerID int           // worker that ran the job
	Key      types.JobKey  // job triple
	Job      *job.Job      // the finished job, Output set on success
	Success  bool          // job reached done
	Error    error         // *types.Fault on failure
	Duration time.Duration // wall time of Run
}
