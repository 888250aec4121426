// Package types defines the domain model shared by the pipeline scheduler:
// packages flowing between stages, their metadata and the schedule triple.
package types

import "fmt"

// JobType distinguishes forward work from backward (gradient) work
type JobType string

const (
	JobForward  JobType = "forward"  // forward pass of one micro-batch through one stage
	JobBackward JobType = "backward" // gradient pass of one micro-batch through one stage
)

// Valid reports whether t is a known job kind
func (t JobType) Valid() bool {
	return t == JobForward || t == JobBackward
}

// JobStatus is the lifecycle state of a Job
type JobStatus string

const (
	StatusPending    JobStatus = "pending"    // constructed, not yet picked up
	StatusRunning    JobStatus = "running"    // function executing
	StatusCompleting JobStatus = "completing" // callbacks executing
	StatusDone       JobStatus = "done"       // finished successfully
	StatusFailed     JobStatus = "failed"     // a function or callback fault stopped it
)

// Terminal reports whether no further transition is possible
func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Metadata describes where a Package sits in the schedule.
// It is a value type; copy it when forwarding to another stage.
type Metadata struct {
	JobType       JobType `json:"job_type"`
	MicrobatchIdx int     `json:"microbatch_idx"`
	PartitionIdx  int     `json:"partition_idx"`
	SrcRank       int     `json:"src_rank"`
	DstRank       int     `json:"dst_rank"`
	// Abort marks a control package telling the receiver that the sender's
	// run aborted. It holds the sender's fault; the triple names the failing
	// job, or is zero when none failed.
	Abort string `json:"abort,omitempty"`
}

// IsAbort reports whether m belongs to an abort notice rather than a job
func (m Metadata) IsAbort() bool {
	return m.Abort != ""
}

// Key returns the schedule triple of this metadata
func (m Metadata) Key() JobKey {
	return JobKey{MicrobatchIdx: m.MicrobatchIdx, PartitionIdx: m.PartitionIdx, JobType: m.JobType}
}

// ActivationKey returns the activation store address of this metadata
func (m Metadata) ActivationKey() ActivationKey {
	return ActivationKey{MicrobatchIdx: m.MicrobatchIdx, PartitionIdx: m.PartitionIdx}
}

// JobKey is the (microbatch, partition, kind) triple that uniquely identifies
// a job's position in the schedule
type JobKey struct {
	MicrobatchIdx int     `json:"microbatch_idx"`
	PartitionIdx  int     `json:"partition_idx"`
	JobType       JobType `json:"job_type"`
}

// IsZero reports whether k names no job, as in faults raised outside any job
func (k JobKey) IsZero() bool {
	return k == JobKey{}
}

func (k JobKey) String() string {
	return fmt.Sprintf("%s(mb=%d,p=%d)", k.JobType, k.MicrobatchIdx, k.PartitionIdx)
}

// ActivationKey addresses an Activation Store entry
type ActivationKey struct {
	MicrobatchIdx int
	PartitionIdx  int
}

func (k ActivationKey) String() string {
	return fmt.Sprintf("(mb=%d,p=%d)", k.MicrobatchIdx, k.PartitionIdx)
}

// Package is the unit of data exchanged between stages and jobs
type Package struct {
	Data     any      `json:"data"`
	Metadata Metadata `json:"metadata"`
}

// NewPackage builds a Package from a payload and its metadata
func NewPackage(data any, md Metadata) *Package {
	return &Package{Data: data, Metadata: md}
}

// Clone returns a shallow copy; Data is shared, Metadata is copied
func (p *Package) Clone() *Package {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
