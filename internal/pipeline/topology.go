package pipeline

import (
	"errors"
	"fmt"
)

// ErrUnknownPartition is returned when a partition index is outside the pipeline
var ErrUnknownPartition = errors.New("unknown partition")

// Topology resolves ranks for pipeline partitions. Implementations are
// read-only after construction.
type Topology interface {
	// CurrentRank is the rank of this process
	CurrentRank() int
	// RankFor returns the rank that hosts partition
	RankFor(partition int) (int, error)
	// NumPartitions is the pipeline depth
	NumPartitions() int
}

// StaticTopology places partition i on rank Ranks[i]
type StaticTopology struct {
	Rank  int
	Ranks []int
}

// NewLinearTopology builds a topology of n partitions where partition i lives on rank i
func NewLinearTopology(rank, n int) *StaticTopology {
	ranks := make([]int, n)
	for i := range ranks {
		ranks[i] = i
	}
	return &StaticTopology{Rank: rank, Ranks: ranks}
}

func (t *StaticTopology) CurrentRank() int {
	return t.Rank
}

func (t *StaticTopology) RankFor(partition int) (int, error) {
	if partition < 0 || partition >= len(t.Ranks) {
		return 0, fmt.Errorf("%w: %d of %d", ErrUnknownPartition, partition, len(t.Ranks))
	}
	return t.Ranks[partition], nil
}

func (t *StaticTopology) NumPartitions() int {
	return len(t.Ranks)
}

// LocalPartitions lists the partitions hosted on the current rank
func LocalPartitions(t Topology) []int {
	var local []int
	for p := 0; p < t.NumPartitions(); p++ {
		if r, err := t.RankFor(p); err == nil && r == t.CurrentRank() {
			local = append(local, p)
		}
	}
	return local
}

// IsFirst reports whether partition is the first pipeline stage
func IsFirst(partition int) bool {
	return partition == 0
}

// IsLast reports whether partition is the last pipeline stage of t
func IsLast(t Topology, partition int) bool {
	return partition == t.NumPartitions()-1
}
