package integration

import (
	"testing"
	"time"

	"github.com/ChuLiYu/pipeline-scheduler/internal/compute"
	"github.com/ChuLiYu/pipeline-scheduler/internal/controller"
	"github.com/stretchr/testify/require"
)

func BenchmarkThroughput(b *testing.B) {
	config := controller.Config{
		Microbatches:       64,
		Training:           true,
		WorkerCount:        8,
		PrioritizeBackward: true,
		JobTimeout:         5 * time.Second,
	}
	c := newCluster(b, 4, config, compute.NewAffine(4, 1, 0), nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.start(b)
		for _, err := range c.wait(b, time.Minute) {
			require.NoError(b, err)
		}
	}
	b.StopTimer()
}
