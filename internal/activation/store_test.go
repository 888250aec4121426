package activation

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ChuLiYu/pipeline-scheduler/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(m, p int) types.ActivationKey {
	return types.ActivationKey{MicrobatchIdx: m, PartitionIdx: p}
}

func TestPutGetTake(t *testing.T) {
	s := NewStore(nil)

	require.NoError(t, s.Output.Put(key(0, 0), 1.0))
	assert.True(t, s.Output.Has(key(0, 0)))
	assert.False(t, s.Input.Has(key(0, 0)), "sub-stores must not share keys")

	v, ok := s.Output.Get(key(0, 0))
	require.True(t, ok)
	assert.Equal(t, 1.0, v)

	v2, err := s.Output.Take(key(0, 0))
	require.NoError(t, err)
	assert.Equal(t, 1.0, v2)
	assert.False(t, s.Output.Has(key(0, 0)))

	_, err = s.Output.Take(key(0, 0))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutDuplicate(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Input.Put(key(1, 2), "a"))
	assert.ErrorIs(t, s.Input.Put(key(1, 2), "b"), ErrDuplicate)
}

func TestHasPairAndClear(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Output.Put(key(0, 1), 1))
	assert.False(t, s.HasPair(key(0, 1)))
	require.NoError(t, s.Input.Put(key(0, 1), 2))
	assert.True(t, s.HasPair(key(0, 1)))
	assert.Equal(t, 2, s.Len())

	s.Clear()
	assert.Equal(t, 0, s.Len())
	assert.False(t, s.Contains(key(0, 1)))
}

func TestObserver(t *testing.T) {
	sizes := map[Kind]int{}
	var mu sync.Mutex
	s := NewStore(func(kind Kind, size int) {
		mu.Lock()
		sizes[kind] = size
		mu.Unlock()
	})

	require.NoError(t, s.Output.Put(key(0, 0), 1))
	require.NoError(t, s.Output.Put(key(1, 0), 1))
	require.NoError(t, s.Input.Put(key(0, 0), 1))
	assert.Equal(t, 2, sizes[KindOutput])
	assert.Equal(t, 1, sizes[KindInput])

	s.Input.Delete(key(0, 0))
	assert.Equal(t, 0, sizes[KindInput])
}

// TestConcurrentTake verifies that exactly one of many racing workers
// consumes a given entry
func TestConcurrentTake(t *testing.T) {
	s := NewStore(nil)
	const entries = 50
	const workers = 8
	for i := 0; i < entries; i++ {
		require.NoError(t, s.Output.Put(key(i, 0), i))
	}

	var taken atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < entries; i++ {
				if _, err := s.Output.Take(key(i, 0)); err == nil {
					taken.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(entries), taken.Load())
	assert.Empty(t, s.Output.Keys())
}
