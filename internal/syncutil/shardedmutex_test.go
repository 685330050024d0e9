package syncutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardedMutex_SerializesSameKey(t *testing.T) {
	var m ShardedMutex
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("#P2PMMX1234")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestShardedMutex_TryLock(t *testing.T) {
	var m ShardedMutex
	unlock := m.Lock("deal-a")

	_, ok := m.TryLock("deal-a")
	assert.False(t, ok)

	unlock()
	unlock2, ok := m.TryLock("deal-a")
	require.True(t, ok)
	unlock2()
}
