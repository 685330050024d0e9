package rooms

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_AcquireRelease(t *testing.T) {
	p := NewPool([]int64{-100, -200, -100, 0})
	assert.Equal(t, Stats{Total: 2, InUse: 0, Free: 2}, p.Stats())

	r1, err := p.Acquire("a")
	require.NoError(t, err)
	assert.Equal(t, int64(-100), r1)

	again, err := p.Acquire("a")
	require.NoError(t, err)
	assert.Equal(t, r1, again, "acquire is idempotent per deal")

	r2, err := p.Acquire("b")
	require.NoError(t, err)
	assert.Equal(t, int64(-200), r2)

	_, err = p.Acquire("c")
	assert.ErrorIs(t, err, ErrNoRooms)

	assert.True(t, p.Release("a"))
	assert.False(t, p.Release("a"), "second release is a no-op")
	assert.Equal(t, []int64{-100}, p.Free())

	r3, err := p.Acquire("c")
	require.NoError(t, err)
	assert.Equal(t, int64(-100), r3)

	holder, ok := p.Holder(-100)
	require.True(t, ok)
	assert.Equal(t, "c", holder)
}

func TestPool_Unbounded(t *testing.T) {
	p := NewPool(nil)
	for i := 0; i < 3; i++ {
		room, err := p.Acquire(fmt.Sprintf("d%d", i))
		require.NoError(t, err)
		assert.Zero(t, room)
	}
	assert.Equal(t, Stats{Total: 3, InUse: 3}, p.Stats())
	assert.True(t, p.Release("d0"))
	assert.Equal(t, 2, p.Stats().InUse)
}

func TestPool_Claim(t *testing.T) {
	p := NewPool([]int64{10, 20})
	require.NoError(t, p.Claim(20, "a"))
	require.NoError(t, p.Claim(20, "a"))
	assert.ErrorIs(t, p.Claim(20, "b"), ErrOccupied)
	assert.ErrorIs(t, p.Claim(30, "b"), ErrUnknown)

	r, err := p.Acquire("b")
	require.NoError(t, err)
	assert.Equal(t, int64(10), r)
}

func TestPool_ConcurrentAcquire(t *testing.T) {
	ids := make([]int64, 20)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	p := NewPool(ids)

	var wg sync.WaitGroup
	rooms := make([]int64, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := p.Acquire(fmt.Sprintf("deal-%d", i))
			assert.NoError(t, err)
			rooms[i] = r
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for _, r := range rooms {
		assert.False(t, seen[r], "room %d handed out twice", r)
		seen[r] = true
	}
	assert.Equal(t, 0, p.Stats().Free)
}
