package ids

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllocatorMonotonic(t *testing.T) {
	a := New()
	seen := make(map[int64]bool)
	var prev int64
	for i := 0; i < 1000; i++ {
		id := a.NextOrderID()
		assert.False(t, seen[id], "id %d issued twice", id)
		assert.Greater(t, id, prev, "id %d not above previous id %d", id, prev)
		seen[id] = true
		prev = id
	}
}

func TestAllocatorConcurrent(t *testing.T) {
	a := New()
	const n = 500
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			ids <- a.NextTradeID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestSeedResumeAboveMax(t *testing.T) {
	a := New()
	a.SeedOrderID(1000)
	assert.Equal(t, int64(1001), a.NextOrderID())

	// Seeding with a smaller value than already allocated is a no-op.
	a.SeedOrderID(1)
	assert.Equal(t, int64(1002), a.NextOrderID())
}
