package coordinator

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRingEmptyAssignFailsClosed(t *testing.T) {
	r := newRing(nil)
	_, ok := r.assign("anything", map[string]int{}, 0, 0)
	assert.False(t, ok)
}

func TestRingAssignIsDeterministicForSameKey(t *testing.T) {
	r := newRing([]string{"w1", "w2", "w3"})
	load := map[string]int{}

	w1, ok := r.assign("grant-123", load, 10, 3)
	require.True(t, ok)
	w2, ok := r.assign("grant-123", load, 10, 3)
	require.True(t, ok)
	assert.Equal(t, w1, w2)
}

func TestRingAssignDistributesAcrossWorkers(t *testing.T) {
	r := newRing([]string{"w1", "w2", "w3"})
	load := map[string]int{}
	seen := make(map[string]int)

	total := 300
	for i := 0; i < total; i++ {
		key := fmt.Sprintf("grant-%d", i)
		w, ok := r.assign(key, load, total, 3)
		require.True(t, ok)
		load[w]++
		seen[w]++
	}

	require.Len(t, seen, 3)
	for w, count := range seen {
		assert.Lessf(t, count, total, "worker %s got implausibly all the load", w)
	}
}

func TestRingAssignRespectsBoundedLoad(t *testing.T) {
	r := newRing([]string{"w1", "w2"})
	load := map[string]int{}
	total := 100

	for i := 0; i < total; i++ {
		key := fmt.Sprintf("grant-%d", i)
		w, ok := r.assign(key, load, total, 2)
		require.True(t, ok)
		load[w]++
	}

	capacity := boundedCapacity(total, 2)
	for w, count := range load {
		assert.LessOrEqualf(t, count, capacity, "worker %s exceeded bounded capacity", w)
	}
}

func TestRingAssignReshufflesOnlyAffectedAccountsWhenWorkerLeaves(t *testing.T) {
	before := newRing([]string{"w1", "w2", "w3", "w4"})
	after := newRing([]string{"w1", "w2", "w3"})

	loadBefore := map[string]int{}
	loadAfter := map[string]int{}
	total := 200
	moved := 0

	for i := 0; i < total; i++ {
		key := fmt.Sprintf("grant-%d", i)
		wBefore, _ := before.assign(key, loadBefore, total, 4)
		loadBefore[wBefore]++

		wAfter, _ := after.assign(key, loadAfter, total, 3)
		loadAfter[wAfter]++

		if wBefore != wAfter {
			moved++
		}
	}

	// Only accounts that landed on the removed worker (~1/4) should move;
	// a full reshuffle would move nearly all of them.
	assert.Less(t, moved, total/2)
}

func TestBoundedCapacityNeverZero(t *testing.T) {
	assert.GreaterOrEqual(t, boundedCapacity(0, 5), 1)
	assert.GreaterOrEqual(t, boundedCapacity(10, 0), 0)
}
