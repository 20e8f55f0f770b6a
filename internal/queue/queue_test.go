package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueDeduplicatesAcrossSets(t *testing.T) {
	q := New(0, 0)

	assert.True(t, q.Add(7, 10))
	assert.False(t, q.Add(7, 0), "already queued")

	id, ok := q.Next(time.Second)
	require.True(t, ok)
	assert.Equal(t, 7, id)
	assert.False(t, q.Add(7, 0), "in progress")

	q.MarkCompleted(7)
	assert.False(t, q.Add(7, 0), "recently completed")

	assert.True(t, q.RemoveFromCompleted(7))
	assert.True(t, q.Add(7, 0), "re-queueable after removal")
}

func TestQueuePriorityOrderWithFIFOTiebreak(t *testing.T) {
	q := New(0, 0)
	q.Add(1, 20)
	q.Add(2, 0)
	q.Add(3, 10)
	q.Add(4, 10)

	var got []int
	for i := 0; i < 4; i++ {
		id, ok := q.Next(time.Second)
		require.True(t, ok)
		got = append(got, id)
	}
	assert.Equal(t, []int{2, 3, 4, 1}, got)
}

func TestQueueMaxSizeRejects(t *testing.T) {
	q := New(2, 0)
	assert.True(t, q.Add(1, 0))
	assert.True(t, q.Add(2, 0))
	assert.False(t, q.Add(3, 0), "queue full")

	// In-progress entries still count against the bound.
	_, ok := q.Next(time.Second)
	require.True(t, ok)
	assert.False(t, q.Add(3, 0))

	q.MarkCompleted(1)
	assert.True(t, q.Add(3, 0))
}

func TestQueueNextTimesOutWhenEmpty(t *testing.T) {
	q := New(0, 0)
	start := time.Now()
	_, ok := q.Next(20 * time.Millisecond)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestQueueCompletedEviction(t *testing.T) {
	q := New(0, 2)
	for _, id := range []int{1, 2, 3} {
		require.True(t, q.Add(id, 0))
		got, ok := q.Next(time.Second)
		require.True(t, ok)
		require.Equal(t, id, got)
		q.MarkCompleted(id)
	}
	// Bound 2: channel 1 was evicted and is re-queueable without removal.
	assert.True(t, q.Add(1, 0))
	assert.False(t, q.Add(3, 0))
}

func TestQueueClear(t *testing.T) {
	q := New(0, 0)
	q.Add(1, 0)
	q.Add(2, 0)
	q.Next(time.Second)
	q.Clear()

	st := q.Snapshot()
	assert.Zero(t, st.Queued)
	assert.Zero(t, st.InProgress)
	assert.Zero(t, st.Completed)
	assert.True(t, q.Add(1, 0))
}

func TestQueueAddBulk(t *testing.T) {
	q := New(0, 0)
	require.True(t, q.Add(2, 0))
	added := q.AddBulk([]int{1, 2, 3}, 10)
	assert.Equal(t, 2, added)
	assert.Equal(t, 3, q.Snapshot().Queued)
}

func TestQueueAddBulkWakesAllWaiters(t *testing.T) {
	q := New(0, 0)
	results := make(chan int, 2)
	for i := 0; i < 2; i++ {
		go func() {
			if id, ok := q.Next(3 * time.Second); ok {
				results <- id
			}
		}()
	}
	// Let both waiters park on the wake channel before the bulk add.
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, 2, q.AddBulk([]int{1, 2}, 10))

	got := map[int]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-results:
			got[id] = true
		case <-time.After(time.Second):
			t.Fatal("a waiter was not woken by the bulk add")
		}
	}
	assert.True(t, got[1] && got[2])
}
