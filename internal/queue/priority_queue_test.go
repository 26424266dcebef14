package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/tierpool/pkg/types"
)

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newJob(id string, priority int, offset time.Duration, seq uint64) *types.Job {
	return &types.Job{
		ID:        types.JobID(id),
		Priority:  priority,
		CreatedAt: base.Add(offset),
		Seq:       seq,
		Status:    types.StatusQueued,
	}
}

func drain(pq *PriorityQueue) []types.JobID {
	var ids []types.JobID
	for job := pq.DequeueHighest(); job != nil; job = pq.DequeueHighest() {
		ids = append(ids, job.ID)
	}
	return ids
}

func TestDequeueEmpty(t *testing.T) {
	pq := NewPriorityQueue()
	assert.Nil(t, pq.DequeueHighest())
	assert.Nil(t, pq.Peek())
	assert.Equal(t, 0, pq.Len())
}

func TestPriorityOrdering(t *testing.T) {
	pq := NewPriorityQueue()
	pq.Enqueue(newJob("low", 1, 0, 1))
	pq.Enqueue(newJob("high", 3, time.Second, 2))
	pq.Enqueue(newJob("mid", 2, 2*time.Second, 3))

	assert.Equal(t, []types.JobID{"high", "mid", "low"}, drain(pq))
}

func TestFIFOWithinPriority(t *testing.T) {
	pq := NewPriorityQueue()
	for i := 0; i < 20; i++ {
		pq.Enqueue(newJob(fmt.Sprintf("job-%02d", i), 2, time.Duration(i)*time.Millisecond, uint64(i)))
	}

	ids := drain(pq)
	require.Len(t, ids, 20)
	for i, id := range ids {
		assert.Equal(t, types.JobID(fmt.Sprintf("job-%02d", i)), id)
	}
}

func TestSeqBreaksTimestampTies(t *testing.T) {
	pq := NewPriorityQueue()
	pq.Enqueue(newJob("third", 1, 0, 3))
	pq.Enqueue(newJob("first", 1, 0, 1))
	pq.Enqueue(newJob("second", 1, 0, 2))

	assert.Equal(t, []types.JobID{"first", "second", "third"}, drain(pq))
}

func TestRemove(t *testing.T) {
	pq := NewPriorityQueue()
	pq.Enqueue(newJob("a", 1, 0, 1))
	pq.Enqueue(newJob("b", 3, 0, 2))
	pq.Enqueue(newJob("c", 2, 0, 3))

	assert.True(t, pq.Remove("b"))
	assert.False(t, pq.Remove("b"), "second removal is a no-op")
	assert.False(t, pq.Contains("b"))

	assert.Equal(t, []types.JobID{"c", "a"}, drain(pq))
	assert.False(t, pq.Remove("a"), "dequeued job cannot be removed")
}

func TestEnqueueDuplicate(t *testing.T) {
	pq := NewPriorityQueue()
	assert.True(t, pq.Enqueue(newJob("a", 1, 0, 1)))
	assert.False(t, pq.Enqueue(newJob("a", 3, 0, 2)))
	assert.Equal(t, 1, pq.Len())
}

func TestPeek(t *testing.T) {
	pq := NewPriorityQueue()
	pq.Enqueue(newJob("a", 1, 0, 1))
	pq.Enqueue(newJob("b", 2, 0, 2))

	assert.Equal(t, types.JobID("b"), pq.Peek().ID)
	assert.Equal(t, 2, pq.Len())
}
