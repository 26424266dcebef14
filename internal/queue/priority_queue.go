// ============================================================================
// Tierpool Priority Queue
// ============================================================================
//
// Package: internal/queue
// File: priority_queue.go
// Purpose: Orders queued jobs by tier-derived priority, then by age.
//
// Ordering:
//   1. Priority descending (higher tier is serviced first)
//   2. CreatedAt ascending (FIFO among equal priority)
//   3. Seq ascending (submission order when timestamps collide)
//
// Concurrency:
//   PriorityQueue is NOT safe for concurrent use. It is owned by the
//   dispatcher and only touched while the controller mutex is held.
//
// ============================================================================

package queue

import (
	"container/heap"

	"github.com/ChuLiYu/tierpool/pkg/types"
)

// item wraps a job with its heap position so Remove runs in O(log n).
type item struct {
	job   *types.Job
	index int
}

type jobHeap []*item

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	a, b := h[i].job, h[j].job
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// PriorityQueue holds queued jobs keyed by ID.
type PriorityQueue struct {
	heap  jobHeap
	index map[types.JobID]*item
}

// NewPriorityQueue creates an empty queue.
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{
		heap:  make(jobHeap, 0),
		index: make(map[types.JobID]*item),
	}
}

// Enqueue adds a job. Returns false if a job with the same ID is already queued.
func (pq *PriorityQueue) Enqueue(job *types.Job) bool {
	if _, exists := pq.index[job.ID]; exists {
		return false
	}
	it := &item{job: job}
	heap.Push(&pq.heap, it)
	pq.index[job.ID] = it
	return true
}

// DequeueHighest removes and returns the highest-priority job, or nil when empty.
func (pq *PriorityQueue) DequeueHighest() *types.Job {
	if pq.heap.Len() == 0 {
		return nil
	}
	it := heap.Pop(&pq.heap).(*item)
	delete(pq.index, it.job.ID)
	return it.job
}

// Peek returns the next job without removing it.
func (pq *PriorityQueue) Peek() *types.Job {
	if pq.heap.Len() == 0 {
		return nil
	}
	return pq.heap[0].job
}

// Remove deletes a queued job. It is a no-op returning false when the job
// is not in the queue (already dequeued, or never queued).
func (pq *PriorityQueue) Remove(jobID types.JobID) bool {
	it, ok := pq.index[jobID]
	if !ok {
		return false
	}
	heap.Remove(&pq.heap, it.index)
	delete(pq.index, jobID)
	return true
}

// Contains reports whether the job is queued.
func (pq *PriorityQueue) Contains(jobID types.JobID) bool {
	_, ok := pq.index[jobID]
	return ok
}

// Len returns the number of queued jobs.
func (pq *PriorityQueue) Len() int {
	return pq.heap.Len()
}
