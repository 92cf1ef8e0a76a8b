package store

import (
	"container/heap"
	"time"

	"github.com/relayq/relayq/internal/job"
)

// jobHeapItem wraps a job for heap operations
type jobHeapItem struct {
	job   *job.Job
	index int
}

// jobHeap implements heap.Interface with a pluggable order
type jobHeap struct {
	items []*jobHeapItem
	less  func(a, b *job.Job) bool
}

func (h jobHeap) Len() int { return len(h.items) }

func (h jobHeap) Less(i, j int) bool { return h.less(h.items[i].job, h.items[j].job) }

func (h jobHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *jobHeap) Push(x interface{}) {
	item := x.(*jobHeapItem)
	item.index = len(h.items)
	h.items = append(h.items, item)
}

func (h *jobHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	h.items = old[0 : n-1]
	return item
}

// readyOrder: priority (DESC), sequence (ASC)
func readyOrder(a, b *job.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Seq < b.Seq
}

// delayedOrder: delay deadline (ASC), then ready order
func delayedOrder(a, b *job.Job) bool {
	if !a.DelayUntil.Equal(*b.DelayUntil) {
		return a.DelayUntil.Before(*b.DelayUntil)
	}
	return readyOrder(a, b)
}

// priorityQueue indexes jobs by id on top of a heap
type priorityQueue struct {
	heap  jobHeap
	items map[string]*jobHeapItem // jobID -> item
}

func newPriorityQueue(less func(a, b *job.Job) bool) *priorityQueue {
	return &priorityQueue{
		heap:  jobHeap{less: less},
		items: make(map[string]*jobHeapItem),
	}
}

// Push adds a job to the queue
func (pq *priorityQueue) Push(j *job.Job) {
	if _, exists := pq.items[j.ID]; exists {
		return
	}

	item := &jobHeapItem{job: j}
	pq.items[j.ID] = item
	heap.Push(&pq.heap, item)
}

// Pop removes and returns the first job in order
func (pq *priorityQueue) Pop() *job.Job {
	if pq.heap.Len() == 0 {
		return nil
	}

	item := heap.Pop(&pq.heap).(*jobHeapItem)
	delete(pq.items, item.job.ID)
	return item.job
}

// Peek returns the first job without removing it
func (pq *priorityQueue) Peek() *job.Job {
	if pq.heap.Len() == 0 {
		return nil
	}
	return pq.heap.items[0].job
}

// Remove removes a job from the queue
func (pq *priorityQueue) Remove(jobID string) bool {
	item, exists := pq.items[jobID]
	if !exists {
		return false
	}

	heap.Remove(&pq.heap, item.index)
	delete(pq.items, jobID)
	return true
}

// Len returns the number of jobs in the queue
func (pq *priorityQueue) Len() int {
	return pq.heap.Len()
}

// Each visits jobs in heap (not sorted) order
func (pq *priorityQueue) Each(fn func(*job.Job)) {
	for _, item := range pq.heap.items {
		fn(item.job)
	}
}

// PopDue removes and returns the next delayed job whose deadline has passed
func (pq *priorityQueue) PopDue(now time.Time) *job.Job {
	next := pq.Peek()
	if next == nil || next.DelayUntil == nil || next.DelayUntil.After(now) {
		return nil
	}
	return pq.Pop()
}
