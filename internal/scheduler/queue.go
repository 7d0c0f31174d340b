package scheduler

import (
	"container/heap"

	"github.com/orchid-sh/orchid/pkg/models"
)

// dispatchItem is one unit of pending work: a node visit for a task or
// for one of its fan-out branches.
type dispatchItem struct {
	taskID   string
	branchID string
	node     string
	priority models.Priority
	// seq breaks priority ties so equal-priority items dispatch FIFO.
	seq uint64
}

// taskQueue is a priority queue of pending dispatches. Higher priority
// dispatches first; within a priority, insertion order wins.
type taskQueue struct {
	items []dispatchItem
	next  uint64
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	heap.Init(q)
	return q
}

// PushItem enqueues an item, stamping it with the next FIFO sequence.
func (q *taskQueue) PushItem(it dispatchItem) {
	it.seq = q.next
	q.next++
	heap.Push(q, it)
}

// RequeueItem reinserts a previously popped item keeping its original
// sequence, so a dispatch held back by backpressure keeps its place in
// line ahead of lower-priority and later work.
func (q *taskQueue) RequeueItem(it dispatchItem) {
	heap.Push(q, it)
}

// PopItem dequeues the highest-priority item. ok is false when empty.
func (q *taskQueue) PopItem() (dispatchItem, bool) {
	if len(q.items) == 0 {
		return dispatchItem{}, false
	}
	return heap.Pop(q).(dispatchItem), true
}

// Drop removes every queued item belonging to taskID.
func (q *taskQueue) Drop(taskID string) {
	kept := q.items[:0]
	for _, it := range q.items {
		if it.taskID != taskID {
			kept = append(kept, it)
		}
	}
	q.items = kept
	heap.Init(q)
}

// Len implements heap.Interface.
func (q *taskQueue) Len() int { return len(q.items) }

// Less implements heap.Interface.
func (q *taskQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.priority.Rank() != b.priority.Rank() {
		return a.priority.Rank() > b.priority.Rank()
	}
	return a.seq < b.seq
}

// Swap implements heap.Interface.
func (q *taskQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

// Push implements heap.Interface.
func (q *taskQueue) Push(x any) { q.items = append(q.items, x.(dispatchItem)) }

// Pop implements heap.Interface.
func (q *taskQueue) Pop() any {
	old := q.items
	n := len(old)
	it := old[n-1]
	q.items = old[:n-1]
	return it
}
