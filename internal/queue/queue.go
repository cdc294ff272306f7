// Package queue implements the priority task queue (component D): a
// FIFO-within-priority, keyed-removal queue (its size bound is
// enforced by the dispatcher, not here) built on
// container/heap, adapted from the teacher's PriorityQueue/Item pair
// with a side index added for O(1) peek/removal by task id.
package queue

import (
	"container/heap"
	"fmt"
	"sync"

	"shuttlegateway/internal/types"
)

// Entry pairs a task with its priority and its monotonic sequence
// number, which breaks ties so lower sequence dequeues first.
type Entry struct {
	Task     types.TransportTask
	Priority types.TaskPriority
	Sequence uint64
}

// item is the heap element; index tracks its position (kept current by
// Swap) so TryRemove can pass it to heap.Remove.
type item struct {
	entry Entry
	index int
}

type heapSlice []*item

func (h heapSlice) Len() int { return len(h) }

func (h heapSlice) Less(i, j int) bool {
	if h[i].entry.Priority != h[j].entry.Priority {
		return h[i].entry.Priority > h[j].entry.Priority
	}
	return h[i].entry.Sequence < h[j].entry.Sequence
}

func (h heapSlice) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *heapSlice) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *heapSlice) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// ErrTaskExists is returned by Enqueue when task_id is already present.
type ErrTaskExists struct{ TaskID string }

func (e *ErrTaskExists) Error() string {
	return fmt.Sprintf("queue: task %q already queued", e.TaskID)
}

// Queue is the priority task queue. A single mutex covers the whole
// structure per spec.md §4.D.
type Queue struct {
	mu       sync.Mutex
	h        heapSlice
	byTaskID map[string]*item
	nextSeq  uint64
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{byTaskID: make(map[string]*item)}
}

// Enqueue adds task at priority, failing if task_id is already
// present. Returns ErrTaskExists without mutating the queue in that case.
func (q *Queue) Enqueue(task types.TransportTask, priority types.TaskPriority) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.byTaskID[task.TaskID]; exists {
		return &ErrTaskExists{TaskID: task.TaskID}
	}
	q.nextSeq++
	it := &item{entry: Entry{Task: task, Priority: priority, Sequence: q.nextSeq}}
	heap.Push(&q.h, it)
	q.byTaskID[task.TaskID] = it
	return nil
}

// TryPeek returns the highest-priority, lowest-sequence entry without
// removing it, skipping over any entries that were removed from the
// index (try_remove) but not yet popped from the heap.
func (q *Queue) TryPeek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.peekLiveLocked()
	if it == nil {
		return Entry{}, false
	}
	return it.entry, true
}

// peekLiveLocked returns the first heap-top item still present in the
// index, discarding stale tombstoned items it encounters along the
// way. Must be called with q.mu held.
func (q *Queue) peekLiveLocked() *item {
	for q.h.Len() > 0 {
		top := q.h[0]
		if _, live := q.byTaskID[top.entry.Task.TaskID]; live {
			return top
		}
		heap.Pop(&q.h)
	}
	return nil
}

// TryDequeue removes and returns the highest-priority, lowest-sequence
// entry.
func (q *Queue) TryDequeue() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.peekLiveLocked()
	if it == nil {
		return Entry{}, false
	}
	heap.Pop(&q.h)
	delete(q.byTaskID, it.entry.Task.TaskID)
	return it.entry, true
}

// TryDequeueID removes and returns the entry for taskID specifically,
// used by the dispatcher to commit an assignment chosen by peeking. It
// returns false only when taskID is no longer queued; it does not check
// that taskID is still the head (the dispatcher re-peeks for that
// before committing). The heap slot is left behind as a tombstone that
// TryPeek and TryDequeue skip.
func (q *Queue) TryDequeueID(taskID string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byTaskID[taskID]
	if !ok {
		return Entry{}, false
	}
	delete(q.byTaskID, taskID)
	return it.entry, true
}

// TryRemove removes taskID from both the index and (eventually) the
// heap. The heap slot is tombstoned immediately via the index deletion
// and physically walked out lazily the next time it would surface at
// the top; an O(n) eager walk is also acceptable given the max queue
// size is tiny (≤ 50), so this does both: it removes from the index
// now and also performs the O(n) heap.Remove immediately to keep Count
// accurate without waiting for a future peek.
func (q *Queue) TryRemove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byTaskID[taskID]
	if !ok {
		return false
	}
	delete(q.byTaskID, taskID)
	heap.Remove(&q.h, it.index)
	return true
}

// Count returns the number of live entries in the queue.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byTaskID)
}

// IsEmpty reports whether the queue has no live entries.
func (q *Queue) IsEmpty() bool {
	return q.Count() == 0
}

// Snapshot returns a copy of every live entry's task, in no particular
// order, for TaskDispatcher.GetQueuedTasks.
func (q *Queue) Snapshot() []types.TransportTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := make([]types.TransportTask, 0, len(q.byTaskID))
	for _, it := range q.byTaskID {
		tasks = append(tasks, it.entry.Task)
	}
	return tasks
}

// Contains reports whether taskID is currently queued.
func (q *Queue) Contains(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byTaskID[taskID]
	return ok
}
