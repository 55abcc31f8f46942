package scheduler

import (
	"container/heap"
	"sync"

	"github.com/moltbot/moltbot/service/task"
)

// priorityQueue implements heap.Interface over pending tasks. Unlike an
// aging queue, ordering is strictly by priority level, then by insertion
// sequence within a level: the scheduler's FIFO-within-level law must hold
// exactly, not just approximately under load.
type priorityQueue []*task.Task

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].Priority != pq[j].Priority {
		return pq[i].Priority > pq[j].Priority
	}
	return pq[i].Sequence() < pq[j].Sequence()
}

func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }

func (pq *priorityQueue) Push(x interface{}) {
	*pq = append(*pq, x.(*task.Task))
}

func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[0 : n-1]
	return item
}

// taskQueue wraps priorityQueue with a mutex for safe concurrent access,
// and supports removing a still-pending task by ID (for cancellation).
type taskQueue struct {
	mu sync.Mutex
	pq priorityQueue
}

func newTaskQueue() *taskQueue {
	return &taskQueue{pq: make(priorityQueue, 0)}
}

func (q *taskQueue) Push(t *task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.pq, t)
}

func (q *taskQueue) Pop() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pq) == 0 {
		return nil
	}
	return heap.Pop(&q.pq).(*task.Task)
}

func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pq)
}

// Remove deletes the task with the given ID from the queue if it is still
// pending. Reports whether it was found.
func (q *taskQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.pq {
		if t.ID == id {
			heap.Remove(&q.pq, i)
			return true
		}
	}
	return false
}

