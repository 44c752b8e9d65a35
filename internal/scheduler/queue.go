package scheduler

import (
	"container/heap"

	"github.com/conductorlabs/conductor/internal/models"
)

// readyItem is one entry in a per-class ready queue.
type readyItem struct {
	id       string
	priority models.Priority
	seq      uint64 // submission order, FIFO tiebreaker within a band
	index    int
}

// readyQueue is a max-heap by priority, FIFO within a priority band.
type readyQueue struct {
	items []*readyItem
	byID  map[string]*readyItem
}

func newReadyQueue() *readyQueue {
	q := &readyQueue{byID: make(map[string]*readyItem)}
	heap.Init(q)
	return q
}

func (q *readyQueue) Len() int { return len(q.items) }

func (q *readyQueue) Less(i, j int) bool {
	if q.items[i].priority != q.items[j].priority {
		return q.items[i].priority > q.items[j].priority
	}
	return q.items[i].seq < q.items[j].seq
}

func (q *readyQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *readyQueue) Push(x interface{}) {
	item := x.(*readyItem)
	item.index = len(q.items)
	q.items = append(q.items, item)
	q.byID[item.id] = item
}

func (q *readyQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	delete(q.byID, item.id)
	return item
}

// push enqueues a task.
func (q *readyQueue) push(id string, priority models.Priority, seq uint64) {
	heap.Push(q, &readyItem{id: id, priority: priority, seq: seq})
}

// pop dequeues the highest-priority, earliest-submitted task.
func (q *readyQueue) pop() (string, bool) {
	if q.Len() == 0 {
		return "", false
	}
	item := heap.Pop(q).(*readyItem)
	return item.id, true
}

// remove drops a task from the queue, for stop requests on ready tasks.
func (q *readyQueue) remove(id string) bool {
	item, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(q, item.index)
	delete(q.byID, id)
	return true
}
