// Package queue orders tasks waiting for a worker.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/mattjoyce/airlock/internal/task"
)

var ErrClosed = errors.New("queue closed")

// Ticket is a queued task with its dispatch position. Seq is assigned once
// at first push, so a requeued ticket keeps its place within its priority.
type Ticket struct {
	Task     task.Task
	Seq      uint64
	Requeues int

	index int
}

// Queue is a blocking priority queue: higher priority first, then lower Seq.
type Queue struct {
	mu     sync.Mutex
	items  ticketHeap
	byID   map[uuid.UUID]*Ticket
	seq    uint64
	closed bool
	signal chan struct{}
}

func New() *Queue {
	return &Queue{
		byID:   make(map[uuid.UUID]*Ticket),
		signal: make(chan struct{}),
	}
}

// Push enqueues t and returns its ticket.
func (q *Queue) Push(t task.Task) (*Ticket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	if _, dup := q.byID[t.ID]; dup {
		return nil, errors.New("task already queued: " + t.ID.String())
	}
	q.seq++
	tk := &Ticket{Task: t, Seq: q.seq}
	q.pushLocked(tk)
	return tk, nil
}

// Requeue puts a previously popped ticket back at its original position.
func (q *Queue) Requeue(tk *Ticket) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if _, dup := q.byID[tk.Task.ID]; dup {
		return errors.New("task already queued: " + tk.Task.ID.String())
	}
	q.pushLocked(tk)
	return nil
}

func (q *Queue) pushLocked(tk *Ticket) {
	heap.Push(&q.items, tk)
	q.byID[tk.Task.ID] = tk
	close(q.signal)
	q.signal = make(chan struct{})
}

// TryPop removes the head ticket without blocking.
func (q *Queue) TryPop() (*Ticket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue) popLocked() (*Ticket, bool) {
	if q.items.Len() == 0 {
		return nil, false
	}
	tk := heap.Pop(&q.items).(*Ticket)
	delete(q.byID, tk.Task.ID)
	return tk, true
}

// Pop blocks until a ticket is available, the queue is closed and drained,
// or ctx ends.
func (q *Queue) Pop(ctx context.Context) (*Ticket, error) {
	for {
		q.mu.Lock()
		if tk, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return tk, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		signal := q.signal
		q.mu.Unlock()

		select {
		case <-signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Remove takes a queued task out of the queue.
func (q *Queue) Remove(id uuid.UUID) (*Ticket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tk, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	heap.Remove(&q.items, tk.index)
	delete(q.byID, id)
	return tk, true
}

func (q *Queue) Contains(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[id]
	return ok
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close wakes blocked Pop callers. Queued tickets can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
	q.signal = make(chan struct{})
}

type ticketHeap []*Ticket

func (h ticketHeap) Len() int { return len(h) }

func (h ticketHeap) Less(i, j int) bool {
	if h[i].Task.Priority != h[j].Task.Priority {
		return h[i].Task.Priority > h[j].Task.Priority
	}
	return h[i].Seq < h[j].Seq
}

func (h ticketHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *ticketHeap) Push(x any) {
	tk := x.(*Ticket)
	tk.index = len(*h)
	*h = append(*h, tk)
}

func (h *ticketHeap) Pop() any {
	old := *h
	n := len(old)
	tk := old[n-1]
	old[n-1] = nil
	tk.index = -1
	*h = old[:n-1]
	return tk
}
