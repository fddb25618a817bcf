package scheduler

import (
	"container/heap"
	"context"
	"sync"

	"go.trai.ch/kiln/internal/core/domain"
)

// Pool hands out a fixed number of worker slots. When all slots are taken,
// waiters are served highest priority first and in arrival order within a
// priority.
type Pool struct {
	mu     sync.Mutex
	size   int
	active int
	seq    uint64
	queue  waitQueue
}

// NewPool creates a pool with size slots. A size below one is treated as one.
func NewPool(size int) *Pool {
	return &Pool{size: max(size, 1)}
}

// Acquire blocks until a slot is free or ctx is done. The returned release
// function gives the slot back and may be called more than once.
func (p *Pool) Acquire(ctx context.Context, priority domain.Priority) (func(), error) {
	p.mu.Lock()
	if p.active < p.size && len(p.queue) == 0 {
		p.active++
		p.mu.Unlock()
		return p.releaser(), nil
	}

	p.seq++
	w := &waiter{priority: priority, seq: p.seq, ready: make(chan struct{})}
	heap.Push(&p.queue, w)
	p.mu.Unlock()

	select {
	case <-w.ready:
		return p.releaser(), nil
	case <-ctx.Done():
		p.mu.Lock()
		select {
		case <-w.ready:
			// The slot was handed over while we were giving up.
			p.mu.Unlock()
			p.release()
		default:
			heap.Remove(&p.queue, w.index)
			p.mu.Unlock()
		}
		return nil, ctx.Err()
	}
}

func (p *Pool) releaser() func() {
	var once sync.Once
	return func() { once.Do(p.release) }
}

// release passes the slot to the next waiter, or frees it.
func (p *Pool) release() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) > 0 {
		w, _ := heap.Pop(&p.queue).(*waiter)
		close(w.ready)
		return
	}
	p.active--
}

// Size returns the number of slots.
func (p *Pool) Size() int {
	return p.size
}

// Active returns the number of slots in use.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Waiting returns the number of callers blocked in Acquire.
func (p *Pool) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

type waiter struct {
	priority domain.Priority
	seq      uint64
	ready    chan struct{}
	index    int
}

// waitQueue implements heap.Interface.
type waitQueue []*waiter

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue) Push(x any) {
	w, _ := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}
