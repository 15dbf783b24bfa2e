package xp

import (
	"container/heap"
	"sync"
	"time"
)

// fifo is an unbounded queue. Push never blocks.
type fifo[T any] struct {
	mu    sync.Mutex
	items []T
}

func (q *fifo[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
}

func (q *fifo[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

func (q *fifo[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type decayItem struct {
	due time.Time
	key MemberKey
	seq uint64
}

type decayHeap []decayItem

func (h decayHeap) Len() int { return len(h) }
func (h decayHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}
func (h decayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *decayHeap) Push(x any)   { *h = append(*h, x.(decayItem)) }
func (h *decayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// decayQueue orders pending decay ticks by due time.
type decayQueue struct {
	mu  sync.Mutex
	h   decayHeap
	seq uint64
}

func (q *decayQueue) Push(due time.Time, key MemberKey) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.h, decayItem{due: due, key: key, seq: q.seq})
	q.mu.Unlock()
}

// PopDue removes and returns the earliest item if it is due at now.
func (q *decayQueue) PopDue(now time.Time) (decayItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 || q.h[0].due.After(now) {
		return decayItem{}, false
	}
	return heap.Pop(&q.h).(decayItem), true
}

func (q *decayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// memberLocks hands out one mutex per member. Locks are created lazily and
// never removed.
type memberLocks struct {
	mu    sync.Mutex
	locks map[MemberKey]*sync.Mutex
}

func newMemberLocks() *memberLocks {
	return &memberLocks{locks: make(map[MemberKey]*sync.Mutex)}
}

func (m *memberLocks) get(key MemberKey) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

func (m *memberLocks) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
