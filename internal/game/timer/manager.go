// Package timer provides the cooperative virtual-time scheduler that drives
// effect durations, periodic executions, and ability wait tasks.
package timer

import (
	"container/heap"
	"time"
)

// Handle identifies a scheduled timer. The zero Handle is never issued.
type Handle uint64

// IsValid reports whether h was issued by a Manager.
func (h Handle) IsValid() bool { return h != 0 }

type item struct {
	handle   Handle
	due      time.Duration
	priority int
	seq      uint64
	fn       func()
	index    int
}

type queue []*item

func (q queue) Len() int { return len(q) }
func (q queue) Less(i, j int) bool {
	if q[i].due != q[j].due {
		return q[i].due < q[j].due
	}
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *queue) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}
func (q *queue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}

// Manager is a virtual clock with one-shot timers.
//
// Timers fire in (due time, priority, submission order) order. Callbacks may
// set or clear timers, including ones due in the same Advance call.
//
// Manager is not safe for concurrent use; the owning world's tick goroutine
// must serialise access.
type Manager struct {
	now   time.Duration
	seq   uint64
	next  Handle
	q     queue
	items map[Handle]*item
}

// NewManager creates a Manager at virtual time 0.
func NewManager() *Manager {
	return &Manager{items: make(map[Handle]*item)}
}

// Now returns the current virtual time.
func (m *Manager) Now() time.Duration {
	return m.now
}

// Set schedules fn to run delay after Now. Lower priorities run first among
// timers due at the same instant.
//
// Precondition: fn must not be nil.
// Postcondition: returns a valid Handle; a negative delay is treated as 0.
func (m *Manager) Set(delay time.Duration, priority int, fn func()) Handle {
	if delay < 0 {
		delay = 0
	}
	m.next++
	m.seq++
	it := &item{handle: m.next, due: m.now + delay, priority: priority, seq: m.seq, fn: fn}
	heap.Push(&m.q, it)
	m.items[it.handle] = it
	return it.handle
}

// Clear cancels h. It reports whether a pending timer was removed.
func (m *Manager) Clear(h Handle) bool {
	it, ok := m.items[h]
	if !ok {
		return false
	}
	delete(m.items, h)
	heap.Remove(&m.q, it.index)
	return true
}

// Pending reports whether h is scheduled and has not fired.
func (m *Manager) Pending(h Handle) bool {
	_, ok := m.items[h]
	return ok
}

// Remaining returns the time until h fires, or 0 if h is not pending.
func (m *Manager) Remaining(h Handle) time.Duration {
	it, ok := m.items[h]
	if !ok {
		return 0
	}
	return it.due - m.now
}

// Len returns the number of pending timers.
func (m *Manager) Len() int {
	return len(m.items)
}

// Advance moves the clock forward by dt, firing every timer due on the way.
// Now() observed inside a callback equals that timer's due time.
//
// Postcondition: Now() has increased by max(dt, 0).
func (m *Manager) Advance(dt time.Duration) int {
	if dt < 0 {
		dt = 0
	}
	target := m.now + dt
	fired := 0
	for len(m.q) > 0 && m.q[0].due <= target {
		it := heap.Pop(&m.q).(*item)
		delete(m.items, it.handle)
		m.now = it.due
		it.fn()
		fired++
	}
	m.now = target
	return fired
}
