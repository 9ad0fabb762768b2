package prediction

import (
	"sort"
	"time"
)

type keyState int

const (
	statePending keyState = iota
	stateRejected
	stateCaughtUp
)

type entry struct {
	state      keyState
	stale      bool
	createdAt  time.Duration
	rejected   []func()
	caughtUp   []func()
	dependents []int32
}

// Ledger records, per predicted key, the callbacks to run when the server
// rejects the prediction or when replicated state catches up with it.
//
// Every key resolves at most once: duplicate Reject or CatchUpTo deliveries
// are no-ops, so rollback callbacks never run twice. Keys with Current <= 0
// are ignored everywhere.
//
// Ledger is not safe for concurrent use.
type Ledger struct {
	now     func() time.Duration
	entries map[int32]*entry
}

// NewLedger creates a Ledger. now supplies the time used for orphan sweeps;
// a nil now disables age tracking.
func NewLedger(now func() time.Duration) *Ledger {
	if now == nil {
		now = func() time.Duration { return 0 }
	}
	return &Ledger{now: now, entries: make(map[int32]*entry)}
}

func (l *Ledger) entry(k Key) *entry {
	e, ok := l.entries[k.Current]
	if !ok {
		e = &entry{createdAt: l.now()}
		l.entries[k.Current] = e
	}
	return e
}

// Track registers k as outstanding without attaching callbacks.
func (l *Ledger) Track(k Key) {
	if !k.IsValidKey() {
		return
	}
	l.entry(k)
}

// OnRejected registers fn to run if k is rejected. If k was already
// rejected, fn runs immediately; if k already caught up, fn is dropped.
func (l *Ledger) OnRejected(k Key, fn func()) {
	if !k.IsValidKey() {
		return
	}
	e := l.entry(k)
	switch e.state {
	case stateRejected:
		fn()
	case statePending:
		e.rejected = append(e.rejected, fn)
	}
}

// OnCaughtUp registers fn to run once replicated state includes k. If k
// already caught up, fn runs immediately; if k was rejected, fn is dropped.
func (l *Ledger) OnCaughtUp(k Key, fn func()) {
	if !k.IsValidKey() {
		return
	}
	e := l.entry(k)
	switch e.state {
	case stateCaughtUp:
		fn()
	case statePending:
		e.caughtUp = append(e.caughtUp, fn)
	}
}

// AddDependency makes child resolve the same way as parent.
func (l *Ledger) AddDependency(child, parent Key) {
	if !child.IsValidKey() || !parent.IsValidKey() || child.Current == parent.Current {
		return
	}
	p := l.entry(parent)
	switch p.state {
	case stateRejected:
		l.Reject(child)
	case stateCaughtUp:
		l.catchUp(child.Current)
	default:
		l.entry(child)
		p.dependents = append(p.dependents, child.Current)
	}
}

// Reject resolves k as rejected and runs its rejected callbacks, then
// rejects its dependents.
//
// Postcondition: returns true only on the first resolution of k.
func (l *Ledger) Reject(k Key) bool {
	if !k.IsValidKey() {
		return false
	}
	e := l.entry(k)
	if e.state != statePending {
		return false
	}
	e.state = stateRejected
	fns := e.rejected
	deps := e.dependents
	e.rejected, e.caughtUp, e.dependents = nil, nil, nil
	for _, fn := range fns {
		fn()
	}
	for _, d := range deps {
		l.Reject(Key{Current: d})
	}
	return true
}

func (l *Ledger) catchUp(current int32) {
	e, ok := l.entries[current]
	if !ok || e.state != statePending {
		return
	}
	e.state = stateCaughtUp
	fns := e.caughtUp
	deps := e.dependents
	e.rejected, e.caughtUp, e.dependents = nil, nil, nil
	for _, fn := range fns {
		fn()
	}
	for _, d := range deps {
		l.catchUp(d)
	}
}

// CatchUpTo resolves every pending key with Current <= k.Current as caught
// up, in ascending order, and prunes resolved keys at or below k.
func (l *Ledger) CatchUpTo(k Key) {
	if !k.IsValidKey() {
		return
	}
	var due []int32
	for cur, e := range l.entries {
		if cur <= k.Current && e.state == statePending {
			due = append(due, cur)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })
	for _, cur := range due {
		l.catchUp(cur)
	}
	for cur, e := range l.entries {
		if cur <= k.Current && e.state != statePending {
			delete(l.entries, cur)
		}
	}
}

// IsResolved reports whether k has been rejected or caught up.
func (l *Ledger) IsResolved(k Key) bool {
	e, ok := l.entries[k.Current]
	return ok && e.state != statePending
}

// IsRejected reports whether k has been rejected.
func (l *Ledger) IsRejected(k Key) bool {
	e, ok := l.entries[k.Current]
	return ok && e.state == stateRejected
}

// MarkStale records that no further work may be predicted under k. Pending
// callbacks are unaffected.
func (l *Ledger) MarkStale(k Key) {
	if !k.IsValidKey() {
		return
	}
	l.entry(k).stale = true
}

// Freshen returns k with IsStale set when the ledger has resolved it or
// marked it stale.
func (l *Ledger) Freshen(k Key) Key {
	if e, ok := l.entries[k.Current]; ok && (e.stale || e.state != statePending) {
		k.IsStale = true
	}
	return k
}

// Outstanding returns the pending keys in ascending order.
func (l *Ledger) Outstanding() []Key {
	var out []Key
	for cur, e := range l.entries {
		if e.state == statePending {
			out = append(out, Key{Current: cur})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Current < out[j].Current })
	return out
}

// SweepOrphans rejects every pending key older than maxAge. It returns the
// number of keys rejected. A non-positive maxAge disables the sweep.
func (l *Ledger) SweepOrphans(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	now := l.now()
	n := 0
	for _, k := range l.Outstanding() {
		e := l.entries[k.Current]
		if e != nil && e.state == statePending && now-e.createdAt >= maxAge {
			if l.Reject(k) {
				n++
			}
		}
	}
	return n
}

// RejectAll rejects every pending key, as on connection loss.
func (l *Ledger) RejectAll() int {
	n := 0
	for _, k := range l.Outstanding() {
		if l.Reject(k) {
			n++
		}
	}
	return n
}
