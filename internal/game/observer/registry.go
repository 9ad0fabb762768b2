// Package observer provides an explicit subscribe/publish registry used in
// place of multicast delegates. Subscriptions are cancelled through the
// handle returned from Subscribe; nothing is removed implicitly.
package observer

import "sync"

// Subscription cancels one registered callback.
type Subscription interface {
	// Cancel removes the callback. Calling Cancel more than once is a no-op.
	Cancel()
}

type subscriber[E any] struct {
	id        uint64
	fn        func(E)
	cancelled bool
}

// Registry maps an event key to an ordered list of subscriber callbacks.
//
// Callbacks run in subscription order. A callback may subscribe or cancel
// during Publish; a callback cancelled mid-publish is not invoked afterwards.
// Registry is safe for concurrent use, but callbacks are invoked without the
// lock held.
type Registry[K comparable, E any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[K][]*subscriber[E]
}

// NewRegistry creates an empty Registry.
func NewRegistry[K comparable, E any]() *Registry[K, E] {
	return &Registry[K, E]{subs: make(map[K][]*subscriber[E])}
}

// Subscribe registers fn for key.
//
// Precondition: fn must not be nil.
// Postcondition: fn is invoked on every Publish(key, ...) until the returned
// Subscription is cancelled.
func (r *Registry[K, E]) Subscribe(key K, fn func(E)) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	s := &subscriber[E]{id: r.nextID, fn: fn}
	r.subs[key] = append(r.subs[key], s)
	return &registration[K, E]{registry: r, key: key, sub: s}
}

// Publish invokes every live subscriber of key with e, in subscription order.
func (r *Registry[K, E]) Publish(key K, e E) {
	r.mu.Lock()
	list := r.subs[key]
	snapshot := make([]*subscriber[E], len(list))
	copy(snapshot, list)
	r.mu.Unlock()

	for _, s := range snapshot {
		r.mu.Lock()
		cancelled := s.cancelled
		r.mu.Unlock()
		if cancelled {
			continue
		}
		s.fn(e)
	}
}

// Len returns the number of live subscribers for key.
func (r *Registry[K, E]) Len(key K) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[key])
}

// Keys returns every key with at least one live subscriber.
func (r *Registry[K, E]) Keys() []K {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]K, 0, len(r.subs))
	for k := range r.subs {
		out = append(out, k)
	}
	return out
}

func (r *Registry[K, E]) remove(key K, s *subscriber[E]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.cancelled {
		return
	}
	s.cancelled = true
	list := r.subs[key]
	for i, cur := range list {
		if cur.id == s.id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.subs, key)
		return
	}
	r.subs[key] = list
}

type registration[K comparable, E any] struct {
	registry *Registry[K, E]
	key      K
	sub      *subscriber[E]
}

func (g *registration[K, E]) Cancel() {
	g.registry.remove(g.key, g.sub)
}

// List is a Registry with a single implicit key.
type List[E any] struct {
	r *Registry[struct{}, E]
}

// NewList creates an empty List.
func NewList[E any]() *List[E] {
	return &List[E]{r: NewRegistry[struct{}, E]()}
}

// Subscribe registers fn.
func (l *List[E]) Subscribe(fn func(E)) Subscription {
	return l.r.Subscribe(struct{}{}, fn)
}

// Publish invokes every live subscriber with e.
func (l *List[E]) Publish(e E) {
	l.r.Publish(struct{}{}, e)
}

// Len returns the number of live subscribers.
func (l *List[E]) Len() int {
	return l.r.Len(struct{}{})
}

// Group collects subscriptions so an owner can cancel them together.
type Group struct {
	mu   sync.Mutex
	subs []Subscription
}

// Add records s in the group.
func (g *Group) Add(s Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subs = append(g.subs, s)
}

// CancelAll cancels every recorded subscription and empties the group.
func (g *Group) CancelAll() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()
	for _, s := range subs {
		s.Cancel()
	}
}
