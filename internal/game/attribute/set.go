package attribute

import (
	"sort"

	"github.com/cory-johannsen/gameplay/internal/game/observer"
	"github.com/cory-johannsen/gameplay/internal/game/tag"
)

// Defaults holds initial base values per attribute. It is configuration
// owned by the process that bootstraps a session and is passed to every Set.
type Defaults map[Attribute]float64

// Change reports a value transition observed by Flush.
type Change struct {
	Attribute Attribute
	Old       float64
	New       float64
}

// DeriveFunc computes a derived attribute's base value. get returns the
// current final value of any other attribute in the same Set.
type DeriveFunc func(get func(Attribute) float64) float64

// Set owns the aggregators of one entity. Aggregators are created lazily on
// first reference.
//
// Set is not safe for concurrent use.
type Set struct {
	defaults Defaults
	aggs     map[Attribute]*Aggregator
	policies map[Attribute]EvaluationPolicy
	tags     func() tag.Container
	subs     *observer.Registry[Attribute, Change]
	last     map[Attribute]float64
}

// NewSet creates a Set. tags supplies the owner's current tags for modifier
// qualification and may be nil.
func NewSet(defaults Defaults, tags func() tag.Container) *Set {
	return &Set{
		defaults: defaults,
		aggs:     make(map[Attribute]*Aggregator),
		policies: make(map[Attribute]EvaluationPolicy),
		tags:     tags,
		subs:     observer.NewRegistry[Attribute, Change](),
		last:     make(map[Attribute]float64),
	}
}

// Aggregator returns the aggregator for attr, creating it from Defaults on
// first use.
func (s *Set) Aggregator(attr Attribute) *Aggregator {
	if a, ok := s.aggs[attr]; ok {
		return a
	}
	a := NewAggregator(s.defaults[attr])
	a.params = s.params
	if p, ok := s.policies[attr]; ok {
		a.policy = p
	}
	s.aggs[attr] = a
	return a
}

// Has reports whether attr has been referenced or has a default.
func (s *Set) Has(attr Attribute) bool {
	if _, ok := s.aggs[attr]; ok {
		return true
	}
	_, ok := s.defaults[attr]
	return ok
}

func (s *Set) params() EvaluateParams {
	if s.tags == nil {
		return EvaluateParams{}
	}
	return EvaluateParams{TargetTags: s.tags()}
}

// SetPolicy installs an evaluation policy for attr.
func (s *Set) SetPolicy(attr Attribute, p EvaluationPolicy) {
	s.policies[attr] = p
	if a, ok := s.aggs[attr]; ok {
		a.SetPolicy(p)
	}
}

// RegisterDerived makes attr's base value a function of deps. A change to
// any dependency only marks attr dirty; fn runs on the next read.
func (s *Set) RegisterDerived(attr Attribute, deps []Attribute, fn DeriveFunc) {
	a := s.Aggregator(attr)
	a.baseFn = func() float64 { return fn(s.Value) }
	a.MarkDirty()
	for _, d := range deps {
		s.Aggregator(d).OnDirty(func(*Aggregator) { a.MarkDirty() })
	}
}

// Value returns the final value of attr.
func (s *Set) Value(attr Attribute) float64 {
	return s.Aggregator(attr).Value()
}

// BaseValue returns the base value of attr.
func (s *Set) BaseValue(attr Attribute) float64 {
	return s.Aggregator(attr).BaseValue()
}

// SetBaseValue sets the base value of attr directly, bypassing effects.
func (s *Set) SetBaseValue(attr Attribute, v float64) {
	s.Aggregator(attr).SetBaseValue(v)
}

// MarkAllDirty invalidates every cached value, as when the owner's tags
// change and tag-gated modifiers may (dis)qualify.
func (s *Set) MarkAllDirty() {
	for _, a := range s.aggs {
		a.MarkDirty()
	}
}

// Attributes returns the referenced attributes in sorted order.
func (s *Set) Attributes() []Attribute {
	out := make([]Attribute, 0, len(s.aggs))
	for k := range s.aggs {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Subscribe registers fn for value changes of attr delivered by Flush.
func (s *Set) Subscribe(attr Attribute, fn func(Change)) observer.Subscription {
	if _, ok := s.last[attr]; !ok {
		s.last[attr] = s.Value(attr)
	}
	return s.subs.Subscribe(attr, fn)
}

// Flush publishes a Change for every subscribed attribute whose value
// differs from the last published one.
func (s *Set) Flush() {
	keys := s.subs.Keys()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, attr := range keys {
		v := s.Value(attr)
		old, ok := s.last[attr]
		if ok && old == v {
			continue
		}
		s.last[attr] = v
		s.subs.Publish(attr, Change{Attribute: attr, Old: old, New: v})
	}
}
