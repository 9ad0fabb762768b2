package attribute

import (
	"github.com/cory-johannsen/gameplay/internal/game/observer"
	"github.com/cory-johannsen/gameplay/internal/game/tag"
)

// EvaluateParams carries the context modifiers are qualified against.
type EvaluateParams struct {
	// TargetTags are the owning entity's current tags.
	TargetTags tag.Container
}

// EvaluationPolicy toggles which modifiers qualify before the standard fold.
// Apply is called once per evaluation pass after tag requirements have set
// Qualified; it must be idempotent and may only clear Qualified.
type EvaluationPolicy interface {
	Apply(mods []*Modifier)
}

// PolicyFunc adapts a function to EvaluationPolicy.
type PolicyFunc func(mods []*Modifier)

// Apply implements EvaluationPolicy.
func (f PolicyFunc) Apply(mods []*Modifier) { f(mods) }

// MostNegativeAdditivePolicy lets only the single most severe negative
// additive modifier qualify. Positive modifiers and other ops are untouched.
var MostNegativeAdditivePolicy EvaluationPolicy = PolicyFunc(func(mods []*Modifier) {
	var worst *Modifier
	for _, m := range mods {
		if !m.Qualified || m.Op != OpAdditive || m.Magnitude >= 0 {
			continue
		}
		if worst == nil || m.Magnitude < worst.Magnitude {
			worst = m
		}
	}
	for _, m := range mods {
		if m.Qualified && m.Op == OpAdditive && m.Magnitude < 0 && m != worst {
			m.Qualified = false
		}
	}
})

// Aggregator holds the base value and active modifiers of one attribute on
// one entity and computes the final value on demand.
//
// The final value is cached; any mutation marks it dirty and notifies OnDirty
// subscribers once per clean-to-dirty transition. Recomputation happens on
// the next read.
//
// Aggregator is not safe for concurrent use.
type Aggregator struct {
	base    float64
	baseFn  func() float64
	mods    []*Modifier
	policy  EvaluationPolicy
	seq     uint64
	dirty   bool
	cached  float64
	params  func() EvaluateParams
	onDirty *observer.List[*Aggregator]
}

// NewAggregator creates an Aggregator with the given base value.
func NewAggregator(base float64) *Aggregator {
	return &Aggregator{
		base:    base,
		dirty:   true,
		onDirty: observer.NewList[*Aggregator](),
	}
}

// BaseValue returns the value before modifiers.
func (a *Aggregator) BaseValue() float64 {
	if a.baseFn != nil {
		return a.baseFn()
	}
	return a.base
}

// SetBaseValue replaces the base value. For derived aggregators this is
// ignored; their base comes from the derivation.
func (a *Aggregator) SetBaseValue(v float64) {
	if a.baseFn != nil || a.base == v {
		return
	}
	a.base = v
	a.MarkDirty()
}

// SetPolicy installs a custom evaluation policy; nil restores the default.
func (a *Aggregator) SetPolicy(p EvaluationPolicy) {
	a.policy = p
	a.MarkDirty()
}

// AddModifier inserts a modifier and returns it.
//
// Postcondition: the cached value is dirty.
func (a *Aggregator) AddModifier(op Op, magnitude float64, owner Owner, sourceTags tag.Container, req TagRequirements) *Modifier {
	a.seq++
	m := &Modifier{
		Op:           op,
		Magnitude:    magnitude,
		Owner:        owner,
		SourceTags:   sourceTags.Clone(),
		Requirements: req,
		seq:          a.seq,
	}
	a.mods = append(a.mods, m)
	a.MarkDirty()
	return m
}

// RemoveModifiersFor removes every modifier contributed by owner and returns
// how many were removed.
func (a *Aggregator) RemoveModifiersFor(owner Owner) int {
	kept := a.mods[:0]
	removed := 0
	for _, m := range a.mods {
		if m.Owner == owner {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(a.mods); i++ {
		a.mods[i] = nil
	}
	a.mods = kept
	if removed > 0 {
		a.MarkDirty()
	}
	return removed
}

// UpdateModifiersFor replaces the magnitude of every modifier owned by owner,
// as when a stack count or captured attribute changes.
func (a *Aggregator) UpdateModifiersFor(owner Owner, magnitude float64) int {
	n := 0
	for _, m := range a.mods {
		if m.Owner == owner && m.Magnitude != magnitude {
			m.Magnitude = magnitude
			n++
		}
	}
	if n > 0 {
		a.MarkDirty()
	}
	return n
}

// UpdateModifier replaces the magnitude of m in place. m keeps its position
// in override ordering. It reports false when m is not held by a.
func (a *Aggregator) UpdateModifier(m *Modifier, magnitude float64) bool {
	for _, held := range a.mods {
		if held != m {
			continue
		}
		if m.Magnitude != magnitude {
			m.Magnitude = magnitude
			a.MarkDirty()
		}
		return true
	}
	return false
}

// Modifiers returns a copy of the active modifiers in insertion order.
func (a *Aggregator) Modifiers() []Modifier {
	out := make([]Modifier, len(a.mods))
	for i, m := range a.mods {
		out[i] = *m
	}
	return out
}

// Len returns the number of active modifiers.
func (a *Aggregator) Len() int {
	return len(a.mods)
}

// MarkDirty invalidates the cached value and notifies OnDirty subscribers if
// the aggregator was clean.
func (a *Aggregator) MarkDirty() {
	if a.dirty {
		return
	}
	a.dirty = true
	a.onDirty.Publish(a)
}

// IsDirty reports whether the next Value call recomputes.
func (a *Aggregator) IsDirty() bool {
	return a.dirty
}

// OnDirty subscribes fn to clean-to-dirty transitions.
func (a *Aggregator) OnDirty(fn func(*Aggregator)) observer.Subscription {
	return a.onDirty.Subscribe(fn)
}

// Value returns the cached final value, recomputing it if dirty.
func (a *Aggregator) Value() float64 {
	if !a.dirty {
		return a.cached
	}
	var p EvaluateParams
	if a.params != nil {
		p = a.params()
	}
	a.cached = a.Evaluate(p)
	a.dirty = false
	return a.cached
}

// Evaluate computes the final value for p without touching the cache.
//
// Fold: base + sum(additive), times product(multiplicative), divided by each
// non-zero divisor in turn; the last qualifying override replaces the result.
func (a *Aggregator) Evaluate(p EvaluateParams) float64 {
	for _, m := range a.mods {
		m.Qualified = m.qualifies(p)
	}
	if a.policy != nil {
		a.policy.Apply(a.mods)
	}
	v := a.BaseValue()
	sum := 0.0
	prod := 1.0
	var override *Modifier
	for _, m := range a.mods {
		if !m.Qualified {
			continue
		}
		switch m.Op {
		case OpAdditive:
			sum += m.Magnitude
		case OpMultiplicative:
			prod *= m.Magnitude
		case OpOverride:
			if override == nil || m.seq > override.seq {
				override = m
			}
		}
	}
	v = (v + sum) * prod
	for _, m := range a.mods {
		if m.Qualified && m.Op == OpDivision && m.Magnitude != 0 {
			v /= m.Magnitude
		}
	}
	if override != nil {
		return override.Magnitude
	}
	return v
}
