package effect

import (
	"time"

	"github.com/cory-johannsen/gameplay/internal/game/observer"
	"github.com/cory-johannsen/gameplay/internal/game/tag"
)

// Query selects active effects. Every non-empty criterion must match; the
// zero Query matches everything.
type Query struct {
	// OwningTags matches effects granting any of these tags.
	OwningTags tag.Container
	// EffectTags matches effects whose asset tags include any of these.
	EffectTags tag.Container
	// AnyTags matches effects whose granted or asset tags include any of these.
	AnyTags      tag.Container
	DefinitionID string
	SourceID     string

	exclude Handle
}

// MatchOwningTags returns a Query for effects granting any of tags.
func MatchOwningTags(tags ...tag.Tag) Query {
	return Query{OwningTags: tag.NewContainer(tags...)}
}

func (q Query) matches(ae *ActiveEffect) bool {
	if ae.removed || (q.exclude.IsValid() && ae.Handle == q.exclude) {
		return false
	}
	def := ae.Spec.Def
	if q.DefinitionID != "" && def.ID != q.DefinitionID {
		return false
	}
	if q.SourceID != "" && ae.Spec.Context.SourceID != q.SourceID {
		return false
	}
	if !q.OwningTags.IsEmpty() && !def.Granted().HasAny(q.OwningTags) {
		return false
	}
	if !q.EffectTags.IsEmpty() && !def.Assets().HasAny(q.EffectTags) {
		return false
	}
	if !q.AnyTags.IsEmpty() && !def.Granted().HasAny(q.AnyTags) && !def.Assets().HasAny(q.AnyTags) {
		return false
	}
	return true
}

// Get returns the active effect for h.
func (c *Container) Get(h Handle) (*ActiveEffect, bool) {
	ae, ok := c.effects[h]
	return ae, ok
}

// Len returns the number of active entries, predicted ones included.
func (c *Container) Len() int { return len(c.effects) }

// Handles returns the handles matching q in ascending order.
func (c *Container) Handles(q Query) []Handle {
	var out []Handle
	for _, ae := range c.sorted() {
		if !ae.instant && q.matches(ae) {
			out = append(out, ae.Handle)
		}
	}
	return out
}

// StackCount returns h's stack count, or 0.
func (c *Container) StackCount(h Handle) int {
	if ae, ok := c.effects[h]; ok {
		return ae.StackCount
	}
	return 0
}

// TimeRemaining returns how long h has left, InfiniteDuration for infinite
// effects, or 0 for unknown handles.
func (c *Container) TimeRemaining(h Handle) time.Duration {
	ae, ok := c.effects[h]
	if !ok {
		return 0
	}
	return c.remaining(ae)
}

func (c *Container) remaining(ae *ActiveEffect) time.Duration {
	if ae.Spec.Duration <= 0 {
		return InfiniteDuration
	}
	return max(ae.Spec.Duration-(c.Now()-ae.StartTime), 0)
}

// GetActiveEffectsTimeRemaining returns the remaining time of every entry
// matching q, in handle order.
func (c *Container) GetActiveEffectsTimeRemaining(q Query) []time.Duration {
	var out []time.Duration
	for _, h := range c.Handles(q) {
		out = append(out, c.remaining(c.effects[h]))
	}
	return out
}

// GetActiveEffectsDuration returns the total duration of every entry
// matching q, in handle order.
func (c *Container) GetActiveEffectsDuration(q Query) []time.Duration {
	var out []time.Duration
	for _, h := range c.Handles(q) {
		d := c.effects[h].Spec.Duration
		if d <= 0 {
			d = InfiniteDuration
		}
		out = append(out, d)
	}
	return out
}

// GetGameplayEffectMagnitude returns the stacked magnitude h contributes to
// attr, summed over its modifiers on attr.
func (c *Container) GetGameplayEffectMagnitude(h Handle, attr string) float64 {
	ae, ok := c.effects[h]
	if !ok {
		return 0
	}
	total := 0.0
	for i, m := range ae.Spec.Def.Modifiers {
		if string(m.Attribute) == attr && i < len(ae.Spec.Magnitudes) {
			total += stackedMagnitude(m.Op, ae.Spec.Magnitudes[i], ae.StackCount)
		}
	}
	return total
}

// GetGameplayEffectMagnitudeByTag returns the set-by-caller magnitude h was
// applied with for t.
func (c *Container) GetGameplayEffectMagnitudeByTag(h Handle, t tag.Tag) (float64, bool) {
	ae, ok := c.effects[h]
	if !ok {
		return 0, false
	}
	v, ok := ae.Spec.SetByCaller[t]
	return v, ok
}

// HasMatchingGameplayTag reports whether any active effect grants t.
func (c *Container) HasMatchingGameplayTag(t tag.Tag) bool {
	return c.granted.HasMatchingTag(t)
}

// GrantedTags returns the tags granted by active effects.
func (c *Container) GrantedTags() tag.Container {
	return c.granted.Container()
}

// OnRemoved subscribes fn to the removal of h. fn runs at most once.
func (c *Container) OnRemoved(h Handle, fn func(RemovedInfo)) observer.Subscription {
	return c.onRemoved.Subscribe(h, fn)
}

// OnAnyRemoved subscribes fn to every removal.
func (c *Container) OnAnyRemoved(fn func(RemovedInfo)) observer.Subscription {
	return c.removedFn.Subscribe(fn)
}

// OnApplied subscribes fn to every successful application.
func (c *Container) OnApplied(fn func(AppliedInfo)) observer.Subscription {
	return c.appliedFn.Subscribe(fn)
}
