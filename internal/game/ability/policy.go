package ability

import (
	"time"

	"github.com/cory-johannsen/gameplay/internal/game/effect"
)

// CostPolicy decides whether an ability can pay for an activation and
// pays for it on commit.
type CostPolicy interface {
	CheckCost(e *Engine, s *Spec) bool
	ApplyCost(e *Engine, s *Spec) error
}

// CooldownPolicy decides whether an ability is cooling down and starts the
// cooldown on commit.
type CooldownPolicy interface {
	CheckCooldown(e *Engine, s *Spec) bool
	ApplyCooldown(e *Engine, s *Spec) error
	TimeRemaining(e *Engine, s *Spec) time.Duration
}

// EffectCost pays with an instant effect whose modifiers must not drive any
// attribute below zero.
type EffectCost struct {
	Effect *effect.Definition
}

// CheckCost implements CostPolicy.
func (c EffectCost) CheckCost(e *Engine, s *Spec) bool {
	return e.effects.CanApplyAttributeModifiers(e.outgoing(c.Effect, s.Level, s))
}

// ApplyCost implements CostPolicy.
func (c EffectCost) ApplyCost(e *Engine, s *Spec) error {
	_, err := e.ApplyGameplayEffectSpecToSelf(e.outgoing(c.Effect, s.Level, s))
	return err
}

// EffectCooldown starts a duration effect whose granted tags mark the
// ability as cooling down.
type EffectCooldown struct {
	Effect *effect.Definition
}

// CheckCooldown implements CooldownPolicy.
func (c EffectCooldown) CheckCooldown(e *Engine, _ *Spec) bool {
	granted := c.Effect.Granted()
	return granted.IsEmpty() || !e.tags.HasAny(granted)
}

// ApplyCooldown implements CooldownPolicy.
func (c EffectCooldown) ApplyCooldown(e *Engine, s *Spec) error {
	_, err := e.ApplyGameplayEffectSpecToSelf(e.outgoing(c.Effect, s.Level, s))
	return err
}

// TimeRemaining implements CooldownPolicy. It returns the longest remaining
// time among effects granting the cooldown tags.
func (c EffectCooldown) TimeRemaining(e *Engine, _ *Spec) time.Duration {
	var longest time.Duration
	for _, d := range e.effects.GetActiveEffectsTimeRemaining(effect.MatchOwningTags(c.Effect.GrantedTags...)) {
		if d == effect.InfiniteDuration {
			return d
		}
		longest = max(longest, d)
	}
	return longest
}
