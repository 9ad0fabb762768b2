package effect_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/gameplay/internal/game/attribute"
	"github.com/cory-johannsen/gameplay/internal/game/cue"
	"github.com/cory-johannsen/gameplay/internal/game/effect"
	"github.com/cory-johannsen/gameplay/internal/game/prediction"
	"github.com/cory-johannsen/gameplay/internal/game/tag"
	"github.com/cory-johannsen/gameplay/internal/game/timer"
)

type fixture struct {
	attrs  *attribute.Set
	tags   *tag.CountContainer
	timers *timer.Manager
	ledger *prediction.Ledger
	c      *effect.Container
	cues   []cue.Notification
	onCue  func(cue.Notification)
}

func newFixture(t testing.TB, authority bool) *fixture {
	t.Helper()
	f := &fixture{tags: tag.NewCountContainer(), timers: timer.NewManager()}
	f.attrs = attribute.NewSet(attribute.Defaults{"Mana": 100, "Health": 100, "MoveSpeed": 1}, f.tags.Container)
	f.ledger = prediction.NewLedger(f.timers.Now)
	f.c = effect.NewContainer(effect.Config{
		OwnerID:    "hero",
		Authority:  authority,
		Attributes: f.attrs,
		Tags:       f.tags,
		Timers:     f.timers,
		Ledger:     f.ledger,
		Cues: cue.SinkFunc(func(tg tag.Tag, ev cue.Event, p cue.Params) {
			n := cue.Notification{Tag: tg, Event: ev, Params: p}
			f.cues = append(f.cues, n)
			if f.onCue != nil {
				f.onCue(n)
			}
		}),
		Logger: zap.NewNop(),
	})
	return f
}

func mustDef(t testing.TB, d *effect.Definition) *effect.Definition {
	t.Helper()
	require.NoError(t, d.Validate())
	return d
}

func costDef(t testing.TB) *effect.Definition {
	return mustDef(t, &effect.Definition{
		ID:             "Cost.Fireball",
		DurationPolicy: effect.Instant,
		Modifiers: []effect.ModifierDef{
			{Attribute: "Mana", Op: attribute.OpAdditive, Magnitude: effect.Scalar(-20)},
		},
		Cues: []tag.Tag{"GameplayCue.Cast"},
	})
}

func cooldownDef(t testing.TB) *effect.Definition {
	return mustDef(t, &effect.Definition{
		ID:             "Cooldown.Fireball",
		DurationPolicy: effect.HasDuration,
		Duration:       effect.Scalar(2),
		GrantedTags:    []tag.Tag{"Cooldown.Fireball"},
	})
}

func hasteDef(t testing.TB, limit int) *effect.Definition {
	return mustDef(t, &effect.Definition{
		ID:             "Buff.Haste",
		DurationPolicy: effect.HasDuration,
		Duration:       effect.Scalar(5),
		Modifiers: []effect.ModifierDef{
			{Attribute: "MoveSpeed", Op: attribute.OpAdditive, Magnitude: effect.Scalar(0.5)},
		},
		GrantedTags: []tag.Tag{"Buff.Haste"},
		Stacking:    effect.Stacking{Type: effect.StackByTarget, Limit: limit},
	})
}

func spec(def *effect.Definition, key prediction.Key) *effect.Spec {
	return effect.NewSpec(def, 1, effect.Context{SourceID: "hero", Key: key})
}

func TestContainer_InstantExecutesAgainstBase(t *testing.T) {
	f := newFixture(t, true)
	h, err := f.c.ApplySpec(spec(costDef(t), prediction.Key{}))
	require.NoError(t, err)
	assert.False(t, h.IsValid())
	assert.Equal(t, 80.0, f.attrs.BaseValue("Mana"))
	assert.Equal(t, 80.0, f.attrs.Value("Mana"))
	require.Len(t, f.cues, 1)
	assert.Equal(t, cue.Executed, f.cues[0].Event)
}

func TestContainer_DurationEffectExpires(t *testing.T) {
	f := newFixture(t, true)
	h, err := f.c.ApplySpec(spec(cooldownDef(t), prediction.Key{}))
	require.NoError(t, err)
	require.True(t, h.IsValid())
	assert.True(t, f.tags.HasMatchingTag("Cooldown"))
	assert.True(t, f.c.HasMatchingGameplayTag("Cooldown.Fireball"))

	removed := 0
	var info effect.RemovedInfo
	f.c.OnRemoved(h, func(ri effect.RemovedInfo) { removed++; info = ri })

	f.timers.Advance(1999 * time.Millisecond)
	assert.Equal(t, []time.Duration{time.Millisecond}, f.c.GetActiveEffectsTimeRemaining(effect.MatchOwningTags("Cooldown")))
	f.timers.Advance(time.Millisecond)
	assert.Equal(t, 1, removed)
	assert.True(t, info.Expired)
	assert.False(t, f.tags.HasMatchingTag("Cooldown.Fireball"))
	assert.False(t, f.c.RemoveActiveGameplayEffect(h, 0))
	assert.Equal(t, 1, removed)
}

func TestContainer_UnknownAttributeIsNoop(t *testing.T) {
	f := newFixture(t, true)
	def := mustDef(t, &effect.Definition{
		ID:        "Broken",
		Modifiers: []effect.ModifierDef{{Attribute: "Nope", Op: attribute.OpAdditive, Magnitude: effect.Scalar(1)}},
	})
	_, err := f.c.ApplySpec(spec(def, prediction.Key{}))
	assert.True(t, errors.Is(err, effect.ErrUnknownAttribute))
	assert.Equal(t, 0, f.c.Len())
}

func TestContainer_ApplicationRequirements(t *testing.T) {
	f := newFixture(t, true)
	def := mustDef(t, &effect.Definition{
		ID:                      "Buff.Rage",
		DurationPolicy:          effect.Infinite,
		ApplicationRequirements: tag.Requirements{Ignore: []tag.Tag{"State.Dead"}},
	})
	f.tags.UpdateCount("State.Dead", 1)
	_, err := f.c.ApplySpec(spec(def, prediction.Key{}))
	assert.ErrorIs(t, err, effect.ErrApplicationBlocked)
}

func TestContainer_ImmunityAndIncomingModifiers(t *testing.T) {
	f := newFixture(t, true)
	ward := mustDef(t, &effect.Definition{
		ID:             "Buff.Ward",
		DurationPolicy: effect.Infinite,
		ImmunityTags:   []tag.Tag{"Damage.Fire"},
		IncomingModifiers: []effect.IncomingModifierDef{
			{Attribute: "Health", Op: attribute.OpMultiplicative, Magnitude: 0.5, NegativeOnly: true},
		},
	})
	_, err := f.c.ApplySpec(spec(ward, prediction.Key{}))
	require.NoError(t, err)

	burn := mustDef(t, &effect.Definition{
		ID:        "Damage.Burn",
		AssetTags: []tag.Tag{"Damage.Fire.Burn"},
		Modifiers: []effect.ModifierDef{{Attribute: "Health", Op: attribute.OpAdditive, Magnitude: effect.Scalar(-10)}},
	})
	_, err = f.c.ApplySpec(spec(burn, prediction.Key{}))
	assert.ErrorIs(t, err, effect.ErrImmune)

	slash := mustDef(t, &effect.Definition{
		ID:        "Damage.Slash",
		AssetTags: []tag.Tag{"Damage.Physical"},
		Modifiers: []effect.ModifierDef{{Attribute: "Health", Op: attribute.OpAdditive, Magnitude: effect.Scalar(-10)}},
	})
	_, err = f.c.ApplySpec(spec(slash, prediction.Key{}))
	require.NoError(t, err)
	assert.Equal(t, 95.0, f.attrs.Value("Health"))
}

func TestContainer_RemoveEffectsWithTags(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.c.ApplySpec(spec(hasteDef(t, 0), prediction.Key{}))
	require.NoError(t, err)
	dispel := mustDef(t, &effect.Definition{ID: "Dispel", RemoveEffectsWithTags: []tag.Tag{"Buff"}})
	_, err = f.c.ApplySpec(spec(dispel, prediction.Key{}))
	require.NoError(t, err)
	assert.Equal(t, 0, f.c.Len())
	assert.Equal(t, 1.0, f.attrs.Value("MoveSpeed"))
}

func TestContainer_HasteStacksRefreshFromLastApplication(t *testing.T) {
	f := newFixture(t, true)
	def := hasteDef(t, 5)
	var h effect.Handle
	for i := 0; i < 3; i++ {
		var err error
		h, err = f.c.ApplySpec(spec(def, prediction.Key{}))
		require.NoError(t, err)
		f.timers.Advance(100 * time.Millisecond)
	}
	assert.Equal(t, 1, f.c.Len())
	assert.Equal(t, 3, f.c.StackCount(h))
	assert.Equal(t, 2.5, f.attrs.Value("MoveSpeed"))
	assert.Equal(t, []time.Duration{4900 * time.Millisecond}, f.c.GetActiveEffectsTimeRemaining(effect.Query{DefinitionID: "Buff.Haste"}))

	f.timers.Advance(4899 * time.Millisecond)
	assert.Equal(t, 1, f.c.Len())
	f.timers.Advance(time.Millisecond)
	assert.Equal(t, 0, f.c.Len(), "expires five seconds after the third application")
	assert.Equal(t, 1.0, f.attrs.Value("MoveSpeed"))
}

func TestContainer_RemoveSingleStackExpiration(t *testing.T) {
	f := newFixture(t, true)
	def := hasteDef(t, 0)
	def.Stacking.Expiration = effect.RemoveSingleStack
	h, _ := f.c.ApplySpec(spec(def, prediction.Key{}))
	f.c.ApplySpec(spec(def, prediction.Key{}))
	f.timers.Advance(5 * time.Second)
	assert.Equal(t, 1, f.c.StackCount(h))
	f.timers.Advance(5 * time.Second)
	assert.Equal(t, 0, f.c.Len())
}

func TestContainer_StackChangesKeepOverrideOrder(t *testing.T) {
	f := newFixture(t, true)
	slow := mustDef(t, &effect.Definition{
		ID:             "Debuff.Slow",
		DurationPolicy: effect.HasDuration,
		Duration:       effect.Scalar(5),
		Modifiers: []effect.ModifierDef{
			{Attribute: "MoveSpeed", Op: attribute.OpOverride, Magnitude: effect.Scalar(0.5)},
		},
		Stacking: effect.Stacking{Type: effect.StackByTarget, Expiration: effect.RemoveSingleStack},
	})
	sprint := mustDef(t, &effect.Definition{
		ID:             "Buff.Sprint",
		DurationPolicy: effect.Infinite,
		Modifiers: []effect.ModifierDef{
			{Attribute: "MoveSpeed", Op: attribute.OpOverride, Magnitude: effect.Scalar(3)},
		},
	})
	h, err := f.c.ApplySpec(spec(slow, prediction.Key{}))
	require.NoError(t, err)
	_, err = f.c.ApplySpec(spec(slow, prediction.Key{}))
	require.NoError(t, err)
	require.Equal(t, 2, f.c.StackCount(h))
	assert.Equal(t, 0.5, f.attrs.Value("MoveSpeed"))

	f.timers.Advance(time.Second)
	sh, err := f.c.ApplySpec(spec(sprint, prediction.Key{}))
	require.NoError(t, err)
	assert.Equal(t, 3.0, f.attrs.Value("MoveSpeed"))

	f.timers.Advance(4 * time.Second)
	require.Equal(t, 1, f.c.StackCount(h))
	assert.Equal(t, 3.0, f.attrs.Value("MoveSpeed"), "a stack expiring does not reorder overrides")

	_, err = f.c.ApplySpec(spec(slow, prediction.Key{}))
	require.NoError(t, err)
	require.Equal(t, 2, f.c.StackCount(h))
	assert.Equal(t, 3.0, f.attrs.Value("MoveSpeed"))
	require.True(t, f.c.RemoveActiveGameplayEffect(h, 1))
	assert.Equal(t, 1, f.c.StackCount(h))
	assert.Equal(t, 3.0, f.attrs.Value("MoveSpeed"))

	require.True(t, f.c.RemoveActiveGameplayEffect(sh, 0))
	assert.Equal(t, 0.5, f.attrs.Value("MoveSpeed"))
}

func TestContainer_StackChangesUpdateEachModifier(t *testing.T) {
	f := newFixture(t, true)
	def := mustDef(t, &effect.Definition{
		ID:             "Buff.Surge",
		DurationPolicy: effect.Infinite,
		Modifiers: []effect.ModifierDef{
			{Attribute: "Mana", Op: attribute.OpAdditive, Magnitude: effect.Scalar(10)},
			{Attribute: "Mana", Op: attribute.OpMultiplicative, Magnitude: effect.Scalar(2)},
		},
		Stacking: effect.Stacking{Type: effect.StackByTarget},
	})
	h, err := f.c.ApplySpec(spec(def, prediction.Key{}))
	require.NoError(t, err)
	assert.Equal(t, 220.0, f.attrs.Value("Mana"))
	_, err = f.c.ApplySpec(spec(def, prediction.Key{}))
	require.NoError(t, err)
	require.Equal(t, 2, f.c.StackCount(h))
	assert.Equal(t, 480.0, f.attrs.Value("Mana"))
	require.True(t, f.c.RemoveActiveGameplayEffect(h, 1))
	assert.Equal(t, 220.0, f.attrs.Value("Mana"))
}

func TestContainer_CostCheckLayersIncomingModifiers(t *testing.T) {
	f := newFixture(t, true)
	f.attrs.SetBaseValue("Mana", 15)
	cost := spec(costDef(t), prediction.Key{})
	assert.False(t, f.c.CanApplyAttributeModifiers(cost))

	thrift := mustDef(t, &effect.Definition{
		ID:             "Buff.Thrift",
		DurationPolicy: effect.Infinite,
		IncomingModifiers: []effect.IncomingModifierDef{
			{Attribute: "Mana", Op: attribute.OpMultiplicative, Magnitude: 0.5, NegativeOnly: true},
		},
	})
	th, err := f.c.ApplySpec(spec(thrift, prediction.Key{}))
	require.NoError(t, err)
	assert.True(t, f.c.CanApplyAttributeModifiers(cost), "halved cost of 10 fits in 15 mana")
	_, err = f.c.ApplySpec(cost)
	require.NoError(t, err)
	assert.Equal(t, 5.0, f.attrs.BaseValue("Mana"))
	require.True(t, f.c.RemoveActiveGameplayEffect(th, 0))

	f.attrs.SetBaseValue("Mana", 100)
	nullify := mustDef(t, &effect.Definition{
		ID:             "Curse.Nullify",
		DurationPolicy: effect.Infinite,
		ImmunityTags:   []tag.Tag{"Cost.Mana"},
	})
	_, err = f.c.ApplySpec(spec(nullify, prediction.Key{}))
	require.NoError(t, err)
	manaCost := costDef(t)
	manaCost.AssetTags = []tag.Tag{"Cost.Mana"}
	assert.False(t, f.c.CanApplyAttributeModifiers(spec(manaCost, prediction.Key{})), "a cost the owner is immune to cannot be paid")
}

func TestContainer_VetoedSpecIsUnchanged(t *testing.T) {
	f := newFixture(t, true)
	f.tags.UpdateCount("Status.Burning", 1)
	ward := mustDef(t, &effect.Definition{
		ID:             "Buff.Ward",
		DurationPolicy: effect.Infinite,
		ImmunityTags:   []tag.Tag{"Damage.Fire"},
	})
	_, err := f.c.ApplySpec(spec(ward, prediction.Key{}))
	require.NoError(t, err)

	burn := spec(mustDef(t, &effect.Definition{
		ID:        "Damage.Burn",
		AssetTags: []tag.Tag{"Damage.Fire.Burn"},
		Modifiers: []effect.ModifierDef{{Attribute: "Health", Op: attribute.OpAdditive, Magnitude: effect.Scalar(-10)}},
	}), prediction.Key{})
	_, err = f.c.ApplySpec(burn)
	require.ErrorIs(t, err, effect.ErrImmune)
	assert.Nil(t, burn.Magnitudes)
	assert.True(t, burn.TargetTags.IsEmpty())
	assert.Zero(t, burn.Duration)
	assert.Equal(t, 100.0, f.attrs.Value("Health"))
}

func TestPropertyContainer_StackingIdempotence(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(rt, "applications")
		f := newFixture(t, true)
		def := hasteDef(t, 20)
		var h effect.Handle
		for i := 0; i < n; i++ {
			h, _ = f.c.ApplySpec(spec(def, prediction.Key{}))
		}
		assert.Equal(rt, 1, f.c.Len())
		assert.Equal(rt, n, f.c.StackCount(h))
		assert.InDelta(rt, 1+0.5*float64(n), f.attrs.Value("MoveSpeed"), 1e-9)

		if n > 1 {
			require.True(rt, f.c.RemoveActiveGameplayEffect(h, 1))
			assert.Equal(rt, n-1, f.c.StackCount(h))
			assert.Equal(rt, 1, f.c.Len())
		}
		require.True(rt, f.c.RemoveActiveGameplayEffect(h, 0))
		assert.Equal(rt, 0, f.c.Len())
		assert.False(rt, f.tags.HasMatchingTag("Buff.Haste"))
	})
}

func TestPropertyContainer_PeriodicExecutionCount(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		d := rapid.IntRange(1, 20).Draw(rt, "durationSeconds")
		p := rapid.IntRange(1, 6).Draw(rt, "periodSeconds")
		onApply := rapid.Bool().Draw(rt, "executeOnApplication")
		f := newFixture(t, true)
		def := mustDef(t, &effect.Definition{
			ID:                   "Dot.Poison",
			DurationPolicy:       effect.HasDuration,
			Duration:             effect.Scalar(float64(d)),
			Period:               float64(p),
			ExecutePeriodOnApply: onApply,
			Modifiers: []effect.ModifierDef{
				{Attribute: "Health", Op: attribute.OpAdditive, Magnitude: effect.Scalar(-1)},
			},
		})
		var expiredAt time.Duration = -1
		f.c.OnAnyRemoved(func(effect.RemovedInfo) { expiredAt = f.timers.Now() })
		_, err := f.c.ApplySpec(spec(def, prediction.Key{}))
		require.NoError(rt, err)

		for i := 0; i < d+p+1; i++ {
			f.timers.Advance(time.Second)
		}
		want := d / p
		if onApply {
			want++
		}
		assert.Equal(rt, 100.0-float64(want), f.attrs.Value("Health"))
		assert.Equal(rt, time.Duration(d)*time.Second, expiredAt, "period ticks never move expiry")
	})
}

func TestContainer_RemovalDuringPeriodicTick(t *testing.T) {
	f := newFixture(t, true)
	def := mustDef(t, &effect.Definition{
		ID:             "Dot.Bleed",
		DurationPolicy: effect.Infinite,
		Period:         1,
		Modifiers:      []effect.ModifierDef{{Attribute: "Health", Op: attribute.OpAdditive, Magnitude: effect.Scalar(-5)}},
		Cues:           []tag.Tag{"GameplayCue.Bleed"},
	})
	h, err := f.c.ApplySpec(spec(def, prediction.Key{}))
	require.NoError(t, err)
	ticks := 0
	f.onCue = func(n cue.Notification) {
		if n.Event != cue.Executed {
			return
		}
		ticks++
		if ticks == 2 {
			f.c.RemoveActiveGameplayEffect(h, 0)
		}
	}
	f.timers.Advance(5 * time.Second)
	assert.Equal(t, 2, ticks)
	assert.Equal(t, 90.0, f.attrs.Value("Health"))
	assert.Equal(t, 0, f.c.Len())
	assert.Equal(t, 0, f.timers.Len())
}

func TestContainer_PredictedInstantRolledBackOnce(t *testing.T) {
	f := newFixture(t, false)
	key := prediction.Key{Current: 1}
	h, err := f.c.ApplySpec(spec(costDef(t), key))
	require.NoError(t, err)
	assert.True(t, h.IsValid())
	assert.Equal(t, 100.0, f.attrs.BaseValue("Mana"), "predicted instants never touch the base")
	assert.Equal(t, 80.0, f.attrs.Value("Mana"))

	f.ledger.Reject(key)
	f.ledger.Reject(key)
	assert.Equal(t, 100.0, f.attrs.Value("Mana"))
	assert.Equal(t, 0, f.c.Len())
}

func TestContainer_PredictedInstantDroppedOnCatchUp(t *testing.T) {
	f := newFixture(t, false)
	key := prediction.Key{Current: 1}
	_, err := f.c.ApplySpec(spec(costDef(t), key))
	require.NoError(t, err)

	f.attrs.SetBaseValue("Mana", 80)
	f.ledger.CatchUpTo(key)
	assert.Equal(t, 80.0, f.attrs.Value("Mana"))
	assert.Equal(t, 0, f.c.Len())
}

func TestContainer_PredictedDurationAdoptedByReplication(t *testing.T) {
	server := newFixture(t, true)
	client := newFixture(t, false)
	key := prediction.Key{Current: 4}

	local, err := client.c.ApplySpec(spec(cooldownDef(t), key))
	require.NoError(t, err)
	_, err = server.c.ApplySpec(spec(cooldownDef(t), key.WithOwner("conn-1")))
	require.NoError(t, err)

	defs := lookup(cooldownDef(t))
	require.NoError(t, client.c.Import(server.c.Export("conn-1"), defs))
	client.ledger.CatchUpTo(key)

	ae, ok := client.c.Get(local)
	require.True(t, ok, "the predicted entry is adopted, not replaced")
	assert.True(t, ae.IsReplicated())
	assert.Equal(t, 1, client.c.Len())
	assert.True(t, client.tags.HasMatchingTag("Cooldown.Fireball"))

	server.timers.Advance(2 * time.Second)
	require.NoError(t, client.c.Import(server.c.Export("conn-1"), defs))
	assert.Equal(t, 0, client.c.Len())
	assert.False(t, client.tags.HasMatchingTag("Cooldown.Fireball"))
}

func TestContainer_PredictedDurationRejected(t *testing.T) {
	f := newFixture(t, false)
	key := prediction.Key{Current: 2}
	_, err := f.c.ApplySpec(spec(cooldownDef(t), key))
	require.NoError(t, err)
	require.True(t, f.tags.HasMatchingTag("Cooldown"))
	f.ledger.Reject(key)
	assert.False(t, f.tags.HasMatchingTag("Cooldown"))
	assert.Equal(t, 0, f.c.Len())
}

func TestContainer_LateJoinerReconstructsFromSnapshot(t *testing.T) {
	server := newFixture(t, true)
	haste := hasteDef(t, 5)
	for i := 0; i < 2; i++ {
		_, err := server.c.ApplySpec(spec(haste, prediction.Key{Current: 9}.WithOwner("owner")))
		require.NoError(t, err)
	}
	server.timers.Advance(time.Second)

	observer := newFixture(t, false)
	states := server.c.Export("someone-else")
	require.Len(t, states, 1)
	assert.False(t, states[0].Key.IsValidKey(), "keys are only sent to their owner")
	require.NoError(t, observer.c.Import(states, lookup(haste)))

	assert.Equal(t, server.attrs.Value("MoveSpeed"), observer.attrs.Value("MoveSpeed"))
	assert.True(t, observer.tags.HasMatchingTag("Buff.Haste"))
	assert.Equal(t, []time.Duration{4 * time.Second}, observer.c.GetActiveEffectsTimeRemaining(effect.Query{}))
}

func TestContainer_ImportReportsUnknownDefinition(t *testing.T) {
	f := newFixture(t, false)
	err := f.c.Import([]effect.State{{Handle: 1, DefinitionID: "Missing", StackCount: 1}}, lookup())
	assert.Error(t, err)
	assert.Equal(t, 0, f.c.Len())
}

func lookup(defs ...*effect.Definition) effect.Lookup {
	return func(id string) (*effect.Definition, bool) {
		for _, d := range defs {
			if d.ID == id {
				return d, true
			}
		}
		return nil, false
	}
}
