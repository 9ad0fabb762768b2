package scripting_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gameplay/internal/game/ability"
	"github.com/cory-johannsen/gameplay/internal/game/attribute"
	"github.com/cory-johannsen/gameplay/internal/game/dice"
	"github.com/cory-johannsen/gameplay/internal/game/effect"
	"github.com/cory-johannsen/gameplay/internal/game/tag"
	"github.com/cory-johannsen/gameplay/internal/game/timer"
	"github.com/cory-johannsen/gameplay/internal/scripting"
)

const contentScripts = `
function needs_mana(p)
	return p.attributes.Mana >= 50 and not engine.tags.has(p.tags, "Status.Silenced")
end

function scripted_damage(p)
	return -(p.level * 10 + p.target.Health / 10)
end

function not_a_number(p)
	return "lots"
end

function largest_bonus_only(mods)
	local best, idx = nil, nil
	for i, m in ipairs(mods) do
		if m.op == "add" and (best == nil or m.magnitude > best) then
			best, idx = m.magnitude, i
		end
	end
	local keep = {}
	for i, m in ipairs(mods) do
		if m.op ~= "add" or i == idx then
			table.insert(keep, i)
		end
	end
	return keep
end
`

func loadedManager(t *testing.T) *scripting.Manager {
	t.Helper()
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.LoadString(contentScripts, 0))
	return mgr
}

func TestCanActivate_ReadsAttributesAndTags(t *testing.T) {
	mgr := loadedManager(t)
	p := ability.PredicateParams{
		AbilityID:  "arcane_blast",
		Attributes: map[string]float64{"Mana": 60},
	}
	ok, err := mgr.CanActivate("needs_mana", p)
	require.NoError(t, err)
	assert.True(t, ok)

	p.Tags = []string{"Status.Silenced.Magic"}
	ok, err = mgr.CanActivate("needs_mana", p)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCanActivate_UndefinedIsError(t *testing.T) {
	mgr := loadedManager(t)
	ok, err := mgr.CanActivate("missing", ability.PredicateParams{})
	assert.ErrorIs(t, err, scripting.ErrUndefined)
	assert.False(t, ok)
}

func TestCalculate_ReturnsNumber(t *testing.T) {
	mgr := loadedManager(t)
	v, err := mgr.Calculate("scripted_damage", effect.CalculationParams{
		Level:  2,
		Target: map[string]float64{"Health": 50},
	})
	require.NoError(t, err)
	assert.InDelta(t, -25.0, v, 1e-9)
}

func TestCalculate_NonNumberIsError(t *testing.T) {
	mgr := loadedManager(t)
	_, err := mgr.Calculate("not_a_number", effect.CalculationParams{})
	assert.Error(t, err)
}

func TestPolicy_BuiltinTakesPrecedence(t *testing.T) {
	mgr := loadedManager(t)
	p, ok := mgr.Policy("most_negative_additive")
	require.True(t, ok)
	agg := attribute.NewAggregator(10)
	agg.AddModifier(attribute.OpAdditive, -5, 1, tag.Container{}, attribute.TagRequirements{})
	agg.AddModifier(attribute.OpAdditive, -3, 2, tag.Container{}, attribute.TagRequirements{})
	agg.SetPolicy(p)
	assert.InDelta(t, 5.0, agg.Value(), 1e-9)

	_, ok = mgr.Policy("no_such_policy")
	assert.False(t, ok)
}

func TestPolicy_LuaPolicyClearsQualified(t *testing.T) {
	mgr := loadedManager(t)
	p, ok := mgr.Policy("largest_bonus_only")
	require.True(t, ok)

	agg := attribute.NewAggregator(10)
	agg.AddModifier(attribute.OpAdditive, 5, 1, tag.Container{}, attribute.TagRequirements{})
	agg.AddModifier(attribute.OpAdditive, 3, 2, tag.Container{}, attribute.TagRequirements{})
	agg.AddModifier(attribute.OpMultiplicative, 2, 3, tag.Container{}, attribute.TagRequirements{})
	assert.InDelta(t, 36.0, agg.Value(), 1e-9)

	agg.SetPolicy(p)
	assert.InDelta(t, 30.0, agg.Value(), 1e-9)
}

func TestPolicy_ScriptErrorKeepsModifiers(t *testing.T) {
	mgr, logs := newTestManager(t)
	require.NoError(t, mgr.LoadString(`function broken(mods) error("nope") end`, 0))
	p, ok := mgr.Policy("broken")
	require.True(t, ok)

	agg := attribute.NewAggregator(10)
	agg.AddModifier(attribute.OpAdditive, 5, 1, tag.Container{}, attribute.TagRequirements{})
	agg.SetPolicy(p)
	assert.InDelta(t, 15.0, agg.Value(), 1e-9)
	assert.Equal(t, 1, logs.FilterMessage("evaluation policy failed").Len())
}

func scriptedEngine(t *testing.T, mgr *scripting.Manager) *ability.Engine {
	t.Helper()
	effects := effect.NewRegistry()
	require.NoError(t, effects.Register(&effect.Definition{
		ID:             "Damage.Scripted",
		DurationPolicy: effect.Instant,
		Modifiers: []effect.ModifierDef{{
			Attribute: "Health",
			Op:        attribute.OpAdditive,
			Magnitude: effect.MagnitudeDef{Kind: effect.Script, Script: "scripted_damage"},
		}},
	}))
	for i, v := range []float64{5, 3} {
		require.NoError(t, effects.Register(&effect.Definition{
			ID:             []string{"Buff.ArmorA", "Buff.ArmorB"}[i],
			DurationPolicy: effect.Infinite,
			Modifiers: []effect.ModifierDef{{
				Attribute: "Armor",
				Op:        attribute.OpAdditive,
				Magnitude: effect.Scalar(v),
			}},
		}))
	}
	abilities := ability.NewRegistry()
	require.NoError(t, abilities.Register(&ability.Definition{
		ID:                "arcane_blast",
		CanActivateScript: "needs_mana",
	}))
	catalog := &ability.Catalog{
		Abilities: abilities,
		Effects:   effects,
		Curves:    effect.NewCurveTable(nil),
		Schema: attribute.Schema{
			Defaults: attribute.Defaults{"Mana": 100, "Health": 100, "Armor": 10},
			Policies: map[attribute.Attribute]string{"Armor": "largest_bonus_only"},
		},
		Behaviors: ability.NewBehaviorRegistry(),
		Roller:    dice.NewRoller(zap.NewNop()),
	}
	mgr.Install(catalog)
	require.NoError(t, catalog.Validate())

	e, err := ability.NewEngine(ability.Config{
		EntityID:          "hero",
		Role:              ability.RoleAuthority,
		LocallyControlled: true,
		Catalog:           catalog,
		Timers:            timer.NewManager(),
		Logger:            zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestInstall_ScriptedPredicateGatesActivation(t *testing.T) {
	e := scriptedEngine(t, loadedManager(t))
	h, err := e.GiveAbility("arcane_blast", 1, 0)
	require.NoError(t, err)

	e.Attributes().SetBaseValue("Mana", 40)
	err = e.TryActivateAbility(h)
	assert.ErrorIs(t, err, ability.ErrBehaviorRefused)

	e.Attributes().SetBaseValue("Mana", 60)
	assert.NoError(t, e.TryActivateAbility(h))
}

func TestInstall_ScriptedMagnitude(t *testing.T) {
	e := scriptedEngine(t, loadedManager(t))
	_, err := e.ApplyGameplayEffectToSelf("Damage.Scripted", 1)
	require.NoError(t, err)
	assert.InDelta(t, 80.0, e.Attributes().Value("Health"), 1e-9)
}

func TestInstall_ScriptedPolicy(t *testing.T) {
	e := scriptedEngine(t, loadedManager(t))
	_, err := e.ApplyGameplayEffectToSelf("Buff.ArmorA", 1)
	require.NoError(t, err)
	_, err = e.ApplyGameplayEffectToSelf("Buff.ArmorB", 1)
	require.NoError(t, err)
	assert.InDelta(t, 15.0, e.Attributes().Value("Armor"), 1e-9)
}

func TestLoadGlobal_SampleContentScripts(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.LoadGlobal(filepath.Join("..", "..", "content", "scripts"), 0))
	assert.True(t, mgr.HasFunction("can_heavy_swing"))
	assert.True(t, mgr.HasFunction("crit_damage"))

	p := ability.PredicateParams{AbilityID: "heavy_swing", Attributes: map[string]float64{"Strength": 14}}
	ok, err := mgr.CanActivate("can_heavy_swing", p)
	require.NoError(t, err)
	assert.True(t, ok)

	p.Tags = []string{"State.Stunned"}
	ok, err = mgr.CanActivate("can_heavy_swing", p)
	require.NoError(t, err)
	assert.False(t, ok)

	dmg, err := mgr.Calculate("crit_damage", effect.CalculationParams{EffectID: "damage_crit", Level: 1, Source: map[string]float64{"Strength": 10}})
	require.NoError(t, err)
	assert.Contains(t, []float64{-20, -40}, dmg)
}
