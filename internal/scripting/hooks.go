package scripting

import (
	"fmt"
	"sort"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gameplay/internal/game/ability"
	"github.com/cory-johannsen/gameplay/internal/game/attribute"
	"github.com/cory-johannsen/gameplay/internal/game/effect"
)

var (
	_ ability.Hooks     = (*Manager)(nil)
	_ effect.Calculator = (*Manager)(nil)
)

// Install makes m the catalog's predicate hooks, magnitude calculator and
// policy source.
func (m *Manager) Install(c *ability.Catalog) {
	c.Hooks = m
	c.Calculator = m
	c.Policies = m.Policy
}

// CanActivate calls fn with a table describing the activation attempt:
//
//	{ability_id, owner_id, level, input_pressed, tags = {...}, attributes = {...}}
//
// The result is Lua truthiness of the first return value.
func (m *Manager) CanActivate(fn string, p ability.PredicateParams) (bool, error) {
	ret, err := m.call(fn, func(L *lua.LState) []lua.LValue {
		t := L.NewTable()
		t.RawSetString("ability_id", lua.LString(p.AbilityID))
		t.RawSetString("owner_id", lua.LString(p.OwnerID))
		t.RawSetString("level", lua.LNumber(p.Level))
		t.RawSetString("input_pressed", lua.LBool(p.InputPressed))
		t.RawSetString("tags", stringList(L, p.Tags))
		t.RawSetString("attributes", numberMap(L, p.Attributes))
		return []lua.LValue{t}
	})
	if err != nil {
		return false, err
	}
	return lua.LVAsBool(ret), nil
}

// Calculate calls fn with a table describing the effect being applied:
//
//	{effect_id, level, source = {...}, target = {...}, set_by_caller = {...}}
//
// fn must return a number.
func (m *Manager) Calculate(fn string, p effect.CalculationParams) (float64, error) {
	ret, err := m.call(fn, func(L *lua.LState) []lua.LValue {
		t := L.NewTable()
		t.RawSetString("effect_id", lua.LString(p.EffectID))
		t.RawSetString("level", lua.LNumber(p.Level))
		t.RawSetString("source", numberMap(L, p.Source))
		t.RawSetString("target", numberMap(L, p.Target))
		t.RawSetString("set_by_caller", numberMap(L, p.SetByCaller))
		return []lua.LValue{t}
	})
	if err != nil {
		return 0, err
	}
	n, ok := ret.(lua.LNumber)
	if !ok {
		return 0, fmt.Errorf("scripting: %s returned %s, want number", fn, ret.Type())
	}
	return float64(n), nil
}

// Policy resolves name to an evaluation policy: a built-in first, otherwise
// the Lua function of that name. The function receives the qualified
// modifiers as a list of {op, magnitude, owner} tables and returns the list
// of indices that stay qualified. Script errors leave every modifier
// qualified.
func (m *Manager) Policy(name string) (attribute.EvaluationPolicy, bool) {
	if p, ok := attribute.BuiltinPolicies[name]; ok {
		return p, true
	}
	if !m.HasFunction(name) {
		return nil, false
	}
	return attribute.PolicyFunc(func(mods []*attribute.Modifier) {
		m.applyPolicy(name, mods)
	}), true
}

func (m *Manager) applyPolicy(name string, mods []*attribute.Modifier) {
	var qualified []*attribute.Modifier
	for _, mod := range mods {
		if mod.Qualified {
			qualified = append(qualified, mod)
		}
	}
	if len(qualified) == 0 {
		return
	}
	ret, err := m.call(name, func(L *lua.LState) []lua.LValue {
		list := L.NewTable()
		for _, mod := range qualified {
			t := L.NewTable()
			t.RawSetString("op", lua.LString(mod.Op.String()))
			t.RawSetString("magnitude", lua.LNumber(mod.Magnitude))
			t.RawSetString("owner", lua.LNumber(mod.Owner))
			list.Append(t)
		}
		return []lua.LValue{list}
	})
	if err != nil {
		m.logger.Warn("evaluation policy failed", zap.String("policy", name), zap.Error(err))
		return
	}
	keep, ok := ret.(*lua.LTable)
	if !ok {
		m.logger.Warn("evaluation policy returned no list",
			zap.String("policy", name), zap.String("type", ret.Type().String()))
		return
	}
	kept := make(map[int]bool)
	keep.ForEach(func(_, v lua.LValue) {
		if n, ok := v.(lua.LNumber); ok {
			kept[int(n)] = true
		}
	})
	for i, mod := range qualified {
		if !kept[i+1] {
			mod.Qualified = false
		}
	}
}

func stringList(L *lua.LState, ss []string) *lua.LTable {
	t := L.NewTable()
	for _, s := range ss {
		t.Append(lua.LString(s))
	}
	return t
}

func numberMap(L *lua.LState, m map[string]float64) *lua.LTable {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	t := L.NewTable()
	for _, k := range keys {
		t.RawSetString(k, lua.LNumber(m[k]))
	}
	return t
}
