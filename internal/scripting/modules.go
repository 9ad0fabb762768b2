package scripting

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gameplay/internal/game/dice"
	"github.com/cory-johannsen/gameplay/internal/game/tag"
)

// RegisterModules registers the engine.* Lua tables into L:
//
//	engine.log.{debug,info,warn,error}(msg)
//	engine.dice.roll(expr, seed...) -> total
//	engine.tags.matches(tag, other) -> bool
//	engine.tags.has(list, tag) -> bool
//
// Precondition: L must be from NewSandboxedState.
// Postcondition: engine global is defined in L.
func (m *Manager) RegisterModules(L *lua.LState) {
	engine := L.NewTable()
	L.SetField(engine, "log", m.logModule(L))
	L.SetField(engine, "dice", m.diceModule(L))
	L.SetField(engine, "tags", tagsModule(L))
	L.SetGlobal("engine", engine)
}

func (m *Manager) logModule(L *lua.LState) *lua.LTable {
	logger := m.logger.Named("lua")
	levels := map[string]func(string, ...zap.Field){
		"debug": logger.Debug,
		"info":  logger.Info,
		"warn":  logger.Warn,
		"error": logger.Error,
	}
	mod := L.NewTable()
	for name, fn := range levels {
		L.SetField(mod, name, L.NewFunction(func(L *lua.LState) int {
			fn(L.CheckString(1))
			return 0
		}))
	}
	return mod
}

// diceModule rolls deterministically: the seed is derived from the extra
// arguments so client and server scripts agree.
func (m *Manager) diceModule(L *lua.LState) *lua.LTable {
	mod := L.NewTable()
	L.SetField(mod, "roll", L.NewFunction(func(L *lua.LState) int {
		expr, err := dice.Parse(L.CheckString(1))
		if err != nil {
			L.ArgError(1, err.Error())
			return 0
		}
		var parts []string
		for i := 2; i <= L.GetTop(); i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		res := m.roller.RollSeeded(expr, dice.SeedFor(parts...))
		L.Push(lua.LNumber(res.Total()))
		return 1
	}))
	return mod
}

func tagsModule(L *lua.LState) *lua.LTable {
	mod := L.NewTable()
	L.SetField(mod, "matches", L.NewFunction(func(L *lua.LState) int {
		t := tag.Tag(L.CheckString(1))
		L.Push(lua.LBool(t.MatchesTag(tag.Tag(L.CheckString(2)))))
		return 1
	}))
	L.SetField(mod, "has", L.NewFunction(func(L *lua.LState) int {
		list := L.CheckTable(1)
		want := tag.Tag(strings.TrimSpace(L.CheckString(2)))
		found := false
		list.ForEach(func(_, v lua.LValue) {
			if s, ok := v.(lua.LString); ok && tag.Tag(s).MatchesTag(want) {
				found = true
			}
		})
		L.Push(lua.LBool(found))
		return 1
	}))
	return mod
}
