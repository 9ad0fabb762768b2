package scripting_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/gameplay/internal/game/dice"
	"github.com/cory-johannsen/gameplay/internal/scripting"
)

func newTestManager(t *testing.T) (*scripting.Manager, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	mgr := scripting.NewManager(dice.NewRoller(logger), logger)
	t.Cleanup(mgr.Close)
	return mgr, logs
}

func writeTempLua(t *testing.T, name, src string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0644))
	return dir
}

func TestManager_CallHook_ReturnsValue(t *testing.T) {
	mgr, _ := newTestManager(t)
	dir := writeTempLua(t, "hooks.lua", `
		function double(n)
			return n * 2
		end
	`)
	require.NoError(t, mgr.LoadGlobal(dir, 0))
	ret, err := mgr.CallHook("double", lua.LNumber(21))
	require.NoError(t, err)
	assert.Equal(t, lua.LNumber(42), ret)
}

func TestManager_CallHook_UndefinedReturnsNil(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.LoadString(`x = 1`, 0))
	ret, err := mgr.CallHook("missing")
	require.NoError(t, err)
	assert.Equal(t, lua.LNil, ret)
}

func TestManager_CallHook_NoScriptsReturnsNil(t *testing.T) {
	mgr, _ := newTestManager(t)
	ret, err := mgr.CallHook("anything")
	require.NoError(t, err)
	assert.Equal(t, lua.LNil, ret)
}

func TestManager_CallHook_RuntimeErrorLoggedAtWarn(t *testing.T) {
	mgr, logs := newTestManager(t)
	require.NoError(t, mgr.LoadString(`
		function bad_hook()
			error("boom")
		end
	`, 0))
	ret, err := mgr.CallHook("bad_hook")
	require.NoError(t, err)
	assert.Equal(t, lua.LNil, ret)
	assert.Equal(t, 1, logs.FilterLevelExact(zap.WarnLevel).Len())
}

func TestManager_CallHook_InstructionLimitPerCall(t *testing.T) {
	mgr, logs := newTestManager(t)
	require.NoError(t, mgr.LoadString(`
		function spin() while true do end end
		function one() return 1 end
	`, 100))
	ret, err := mgr.CallHook("spin")
	require.NoError(t, err)
	assert.Equal(t, lua.LNil, ret)
	assert.Equal(t, 1, logs.FilterLevelExact(zap.WarnLevel).Len())

	ret, err = mgr.CallHook("one")
	require.NoError(t, err)
	assert.Equal(t, lua.LNumber(1), ret)
}

func TestManager_LoadGlobal_MultipleFiles_OrderedByName(t *testing.T) {
	mgr, _ := newTestManager(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.lua"), []byte(`base_val = 10`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.lua"), []byte(`
		function get_val() return base_val end
	`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(`not lua`), 0644))
	require.NoError(t, mgr.LoadGlobal(dir, 0))
	ret, err := mgr.CallHook("get_val")
	require.NoError(t, err)
	assert.Equal(t, lua.LNumber(10), ret)
}

func TestManager_LoadGlobal_InvalidLuaKeepsPreviousVM(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.LoadString(`function keep() return 7 end`, 0))
	dir := writeTempLua(t, "bad.lua", `this is not valid lua @@@@`)
	assert.Error(t, mgr.LoadGlobal(dir, 0))
	assert.True(t, mgr.HasFunction("keep"))
}

func TestManager_LoadGlobal_MissingDir(t *testing.T) {
	mgr, _ := newTestManager(t)
	assert.Error(t, mgr.LoadGlobal(filepath.Join(t.TempDir(), "nope"), 0))
}

func TestManager_Close_ReleasesVM(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.LoadString(`function get_x() return 1 end`, 0))
	mgr.Close()
	assert.False(t, mgr.HasFunction("get_x"))
	ret, err := mgr.CallHook("get_x")
	assert.NoError(t, err)
	assert.Equal(t, lua.LNil, ret)
}

func TestNewManager_PanicsOnNilRoller(t *testing.T) {
	assert.Panics(t, func() {
		scripting.NewManager(nil, zap.NewNop())
	})
}

func TestNewManager_PanicsOnNilLogger(t *testing.T) {
	assert.Panics(t, func() {
		scripting.NewManager(dice.NewRoller(zap.NewNop()), nil)
	})
}

func TestProperty_CallHookConcurrent_NoRace(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.LoadString(`
		function add(a, b)
			return a + b
		end
	`, 0))

	rapid.Check(t, func(rt *rapid.T) {
		goroutines := rapid.IntRange(1, 8).Draw(rt, "goroutines")
		var wg sync.WaitGroup
		wg.Add(goroutines)
		for i := 0; i < goroutines; i++ {
			go func() {
				defer wg.Done()
				ret, err := mgr.CallHook("add", lua.LNumber(i), lua.LNumber(2))
				assert.NoError(t, err)
				assert.Equal(t, lua.LNumber(i+2), ret)
			}()
		}
		wg.Wait()
	})
}
