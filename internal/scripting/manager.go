package scripting

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gameplay/internal/game/dice"
)

// ErrNoScripts is returned by typed calls made before any scripts load.
var ErrNoScripts = errors.New("scripting: no scripts loaded")

// ErrUndefined is returned when a named function is not defined.
var ErrUndefined = errors.New("scripting: function not defined")

// Manager owns one sandboxed LState holding every content script and
// exposes hook dispatch.
//
// Manager is safe for concurrent use; calls into the VM are serialized.
type Manager struct {
	mu     sync.Mutex
	state  *lua.LState
	limit  int
	roller *dice.Roller
	logger *zap.Logger
}

// NewManager creates a Manager.
//
// Precondition: roller and logger must be non-nil.
// Postcondition: Returns a non-nil Manager with no scripts loaded.
func NewManager(roller *dice.Roller, logger *zap.Logger) *Manager {
	if roller == nil {
		panic("scripting.NewManager: roller must not be nil")
	}
	if logger == nil {
		panic("scripting.NewManager: logger must not be nil")
	}
	return &Manager{
		roller: roller,
		logger: logger,
	}
}

// LoadGlobal creates a fresh VM, registers all engine.* modules, then
// executes every *.lua file in scriptDir in lexicographic order. The new VM
// replaces any previous one only when every file loads.
//
// Precondition: scriptDir must be a readable directory.
// Postcondition: VM is registered; returns error on Lua load failure.
func (m *Manager) LoadGlobal(scriptDir string, instLimit int) error {
	entries, err := os.ReadDir(scriptDir)
	if err != nil {
		return fmt.Errorf("scripting: reading script dir %q: %w", scriptDir, err)
	}

	var luaFiles []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			luaFiles = append(luaFiles, filepath.Join(scriptDir, e.Name()))
		}
	}
	sort.Strings(luaFiles)

	return m.loadInto(instLimit, func(L *lua.LState) error {
		for _, path := range luaFiles {
			if err := L.DoFile(path); err != nil {
				return fmt.Errorf("scripting: loading %q: %w", path, err)
			}
		}
		m.logger.Info("scripts loaded", zap.String("dir", scriptDir), zap.Int("files", len(luaFiles)))
		return nil
	})
}

// LoadString replaces the VM with one running src.
func (m *Manager) LoadString(src string, instLimit int) error {
	return m.loadInto(instLimit, func(L *lua.LState) error {
		if err := L.DoString(src); err != nil {
			return fmt.Errorf("scripting: loading chunk: %w", err)
		}
		return nil
	})
}

func (m *Manager) loadInto(instLimit int, load func(*lua.LState) error) error {
	L, release := NewSandboxedState(instLimit)
	m.RegisterModules(L)
	err := load(L)
	release()
	if err != nil {
		L.Close()
		return err
	}

	m.mu.Lock()
	if m.state != nil {
		m.state.Close()
	}
	m.state = L
	m.limit = instLimit
	m.mu.Unlock()
	return nil
}

// Close releases the VM.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != nil {
		m.state.Close()
		m.state = nil
	}
}

// HasFunction reports whether name is a global Lua function.
func (m *Manager) HasFunction(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return false
	}
	_, ok := m.state.GetGlobal(name).(*lua.LFunction)
	return ok
}

// CallHook calls the named Lua global function. Returns (LNil, nil) if the
// hook is not defined or no scripts are loaded. Lua runtime errors are logged
// at Warn level and never propagated.
//
// Precondition: args must be valid lua.LValue instances.
// Postcondition: Returns the first return value of the hook, or LNil.
func (m *Manager) CallHook(hook string, args ...lua.LValue) (lua.LValue, error) {
	ret, err := m.call(hook, func(*lua.LState) []lua.LValue { return args })
	switch {
	case errors.Is(err, ErrNoScripts):
		m.logger.Info("scripting: no VM", zap.String("hook", hook))
		return lua.LNil, nil
	case errors.Is(err, ErrUndefined):
		return lua.LNil, nil
	case err != nil:
		m.logger.Warn("scripting: Lua runtime error",
			zap.String("hook", hook),
			zap.Error(err),
		)
		return lua.LNil, nil
	}
	return ret, nil
}

// call invokes fn with the arguments built by args under a fresh
// instruction budget and returns its first result.
func (m *Manager) call(fn string, args func(*lua.LState) []lua.LValue) (lua.LValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	L := m.state
	if L == nil {
		return lua.LNil, ErrNoScripts
	}
	f, ok := L.GetGlobal(fn).(*lua.LFunction)
	if !ok {
		return lua.LNil, fmt.Errorf("%w: %q", ErrUndefined, fn)
	}

	release := Limit(L, m.limit)
	defer release()
	if err := L.CallByParam(lua.P{
		Fn:      f,
		NRet:    1,
		Protect: true,
	}, args(L)...); err != nil {
		return lua.LNil, fmt.Errorf("scripting: %s: %w", fn, err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	return ret, nil
}
