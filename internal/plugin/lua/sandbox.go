package lua

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// builtinModules are the standard libraries require may return.
var builtinModules = map[string]bool{
	"string": true,
	"table":  true,
	"math":   true,
}

// Sandbox restricts Lua execution to safe operations.
type Sandbox struct {
	L *lua.LState

	preload map[string]lua.LGFunction
	loaded  map[string]lua.LValue
}

// NewSandbox creates a new sandbox for the Lua state.
func NewSandbox(L *lua.LState) *Sandbox {
	return &Sandbox{
		L:       L,
		preload: make(map[string]lua.LGFunction),
		loaded:  make(map[string]lua.LValue),
	}
}

// Install removes globals that can load code and replaces print and require.
// A nil print discards output.
func (s *Sandbox) Install(printFn func(string)) {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "module", "collectgarbage"} {
		s.L.SetGlobal(name, lua.LNil)
	}
	s.L.SetGlobal("package", lua.LNil)

	s.installPrint(printFn)
	s.L.SetGlobal("require", s.L.NewFunction(s.require))
}

func (s *Sandbox) installPrint(printFn func(string)) {
	s.L.SetGlobal("print", s.L.NewFunction(func(L *lua.LState) int {
		if printFn == nil {
			return 0
		}
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		printFn(strings.Join(parts, "\t"))
		return 0
	}))
}

// Preload registers a Go loader for require(name). The loader runs once and
// must push the module value.
func (s *Sandbox) Preload(name string, loader lua.LGFunction) {
	s.preload[name] = loader
	delete(s.loaded, name)
}

// Modules returns the names require can resolve besides the builtins.
func (s *Sandbox) Modules() []string {
	names := make([]string, 0, len(s.preload))
	for name := range s.preload {
		names = append(names, name)
	}
	return names
}

// require resolves builtins and preloaded modules only. Nothing is ever read
// from disk.
func (s *Sandbox) require(L *lua.LState) int {
	name := L.CheckString(1)

	if builtinModules[name] {
		L.Push(L.GetGlobal(name))
		return 1
	}
	if v, ok := s.loaded[name]; ok {
		L.Push(v)
		return 1
	}

	loader, ok := s.preload[name]
	if !ok {
		L.RaiseError("module %q is not available", name)
		return 0
	}

	top := L.GetTop()
	L.Push(L.NewFunction(loader))
	L.Push(lua.LString(name))
	L.Call(1, 1)
	v := L.Get(-1)
	L.SetTop(top)
	if v == lua.LNil {
		v = lua.LTrue
	}
	s.loaded[name] = v

	L.Push(v)
	return 1
}
