package api

import (
	"fmt"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/calcrt/internal/plugin"
	plua "github.com/dshills/calcrt/internal/plugin/lua"
	"github.com/dshills/calcrt/internal/plugin/security"
)

// Version is reported to scripts as calc.api_version.
const Version = 1

// Module is a Lua API module.
type Module interface {
	// Name returns the submodule name under calc (e.g. "storage").
	Name() string

	// RequiredCapability returns the capability needed to use the module,
	// or "" when none is.
	RequiredCapability() security.Capability

	// Register builds the module table and stores it in the _calc_<name>
	// global, which InjectAll folds into the calc module.
	Register(L *lua.LState) error
}

// Registry manages API modules and their injection.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewRegistry creates a new API registry.
func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[string]Module),
	}
}

// Register adds a module to the registry.
func (r *Registry) Register(mod Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[mod.Name()]; exists {
		return fmt.Errorf("module %q already registered", mod.Name())
	}
	r.modules[mod.Name()] = mod
	return nil
}

// Get returns a module by name.
func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mod, ok := r.modules[name]
	return mod, ok
}

// List returns the registered module names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InjectAll registers every module the checker allows and preloads the calc
// aggregate. A nil checker admits only modules that need no capability.
// It returns the names that were injected.
func (r *Registry) InjectAll(state *plua.State, checker *security.PermissionChecker) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	L := state.LuaState()
	var injected []string
	for _, name := range sortedKeys(r.modules) {
		mod := r.modules[name]
		if c := mod.RequiredCapability(); c != "" {
			if checker == nil || !checker.HasCapability(c) {
				continue
			}
		}
		if err := mod.Register(L); err != nil {
			return nil, fmt.Errorf("register module %q: %w", name, err)
		}
		injected = append(injected, name)
	}

	calc := L.NewTable()
	for _, name := range injected {
		global := "_calc_" + name
		if v := L.GetGlobal(global); v != lua.LNil {
			L.SetField(calc, name, v)
			L.SetGlobal(global, lua.LNil)
		}
	}
	L.SetField(calc, "api_version", lua.LNumber(Version))

	state.Preload("calc", func(L *lua.LState) int {
		L.Push(calc)
		return 1
	})
	return injected, nil
}

func sortedKeys(m map[string]Module) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DefaultRegistry creates a registry with the standard modules bound to a
// plugin's execution context.
func DefaultRegistry(pctx *plugin.Context) (*Registry, error) {
	r := NewRegistry()

	modules := []Module{
		NewUtilModule(pctx.Utils),
		NewLogModule(pctx.Logger, pctx.Limits),
		NewEventModule(pctx),
	}
	if pctx.Storage != nil {
		modules = append(modules, NewStorageModule(pctx.Storage))
	}

	for _, mod := range modules {
		if err := r.Register(mod); err != nil {
			return nil, err
		}
	}
	return r, nil
}
