package api

import (
	"encoding/json"

	lua "github.com/yuin/gopher-lua"

	plua "github.com/dshills/calcrt/internal/plugin/lua"
	"github.com/dshills/calcrt/internal/plugin/security"
	"github.com/dshills/calcrt/internal/storage"
)

// StorageModule implements calc.storage over the plugin's scoped store.
// Values are stored as JSON so tables and numbers survive a round trip.
type StorageModule struct {
	store *storage.Scoped
}

// NewStorageModule creates a storage module over store.
func NewStorageModule(store *storage.Scoped) *StorageModule {
	return &StorageModule{store: store}
}

// Name returns the module name.
func (m *StorageModule) Name() string { return "storage" }

// RequiredCapability returns the storage capability.
func (m *StorageModule) RequiredCapability() security.Capability {
	return security.CapabilityStorage
}

// Register registers the module into the Lua state.
func (m *StorageModule) Register(L *lua.LState) error {
	bridge := plua.NewBridge(L)
	mod := L.NewTable()

	// get(key) -> value or nil
	L.SetField(mod, "get", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(1)
		raw, ok, err := m.store.Get(scriptContext(L), key)
		if err != nil {
			L.RaiseError("storage.get: %s", err.Error())
			return 0
		}
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			L.Push(lua.LString(raw))
			return 1
		}
		L.Push(bridge.ToLuaValue(v))
		return 1
	}))

	// set(key, value)
	L.SetField(mod, "set", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(1)
		raw, err := json.Marshal(bridge.ToGoValue(L.Get(2)))
		if err != nil {
			L.RaiseError("storage.set: %s", err.Error())
			return 0
		}
		if err := m.store.Set(scriptContext(L), key, raw); err != nil {
			L.RaiseError("storage.set: %s", err.Error())
		}
		return 0
	}))

	// delete(key)
	L.SetField(mod, "delete", L.NewFunction(func(L *lua.LState) int {
		if err := m.store.Delete(scriptContext(L), L.CheckString(1)); err != nil {
			L.RaiseError("storage.delete: %s", err.Error())
		}
		return 0
	}))

	L.SetGlobal("_calc_storage", mod)
	return nil
}
