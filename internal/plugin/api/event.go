package api

import (
	"context"
	"encoding/json"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/calcrt/internal/plugin"
	plua "github.com/dshills/calcrt/internal/plugin/lua"
	"github.com/dshills/calcrt/internal/plugin/security"
)

// EventModule implements calc.event. Scripts may emit custom events; they
// cannot subscribe, since the bus delivers on the publisher's goroutine and
// the Lua state is not safe to enter from there.
type EventModule struct {
	pctx *plugin.Context
}

// NewEventModule creates an event module emitting through pctx.
func NewEventModule(pctx *plugin.Context) *EventModule {
	return &EventModule{pctx: pctx}
}

// Name returns the module name.
func (m *EventModule) Name() string { return "event" }

// RequiredCapability returns "".
func (m *EventModule) RequiredCapability() security.Capability { return "" }

// Register registers the module into the Lua state.
func (m *EventModule) Register(L *lua.LState) error {
	bridge := plua.NewBridge(L)
	mod := L.NewTable()

	// emit(name, data?)
	L.SetField(mod, "emit", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		data, _ := bridge.ToMap(L.Get(2))
		if mon := m.pctx.Limits; mon != nil && !mon.TryOutput(payloadSize(name, data)) {
			L.RaiseError("event output rate exceeded")
			return 0
		}
		m.pctx.Emit(scriptContext(L), name, data)
		return 0
	}))

	L.SetGlobal("_calc_event", mod)
	return nil
}

func payloadSize(name string, data map[string]any) int {
	n := len(name)
	if len(data) > 0 {
		raw, _ := json.Marshal(data)
		n += len(raw)
	}
	return n
}

// scriptContext returns the context bound to the running script.
func scriptContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
