package api

import (
	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/calcrt/internal/logging"
	plua "github.com/dshills/calcrt/internal/plugin/lua"
	"github.com/dshills/calcrt/internal/plugin/security"
)

// LogModule implements calc.log. Messages go to the plugin's logger with
// an optional table of fields.
type LogModule struct {
	log    *logging.Logger
	limits *security.ResourceMonitor
}

// NewLogModule creates a log module writing to log. A non-nil limits
// meters message bytes; messages over the rate raise a script error.
func NewLogModule(log *logging.Logger, limits *security.ResourceMonitor) *LogModule {
	if log == nil {
		log = logging.Nop()
	}
	return &LogModule{log: log, limits: limits}
}

// Name returns the module name.
func (m *LogModule) Name() string { return "log" }

// RequiredCapability returns "".
func (m *LogModule) RequiredCapability() security.Capability { return "" }

// Register registers the module into the Lua state.
func (m *LogModule) Register(L *lua.LState) error {
	bridge := plua.NewBridge(L)
	mod := L.NewTable()

	levels := map[string]func() *zerolog.Event{
		"debug": m.log.Debug,
		"info":  m.log.Info,
		"warn":  m.log.Warn,
		"error": m.log.Error,
	}
	for name, level := range levels {
		L.SetField(mod, name, L.NewFunction(func(L *lua.LState) int {
			msg := L.CheckString(1)
			if m.limits != nil && !m.limits.TryOutput(len(msg)) {
				L.RaiseError("log output rate exceeded")
				return 0
			}
			ev := level().Str("source", "script")
			if fields, ok := bridge.ToMap(L.Get(2)); ok {
				ev = ev.Fields(fields)
			}
			ev.Msg(msg)
			return 0
		}))
	}

	L.SetGlobal("_calc_log", mod)
	return nil
}
