package api

import (
	"fmt"
	"maps"
	"math"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/calcrt/internal/plugin"
	plua "github.com/dshills/calcrt/internal/plugin/lua"
	"github.com/dshills/calcrt/internal/plugin/security"
)

// UtilModule implements calc.util: string, table and numeric helpers.
type UtilModule struct {
	utils plugin.Utils
}

// NewUtilModule creates a new util module.
func NewUtilModule(utils plugin.Utils) *UtilModule {
	return &UtilModule{utils: utils}
}

// Name returns the module name.
func (m *UtilModule) Name() string {
	return "util"
}

// RequiredCapability returns "": helpers need no capability.
func (m *UtilModule) RequiredCapability() security.Capability {
	return ""
}

// Register registers the module into the Lua state.
func (m *UtilModule) Register(L *lua.LState) error {
	mod := L.NewTable()

	// Strings
	L.SetField(mod, "split", L.NewFunction(m.split))
	L.SetField(mod, "trim", L.NewFunction(m.trim))
	L.SetField(mod, "starts_with", L.NewFunction(m.startsWith))
	L.SetField(mod, "contains", L.NewFunction(m.contains))
	L.SetField(mod, "lower", L.NewFunction(m.lower))
	L.SetField(mod, "sanitize", L.NewFunction(m.sanitize))

	// Tables
	L.SetField(mod, "keys", L.NewFunction(m.keys))
	L.SetField(mod, "len", L.NewFunction(m.tableLen))
	L.SetField(mod, "merge", L.NewFunction(plua.NewBridge(L).WrapGoFunc(mergeTables)))

	// Numbers
	L.SetField(mod, "round", L.NewFunction(m.round))
	L.SetField(mod, "clamp", L.NewFunction(m.clamp))

	// Identity and time
	L.SetField(mod, "uuid", L.NewFunction(m.uuid))
	L.SetField(mod, "format_date", L.NewFunction(m.formatDate))

	L.SetGlobal("_calc_util", mod)
	return nil
}

// split(str, sep) -> {parts}
func (m *UtilModule) split(L *lua.LState) int {
	str := L.CheckString(1)
	sep := L.CheckString(2)

	tbl := L.NewTable()
	for i, part := range strings.Split(str, sep) {
		tbl.RawSetInt(i+1, lua.LString(part))
	}
	L.Push(tbl)
	return 1
}

// trim(str) -> string
func (m *UtilModule) trim(L *lua.LState) int {
	L.Push(lua.LString(strings.TrimSpace(L.CheckString(1))))
	return 1
}

// starts_with(str, prefix) -> bool
func (m *UtilModule) startsWith(L *lua.LState) int {
	L.Push(lua.LBool(strings.HasPrefix(L.CheckString(1), L.CheckString(2))))
	return 1
}

// contains(str, substr) -> bool
func (m *UtilModule) contains(L *lua.LState) int {
	L.Push(lua.LBool(strings.Contains(L.CheckString(1), L.CheckString(2))))
	return 1
}

// lower(str) -> string
func (m *UtilModule) lower(L *lua.LState) int {
	L.Push(lua.LString(strings.ToLower(L.CheckString(1))))
	return 1
}

// sanitize(str) -> string with all markup removed
func (m *UtilModule) sanitize(L *lua.LState) int {
	L.Push(lua.LString(m.utils.Sanitize(L.CheckString(1))))
	return 1
}

// keys(tbl) -> {keys}
func (m *UtilModule) keys(L *lua.LState) int {
	tbl := L.CheckTable(1)

	result := L.NewTable()
	i := 1
	tbl.ForEach(func(key, _ lua.LValue) {
		result.RawSetInt(i, key)
		i++
	})
	L.Push(result)
	return 1
}

// len(tbl) -> number of entries, including non-sequence keys
func (m *UtilModule) tableLen(L *lua.LState) int {
	tbl := L.CheckTable(1)

	count := 0
	tbl.ForEach(func(_, _ lua.LValue) {
		count++
	})
	L.Push(lua.LNumber(count))
	return 1
}

// round(x, digits?) -> number rounded half away from zero
func (m *UtilModule) round(L *lua.LState) int {
	x := float64(L.CheckNumber(1))
	digits := L.OptInt(2, 0)

	p := math.Pow(10, float64(digits))
	L.Push(lua.LNumber(math.Round(x*p) / p))
	return 1
}

// clamp(x, lo, hi) -> number
func (m *UtilModule) clamp(L *lua.LState) int {
	x := float64(L.CheckNumber(1))
	lo := float64(L.CheckNumber(2))
	hi := float64(L.CheckNumber(3))
	if lo > hi {
		L.ArgError(2, "lower bound exceeds upper bound")
		return 0
	}
	L.Push(lua.LNumber(math.Min(math.Max(x, lo), hi)))
	return 1
}

// uuid() -> string
func (m *UtilModule) uuid(L *lua.LState) int {
	L.Push(lua.LString(m.utils.NewID()))
	return 1
}

// format_date(unix_seconds, layout?) -> string in UTC
func (m *UtilModule) formatDate(L *lua.LState) int {
	secs := int64(L.CheckNumber(1))
	layout := L.OptString(2, "")
	L.Push(lua.LString(m.utils.FormatDate(time.Unix(secs, 0).UTC(), layout)))
	return 1
}

// mergeTables returns a new table with the fields of each argument laid
// over the previous ones. Empty tables and nil are skipped.
func mergeTables(args []any) (any, error) {
	out := make(map[string]any)
	for i, arg := range args {
		switch t := arg.(type) {
		case map[string]any:
			maps.Copy(out, t)
		case []any:
			if len(t) > 0 {
				return nil, fmt.Errorf("merge: argument %d is an array", i+1)
			}
		case nil:
		default:
			return nil, fmt.Errorf("merge: argument %d is not a table", i+1)
		}
	}
	return out, nil
}
