package lua

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	glua "github.com/yuin/gopher-lua"
)

func TestSandbox_RemovesDangerousGlobals(t *testing.T) {
	state := newTestState(t)

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "package", "io", "os", "debug"} {
		assert.Equal(t, glua.LNil, state.GetGlobal(name), name)
	}
}

func TestSandbox_RequireBuiltins(t *testing.T) {
	state := newTestState(t)

	require.NoError(t, state.DoString(context.Background(), `
		local m = require("math")
		floor = m.floor(2.7)
	`))
	assert.Equal(t, glua.LNumber(2), state.GetGlobal("floor"))
}

func TestSandbox_RequireRejectsUnknown(t *testing.T) {
	state := newTestState(t)

	for _, mod := range []string{"os", "io", "debug", "socket", "./evil"} {
		err := state.DoString(context.Background(), `require("`+mod+`")`)
		assert.ErrorContains(t, err, "is not available", mod)
	}
}

func TestSandbox_Preload(t *testing.T) {
	state := newTestState(t)
	calls := 0
	state.Preload("calc", func(L *glua.LState) int {
		calls++
		mod := L.NewTable()
		L.SetField(mod, "answer", glua.LNumber(42))
		L.Push(mod)
		return 1
	})

	require.NoError(t, state.DoString(context.Background(), `
		local a = require("calc")
		local b = require("calc")
		same = a == b
		answer = a.answer
	`))
	assert.Equal(t, glua.LTrue, state.GetGlobal("same"))
	assert.Equal(t, glua.LNumber(42), state.GetGlobal("answer"))
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"calc"}, state.sandbox.Modules())
}
