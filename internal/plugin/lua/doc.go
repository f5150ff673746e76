// Package lua runs calculator script snippets in a restricted gopher-lua
// interpreter.
//
// A State opens only the base, table, string and math libraries. The
// Sandbox strips globals that load code from disk or strings and replaces
// require with a lookup over preloaded Go modules:
//
//	state, err := lua.NewState(lua.WithExecutionTimeout(2 * time.Second))
//	if err != nil {
//	    return err
//	}
//	defer state.Close()
//
//	if err := state.DoString(ctx, script); err != nil {
//	    return err
//	}
//	out, err := state.Call(ctx, "calculate", inputs)
//
// Every execution runs under a context. Cancellation and deadlines are
// observed between VM instructions, so a runaway loop is interrupted rather
// than left spinning.
//
// The Bridge converts between Go values (maps, slices, numbers, strings)
// and Lua values.
package lua
