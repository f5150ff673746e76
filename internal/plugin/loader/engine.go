package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/dshills/calcrt/internal/plugin"
	"github.com/dshills/calcrt/internal/plugin/api"
	plua "github.com/dshills/calcrt/internal/plugin/lua"
	"github.com/dshills/calcrt/internal/plugin/security"
)

// engine runs the hook functions of one loaded script.
type engine interface {
	has(fn string) bool

	// call invokes fn with args and returns its first result.
	call(ctx context.Context, fn string, args ...any) (any, error)

	close() error
}

// engineFactory builds the engine for a document once the plugin has an
// execution context.
type engineFactory func(ctx context.Context, doc *Document, pctx *plugin.Context, timeout time.Duration) (engine, error)

func engineFor(language string) engineFactory {
	if language == LanguageJavaScript {
		return newJSEngine
	}
	return newLuaEngine
}

type luaEngine struct {
	state *plua.State
}

func newLuaEngine(ctx context.Context, doc *Document, pctx *plugin.Context, timeout time.Duration) (engine, error) {
	log := pctx.Logger
	st, err := plua.NewState(
		plua.WithExecutionTimeout(timeout),
		plua.WithCallStackSize(callDepth(pctx)),
		plua.WithPrint(func(s string) { log.Info().Msg(s) }),
	)
	if err != nil {
		return nil, err
	}

	reg, err := api.DefaultRegistry(pctx)
	if err != nil {
		st.Close()
		return nil, err
	}
	checker := security.NewPermissionCheckerFromSet(pctx.PluginID, doc.Permissions)
	if _, err := reg.InjectAll(st, checker); err != nil {
		st.Close()
		return nil, err
	}

	if err := st.DoString(ctx, doc.Program()); err != nil {
		st.Close()
		return nil, scriptError("load script", err)
	}
	return &luaEngine{state: st}, nil
}

func (e *luaEngine) has(fn string) bool { return e.state.HasFunction(fn) }

func (e *luaEngine) call(ctx context.Context, fn string, args ...any) (any, error) {
	res, err := e.state.Call(ctx, fn, args...)
	if err != nil {
		return nil, scriptError(fn, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res[0], nil
}

func (e *luaEngine) close() error { return e.state.Close() }

var errOutputLimited = errors.New("output rate exceeded")

// callDepth returns the plugin's call depth limit, or zero for the
// interpreter default.
func callDepth(pctx *plugin.Context) int {
	if pctx.Limits == nil {
		return 0
	}
	return pctx.Limits.Limits().MaxCallDepth
}

// scriptError maps interpreter deadline errors onto ErrScriptTimeout and
// runaway recursion onto ErrCallDepthExceeded.
func scriptError(what string, err error) error {
	if errors.Is(err, plua.ErrExecutionTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", what, ErrScriptTimeout, err)
	}
	var so *goja.StackOverflowError
	if errors.Is(err, plua.ErrCallDepthExceeded) || errors.As(err, &so) {
		return fmt.Errorf("%s: %w: %w", what, ErrCallDepthExceeded, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}
