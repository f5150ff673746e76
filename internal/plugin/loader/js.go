package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"github.com/dshills/calcrt/internal/plugin"
	"github.com/dshills/calcrt/internal/plugin/api"
)

// jsEngine runs a javascript document in a goja runtime. The runtime is
// not goroutine-safe, so calls are serialized.
type jsEngine struct {
	mu      sync.Mutex
	vm      *goja.Runtime
	timeout time.Duration
	closed  bool

	// ctx is the context of the running call, for emit and storage.
	ctx context.Context
}

func newJSEngine(ctx context.Context, doc *Document, pctx *plugin.Context, timeout time.Duration) (engine, error) {
	e := &jsEngine{vm: goja.New(), timeout: timeout, ctx: context.Background()}
	e.vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if depth := callDepth(pctx); depth > 0 {
		e.vm.SetMaxCallStackSize(depth)
	}

	if err := e.bind(pctx, doc.Permissions.Storage); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.run(ctx, func() (goja.Value, error) {
		return e.vm.RunString(doc.Program())
	}); err != nil {
		return nil, scriptError("load script", err)
	}
	return e, nil
}

// bind installs the calc object: log, util, event and, when granted,
// storage.
func (e *jsEngine) bind(pctx *plugin.Context, storageGranted bool) error {
	vm := e.vm
	log := pctx.Logger
	calc := vm.NewObject()

	logObj := vm.NewObject()
	for name, level := range map[string]func() *zerolog.Event{
		"debug": log.Debug, "info": log.Info, "warn": log.Warn, "error": log.Error,
	} {
		_ = logObj.Set(name, func(msg string) error {
			if pctx.Limits != nil && !pctx.Limits.TryOutput(len(msg)) {
				return errOutputLimited
			}
			level().Str("source", "script").Msg(msg)
			return nil
		})
	}

	util := vm.NewObject()
	_ = util.Set("uuid", pctx.Utils.NewID)
	_ = util.Set("sanitize", pctx.Utils.Sanitize)
	_ = util.Set("round", func(x float64, digits int) float64 {
		p := math.Pow(10, float64(digits))
		return math.Round(x*p) / p
	})
	_ = util.Set("format_date", func(secs int64, layout string) string {
		return pctx.Utils.FormatDate(time.Unix(secs, 0).UTC(), layout)
	})

	ev := vm.NewObject()
	_ = ev.Set("emit", func(name string, data map[string]any) error {
		if pctx.Limits != nil && !pctx.Limits.TryOutput(len(name)+jsonSize(data)) {
			return errOutputLimited
		}
		pctx.Emit(e.ctx, name, data)
		return nil
	})

	for name, v := range map[string]any{"log": logObj, "util": util, "event": ev, "api_version": api.Version} {
		if err := calc.Set(name, v); err != nil {
			return err
		}
	}

	if storageGranted && pctx.Storage != nil {
		store := pctx.Storage
		st := vm.NewObject()
		_ = st.Set("get", func(key string) (any, error) {
			var v any
			ok, err := store.GetJSON(e.ctx, key, &v)
			if err != nil || !ok {
				return nil, err
			}
			return v, nil
		})
		_ = st.Set("set", func(key string, value any) error {
			return store.SetJSON(e.ctx, key, value)
		})
		_ = st.Set("delete", func(key string) error {
			return store.Delete(e.ctx, key)
		})
		if err := calc.Set("storage", st); err != nil {
			return err
		}
	}
	return vm.Set("calc", calc)
}

func (e *jsEngine) has(fn string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	_, ok := goja.AssertFunction(e.vm.Get(fn))
	return ok
}

func (e *jsEngine) call(ctx context.Context, fn string, args ...any) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrNotLoaded
	}

	callable, ok := goja.AssertFunction(e.vm.Get(fn))
	if !ok {
		return nil, fmt.Errorf("%s: function not defined", fn)
	}
	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = e.vm.ToValue(a)
	}

	v, err := e.run(ctx, func() (goja.Value, error) {
		return callable(goja.Undefined(), jsArgs...)
	})
	if err != nil {
		return nil, scriptError(fn, err)
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	return normalize(v.Export()), nil
}

// run executes fn with the runtime interrupted when ctx, narrowed by the
// execution timeout, ends. Callers hold e.mu.
func (e *jsEngine) run(ctx context.Context, fn func() (goja.Value, error)) (v goja.Value, err error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	e.ctx = ctx
	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		e.vm.Interrupt(ctx.Err())
		close(interrupted)
	})
	defer func() {
		if !stop() {
			<-interrupted
		}
		e.vm.ClearInterrupt()
		e.ctx = context.Background()
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("javascript panic: %v", r)
		}
	}()

	v, err = fn()
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
	}
	return v, err
}

func (e *jsEngine) close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func jsonSize(data map[string]any) int {
	if len(data) == 0 {
		return 0
	}
	raw, _ := json.Marshal(data)
	return len(raw)
}

// normalize makes exported values look like the Lua bridge's output:
// integral numbers become int64 and nested maps map[string]any.
func normalize(v any) any {
	switch t := v.(type) {
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = normalize(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = normalize(x)
		}
		return out
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	default:
		return v
	}
}
