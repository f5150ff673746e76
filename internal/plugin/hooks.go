package plugin

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/dshills/calcrt/internal/plugin"

// callWithTimeout runs fn in its own goroutine under timeout. A panic in fn
// becomes an ErrHookPanic error. When the deadline passes first the result
// is abandoned and the context error returned; fn is expected to observe
// ctx and return.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- result{val: zero, err: fmt.Errorf("%w: %v", ErrHookPanic, r)}
			}
		}()
		v, err := fn(hctx)
		done <- result{val: v, err: err}
	}()

	select {
	case res := <-done:
		return res.val, res.err
	case <-hctx.Done():
		var zero T
		return zero, hctx.Err()
	}
}

// runHook invokes one lifecycle hook of rec and wraps failures.
func (m *Manager) runHook(ctx context.Context, rec *Record, hook string, fn func(context.Context) error) error {
	ctx, span := m.tracer.Start(ctx, "plugin."+hook, trace.WithAttributes(
		attribute.String("plugin.id", rec.id),
		attribute.String("plugin.version", rec.meta.Version),
	))
	defer span.End()

	_, err := callWithTimeout(ctx, m.config.HookTimeout, func(hctx context.Context) (struct{}, error) {
		return struct{}{}, fn(hctx)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, hook+" failed")
		return NewRuntimeError(rec.id, rec.meta.Namespace, hook, err)
	}
	return nil
}
