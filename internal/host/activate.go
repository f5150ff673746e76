package host

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/calcrt/internal/calculator"
	"github.com/dshills/calcrt/internal/plugin"
)

// retryBackoff is the wait before the second activation attempt. It
// doubles for each attempt after that.
var retryBackoff = 100 * time.Millisecond

// Activate loads source if no plugin from it is loaded, starts the plugin,
// and activates a calculator instance drawn into target. The instance is
// tracked until it is destroyed or swept.
func (r *Runtime) Activate(ctx context.Context, source, target string, opts *calculator.Options) (*calculator.Instance, error) {
	if r.shutdown.Load() {
		return nil, ErrShutdown
	}

	id, err := r.load(ctx, source)
	if err != nil {
		return nil, err
	}
	if err := r.manager.StartPlugin(ctx, id); err != nil {
		return nil, err
	}

	in, err := r.layer.Activate(ctx, id, target, opts)
	if err != nil {
		return nil, err
	}
	r.cache.PutInstance(in)
	return in, nil
}

// load admits source and returns the plugin id. A source whose plugin is
// already loaded resolves to that plugin.
func (r *Runtime) load(ctx context.Context, source string) (string, error) {
	rec, err := r.manager.LoadPlugin(ctx, source, nil)
	if err == nil {
		return rec.ID(), nil
	}

	var dup *plugin.AlreadyLoadedError
	if errors.As(err, &dup) {
		if existing, ok := r.manager.Get(dup.PluginID); ok && existing.Source() != source {
			// a second source for the same id: release the duplicate
			_ = r.cache.Unload(ctx, source)
		}
		return dup.PluginID, nil
	}

	// nothing from source was admitted, so drop what resolving it built
	if r.cache.Resolved(source) {
		_ = r.cache.Unload(ctx, source)
	}
	return "", err
}

// ActivateWithRetry calls Activate up to attempts times, backing off
// between tries. Failures that another attempt cannot fix end it early.
// When every attempt fails the error matches ErrRetriesExhausted and wraps
// the last failure.
func (r *Runtime) ActivateWithRetry(ctx context.Context, source, target string, attempts int) (*calculator.Instance, error) {
	if attempts < 1 {
		attempts = r.cfg.Calculator.ActivationRetries
	}

	wait := retryBackoff
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		in, err := r.Activate(ctx, source, target, nil)
		if err == nil {
			return in, nil
		}
		last = err
		if permanent(err) {
			return nil, err
		}
		r.log.Debug().Err(err).Str("source", source).Int("attempt", attempt).Msg("activation failed")

		if attempt == attempts {
			break
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errors.Join(ctx.Err(), last)
		case <-t.C:
		}
		wait *= 2
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, last)
}

// permanent reports failures a retry cannot change.
func permanent(err error) bool {
	return errors.Is(err, plugin.ErrPermissionDenied) ||
		errors.Is(err, plugin.ErrInvalidMetadata) ||
		errors.Is(err, plugin.ErrNoLoaderFound) ||
		errors.Is(err, calculator.ErrNotCalculator) ||
		errors.Is(err, ErrShutdown)
}

// Calculate runs inputs through a tracked instance.
func (r *Runtime) Calculate(ctx context.Context, instanceID string, inputs calculator.Inputs) (calculator.Result, error) {
	in, ok := r.cache.Instance(instanceID)
	if !ok {
		return calculator.Result{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	return in.Calculate(ctx, inputs)
}

// Deactivate destroys a tracked instance.
func (r *Runtime) Deactivate(ctx context.Context, instanceID string) error {
	if _, ok := r.cache.Instance(instanceID); !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	return r.cache.RemoveInstance(ctx, instanceID)
}

// Calculators returns the implementations contributed to the
// medical.calculator point, highest priority first.
func (r *Runtime) Calculators() ([]any, error) {
	return r.manager.GetExtensionImplementations(calculator.ExtensionPoint)
}
