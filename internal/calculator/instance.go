package calculator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/calcrt/internal/audit"
	"github.com/dshills/calcrt/internal/event"
	"github.com/dshills/calcrt/internal/plugin"
)

// Instance is one activation of a calculator plugin.
type Instance struct {
	id        string
	pluginID  string
	namespace string
	target    string
	layer     *Layer
	plugin    plugin.Plugin
	computer  Computer
	opts      Options
	form      map[string]any
	created   time.Time

	mu      sync.Mutex
	status  Status
	err     error
	inputs  Inputs
	result  *Result
	metrics Metrics
	cache   *resultCache
	gen     uint64
	cancel  context.CancelCauseFunc
}

// ID returns the instance id.
func (in *Instance) ID() string { return in.id }

// PluginID returns the id of the plugin behind the instance.
func (in *Instance) PluginID() string { return in.pluginID }

// Target returns the render target.
func (in *Instance) Target() string { return in.target }

// Options returns the effective options.
func (in *Instance) Options() Options { return in.opts }

// Form returns the plugin's form description, if it provides one.
func (in *Instance) Form() map[string]any { return in.form }

// Status returns the current status.
func (in *Instance) Status() Status {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.status
}

// Err returns the error of the last failed operation, if the instance is
// in the error state.
func (in *Instance) Err() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.err
}

// Metrics returns a snapshot of the rolling metrics.
func (in *Instance) Metrics() Metrics {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.metrics
}

// Inputs returns the inputs of the most recent calculation.
func (in *Instance) Inputs() Inputs {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.inputs.Clone()
}

// LastResult returns the most recent successful result.
func (in *Instance) LastResult() (Result, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.result == nil {
		return Result{}, false
	}
	return *in.result, true
}

// Busy reports whether the instance is loading or calculating.
func (in *Instance) Busy() bool {
	s := in.Status()
	return s == StatusLoading || s == StatusCalculating
}

// IdleSince returns when the instance was last used.
func (in *Instance) IdleSince() time.Time {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.idleSince()
}

func (in *Instance) idleSince() time.Time {
	if in.metrics.LastUsed.IsZero() {
		return in.created
	}
	return in.metrics.LastUsed
}

// Calculate validates inputs and runs the compute hook. A still-running
// calculation on the same instance is cancelled first and its caller gets
// ErrCalculationSuperseded.
func (in *Instance) Calculate(ctx context.Context, inputs Inputs) (Result, error) {
	ctx, span := in.layer.tracer.Start(ctx, "calculator.calculate", trace.WithAttributes(
		attribute.String("plugin.id", in.pluginID),
		attribute.String("instance.id", in.id),
	))
	defer span.End()

	callCtx, gen, cancel, err := in.begin(ctx, inputs)
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	defer cancel(nil)

	start := in.layer.now()
	if res, ok := in.cached(inputs); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		res, err := in.finishCached(gen, res)
		if err == nil {
			in.report(ctx, nil, in.layer.now().Sub(start), true)
		}
		return res, err
	}

	res, err := in.execute(callCtx, inputs)
	d := in.layer.now().Sub(start)

	res, err, executed := in.finish(gen, inputs, res, err, d)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "calculation failed")
	}
	if executed {
		in.report(ctx, err, d, false)
	}
	return res, err
}

// begin claims the instance for a new calculation, cancelling the previous
// one.
func (in *Instance) begin(ctx context.Context, inputs Inputs) (context.Context, uint64, context.CancelCauseFunc, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.status == StatusDestroyed {
		return nil, 0, nil, ErrInstanceDestroyed
	}
	if in.cancel != nil {
		in.cancel(ErrCalculationSuperseded)
	}

	callCtx, cancel := context.WithCancelCause(ctx)
	in.gen++
	in.cancel = cancel
	in.status = StatusCalculating
	in.inputs = inputs.Clone()
	return callCtx, in.gen, cancel, nil
}

func (in *Instance) cached(inputs Inputs) (Result, bool) {
	if in.cache == nil {
		return Result{}, false
	}
	key, ok := inputs.key()
	if !ok {
		return Result{}, false
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.cache.get(key)
}

func (in *Instance) execute(ctx context.Context, inputs Inputs) (Result, error) {
	if v, ok := in.plugin.(InputValidator); ok {
		vr, err := call(ctx, OpValidation, in.opts.ValidationTimeout, func(c context.Context) (ValidationResult, error) {
			return v.ValidateInputs(c, inputs)
		})
		if err != nil {
			return Result{}, in.wrap("validate", err)
		}
		if !vr.Valid {
			fields := vr.Errors
			if len(fields) == 0 {
				fields = map[string]string{"inputs": "rejected"}
			}
			return Result{}, &ValidationError{PluginID: in.pluginID, Fields: fields}
		}
	}

	res, err := call(ctx, OpCalculation, in.opts.CalculationTimeout, func(c context.Context) (Result, error) {
		return in.computer.Calculate(c, inputs)
	})
	if err != nil {
		return Result{}, in.wrap("calculate", err)
	}
	return res, nil
}

// wrap leaves runtime-produced errors alone and wraps the plugin's own.
func (in *Instance) wrap(hook string, err error) error {
	var te *TimeoutError
	switch {
	case errors.As(err, &te),
		errors.Is(err, ErrCalculationSuperseded),
		errors.Is(err, ErrInstanceDestroyed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return plugin.NewRuntimeError(in.pluginID, in.namespace, hook, err)
}

// finish records the outcome if gen is still the current calculation.
// executed reports whether the outcome counts as a calculation.
func (in *Instance) finish(gen uint64, inputs Inputs, res Result, err error, d time.Duration) (Result, error, bool) {
	in.mu.Lock()

	in.metrics.LastUsed = in.layer.now()
	switch {
	case in.status == StatusDestroyed:
		in.mu.Unlock()
		return Result{}, ErrInstanceDestroyed, false
	case gen != in.gen:
		in.mu.Unlock()
		return Result{}, ErrCalculationSuperseded, false
	}
	in.cancel = nil

	if err != nil {
		in.metrics.Errors++
		in.status = StatusError
		in.err = err
		view := in.view()
		in.mu.Unlock()
		in.update(view)
		return Result{}, err, true
	}

	in.metrics.Calculations++
	n := time.Duration(in.metrics.Calculations)
	in.metrics.AverageTime += (d - in.metrics.AverageTime) / n
	in.status = StatusReady
	in.err = nil
	stored := res
	in.result = &stored
	if in.cache != nil {
		if key, ok := inputs.key(); ok {
			in.cache.put(key, res)
		}
	}
	view := in.view()
	in.mu.Unlock()

	in.update(view)
	return res, nil, true
}

func (in *Instance) finishCached(gen uint64, res Result) (Result, error) {
	in.mu.Lock()

	in.metrics.LastUsed = in.layer.now()
	switch {
	case in.status == StatusDestroyed:
		in.mu.Unlock()
		return Result{}, ErrInstanceDestroyed
	case gen != in.gen:
		in.mu.Unlock()
		return Result{}, ErrCalculationSuperseded
	}
	in.cancel = nil
	in.metrics.CacheHits++
	in.status = StatusReady
	in.err = nil
	res.Cached = true
	stored := res
	in.result = &stored
	view := in.view()
	in.mu.Unlock()

	in.update(view)
	return res, nil
}

// report forwards a calculation outcome, cached or executed, to the stats
// and audit sinks.
func (in *Instance) report(ctx context.Context, err error, d time.Duration, cached bool) {
	success := err == nil
	if in.layer.stats != nil {
		in.layer.stats.RecordCalculation(in.pluginID, success, d)
	}
	detail := map[string]any{"instance": in.id}
	if cached {
		detail["cached"] = true
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		detail["timeout"] = string(te.Op)
	}
	in.layer.record(ctx, audit.KindCalculation, in.pluginID, success, d, err, detail)
}

func (in *Instance) update(view View) {
	if err := in.layer.renderer.Update(context.Background(), in.target, view); err != nil {
		in.layer.log.Warn().Err(err).Str("instance", in.id).Msg("render update failed")
	}
}

// view builds the renderer's view. Callers hold in.mu.
func (in *Instance) view() View {
	v := View{
		InstanceID: in.id,
		PluginID:   in.pluginID,
		Status:     in.status,
		Form:       in.form,
		Inputs:     in.inputs.Clone(),
		Err:        in.err,
	}
	if in.result != nil {
		r := *in.result
		v.Result = &r
	}
	return v
}

// Destroy cancels any in-flight calculation and releases the render
// target. Calling it again does nothing.
func (in *Instance) Destroy(ctx context.Context) error {
	in.mu.Lock()
	if in.status == StatusDestroyed {
		in.mu.Unlock()
		return nil
	}
	in.markDestroyed()
	in.mu.Unlock()
	return in.release(ctx)
}

// DestroyIfIdle destroys the instance only if it is neither loading nor
// calculating and was last used before cutoff. The check and the status
// change share one critical section, so a Calculate racing with it either
// keeps the instance alive or fails with ErrInstanceDestroyed before
// running any hook.
func (in *Instance) DestroyIfIdle(ctx context.Context, cutoff time.Time) (bool, error) {
	in.mu.Lock()
	switch in.status {
	case StatusDestroyed, StatusLoading, StatusCalculating:
		in.mu.Unlock()
		return false, nil
	}
	if !in.idleSince().Before(cutoff) {
		in.mu.Unlock()
		return false, nil
	}
	in.markDestroyed()
	in.mu.Unlock()
	return true, in.release(ctx)
}

// markDestroyed flips the status and cancels in-flight work. Callers hold
// in.mu.
func (in *Instance) markDestroyed() {
	in.status = StatusDestroyed
	if in.cancel != nil {
		in.cancel(ErrInstanceDestroyed)
		in.cancel = nil
	}
	if in.cache != nil {
		in.cache.clear()
	}
}

func (in *Instance) release(ctx context.Context) error {
	err := in.layer.renderer.Teardown(ctx, in.target)
	in.layer.publish(ctx, event.TopicInstanceDestroyed, in.pluginID, map[string]any{"instance": in.id})
	return err
}
