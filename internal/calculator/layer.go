package calculator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/calcrt/internal/audit"
	"github.com/dshills/calcrt/internal/event"
	"github.com/dshills/calcrt/internal/logging"
	"github.com/dshills/calcrt/internal/plugin"
)

const tracerName = "github.com/dshills/calcrt/internal/calculator"

// Layer activates calculator instances over started plugins.
type Layer struct {
	source   PluginSource
	stats    StatsSink
	renderer Renderer
	audit    audit.Sink
	bus      *event.Bus
	tracer   trace.Tracer
	log      *logging.Logger
	defaults Options
	now      func() time.Time
	newID    func() string
}

// LayerOption configures a Layer.
type LayerOption func(*Layer)

// WithStatsSink sets where calculation outcomes are reported.
func WithStatsSink(s StatsSink) LayerOption {
	return func(l *Layer) { l.stats = s }
}

// WithRenderer sets the presentation collaborator.
func WithRenderer(r Renderer) LayerOption {
	return func(l *Layer) { l.renderer = r }
}

// WithAuditSink sets the audit sink.
func WithAuditSink(s audit.Sink) LayerOption {
	return func(l *Layer) { l.audit = s }
}

// WithEventBus publishes instance.activated and instance.destroyed on b.
func WithEventBus(b *event.Bus) LayerOption {
	return func(l *Layer) { l.bus = b }
}

// WithTracerProvider sets the provider calculation spans come from.
func WithTracerProvider(tp trace.TracerProvider) LayerOption {
	return func(l *Layer) { l.tracer = tp.Tracer(tracerName) }
}

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) LayerOption {
	return func(l *Layer) { l.log = log.Sub("calculator") }
}

// WithDefaults sets the options used when Activate is given none, and to
// fill zero fields of those it is given.
func WithDefaults(o Options) LayerOption {
	return func(l *Layer) { l.defaults = o.merge(DefaultOptions()) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) LayerOption {
	return func(l *Layer) { l.now = now }
}

// NewLayer creates a layer drawing plugins from source.
func NewLayer(source PluginSource, opts ...LayerOption) *Layer {
	l := &Layer{
		source:   source,
		renderer: NopRenderer{},
		audit:    audit.Nop{},
		log:      logging.Nop(),
		defaults: DefaultOptions(),
		now:      time.Now,
		newID:    plugin.NewUtils().NewID,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.tracer == nil {
		l.tracer = otel.GetTracerProvider().Tracer(tracerName)
	}
	return l
}

// Activate creates an instance of the started plugin pluginID drawn into
// target. The instance moves from loading to ready once the renderer has
// drawn it. If rendering fails the instance ends in the error state, the
// target is torn down and the failure returned.
func (l *Layer) Activate(ctx context.Context, pluginID, target string, opts *Options) (*Instance, error) {
	ctx, span := l.tracer.Start(ctx, "calculator.activate", trace.WithAttributes(
		attribute.String("plugin.id", pluginID),
	))
	defer span.End()

	p, err := l.source.Plugin(pluginID)
	if err != nil {
		return nil, err
	}
	comp, ok := p.(Computer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotCalculator, pluginID)
	}

	o := l.defaults
	if opts != nil {
		o = opts.merge(l.defaults)
	}

	start := l.now()
	in := &Instance{
		id:        l.newID(),
		pluginID:  pluginID,
		namespace: p.Metadata().Namespace,
		target:    target,
		layer:     l,
		plugin:    p,
		computer:  comp,
		opts:      o,
		status:    StatusLoading,
		created:   start,
	}
	if o.CacheResults {
		in.cache = newResultCache(o.CacheSize)
	}
	if fp, ok := p.(FormProvider); ok {
		in.form = fp.Form()
	}
	span.SetAttributes(attribute.String("instance.id", in.id))

	if err := l.renderer.Render(ctx, target, in.view()); err != nil {
		in.mu.Lock()
		in.status = StatusError
		in.err = err
		in.mu.Unlock()
		_ = l.renderer.Teardown(ctx, target)
		span.RecordError(err)
		l.record(ctx, audit.KindActivation, pluginID, false, 0, err, map[string]any{"instance": in.id, "target": target})
		return nil, fmt.Errorf("render %s: %w", pluginID, err)
	}

	in.mu.Lock()
	in.status = StatusReady
	in.metrics.LoadTime = l.now().Sub(start)
	in.metrics.LastUsed = l.now()
	in.mu.Unlock()

	l.log.Debug().Str("plugin", pluginID).Str("instance", in.id).Msg("instance activated")
	l.record(ctx, audit.KindActivation, pluginID, true, in.metrics.LoadTime, nil, map[string]any{"instance": in.id, "target": target})
	l.publish(ctx, event.TopicInstanceActivated, pluginID, map[string]any{"instance": in.id, "target": target})
	return in, nil
}

func (l *Layer) record(ctx context.Context, kind audit.Kind, pluginID string, success bool, d time.Duration, err error, detail map[string]any) {
	sev := audit.SeverityInfo
	if !success {
		sev = audit.SeverityWarning
	}
	l.audit.Record(ctx, audit.Entry{
		Kind:     kind,
		PluginID: pluginID,
		Success:  success,
		Severity: sev,
		Duration: d,
		Detail:   detail,
		Err:      err,
		Time:     l.now(),
	})
}

func (l *Layer) publish(ctx context.Context, topic event.Topic, pluginID string, data map[string]any) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(ctx, event.Event{Topic: topic, PluginID: pluginID, Data: data})
}

// call runs fn under timeout in its own goroutine so a hook that ignores
// its context still cannot hold the caller past the deadline. parent is the
// instance's cancellable context; its cause decides how an early end is
// reported.
func call[T any](parent context.Context, op Operation, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	tctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- outcome{val: zero, err: fmt.Errorf("%w: %v", plugin.ErrHookPanic, r)}
			}
		}()
		v, err := fn(tctx)
		done <- outcome{val: v, err: err}
	}()

	var zero T
	select {
	case res := <-done:
		if res.err != nil && tctx.Err() != nil {
			return zero, interruption(parent, op, timeout)
		}
		return res.val, res.err
	case <-tctx.Done():
		return zero, interruption(parent, op, timeout)
	}
}

func interruption(parent context.Context, op Operation, timeout time.Duration) error {
	if cause := context.Cause(parent); cause != nil {
		return cause
	}
	return &TimeoutError{Op: op, Timeout: timeout}
}
