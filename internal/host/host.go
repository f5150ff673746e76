// Package host assembles the plugin manager, loader chain, cache and
// calculator layer into one object. Everything is built once by New and
// passed explicitly; there are no package globals.
package host

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/calcrt/internal/audit"
	"github.com/dshills/calcrt/internal/cache"
	"github.com/dshills/calcrt/internal/calculator"
	"github.com/dshills/calcrt/internal/config"
	"github.com/dshills/calcrt/internal/event"
	"github.com/dshills/calcrt/internal/logging"
	"github.com/dshills/calcrt/internal/plugin"
	"github.com/dshills/calcrt/internal/plugin/extension"
	"github.com/dshills/calcrt/internal/plugin/loader"
	"github.com/dshills/calcrt/internal/plugin/security"
	"github.com/dshills/calcrt/internal/storage"
)

// Runtime is a running calculator plugin host.
type Runtime struct {
	cfg config.Config

	log        *logging.Logger
	bus        *event.Bus
	store      storage.Store
	ownStore   bool
	audit      audit.Sink
	registry   *prometheus.Registry
	gate       *security.Gate
	extensions *extension.Registry

	local       *loader.Local
	docs        *loader.Declarative
	chain       *loader.Chain
	discoverer  *loader.Discoverer
	cache       *cache.Cache
	manager     *plugin.Manager
	layer       *calculator.Layer
	unsubscribe []func()

	opts options

	started  atomic.Bool
	shutdown atomic.Bool

	// serializes watch-driven reloads
	reloadMu sync.Mutex
}

type options struct {
	logOutput  io.Writer
	logger     *logging.Logger
	store      storage.Store
	renderer   calculator.Renderer
	tracer     trace.TracerProvider
	registerer *prometheus.Registry
	audit      []audit.Sink
	builtins   map[string]loader.Factory
	noBuiltins bool
}

// Option configures a Runtime.
type Option func(*options)

// WithLogOutput sends logs to w. The format follows logging.format.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOutput = w }
}

// WithLogger uses log instead of building one from the configuration.
func WithLogger(log *logging.Logger) Option {
	return func(o *options) { o.logger = log }
}

// WithStore uses s instead of the configured storage backend. The runtime
// does not close it.
func WithStore(s storage.Store) Option {
	return func(o *options) { o.store = s }
}

// WithRenderer sets the presentation collaborator for instances.
func WithRenderer(r calculator.Renderer) Option {
	return func(o *options) { o.renderer = r }
}

// WithTracerProvider sets where lifecycle and calculation spans go.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// WithMetricsRegistry registers the runtime's collectors on reg.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registerer = reg }
}

// WithAuditSink adds a sink next to the log and metrics sinks.
func WithAuditSink(s audit.Sink) Option {
	return func(o *options) { o.audit = append(o.audit, s) }
}

// WithBuiltin registers a compiled-in plugin under id in the local catalog.
func WithBuiltin(id string, f loader.Factory) Option {
	return func(o *options) {
		if o.builtins == nil {
			o.builtins = make(map[string]loader.Factory)
		}
		o.builtins[id] = f
	}
}

// WithoutDefaultBuiltins leaves the reference calculators out of the
// local catalog.
func WithoutDefaultBuiltins() Option {
	return func(o *options) { o.noBuiltins = true }
}

// New builds every component in dependency order. If a component fails,
// those already built are released and an *InitError is returned.
func New(cfg config.Config, opts ...Option) (*Runtime, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, &InitError{Component: "config", Err: err}
	}

	r := &Runtime{cfg: cfg, opts: o}
	if err := newBootstrapper(r).bootstrap(); err != nil {
		return nil, err
	}
	return r, nil
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *logging.Logger {
	if w == nil {
		w = os.Stderr
	}
	if cfg.Format == "json" {
		return logging.New(w, cfg.Level)
	}
	return logging.NewConsole(w, cfg.Level)
}

// Config returns the configuration the runtime was built with.
func (r *Runtime) Config() config.Config { return r.cfg }

// Logger returns the root logger.
func (r *Runtime) Logger() *logging.Logger { return r.log }

// Bus returns the event bus.
func (r *Runtime) Bus() *event.Bus { return r.bus }

// Manager returns the plugin manager.
func (r *Runtime) Manager() *plugin.Manager { return r.manager }

// Layer returns the calculator layer.
func (r *Runtime) Layer() *calculator.Layer { return r.layer }

// Cache returns the loader cache.
func (r *Runtime) Cache() *cache.Cache { return r.cache }

// Chain returns the loader chain.
func (r *Runtime) Chain() *loader.Chain { return r.chain }

// Discoverer returns the plugin directory scanner.
func (r *Runtime) Discoverer() *loader.Discoverer { return r.discoverer }

// Gate returns the security gate.
func (r *Runtime) Gate() *security.Gate { return r.gate }

// Metrics returns the prometheus registry, or nil when metrics are off.
func (r *Runtime) Metrics() *prometheus.Registry { return r.registry }

// Health checks every started plugin.
func (r *Runtime) Health(ctx context.Context) plugin.HealthReport {
	return r.manager.HealthCheck(ctx)
}

// Builtins returns the ids of the compiled-in plugins.
func (r *Runtime) Builtins() []string { return r.local.Modules() }
