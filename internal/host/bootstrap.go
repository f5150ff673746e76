package host

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dshills/calcrt/internal/audit"
	"github.com/dshills/calcrt/internal/cache"
	"github.com/dshills/calcrt/internal/calculator"
	"github.com/dshills/calcrt/internal/calculators/cha2ds2vasc"
	"github.com/dshills/calcrt/internal/event"
	"github.com/dshills/calcrt/internal/plugin"
	"github.com/dshills/calcrt/internal/plugin/extension"
	"github.com/dshills/calcrt/internal/plugin/loader"
	"github.com/dshills/calcrt/internal/plugin/security"
	"github.com/dshills/calcrt/internal/storage"
)

// bootstrapper builds the runtime's components and releases them if a
// later one fails.
type bootstrapper struct {
	r         *Runtime
	initOrder []string
}

func newBootstrapper(r *Runtime) *bootstrapper {
	return &bootstrapper{r: r, initOrder: make([]string, 0, 10)}
}

func (b *bootstrapper) bootstrap() error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"logger", b.initLogger},
		{"event bus", b.initEventBus},
		{"storage", b.initStorage},
		{"audit", b.initAudit},
		{"security gate", b.initGate},
		{"loader chain", b.initLoaders},
		{"cache", b.initCache},
		{"manager", b.initManager},
		{"calculator layer", b.initLayer},
		{"subscriptions", b.initSubscriptions},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			b.cleanup()
			return &InitError{Component: step.name, Err: err}
		}
		b.initOrder = append(b.initOrder, step.name)
	}
	b.r.log.Debug().Strs("components", b.initOrder).Msg("runtime built")
	return nil
}

// cleanup releases what was built, in reverse order.
func (b *bootstrapper) cleanup() {
	r := b.r
	for i := len(b.initOrder) - 1; i >= 0; i-- {
		switch b.initOrder[i] {
		case "subscriptions":
			for _, unsub := range r.unsubscribe {
				unsub()
			}
			r.unsubscribe = nil
		case "storage":
			if r.ownStore && r.store != nil {
				_ = r.store.Close()
			}
		}
	}
}

func (b *bootstrapper) initLogger() error {
	r := b.r
	if r.opts.logger != nil {
		r.log = r.opts.logger
		return nil
	}
	r.log = newLogger(r.cfg.Logging, r.opts.logOutput)
	return nil
}

func (b *bootstrapper) initEventBus() error {
	b.r.bus = event.NewBus(event.WithLogger(b.r.log.Sub("events")))
	return nil
}

func (b *bootstrapper) initStorage() error {
	r := b.r
	if r.opts.store != nil {
		r.store = r.opts.store
		return nil
	}

	sc := r.cfg.Storage
	switch sc.Backend {
	case "redis":
		s, err := storage.NewRedisStore(context.Background(), storage.RedisOptions{
			URL:            sc.RedisURL,
			ConnectTimeout: sc.DialTimeout.Duration,
		})
		if err != nil {
			return err
		}
		r.store = s
	case "etcd":
		s, err := storage.NewEtcdStore(storage.EtcdOptions{
			Endpoints:   sc.EtcdEndpoints,
			DialTimeout: sc.DialTimeout.Duration,
		})
		if err != nil {
			return err
		}
		r.store = s
	default:
		r.store = storage.NewMemoryStore()
	}
	r.ownStore = true
	r.log.Info().Str("backend", sc.Backend).Msg("storage ready")
	return nil
}

func (b *bootstrapper) initAudit() error {
	r := b.r
	sinks := audit.Multi{audit.NewLogSink(r.log.Sub("audit"))}
	if r.cfg.Metrics.Enabled {
		reg := r.opts.registerer
		if reg == nil {
			reg = prometheus.NewRegistry()
		}
		ms, err := audit.NewMetricsSink(reg, r.cfg.Metrics.Namespace)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		r.registry = reg
		sinks = append(sinks, ms)
	}
	sinks = append(sinks, r.opts.audit...)
	r.audit = sinks
	return nil
}

func (b *bootstrapper) initGate() error {
	r := b.r
	risk, err := security.ParseRiskLevel(r.cfg.Security.MaxRisk)
	if err != nil {
		return err
	}
	policy := security.Policy{
		MaxRisk: risk,
		Limits: security.Limits{
			StorageOpsPerSecond:  r.cfg.Security.StorageOpsPerSecond,
			OutputBytesPerSecond: r.cfg.Security.OutputBytesPerSecond,
			MaxCallDepth:         r.cfg.Lua.MaxCallDepth,
		},
	}
	for _, combo := range r.cfg.Security.BlockedCombinations {
		caps := make([]security.Capability, 0, len(combo))
		for _, name := range combo {
			c := security.Capability(name)
			if !security.IsValidCapability(c) {
				return fmt.Errorf("blocked combination names unknown capability %q (known: %s)",
					name, joinCapabilities(security.AllCapabilities()))
			}
			caps = append(caps, c)
		}
		policy.BlockedCombinations = append(policy.BlockedCombinations, caps)
	}
	r.gate = security.NewGate(policy)
	r.extensions = extension.NewRegistry()
	return nil
}

func (b *bootstrapper) initLoaders() error {
	r := b.r
	lc := r.cfg.Loader

	r.local = loader.NewLocal()
	builtins := make(map[string]loader.Factory)
	if !r.opts.noBuiltins {
		builtins[cha2ds2vasc.ID] = cha2ds2vasc.New
	}
	for id, f := range r.opts.builtins {
		builtins[id] = f
	}
	for id, f := range builtins {
		if err := r.local.Register(id, f); err != nil {
			return err
		}
	}

	r.docs = loader.NewDeclarative(loader.WithScriptTimeout(r.cfg.Lua.ExecutionTimeout.Duration))
	strategies := []loader.Strategy{r.local, r.docs}
	if lc.Remote.Enabled {
		opts := loader.DefaultRemoteOptions()
		opts.AllowedDomains = lc.Remote.AllowedDomains
		opts.Timeout = lc.Remote.Timeout.Duration
		opts.MaxPayloadBytes = lc.Remote.MaxPayloadBytes
		opts.Retries = lc.Remote.Retries
		opts.RequestsPerSecond = lc.Remote.RequestsPerSecond
		opts.Logger = r.log
		strategies = append(strategies, loader.NewRemote(r.docs, opts))
	}

	r.chain = loader.NewChain(strategies,
		loader.WithLoadTimeout(r.cfg.Manager.HookTimeout.Duration),
		loader.WithChainLogger(r.log),
	)
	r.discoverer = loader.NewDiscoverer(lc.PluginDirs, r.chain.CanLoad, loader.WithDiscoveryLogger(r.log))
	return nil
}

func (b *bootstrapper) initCache() error {
	r := b.r
	r.cache = cache.New(r.chain,
		cache.WithSweepInterval(r.cfg.Cache.SweepInterval.Duration),
		cache.WithIdleThreshold(r.cfg.Cache.IdleThreshold.Duration),
		cache.WithLoadTimeout(r.cfg.Manager.HookTimeout.Duration),
		cache.WithLoadedCheck(func(id string) bool { return r.manager != nil && r.manager.IsActive(id) }),
		cache.WithLogger(r.log),
	)
	return nil
}

func (b *bootstrapper) initManager() error {
	r := b.r
	mc := r.cfg.Manager
	types := make([]plugin.Type, 0, len(mc.AllowedTypes))
	for _, t := range mc.AllowedTypes {
		types = append(types, plugin.Type(t))
	}

	opts := []plugin.Option{
		plugin.WithResolver(r.cache),
		plugin.WithGate(r.gate),
		plugin.WithExtensions(r.extensions),
		plugin.WithEventBus(r.bus),
		plugin.WithStore(r.store),
		plugin.WithAuditSink(r.audit),
		plugin.WithLogger(r.log),
	}
	if r.opts.tracer != nil {
		opts = append(opts, plugin.WithTracerProvider(r.opts.tracer))
	}
	r.manager = plugin.NewManager(plugin.ManagerConfig{
		MaxPlugins:    mc.MaxPlugins,
		AllowedTypes:  types,
		HookTimeout:   mc.HookTimeout.Duration,
		Environment:   mc.Environment,
		StoragePrefix: r.cfg.Storage.KeyPrefix,
	}, opts...)

	return r.manager.RegisterExtensionPoint(context.Background(), extension.Point{
		Name:        calculator.ExtensionPoint,
		Description: "Clinical calculators offered to the host",
		Cardinality: extension.Multiple,
	})
}

func (b *bootstrapper) initLayer() error {
	r := b.r
	cc := r.cfg.Calculator
	opts := []calculator.LayerOption{
		calculator.WithStatsSink(r.manager),
		calculator.WithAuditSink(r.audit),
		calculator.WithEventBus(r.bus),
		calculator.WithLogger(r.log),
		calculator.WithDefaults(calculator.Options{
			CalculationTimeout: cc.CalculationTimeout.Duration,
			ValidationTimeout:  cc.ValidationTimeout.Duration,
			CacheResults:       cc.CacheResults,
			CacheSize:          cc.CacheSize,
		}),
	}
	if r.opts.renderer != nil {
		opts = append(opts, calculator.WithRenderer(r.opts.renderer))
	}
	if r.opts.tracer != nil {
		opts = append(opts, calculator.WithTracerProvider(r.opts.tracer))
	}
	r.layer = calculator.NewLayer(r.manager, opts...)
	return nil
}

// initSubscriptions destroys a plugin's instances when it stops computing.
func (b *bootstrapper) initSubscriptions() error {
	r := b.r
	destroy := func(ctx context.Context, ev event.Event) {
		if n := r.cache.DestroyPlugin(ctx, ev.PluginID); n > 0 {
			r.log.Info().Str("plugin", ev.PluginID).Int("instances", n).Str("reason", string(ev.Topic)).Msg("destroyed instances")
		}
	}
	for _, topic := range []event.Topic{event.TopicPluginStopped, event.TopicPluginUnloaded} {
		unsub, err := r.bus.Subscribe(topic, destroy)
		if err != nil {
			return err
		}
		r.unsubscribe = append(r.unsubscribe, unsub)
	}
	return nil
}

func joinCapabilities(caps []security.Capability) string {
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}
