package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/calcrt/internal/audit"
	"github.com/dshills/calcrt/internal/event"
	"github.com/dshills/calcrt/internal/logging"
	"github.com/dshills/calcrt/internal/plugin/extension"
	"github.com/dshills/calcrt/internal/plugin/security"
	"github.com/dshills/calcrt/internal/storage"
)

// ManagerConfig configures the plugin manager.
type ManagerConfig struct {
	// MaxPlugins bounds how many plugins may be loaded at once.
	MaxPlugins int

	// AllowedTypes restricts plugin types. Empty allows every type.
	AllowedTypes []Type

	// HookTimeout bounds every lifecycle and health hook.
	HookTimeout time.Duration

	// Environment is copied into configs that do not name one.
	Environment string

	// StoragePrefix prefixes every scoped storage key.
	StoragePrefix string
}

// DefaultManagerConfig returns the default manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxPlugins:    64,
		AllowedTypes:  []Type{TypeCalculator, TypeExtensionProvider, TypeService},
		HookTimeout:   10 * time.Second,
		Environment:   "production",
		StoragePrefix: "calcrt",
	}
}

// Manager owns every plugin record and drives lifecycle transitions.
type Manager struct {
	mu        sync.RWMutex
	records   map[string]*Record
	pending   map[string]bool
	loadOrder []string

	config     ManagerConfig
	resolver   Resolver
	gate       *security.Gate
	extensions *extension.Registry
	bus        *event.Bus
	store      storage.Store
	audit      audit.Sink
	tracer     trace.Tracer
	root       *logging.Logger
	log        *logging.Logger
	utils      Utils
}

// Option configures a Manager.
type Option func(*Manager)

// WithResolver sets the source resolver, usually a loader chain.
func WithResolver(r Resolver) Option {
	return func(m *Manager) { m.resolver = r }
}

// WithGate sets the security gate.
func WithGate(g *security.Gate) Option {
	return func(m *Manager) { m.gate = g }
}

// WithExtensions sets the extension registry.
func WithExtensions(r *extension.Registry) Option {
	return func(m *Manager) { m.extensions = r }
}

// WithEventBus sets the bus lifecycle events are published on.
func WithEventBus(b *event.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithStore sets the backend of plugin scoped storage.
func WithStore(s storage.Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithAuditSink sets the audit sink.
func WithAuditSink(s audit.Sink) Option {
	return func(m *Manager) { m.audit = s }
}

// WithTracerProvider sets the provider lifecycle hook spans are created
// from. The default is the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) { m.tracer = tp.Tracer(tracerName) }
}

// WithLogger sets the root logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.root = l }
}

// NewManager creates a manager. Missing collaborators get in-process
// defaults; the resolver has none.
func NewManager(config ManagerConfig, opts ...Option) *Manager {
	def := DefaultManagerConfig()
	if config.MaxPlugins <= 0 {
		config.MaxPlugins = def.MaxPlugins
	}
	if config.HookTimeout <= 0 {
		config.HookTimeout = def.HookTimeout
	}

	m := &Manager{
		records: make(map[string]*Record),
		pending: make(map[string]bool),
		config:  config,
		utils:   NewUtils(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.gate == nil {
		m.gate = security.NewGate(security.DefaultPolicy())
	}
	if m.extensions == nil {
		m.extensions = extension.NewRegistry()
	}
	if m.bus == nil {
		m.bus = event.NewBus()
	}
	if m.store == nil {
		m.store = storage.NewMemoryStore()
	}
	if m.audit == nil {
		m.audit = audit.Nop{}
	}
	if m.tracer == nil {
		m.tracer = otel.GetTracerProvider().Tracer(tracerName)
	}
	if m.root == nil {
		m.root = logging.Nop()
	}
	m.log = m.root.Sub("manager")
	m.gate.SetActivityCheck(m.IsActive)
	return m
}

// LoadPlugin resolves source, admits the plugin through metadata
// validation and the security gate, configures it and runs its load hook.
// On any failure nothing of the plugin remains registered.
func (m *Manager) LoadPlugin(ctx context.Context, source string, cfg *Config) (*Record, error) {
	if m.resolver == nil {
		return nil, fmt.Errorf("%w: %s: no resolver configured", ErrNoLoaderFound, source)
	}

	p, err := m.resolver.Load(ctx, source)
	if err != nil {
		m.recordAudit(ctx, audit.KindLoad, "", false, audit.SeverityWarning, err, map[string]any{"source": source})
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: resolver returned no plugin for %s", ErrInvalidMetadata, source)
	}

	meta := p.Metadata().Clone()
	if err := meta.Validate(m.config.AllowedTypes); err != nil {
		m.recordAudit(ctx, audit.KindLoad, meta.FullID(), false, audit.SeverityWarning, err, map[string]any{"source": source})
		return nil, err
	}
	id := meta.FullID()

	decision := m.gate.CheckPermissions(meta.Permissions)
	m.auditDecision(ctx, id, decision)
	if !decision.Allowed {
		return nil, &PermissionDeniedError{
			PluginID:        id,
			Risk:            decision.Risk,
			Reason:          decision.Reason,
			Recommendations: decision.Recommendations,
		}
	}

	m.mu.Lock()
	if _, exists := m.records[id]; exists || m.pending[id] {
		m.mu.Unlock()
		return nil, &AlreadyLoadedError{PluginID: id}
	}
	if len(m.records)+len(m.pending) >= m.config.MaxPlugins {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: limit is %d", ErrCapacityExceeded, m.config.MaxPlugins)
	}
	m.pending[id] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	resolved, err := m.configure(p, id, cfg)
	if err != nil {
		m.recordAudit(ctx, audit.KindLoad, id, false, audit.SeverityWarning, err, nil)
		return nil, err
	}

	rec := newRecord(meta, p, source, resolved, m.newContext)
	rec.transition.Lock()
	defer rec.transition.Unlock()

	m.publish(ctx, event.TopicPluginLoading, id, nil, map[string]any{"source": source})

	m.mu.Lock()
	delete(m.pending, id)
	m.records[id] = rec
	m.loadOrder = append(m.loadOrder, id)
	m.mu.Unlock()

	rec.setState(StateLoaded, nil)
	m.gate.Grant(id, meta.Permissions)

	if l, ok := p.(Loadable); ok {
		if err := m.runHook(ctx, rec, "load", func(hctx context.Context) error {
			return l.Load(hctx, rec.Context())
		}); err != nil {
			m.discard(rec, err)
			m.publish(ctx, event.TopicPluginError, id, err, map[string]any{"hook": "load"})
			m.recordAudit(ctx, audit.KindLoad, id, false, audit.SeverityWarning, err, nil)
			return nil, err
		}
	}

	if err := m.registerContributions(ctx, rec); err != nil {
		if u, ok := p.(Unloadable); ok {
			_ = m.runHook(ctx, rec, "unload", func(hctx context.Context) error {
				return u.Unload(hctx, rec.Context())
			})
		}
		m.discard(rec, err)
		m.publish(ctx, event.TopicPluginError, id, err, map[string]any{"hook": "extensions"})
		m.recordAudit(ctx, audit.KindLoad, id, false, audit.SeverityWarning, err, nil)
		return nil, err
	}

	m.publish(ctx, event.TopicPluginLoaded, id, nil, map[string]any{"source": source, "version": meta.Version})
	m.recordAudit(ctx, audit.KindLoad, id, true, audit.SeverityInfo, nil, map[string]any{"source": source})
	m.log.Info().Str("plugin", id).Str("version", meta.Version).Str("source", source).Msg("plugin loaded")
	return rec, nil
}

func (m *Manager) configure(p Plugin, id string, cfg *Config) (Config, error) {
	resolved := Config{Enabled: true}
	if cfg != nil {
		resolved = cfg.Clone()
	}
	if resolved.Environment == "" {
		resolved.Environment = m.config.Environment
	}

	if v, ok := p.(ConfigValidator); ok {
		valid, err := v.ValidateConfig(resolved)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, id, err)
		}
		if !valid {
			return Config{}, fmt.Errorf("%w: %s: rejected by plugin", ErrInvalidConfig, id)
		}
	}
	if c, ok := p.(Configurable); ok {
		if err := c.Configure(resolved.Clone()); err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, id, err)
		}
	}
	return resolved, nil
}

func (m *Manager) registerContributions(ctx context.Context, rec *Record) error {
	if pp, ok := rec.plugin.(ExtensionPointProvider); ok {
		for _, point := range pp.ExtensionPoints() {
			point.Provider = rec.id
			if err := m.extensions.RegisterPoint(point); err != nil {
				return fmt.Errorf("plugin %s: %w", rec.id, err)
			}
		}
	}
	if ec, ok := rec.plugin.(ExtensionContributor); ok {
		for _, ext := range ec.Extensions() {
			ext.PluginID = rec.id
			if err := m.extensions.Register(ext); err != nil {
				return fmt.Errorf("plugin %s: %w", rec.id, err)
			}
			m.publish(ctx, event.TopicExtensionRegistered, rec.id, nil, map[string]any{"point": ext.Point, "priority": ext.Priority})
		}
	}
	return nil
}

// discard removes every trace of rec. Callers hold rec.transition.
func (m *Manager) discard(rec *Record, cause error) {
	m.mu.Lock()
	delete(m.records, rec.id)
	for i, id := range m.loadOrder {
		if id == rec.id {
			m.loadOrder = append(m.loadOrder[:i], m.loadOrder[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.extensions.UnregisterPlugin(rec.id)
	m.extensions.RemovePointsByProvider(rec.id)
	m.gate.Revoke(rec.id)
	rec.setState(StateUnloaded, cause)
}

// StartPlugin starts a loaded or stopped plugin. Starting a started plugin
// is a no-op. A failing start hook leaves the plugin in StateError.
func (m *Manager) StartPlugin(ctx context.Context, id string) error {
	rec, err := m.lookup(id)
	if err != nil {
		return err
	}

	rec.transition.Lock()
	defer rec.transition.Unlock()

	state := rec.State()
	switch {
	case state == StateStarted:
		return nil
	case state == StateUnloaded:
		return fmt.Errorf("%w: %s", ErrNotLoaded, id)
	case !state.CanStart():
		return fmt.Errorf("plugin %s cannot start from state %s", id, state)
	}

	m.publish(ctx, event.TopicPluginStarting, id, nil, nil)
	if s, ok := rec.plugin.(Startable); ok {
		if err := m.runHook(ctx, rec, "start", func(hctx context.Context) error {
			return s.Start(hctx, rec.Context())
		}); err != nil {
			rec.setState(StateError, err)
			m.publish(ctx, event.TopicPluginError, id, err, map[string]any{"hook": "start"})
			m.recordAudit(ctx, audit.KindStart, id, false, audit.SeverityWarning, err, nil)
			m.log.Warn().Err(err).Str("plugin", id).Msg("plugin start failed")
			return err
		}
	}

	rec.setState(StateStarted, nil)
	m.publish(ctx, event.TopicPluginStarted, id, nil, nil)
	m.recordAudit(ctx, audit.KindStart, id, true, audit.SeverityInfo, nil, nil)
	m.log.Debug().Str("plugin", id).Msg("plugin started")
	return nil
}

// StopPlugin stops a started plugin. Plugins that are not started are left
// as they are.
func (m *Manager) StopPlugin(ctx context.Context, id string) error {
	rec, err := m.lookup(id)
	if err != nil {
		return err
	}

	rec.transition.Lock()
	defer rec.transition.Unlock()
	return m.stopLocked(ctx, rec)
}

func (m *Manager) stopLocked(ctx context.Context, rec *Record) error {
	switch rec.State() {
	case StateStarted:
	case StateUnloaded:
		return fmt.Errorf("%w: %s", ErrNotLoaded, rec.id)
	default:
		return nil
	}

	m.publish(ctx, event.TopicPluginStopping, rec.id, nil, nil)
	if s, ok := rec.plugin.(Stoppable); ok {
		if err := m.runHook(ctx, rec, "stop", func(hctx context.Context) error {
			return s.Stop(hctx, rec.Context())
		}); err != nil {
			rec.setState(StateError, err)
			m.publish(ctx, event.TopicPluginError, rec.id, err, map[string]any{"hook": "stop"})
			m.recordAudit(ctx, audit.KindStop, rec.id, false, audit.SeverityWarning, err, nil)
			return err
		}
	}

	rec.setState(StateStopped, nil)
	m.publish(ctx, event.TopicPluginStopped, rec.id, nil, nil)
	m.recordAudit(ctx, audit.KindStop, rec.id, true, audit.SeverityInfo, nil, nil)
	return nil
}

// UnloadPlugin stops the plugin if needed, runs its unload hook and removes
// the record with its extensions and grants. The record is removed even
// when a hook fails; the hook errors are returned joined.
func (m *Manager) UnloadPlugin(ctx context.Context, id string) error {
	rec, err := m.lookup(id)
	if err != nil {
		return err
	}

	rec.transition.Lock()
	defer rec.transition.Unlock()

	if rec.State() == StateUnloaded {
		return fmt.Errorf("%w: %s", ErrNotLoaded, id)
	}

	stopErr := m.stopLocked(ctx, rec)
	if stopErr != nil {
		m.log.Warn().Err(stopErr).Str("plugin", id).Msg("stop before unload failed")
	}

	m.publish(ctx, event.TopicPluginUnloading, id, nil, nil)
	var unloadErr error
	if u, ok := rec.plugin.(Unloadable); ok {
		unloadErr = m.runHook(ctx, rec, "unload", func(hctx context.Context) error {
			return u.Unload(hctx, rec.Context())
		})
	}
	m.discard(rec, nil)

	if un, ok := m.resolver.(Unloader); ok {
		if err := un.Unload(ctx, rec.source); err != nil {
			m.log.Debug().Err(err).Str("plugin", id).Msg("resolver unload failed")
		}
	}

	err = errors.Join(stopErr, unloadErr)
	m.publish(ctx, event.TopicPluginUnloaded, id, err, nil)
	m.recordAudit(ctx, audit.KindUnload, id, err == nil, audit.SeverityInfo, err, nil)
	m.log.Info().Str("plugin", id).Msg("plugin unloaded")
	return err
}

// RegisterExtensionPoint declares a runtime-owned extension point.
func (m *Manager) RegisterExtensionPoint(ctx context.Context, point extension.Point) error {
	if err := m.extensions.RegisterPoint(point); err != nil {
		return err
	}
	m.recordAudit(ctx, audit.KindExtension, point.Provider, true, audit.SeverityInfo, nil, map[string]any{"point": point.Name})
	return nil
}

// RegisterExtension adds an extension on behalf of a loaded or started
// plugin. It is serialized with the plugin's lifecycle transitions, so the
// plugin's own hooks must contribute through ExtensionContributor instead.
func (m *Manager) RegisterExtension(ctx context.Context, ext extension.Extension) error {
	rec, err := m.lookup(ext.PluginID)
	if err != nil {
		return err
	}
	rec.transition.Lock()
	defer rec.transition.Unlock()

	if cur, err := m.lookup(ext.PluginID); err != nil || cur != rec {
		return fmt.Errorf("%w: %s", ErrNotLoaded, ext.PluginID)
	}
	if s := rec.State(); !s.IsActive() {
		return fmt.Errorf("%w: %s is %s", ErrPluginNotActive, ext.PluginID, s)
	}
	if err := m.extensions.Register(ext); err != nil {
		m.recordAudit(ctx, audit.KindExtension, ext.PluginID, false, audit.SeverityWarning, err, map[string]any{"point": ext.Point})
		return err
	}
	m.publish(ctx, event.TopicExtensionRegistered, ext.PluginID, nil, map[string]any{"point": ext.Point, "priority": ext.Priority})
	m.recordAudit(ctx, audit.KindExtension, ext.PluginID, true, audit.SeverityInfo, nil, map[string]any{"point": ext.Point})
	return nil
}

// GetExtensionImplementations returns the implementations contributed to
// point in descending priority.
func (m *Manager) GetExtensionImplementations(point string) ([]any, error) {
	return m.extensions.Implementations(point)
}

// Extensions returns the extension registry.
func (m *Manager) Extensions() *extension.Registry { return m.extensions }

// Gate returns the security gate.
func (m *Manager) Gate() *security.Gate { return m.gate }

// Bus returns the event bus.
func (m *Manager) Bus() *event.Bus { return m.bus }

// DependencyOrder sorts ids so dependencies come first.
func (m *Manager) DependencyOrder(ids []string) ([]string, error) {
	return SortByDependencies(ids, func(id string) []string {
		rec, err := m.lookup(id)
		if err != nil {
			return nil
		}
		return rec.meta.Dependencies
	})
}

// BatchResult is the outcome of a batch start or stop.
type BatchResult struct {
	// Order is the sequence the operation was attempted in.
	Order []string
	// Errors holds the failure of each failed id.
	Errors map[string]error
}

// Err joins the failures in attempt order.
func (b BatchResult) Err() error {
	var errs []error
	for _, id := range b.Order {
		if err := b.Errors[id]; err != nil {
			errs = append(errs, err)
		}
	}
	var unknown []string
	for id := range b.Errors {
		if !contains(b.Order, id) {
			unknown = append(unknown, id)
		}
	}
	sort.Strings(unknown)
	for _, id := range unknown {
		errs = append(errs, b.Errors[id])
	}
	return errors.Join(errs...)
}

// Succeeded lists the ids that completed.
func (b BatchResult) Succeeded() []string {
	var ok []string
	for _, id := range b.Order {
		if b.Errors[id] == nil {
			ok = append(ok, id)
		}
	}
	return ok
}

// StartPlugins starts ids, or every loaded plugin when ids is nil, with
// dependencies first. Failures are isolated per id and nothing is rolled
// back. A dependency cycle fails before anything starts.
func (m *Manager) StartPlugins(ctx context.Context, ids []string) (BatchResult, error) {
	known, result := m.batchTargets(ids)
	order, err := m.DependencyOrder(known)
	if err != nil {
		return result, err
	}
	result.Order = order
	for _, id := range order {
		if err := m.StartPlugin(ctx, id); err != nil {
			result.Errors[id] = err
		}
	}
	return result, nil
}

// StopPlugins stops ids, or every loaded plugin, in reverse dependency order.
func (m *Manager) StopPlugins(ctx context.Context, ids []string) (BatchResult, error) {
	known, result := m.batchTargets(ids)
	order, err := m.DependencyOrder(known)
	if err != nil {
		return result, err
	}
	result.Order = reversed(order)
	for _, id := range result.Order {
		if err := m.StopPlugin(ctx, id); err != nil {
			result.Errors[id] = err
		}
	}
	return result, nil
}

func (m *Manager) batchTargets(ids []string) ([]string, BatchResult) {
	result := BatchResult{Errors: make(map[string]error)}
	if ids == nil {
		return m.List(), result
	}
	known := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := m.lookup(id); err != nil {
			result.Errors[id] = err
			continue
		}
		known = append(known, id)
	}
	return known, result
}

// RecordCalculation adds one calculation outcome to the plugin's stats.
// Unknown ids are ignored.
func (m *Manager) RecordCalculation(id string, success bool, d time.Duration) {
	rec, err := m.lookup(id)
	if err != nil {
		return
	}
	rec.recordCalculation(success, d)
}

// Stats returns the calculation statistics of id.
func (m *Manager) Stats(id string) (Stats, bool) {
	rec, err := m.lookup(id)
	if err != nil {
		return Stats{}, false
	}
	return rec.Stats(), true
}

// Get returns the record of id.
func (m *Manager) Get(id string) (*Record, bool) {
	rec, err := m.lookup(id)
	return rec, err == nil
}

// State returns the lifecycle state of id; StateUnloaded when unknown.
func (m *Manager) State(id string) State {
	rec, err := m.lookup(id)
	if err != nil {
		return StateUnloaded
	}
	return rec.State()
}

// IsActive reports whether id is loaded or started.
func (m *Manager) IsActive(id string) bool {
	return m.State(id).IsActive()
}

// Plugin returns the plugin object of a started plugin.
func (m *Manager) Plugin(id string) (Plugin, error) {
	rec, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if s := rec.State(); s != StateStarted {
		return nil, fmt.Errorf("%w: %s is %s", ErrPluginNotStarted, id, s)
	}
	return rec.plugin, nil
}

// List returns loaded ids in load order.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.loadOrder...)
}

// Count returns the number of loaded plugins.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *Manager) lookup(id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	return rec, nil
}

func (m *Manager) newContext(rec *Record) *Context {
	id := rec.id
	guard := func(_ storage.Op, key string) bool {
		return m.gate.CheckRuntimePermission(id, security.CapabilityStorage, key)
	}
	scoped := storage.NewScoped(m.store, m.config.StoragePrefix, id, guard)
	pctx := NewContext(id, m.root.Sub("plugin").With("plugin", id), scoped, rec.config.Clone(), m.bus)
	pctx.Utils = m.utils
	if mon, ok := m.gate.Monitor(id); ok {
		scoped.WithThrottle(func(storage.Op, string) bool { return mon.TryStorageOp() })
		pctx.Limits = mon
	}
	return pctx
}

func (m *Manager) publish(ctx context.Context, topic event.Topic, id string, err error, data map[string]any) {
	m.bus.Publish(ctx, event.Event{Topic: topic, PluginID: id, Err: err, Data: data})
}

func (m *Manager) recordAudit(ctx context.Context, kind audit.Kind, id string, success bool, sev audit.Severity, err error, detail map[string]any) {
	m.audit.Record(ctx, audit.Entry{
		Kind:     kind,
		PluginID: id,
		Success:  success,
		Severity: sev,
		Err:      err,
		Detail:   detail,
		Time:     time.Now(),
	})
}

func (m *Manager) auditDecision(ctx context.Context, id string, d security.Decision) {
	sev := audit.SeverityInfo
	switch {
	case d.Risk == security.RiskCritical:
		sev = audit.SeverityCritical
	case !d.Allowed || d.Risk >= security.RiskHigh:
		sev = audit.SeverityWarning
	}
	detail := map[string]any{"risk": d.Risk.String()}
	if d.Reason != "" {
		detail["reason"] = d.Reason
	}
	if len(d.Recommendations) > 0 {
		detail["recommendations"] = d.Recommendations
	}
	m.recordAudit(ctx, audit.KindPermission, id, d.Allowed, sev, nil, detail)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
