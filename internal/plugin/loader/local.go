package loader

import (
	"context"
	"errors"
	"fmt"
	goplugin "plugin"
	"sort"
	"strings"
	"sync"

	"github.com/dshills/calcrt/internal/plugin"
)

// ModulePrefix marks a source as a Local module id.
const ModulePrefix = "module:"

// Factory creates a fresh plugin object.
type Factory func() plugin.Plugin

// Local serves built-in plugins registered by id and Go shared objects
// that export a Plugin symbol.
type Local struct {
	mu       sync.RWMutex
	catalog  map[string]Factory
	loaded   map[string]bool
	openFile func(path string) (plugin.Plugin, error)
}

// NewLocal creates a Local strategy with an empty catalog.
func NewLocal() *Local {
	return &Local{
		catalog:  make(map[string]Factory),
		loaded:   make(map[string]bool),
		openFile: openShared,
	}
}

// Name implements Strategy.
func (l *Local) Name() string { return "local" }

// Register adds a factory under id, e.g. "cardiology.cha2ds2-vasc".
func (l *Local) Register(id string, f Factory) error {
	if id == "" || f == nil {
		return fmt.Errorf("local module needs an id and a factory")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.catalog[id]; exists {
		return fmt.Errorf("local module %q already registered", id)
	}
	l.catalog[id] = f
	return nil
}

// Modules returns the registered ids, sorted.
func (l *Local) Modules() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.catalog))
	for id := range l.catalog {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CanLoad accepts module: sources, registered ids and .so paths.
func (l *Local) CanLoad(source string) bool {
	if strings.HasPrefix(source, ModulePrefix) || strings.HasSuffix(source, ".so") {
		return true
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.catalog[source]
	return ok
}

// Load implements Strategy.
func (l *Local) Load(ctx context.Context, source string) (plugin.Plugin, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := strings.TrimPrefix(source, ModulePrefix)

	var (
		p   plugin.Plugin
		err error
	)
	if strings.HasSuffix(name, ".so") {
		p, err = l.openFile(name)
	} else {
		l.mu.RLock()
		f, ok := l.catalog[name]
		l.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownModule, name)
		}
		p = f()
	}
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s produced no plugin", ErrUnknownModule, name)
	}

	l.mu.Lock()
	l.loaded[source] = true
	l.mu.Unlock()
	return p, nil
}

// IsLoaded reports whether source was loaded and not yet unloaded.
func (l *Local) IsLoaded(source string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loaded[source]
}

// Unload forgets source. Shared objects stay mapped; Go cannot unload them.
func (l *Local) Unload(_ context.Context, source string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.loaded, source)
	return nil
}

// openShared opens a Go plugin and resolves its Plugin symbol, which may
// be a plugin value, a pointer to one, or a constructor.
func openShared(path string) (plugin.Plugin, error) {
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	sym, err := so.Lookup("Plugin")
	if err != nil {
		return nil, fmt.Errorf("lookup Plugin in %s: %w", path, err)
	}
	switch p := sym.(type) {
	case plugin.Plugin:
		return p, nil
	case *plugin.Plugin:
		if p == nil || *p == nil {
			return nil, errors.New("plugin symbol is nil")
		}
		return *p, nil
	case func() plugin.Plugin:
		return p(), nil
	default:
		return nil, fmt.Errorf("symbol Plugin in %s has type %T", path, sym)
	}
}
