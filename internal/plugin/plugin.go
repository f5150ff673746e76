package plugin

import (
	"context"

	"github.com/dshills/calcrt/internal/plugin/extension"
)

// Plugin is the only required part of the contract.
type Plugin interface {
	Metadata() Metadata
}

// Loadable plugins run code when the manager admits them.
type Loadable interface {
	Load(ctx context.Context, pctx *Context) error
}

// Startable plugins run code on start.
type Startable interface {
	Start(ctx context.Context, pctx *Context) error
}

// Stoppable plugins run code on stop.
type Stoppable interface {
	Stop(ctx context.Context, pctx *Context) error
}

// Unloadable plugins release resources on unload.
type Unloadable interface {
	Unload(ctx context.Context, pctx *Context) error
}

// Configurable plugins receive their resolved configuration before load.
type Configurable interface {
	Configure(cfg Config) error
}

// ConfigValidator plugins vet their configuration before it is applied.
type ConfigValidator interface {
	ValidateConfig(cfg Config) (bool, error)
}

// HealthChecker plugins report liveness. Plugins without it are healthy.
type HealthChecker interface {
	HealthCheck(ctx context.Context) (bool, error)
}

// ExtensionPointProvider plugins declare extension points on load.
type ExtensionPointProvider interface {
	ExtensionPoints() []extension.Point
}

// ExtensionContributor plugins contribute extensions on load. PluginID is
// filled in by the manager.
type ExtensionContributor interface {
	Extensions() []extension.Extension
}

// Resolver turns a source string into a plugin object.
type Resolver interface {
	Load(ctx context.Context, source string) (Plugin, error)
}

// Unloader is implemented by resolvers that track what they loaded.
type Unloader interface {
	Unload(ctx context.Context, source string) error
}

// Config is the resolved configuration of one plugin.
type Config struct {
	Enabled     bool           `json:"enabled" yaml:"enabled"`
	Settings    map[string]any `json:"settings,omitempty" yaml:"settings,omitempty"`
	Environment string         `json:"environment,omitempty" yaml:"environment,omitempty"`
}

// Clone returns a copy with its own top-level settings map.
func (c Config) Clone() Config {
	out := c
	if c.Settings != nil {
		out.Settings = make(map[string]any, len(c.Settings))
		for k, v := range c.Settings {
			out.Settings[k] = v
		}
	}
	return out
}
