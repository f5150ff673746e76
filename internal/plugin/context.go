package plugin

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/dshills/calcrt/internal/event"
	"github.com/dshills/calcrt/internal/logging"
	"github.com/dshills/calcrt/internal/plugin/security"
	"github.com/dshills/calcrt/internal/storage"
)

// Context is the execution context handed to plugin hooks. It is built once
// per record, on first use.
type Context struct {
	PluginID string
	Logger   *logging.Logger
	Storage  *storage.Scoped
	Config   Config
	Utils    Utils

	// Limits meters script output. Nil means unmetered.
	Limits *security.ResourceMonitor

	bus *event.Bus
}

// NewContext builds an execution context. Managers build one per record;
// script loaders and tests may build their own.
func NewContext(pluginID string, log *logging.Logger, store *storage.Scoped, cfg Config, bus *event.Bus) *Context {
	if log == nil {
		log = logging.Nop()
	}
	return &Context{
		PluginID: pluginID,
		Logger:   log,
		Storage:  store,
		Config:   cfg,
		Utils:    NewUtils(),
		bus:      bus,
	}
}

// Emit publishes a plugin-defined event named name on the runtime bus.
func (c *Context) Emit(ctx context.Context, name string, data map[string]any) {
	if c.bus == nil {
		return
	}
	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["name"] = name
	c.bus.Publish(ctx, event.Event{
		Topic:    event.TopicPluginCustom,
		PluginID: c.PluginID,
		Data:     payload,
	})
}

// Utils are helpers available to every plugin.
type Utils struct {
	policy *bluemonday.Policy
}

// NewUtils creates the helper set.
func NewUtils() Utils {
	return Utils{policy: bluemonday.StrictPolicy()}
}

// NewID returns a random UUID string.
func (Utils) NewID() string {
	return uuid.NewString()
}

// FormatDate formats t with layout, or RFC 3339 when layout is empty.
func (Utils) FormatDate(t time.Time, layout string) string {
	if layout == "" {
		layout = time.RFC3339
	}
	return t.Format(layout)
}

// Sanitize strips all markup from s.
func (u Utils) Sanitize(s string) string {
	if u.policy == nil {
		u.policy = bluemonday.StrictPolicy()
	}
	return u.policy.Sanitize(s)
}
