package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/dshills/calcrt/internal/calculator"
	"github.com/dshills/calcrt/internal/logging"
	"github.com/dshills/calcrt/internal/plugin"
)

const (
	// DefaultSweepInterval is how often Start sweeps.
	DefaultSweepInterval = time.Minute

	// DefaultIdleThreshold is how long an instance or entry may go unused.
	DefaultIdleThreshold = 30 * time.Minute

	// DefaultLoadTimeout bounds one shared resolution.
	DefaultLoadTimeout = 30 * time.Second
)

// ErrAlreadyStarted is returned by Start on a running cache.
var ErrAlreadyStarted = errors.New("cache sweeper already started")

type entry struct {
	source   string
	plugin   plugin.Plugin
	resolved time.Time
	lastHit  time.Time
	hits     uint64
}

// Stats is a snapshot of the cache.
type Stats struct {
	Entries   int
	Instances int
	Hits      uint64
	Misses    uint64
	Swept     uint64
	LastSweep time.Time
}

// SweepResult reports one sweep.
type SweepResult struct {
	Destroyed []string // instance ids removed
	Evicted   []string // sources evicted
	Skipped   int      // busy instances left alone
}

// Cache memoizes plugin resolution and tracks live instances.
type Cache struct {
	resolver plugin.Resolver
	interval time.Duration
	idle     time.Duration
	timeout  time.Duration
	loaded   func(pluginID string) bool
	log      *logging.Logger
	now      func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	entries   map[string]*entry
	instances map[string]*calculator.Instance
	stats     Stats

	sweepMu sync.Mutex

	cronMu sync.Mutex
	cron   *cron.Cron
}

// Option configures a Cache.
type Option func(*Cache)

// WithSweepInterval sets how often Start sweeps.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithIdleThreshold sets how long an instance or resolved entry may sit
// unused before a sweep removes it.
func WithIdleThreshold(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.idle = d
		}
	}
}

// WithLoadTimeout bounds a shared resolution. It runs detached from the
// caller that started it, so this is its only deadline.
func WithLoadTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLoadedCheck tells the cache which plugins are still loaded. Entries
// of loaded plugins are never evicted by a sweep.
func WithLoadedCheck(fn func(pluginID string) bool) Option {
	return func(c *Cache) { c.loaded = fn }
}

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(c *Cache) {
		if log != nil {
			c.log = log.Sub("cache")
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache in front of resolver.
func New(resolver plugin.Resolver, opts ...Option) *Cache {
	c := &Cache{
		resolver:  resolver,
		interval:  DefaultSweepInterval,
		idle:      DefaultIdleThreshold,
		timeout:   DefaultLoadTimeout,
		loaded:    func(string) bool { return false },
		log:       logging.Nop(),
		now:       time.Now,
		entries:   make(map[string]*entry),
		instances: make(map[string]*calculator.Instance),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load implements plugin.Resolver. A source already resolved returns the
// same plugin; concurrent first loads share one resolution. The shared
// resolution does not inherit the cancellation of whichever caller started
// it: each caller stops waiting when its own ctx ends.
func (c *Cache) Load(ctx context.Context, source string) (plugin.Plugin, error) {
	c.mu.Lock()
	if e, ok := c.entries[source]; ok {
		e.hits++
		e.lastHit = c.now()
		c.stats.Hits++
		c.mu.Unlock()
		return e.plugin, nil
	}
	c.mu.Unlock()

	ch := c.group.DoChan(source, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		p, err := c.resolver.Load(lctx, source)
		if err != nil {
			return nil, err
		}
		now := c.now()
		c.mu.Lock()
		c.entries[source] = &entry{source: source, plugin: p, resolved: now, lastHit: now}
		c.stats.Misses++
		c.mu.Unlock()
		c.log.Debug().Str("source", source).Msg("resolved plugin source")
		return p, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(plugin.Plugin), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Unload implements plugin.Unloader: the entry is evicted and the unload
// passed on to the wrapped resolver.
func (c *Cache) Unload(ctx context.Context, source string) error {
	c.Forget(source)
	if un, ok := c.resolver.(plugin.Unloader); ok {
		return un.Unload(ctx, source)
	}
	return nil
}

// Forget evicts source without unloading it, so the next Load resolves it
// afresh.
func (c *Cache) Forget(source string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[source]; !ok {
		return false
	}
	delete(c.entries, source)
	return true
}

// Resolved reports whether source has a cached resolution.
func (c *Cache) Resolved(source string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[source]
	return ok
}

// Sources returns the cached sources, sorted.
func (c *Cache) Sources() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entries))
	for s := range c.entries {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// PutInstance tracks a live instance.
func (c *Cache) PutInstance(in *calculator.Instance) {
	c.mu.Lock()
	c.instances[in.ID()] = in
	c.mu.Unlock()
}

// Instance returns a tracked instance.
func (c *Cache) Instance(id string) (*calculator.Instance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	in, ok := c.instances[id]
	return in, ok
}

// Instances returns every tracked instance ordered by id.
func (c *Cache) Instances() []*calculator.Instance {
	c.mu.Lock()
	out := make([]*calculator.Instance, 0, len(c.instances))
	for _, in := range c.instances {
		out = append(out, in)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// RemoveInstance destroys and forgets one instance.
func (c *Cache) RemoveInstance(ctx context.Context, id string) error {
	c.mu.Lock()
	in, ok := c.instances[id]
	delete(c.instances, id)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return in.Destroy(ctx)
}

// DestroyPlugin destroys every instance of pluginID and returns how many
// there were.
func (c *Cache) DestroyPlugin(ctx context.Context, pluginID string) int {
	c.mu.Lock()
	var doomed []*calculator.Instance
	for id, in := range c.instances {
		if in.PluginID() == pluginID {
			doomed = append(doomed, in)
			delete(c.instances, id)
		}
	}
	c.mu.Unlock()

	for _, in := range doomed {
		if err := in.Destroy(ctx); err != nil {
			c.log.Warn().Err(err).Str("instance", in.ID()).Msg("destroy failed")
		}
	}
	if len(doomed) > 0 {
		c.log.Debug().Str("plugin", pluginID).Int("instances", len(doomed)).Msg("destroyed plugin instances")
	}
	return len(doomed)
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	s.Instances = len(c.instances)
	return s
}

// Clear destroys every instance and drops every entry.
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	doomed := make([]*calculator.Instance, 0, len(c.instances))
	for _, in := range c.instances {
		doomed = append(doomed, in)
	}
	c.instances = make(map[string]*calculator.Instance)
	c.entries = make(map[string]*entry)
	c.mu.Unlock()

	for _, in := range doomed {
		_ = in.Destroy(ctx)
	}
}
