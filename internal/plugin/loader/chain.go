package loader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/calcrt/internal/logging"
	"github.com/dshills/calcrt/internal/plugin"
)

// DefaultLoadTimeout bounds one strategy Load.
const DefaultLoadTimeout = 30 * time.Second

// Strategy turns one family of sources into plugins.
type Strategy interface {
	// Name identifies the strategy in logs and errors.
	Name() string

	// CanLoad reports whether the strategy accepts source. It must not
	// block.
	CanLoad(source string) bool

	Load(ctx context.Context, source string) (plugin.Plugin, error)

	// Unload releases whatever the strategy holds for source. Strategies
	// that never loaded source return nil.
	Unload(ctx context.Context, source string) error
}

// Chain delegates to the first strategy that accepts a source. It
// implements plugin.Resolver and plugin.Unloader.
type Chain struct {
	mu         sync.RWMutex
	strategies []Strategy

	timeout time.Duration
	log     *logging.Logger
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithLoadTimeout bounds each Load. Zero or less keeps the default.
func WithLoadTimeout(d time.Duration) ChainOption {
	return func(c *Chain) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithChainLogger sets the logger used for unload failures.
func WithChainLogger(log *logging.Logger) ChainOption {
	return func(c *Chain) {
		if log != nil {
			c.log = log.Sub("loader")
		}
	}
}

// NewChain creates a chain over strategies, tried in the given order.
func NewChain(strategies []Strategy, opts ...ChainOption) *Chain {
	c := &Chain{
		strategies: append([]Strategy(nil), strategies...),
		timeout:    DefaultLoadTimeout,
		log:        logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add appends a strategy after the existing ones.
func (c *Chain) Add(s Strategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategies = append(c.strategies, s)
}

// Names returns the strategy names in order.
func (c *Chain) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name()
	}
	return names
}

// Select returns the first strategy accepting source.
func (c *Chain) Select(source string) (Strategy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.strategies {
		if s.CanLoad(source) {
			return s, true
		}
	}
	return nil, false
}

// CanLoad reports whether any strategy accepts source.
func (c *Chain) CanLoad(source string) bool {
	_, ok := c.Select(source)
	return ok
}

// Load resolves source through the first accepting strategy under the
// chain's load timeout.
func (c *Chain) Load(ctx context.Context, source string) (plugin.Plugin, error) {
	s, ok := c.Select(source)
	if !ok {
		return nil, fmt.Errorf("%w: %s", plugin.ErrNoLoaderFound, source)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	p, err := s.Load(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("%s loader: %w", s.Name(), err)
	}
	return p, nil
}

// Unload tells every strategy to release source. Failures are logged and
// otherwise ignored.
func (c *Chain) Unload(ctx context.Context, source string) error {
	c.mu.RLock()
	strategies := append([]Strategy(nil), c.strategies...)
	c.mu.RUnlock()

	for _, s := range strategies {
		if err := s.Unload(ctx, source); err != nil {
			c.log.Warn().Err(err).Str("strategy", s.Name()).Str("source", source).Msg("unload failed")
		}
	}
	return nil
}
