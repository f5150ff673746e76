package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dshills/calcrt/internal/plugin"
	plua "github.com/dshills/calcrt/internal/plugin/lua"
)

// InlinePrefix marks a source whose remainder is the document itself.
const InlinePrefix = "inline:"

var documentExts = map[string]bool{".yaml": true, ".yml": true, ".json": true}

// Declarative builds ScriptPlugins from document files and inline
// documents.
type Declarative struct {
	timeout time.Duration

	mu     sync.Mutex
	loaded map[string][]*ScriptPlugin
}

// DeclarativeOption configures a Declarative strategy.
type DeclarativeOption func(*Declarative)

// WithScriptTimeout bounds each script call on top of the caller's
// deadline. Zero leaves only the caller's deadline.
func WithScriptTimeout(timeout time.Duration) DeclarativeOption {
	return func(d *Declarative) { d.timeout = timeout }
}

// NewDeclarative creates the strategy.
func NewDeclarative(opts ...DeclarativeOption) *Declarative {
	d := &Declarative{
		timeout: plua.DefaultExecutionTimeout,
		loaded:  make(map[string][]*ScriptPlugin),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name implements Strategy.
func (d *Declarative) Name() string { return "declarative" }

// CanLoad accepts inline documents and .yaml, .yml and .json paths.
func (d *Declarative) CanLoad(source string) bool {
	if strings.HasPrefix(source, InlinePrefix) {
		return true
	}
	if strings.Contains(source, "://") {
		return false
	}
	return documentExts[strings.ToLower(filepath.Ext(source))]
}

// Load reads and parses the document and builds its plugin.
func (d *Declarative) Load(ctx context.Context, source string) (plugin.Plugin, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	if rest, ok := strings.CutPrefix(source, InlinePrefix); ok {
		data = []byte(rest)
	} else {
		b, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("read document: %w", err)
		}
		data = b
	}

	doc, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", displaySource(source), err)
	}
	return d.Build(doc, source)
}

// Build creates the plugin for a parsed document and tracks it under
// source so Unload can release it.
func (d *Declarative) Build(doc *Document, source string) (*ScriptPlugin, error) {
	p, err := newScriptPlugin(doc, source, d.timeout)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.loaded[source] = append(d.loaded[source], p)
	d.mu.Unlock()
	return p, nil
}

// Unload closes every interpreter built for source.
func (d *Declarative) Unload(_ context.Context, source string) error {
	d.mu.Lock()
	plugins := d.loaded[source]
	delete(d.loaded, source)
	d.mu.Unlock()

	for _, p := range plugins {
		p.close()
	}
	return nil
}

// Tracked returns how many plugins are held for source.
func (d *Declarative) Tracked(source string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.loaded[source])
}

// displaySource shortens inline sources for error messages.
func displaySource(source string) string {
	if strings.HasPrefix(source, InlinePrefix) {
		return "inline document"
	}
	return source
}
