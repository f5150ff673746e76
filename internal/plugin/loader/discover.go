package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/calcrt/internal/logging"
)

// DefaultDebounce is how long a path must stay quiet before a change is
// reported.
const DefaultDebounce = 250 * time.Millisecond

// manifestNames are the files that make a directory a plugin.
var manifestNames = []string{"plugin.yaml", "plugin.yml", "plugin.json"}

// Candidate is a discovered plugin source.
type Candidate struct {
	// Name is the file name without extension, or the directory name for
	// directory plugins.
	Name   string
	Source string
	Dir    string
}

// ChangeOp classifies a watched change.
type ChangeOp int

const (
	ChangeAdded ChangeOp = iota
	ChangeModified
	ChangeRemoved
)

func (op ChangeOp) String() string {
	switch op {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Change is a debounced filesystem change to a plugin source.
type Change struct {
	Op     ChangeOp
	Source string
}

type pendingChange struct {
	op    ChangeOp
	gen   int
	timer *time.Timer
}

// Discoverer finds plugin sources in a list of directories. Earlier
// directories win when two hold a plugin of the same name.
type Discoverer struct {
	paths  []string
	accept func(source string) bool
	delay  time.Duration
	log    *logging.Logger

	mu         sync.Mutex
	discovered map[string]Candidate

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	pending map[string]*pendingChange
	done    chan struct{}
}

// DiscovererOption configures a Discoverer.
type DiscovererOption func(*Discoverer)

// WithDebounce sets the quiet period before a change is reported.
func WithDebounce(d time.Duration) DiscovererOption {
	return func(dc *Discoverer) {
		if d > 0 {
			dc.delay = d
		}
	}
}

// WithDiscoveryLogger sets the logger.
func WithDiscoveryLogger(log *logging.Logger) DiscovererOption {
	return func(dc *Discoverer) {
		if log != nil {
			dc.log = log.Sub("discovery")
		}
	}
}

// NewDiscoverer creates a discoverer over paths. accept decides which
// files are plugin sources; a Chain's CanLoad is the usual choice.
func NewDiscoverer(paths []string, accept func(source string) bool, opts ...DiscovererOption) *Discoverer {
	d := &Discoverer{
		paths:      append([]string(nil), paths...),
		accept:     accept,
		delay:      DefaultDebounce,
		log:        logging.Nop(),
		discovered: make(map[string]Candidate),
		pending:    make(map[string]*pendingChange),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Paths returns the search paths.
func (d *Discoverer) Paths() []string {
	return append([]string(nil), d.paths...)
}

// Discover rescans every path. Missing paths are skipped.
func (d *Discoverer) Discover() ([]Candidate, error) {
	found := make(map[string]Candidate)
	for _, base := range d.paths {
		if err := d.scan(base, found); err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	d.discovered = found
	d.mu.Unlock()

	out := make([]Candidate, 0, len(found))
	for _, c := range found {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *Discoverer) scan(base string, found map[string]Candidate) error {
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scan %s: %w", base, err)
	}

	for _, entry := range entries {
		path := filepath.Join(base, entry.Name())
		var c Candidate
		if entry.IsDir() {
			manifest, ok := findManifest(path)
			if !ok {
				continue
			}
			c = Candidate{Name: entry.Name(), Source: manifest, Dir: path}
		} else {
			if !d.accept(path) {
				continue
			}
			c = Candidate{
				Name:   strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())),
				Source: path,
				Dir:    base,
			}
		}
		if _, exists := found[c.Name]; !exists {
			found[c.Name] = c
		}
	}
	return nil
}

func findManifest(dir string) (string, bool) {
	for _, name := range manifestNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

// Get returns the candidate discovered under name by the last Discover.
func (d *Discoverer) Get(name string) (Candidate, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.discovered[name]
	return c, ok
}

// Watch reports debounced changes to plugin sources under the search paths
// until ctx ends or Stop is called. fn runs on a timer goroutine.
func (d *Discoverer) Watch(ctx context.Context, fn func(Change)) error {
	d.watchMu.Lock()
	defer d.watchMu.Unlock()
	if d.watcher != nil {
		return fmt.Errorf("discoverer is already watching")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	watched := 0
	for _, base := range d.paths {
		if err := w.Add(base); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			w.Close()
			return fmt.Errorf("watch %s: %w", base, err)
		}
		watched++
		d.addPluginDirs(w, base)
	}
	if watched == 0 {
		w.Close()
		return fmt.Errorf("none of the plugin paths exist")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.watcher = w
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.loop(ctx, w, fn, d.done)

	d.log.Info().Strs("paths", d.paths).Msg("watching plugin paths")
	return nil
}

// addPluginDirs watches existing subdirectories so manifest edits are seen.
func (d *Discoverer) addPluginDirs(w *fsnotify.Watcher, base string) {
	entries, err := os.ReadDir(base)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := w.Add(filepath.Join(base, e.Name())); err != nil {
				d.log.Debug().Err(err).Str("dir", e.Name()).Msg("cannot watch plugin directory")
			}
		}
	}
}

func (d *Discoverer) loop(ctx context.Context, w *fsnotify.Watcher, fn func(Change), done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			d.handle(ctx, w, ev, fn)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			d.log.Error().Err(err).Msg("watcher error")
		}
	}
}

func (d *Discoverer) handle(ctx context.Context, w *fsnotify.Watcher, ev fsnotify.Event, fn func(Change)) {
	var op ChangeOp
	switch {
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.Add(ev.Name)
			return
		}
		op = ChangeAdded
	case ev.Has(fsnotify.Write):
		op = ChangeModified
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		op = ChangeRemoved
	default:
		return
	}
	if !d.isSource(ev.Name) {
		return
	}

	d.watchMu.Lock()
	defer d.watchMu.Unlock()

	path := ev.Name
	if p, ok := d.pending[path]; ok {
		p.timer.Stop()
		// a write right after a create is still an addition
		if !(p.op == ChangeAdded && op == ChangeModified) {
			p.op = op
		}
	} else {
		d.pending[path] = &pendingChange{op: op}
	}
	p := d.pending[path]
	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(d.delay, func() {
		d.watchMu.Lock()
		if cur, ok := d.pending[path]; !ok || cur != p || p.gen != gen {
			d.watchMu.Unlock()
			return
		}
		change := Change{Op: p.op, Source: path}
		delete(d.pending, path)
		d.watchMu.Unlock()

		if ctx.Err() != nil {
			return
		}
		d.log.Debug().Str("source", path).Stringer("op", change.Op).Msg("plugin source changed")
		fn(change)
	})
}

func (d *Discoverer) isSource(path string) bool {
	base := filepath.Base(path)
	for _, name := range manifestNames {
		if base == name {
			return true
		}
	}
	return d.accept(path)
}

// Stop ends Watch and drops pending changes.
func (d *Discoverer) Stop() {
	d.watchMu.Lock()
	w, cancel, done := d.watcher, d.cancel, d.done
	d.watcher, d.cancel, d.done = nil, nil, nil
	for path, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, path)
	}
	d.watchMu.Unlock()

	if w == nil {
		return
	}
	cancel()
	w.Close()
	<-done
}
