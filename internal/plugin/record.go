package plugin

import (
	"sync"
	"time"
)

// Stats aggregates calculation outcomes reported for one plugin.
type Stats struct {
	Calculations    uint64
	Failures        uint64
	TotalDuration   time.Duration
	LastCalculation time.Time
}

// AverageDuration is the mean duration over all reported calculations.
func (s Stats) AverageDuration() time.Duration {
	n := s.Calculations + s.Failures
	if n == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(n)
}

// Record is the manager's bookkeeping for one loaded plugin.
type Record struct {
	// transition serializes lifecycle operations on this plugin and is
	// held while hooks run.
	transition sync.Mutex

	// mu guards the fields below for quick reads during a transition.
	mu    sync.RWMutex
	state State
	err   error
	stats Stats

	id       string
	meta     Metadata
	plugin   Plugin
	source   string
	config   Config
	loadedAt time.Time

	ctxOnce    sync.Once
	pctx       *Context
	newContext func(*Record) *Context
}

func newRecord(meta Metadata, p Plugin, source string, cfg Config, newCtx func(*Record) *Context) *Record {
	return &Record{
		id:         meta.FullID(),
		meta:       meta,
		plugin:     p,
		source:     source,
		config:     cfg,
		state:      StateUnloaded,
		loadedAt:   time.Now(),
		newContext: newCtx,
	}
}

// ID returns the plugin's "namespace.id".
func (r *Record) ID() string { return r.id }

// Metadata returns a copy of the admitted metadata.
func (r *Record) Metadata() Metadata { return r.meta.Clone() }

// Plugin returns the plugin object.
func (r *Record) Plugin() Plugin { return r.plugin }

// Source returns the source string the plugin was loaded from.
func (r *Record) Source() string { return r.source }

// Config returns a copy of the resolved configuration.
func (r *Record) Config() Config { return r.config.Clone() }

// LoadedAt returns when the record was created.
func (r *Record) LoadedAt() time.Time { return r.loadedAt }

// State returns the current lifecycle state.
func (r *Record) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Err returns the error of the last failed transition.
func (r *Record) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// Stats returns the calculation statistics.
func (r *Record) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// Context returns the execution context, building it on first use.
func (r *Record) Context() *Context {
	r.ctxOnce.Do(func() {
		if r.newContext != nil {
			r.pctx = r.newContext(r)
		} else {
			r.pctx = &Context{PluginID: r.id, Config: r.config.Clone(), Utils: NewUtils()}
		}
	})
	return r.pctx
}

func (r *Record) setState(s State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
	r.err = err
}

func (r *Record) recordCalculation(success bool, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if success {
		r.stats.Calculations++
	} else {
		r.stats.Failures++
	}
	r.stats.TotalDuration += d
	r.stats.LastCalculation = time.Now()
}
