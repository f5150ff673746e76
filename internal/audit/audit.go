// Package audit records security- and lifecycle-relevant runtime actions.
package audit

import (
	"context"
	"sync"
	"time"
)

// Kind classifies an audit entry.
type Kind string

// Audited actions.
const (
	KindLoad        Kind = "load"
	KindStart       Kind = "start"
	KindStop        Kind = "stop"
	KindUnload      Kind = "unload"
	KindPermission  Kind = "permission"
	KindExtension   Kind = "extension"
	KindCalculation Kind = "calculation"
	KindActivation  Kind = "activation"
	KindHealth      Kind = "health"
)

// Severity ranks an entry.
type Severity int

// Severities.
const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

// String returns the severity name.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Entry is one audited action.
type Entry struct {
	Kind     Kind
	PluginID string
	Success  bool
	Severity Severity
	// Duration is set for timed actions such as calculations.
	Duration time.Duration
	Detail   map[string]any
	Err      error
	Time     time.Time
}

// Sink receives audit entries. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, e Entry)
}

// Nop discards entries.
type Nop struct{}

// Record implements Sink.
func (Nop) Record(context.Context, Entry) {}

// Multi fans entries out to several sinks in order.
type Multi []Sink

// Record implements Sink.
func (m Multi) Record(ctx context.Context, e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	for _, s := range m {
		if s != nil {
			s.Record(ctx, e)
		}
	}
}

// Recorder keeps entries in memory. Used by tests and the CLI.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// Record implements Sink.
func (r *Recorder) Record(_ context.Context, e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

// Entries returns a copy of the recorded entries.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Filter returns the recorded entries of kind k.
func (r *Recorder) Filter(k Kind) []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}
