package calculator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dshills/calcrt/internal/plugin"
)

// ExtensionPoint is where calculator plugins contribute themselves.
const ExtensionPoint = "medical.calculator"

// Inputs are the named values a calculation runs on.
type Inputs map[string]any

// Clone returns a copy of the top-level map.
func (in Inputs) Clone() Inputs {
	if in == nil {
		return nil
	}
	out := make(Inputs, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// key returns the canonical JSON of in. Map keys are sorted by the encoder,
// so equal inputs give equal keys.
func (in Inputs) key() (string, bool) {
	b, err := json.Marshal(in)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// Result is what a calculator produces.
type Result struct {
	Value          any            `json:"value"`
	Unit           string         `json:"unit,omitempty"`
	Interpretation string         `json:"interpretation,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	Warnings       []string       `json:"warnings,omitempty"`
	Cached         bool           `json:"cached,omitempty"`
}

// ValidationResult is the outcome of an input validation hook.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   map[string]string `json:"errors,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

// Computer is the compute hook every calculator plugin implements.
type Computer interface {
	Calculate(ctx context.Context, inputs Inputs) (Result, error)
}

// InputValidator is an optional hook run before Calculate.
type InputValidator interface {
	ValidateInputs(ctx context.Context, inputs Inputs) (ValidationResult, error)
}

// FormProvider is an optional hook describing the calculator's input form
// for the renderer.
type FormProvider interface {
	Form() map[string]any
}

// StatsSink receives the outcome of every executed calculation.
// *plugin.Manager implements it.
type StatsSink interface {
	RecordCalculation(pluginID string, success bool, d time.Duration)
}

// PluginSource hands out started plugins. *plugin.Manager implements it.
type PluginSource interface {
	Plugin(id string) (plugin.Plugin, error)
}

// Status is the lifecycle state of an Instance.
type Status string

const (
	StatusLoading     Status = "loading"
	StatusReady       Status = "ready"
	StatusCalculating Status = "calculating"
	StatusError       Status = "error"
	StatusDestroyed   Status = "destroyed"
)

// Metrics are an instance's rolling counters.
type Metrics struct {
	LoadTime     time.Duration
	Calculations uint64
	AverageTime  time.Duration
	Errors       uint64
	CacheHits    uint64
	LastUsed     time.Time
}

// Options tune one instance.
type Options struct {
	CalculationTimeout time.Duration
	ValidationTimeout  time.Duration
	// CacheResults serves repeated inputs from a bounded LRU without
	// calling the plugin. Leave it off for plugins with side effects.
	CacheResults bool
	CacheSize    int
}

// DefaultOptions returns the built-in instance options.
func DefaultOptions() Options {
	return Options{
		CalculationTimeout: 5 * time.Second,
		ValidationTimeout:  time.Second,
		CacheSize:          32,
	}
}

// merge fills zero durations and sizes of o from def.
func (o Options) merge(def Options) Options {
	if o.CalculationTimeout <= 0 {
		o.CalculationTimeout = def.CalculationTimeout
	}
	if o.ValidationTimeout <= 0 {
		o.ValidationTimeout = def.ValidationTimeout
	}
	if o.CacheSize <= 0 {
		o.CacheSize = def.CacheSize
	}
	return o
}

// View is what a Renderer is given to draw.
type View struct {
	InstanceID string
	PluginID   string
	Status     Status
	Form       map[string]any
	Inputs     Inputs
	Result     *Result
	Err        error
}

// Renderer presents an instance. The runtime never inspects its output.
type Renderer interface {
	Render(ctx context.Context, target string, view View) error
	Update(ctx context.Context, target string, view View) error
	Teardown(ctx context.Context, target string) error
}

// NopRenderer renders nothing.
type NopRenderer struct{}

func (NopRenderer) Render(context.Context, string, View) error { return nil }
func (NopRenderer) Update(context.Context, string, View) error { return nil }
func (NopRenderer) Teardown(context.Context, string) error     { return nil }
