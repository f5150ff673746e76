package loader

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dshills/calcrt/internal/calculator"
	"github.com/dshills/calcrt/internal/plugin"
	"github.com/dshills/calcrt/internal/plugin/extension"
)

// ScriptPlugin is a plugin synthesized from a Document. Its hooks call the
// script functions of the same name; absent functions are no-ops.
//
// The interpreter is created by Load, once the manager has admitted the
// plugin and built its execution context, and closed by Unload.
type ScriptPlugin struct {
	doc       *Document
	meta      plugin.Metadata
	source    string
	checks    *inputChecks
	newEngine engineFactory
	timeout   time.Duration

	mu       sync.Mutex
	engine   engine
	settings map[string]any
}

func newScriptPlugin(doc *Document, source string, timeout time.Duration) (*ScriptPlugin, error) {
	checks, err := compileChecks(doc)
	if err != nil {
		return nil, err
	}
	return &ScriptPlugin{
		doc:       doc,
		meta:      doc.Metadata(),
		source:    source,
		checks:    checks,
		newEngine: engineFor(doc.Language),
		timeout:   timeout,
		settings:  map[string]any{},
	}, nil
}

// Metadata implements plugin.Plugin.
func (p *ScriptPlugin) Metadata() plugin.Metadata { return p.meta }

// Source returns the source the plugin was built from.
func (p *ScriptPlugin) Source() string { return p.source }

// Language returns the script language.
func (p *ScriptPlugin) Language() string { return p.doc.Language }

// Configure keeps the settings passed to lifecycle hooks.
func (p *ScriptPlugin) Configure(cfg plugin.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings = make(map[string]any, len(cfg.Settings))
	for k, v := range cfg.Settings {
		p.settings[k] = v
	}
	return nil
}

// Load creates the interpreter, runs the script and calls its load hook.
func (p *ScriptPlugin) Load(ctx context.Context, pctx *plugin.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.engine != nil {
		return nil
	}

	eng, err := p.newEngine(ctx, p.doc, pctx, p.timeout)
	if err != nil {
		return err
	}
	if eng.has(HookLoad) {
		if _, err := eng.call(ctx, HookLoad, p.settings); err != nil {
			eng.close()
			return err
		}
	}
	p.engine = eng
	return nil
}

// Start implements plugin.Startable.
func (p *ScriptPlugin) Start(ctx context.Context, _ *plugin.Context) error {
	return p.lifecycle(ctx, HookStart)
}

// Stop implements plugin.Stoppable.
func (p *ScriptPlugin) Stop(ctx context.Context, _ *plugin.Context) error {
	return p.lifecycle(ctx, HookStop)
}

// Unload calls the unload hook and closes the interpreter, even when the
// hook fails.
func (p *ScriptPlugin) Unload(ctx context.Context, _ *plugin.Context) error {
	err := p.lifecycle(ctx, HookUnload)
	p.close()
	return err
}

func (p *ScriptPlugin) lifecycle(ctx context.Context, hook string) error {
	eng, settings, err := p.current()
	if err != nil {
		return err
	}
	if !eng.has(hook) {
		return nil
	}
	_, err = eng.call(ctx, hook, settings)
	return err
}

func (p *ScriptPlugin) current() (engine, map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.engine == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotLoaded, p.meta.FullID())
	}
	return p.engine, p.settings, nil
}

// close releases the interpreter. It is safe to call more than once.
func (p *ScriptPlugin) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.engine != nil {
		p.engine.close()
		p.engine = nil
	}
}

// Loaded reports whether the interpreter is live.
func (p *ScriptPlugin) Loaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.engine != nil
}

// HealthCheck calls the health hook. A loaded script without one is
// healthy; an unloaded script is not.
func (p *ScriptPlugin) HealthCheck(ctx context.Context) (bool, error) {
	eng, _, err := p.current()
	if err != nil {
		return false, err
	}
	if !eng.has(HookHealth) {
		return true, nil
	}
	v, err := eng.call(ctx, HookHealth)
	if err != nil {
		return false, err
	}
	ok, isBool := v.(bool)
	return isBool && ok, nil
}

// Calculate calls the calculate hook. A table result is read as
// {value, unit, interpretation, details, warnings}; anything else becomes
// the result value.
func (p *ScriptPlugin) Calculate(ctx context.Context, inputs calculator.Inputs) (calculator.Result, error) {
	eng, _, err := p.current()
	if err != nil {
		return calculator.Result{}, err
	}
	if !eng.has(HookCalculate) {
		return calculator.Result{}, fmt.Errorf("%s defines no calculate hook", p.meta.FullID())
	}
	v, err := eng.call(ctx, HookCalculate, map[string]any(inputs.Clone()))
	if err != nil {
		return calculator.Result{}, err
	}
	return toResult(v), nil
}

// ValidateInputs runs the schema, then the rules, then the validate hook.
// The hook only runs when the declarative checks pass.
func (p *ScriptPlugin) ValidateInputs(ctx context.Context, inputs calculator.Inputs) (calculator.ValidationResult, error) {
	if p.checks != nil {
		errs, err := p.checks.check(ctx, map[string]any(inputs))
		if err != nil {
			return calculator.ValidationResult{}, err
		}
		if len(errs) > 0 {
			return calculator.ValidationResult{Valid: false, Errors: errs}, nil
		}
	}

	eng, _, err := p.current()
	if err != nil {
		return calculator.ValidationResult{}, err
	}
	if !eng.has(HookValidate) {
		return calculator.ValidationResult{Valid: true}, nil
	}
	v, err := eng.call(ctx, HookValidate, map[string]any(inputs.Clone()))
	if err != nil {
		return calculator.ValidationResult{}, err
	}
	return toValidation(v), nil
}

// Form implements calculator.FormProvider.
func (p *ScriptPlugin) Form() map[string]any { return p.doc.Form }

// ExtensionPoints implements plugin.ExtensionPointProvider.
func (p *ScriptPlugin) ExtensionPoints() []extension.Point {
	points := make([]extension.Point, 0, len(p.doc.ExtensionPoints))
	for _, s := range p.doc.ExtensionPoints {
		card, _ := parseCardinality(s.Cardinality)
		points = append(points, extension.Point{
			Name:        s.Name,
			Description: s.Description,
			Cardinality: card,
			Required:    s.Required,
		})
	}
	return points
}

// Extensions contributes the plugin itself to each declared point.
func (p *ScriptPlugin) Extensions() []extension.Extension {
	exts := make([]extension.Extension, 0, len(p.doc.Extensions))
	for _, s := range p.doc.Extensions {
		exts = append(exts, extension.Extension{Point: s.Point, Priority: s.Priority, Impl: p})
	}
	return exts
}

func toResult(v any) calculator.Result {
	m, ok := v.(map[string]any)
	if !ok {
		return calculator.Result{Value: v}
	}
	value, hasValue := m["value"]
	if !hasValue {
		return calculator.Result{Value: m}
	}
	r := calculator.Result{Value: value}
	r.Unit, _ = m["unit"].(string)
	r.Interpretation, _ = m["interpretation"].(string)
	r.Details, _ = m["details"].(map[string]any)
	r.Warnings = toStrings(m["warnings"])
	return r
}

// toValidation reads a validate hook result: a boolean, or a table
// {valid, errors = {field = message}, warnings}. Nil means valid. A table
// with errors and no valid flag is invalid.
func toValidation(v any) calculator.ValidationResult {
	switch t := v.(type) {
	case nil:
		return calculator.ValidationResult{Valid: true}
	case bool:
		return calculator.ValidationResult{Valid: t}
	case map[string]any:
		res := calculator.ValidationResult{Warnings: toStrings(t["warnings"])}
		if errs, ok := t["errors"].(map[string]any); ok && len(errs) > 0 {
			res.Errors = make(map[string]string, len(errs))
			for field, msg := range errs {
				res.Errors[field] = fmt.Sprint(msg)
			}
		}
		if valid, ok := t["valid"].(bool); ok {
			res.Valid = valid
		} else {
			res.Valid = len(res.Errors) == 0
		}
		return res
	default:
		return calculator.ValidationResult{Valid: false, Errors: map[string]string{"inputs": fmt.Sprint(v)}}
	}
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			out = append(out, fmt.Sprint(x))
		}
		return out
	case []string:
		return t
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]string, 0, len(t))
		for _, k := range keys {
			out = append(out, fmt.Sprint(t[k]))
		}
		return out
	}
	return nil
}
