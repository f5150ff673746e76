package loader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/calcrt/internal/calculator"
	"github.com/dshills/calcrt/internal/event"
	"github.com/dshills/calcrt/internal/plugin"
	"github.com/dshills/calcrt/internal/plugin/security"
	"github.com/dshills/calcrt/internal/storage"
)

type scriptFixture struct {
	pctx   *plugin.Context
	scoped *storage.Scoped
	events *[]event.Event
}

func newScriptFixture(t *testing.T, id string) *scriptFixture {
	t.Helper()
	scoped := storage.NewScoped(storage.NewMemoryStore(), "calcrt", id, nil)

	bus := event.NewBus()
	var mu sync.Mutex
	var events []event.Event
	_, err := bus.Subscribe(event.TopicPluginCustom, func(_ context.Context, ev event.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})
	require.NoError(t, err)

	return &scriptFixture{
		pctx:   plugin.NewContext(id, nil, scoped, plugin.Config{Enabled: true}, bus),
		scoped: scoped,
		events: &events,
	}
}

func loadInline(t *testing.T, d *Declarative, doc string, f *scriptFixture) *ScriptPlugin {
	t.Helper()
	ctx := context.Background()
	p, err := d.Load(ctx, InlinePrefix+doc)
	require.NoError(t, err)
	sp := p.(*ScriptPlugin)
	require.NoError(t, sp.Load(ctx, f.pctx))
	t.Cleanup(func() { sp.close() })
	return sp
}

func TestScriptPlugin_LuaCalculator(t *testing.T) {
	f := newScriptFixture(t, "test.bmi")
	p := loadInline(t, NewDeclarative(), bmiDoc, f)
	ctx := context.Background()

	assert.Equal(t, "test.bmi", p.Metadata().FullID())
	assert.Equal(t, LanguageLua, p.Language())
	assert.True(t, p.Loaded())
	assert.Equal(t, map[string]any{"fields": []any{"weight", "height"}}, p.Form())

	res, err := p.Calculate(ctx, calculator.Inputs{"weight": 70, "height": 1.75})
	require.NoError(t, err)
	assert.Equal(t, 22.9, res.Value)
	assert.Equal(t, "kg/m2", res.Unit)
	assert.Equal(t, "normal", res.Interpretation)

	var last float64
	ok, err := f.scoped.GetJSON(ctx, "last", &last)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 22.857, last, 0.001)

	healthy, err := p.HealthCheck(ctx)
	require.NoError(t, err)
	assert.True(t, healthy)

	exts := p.Extensions()
	require.Len(t, exts, 1)
	assert.Equal(t, "medical.calculator", exts[0].Point)
	assert.Equal(t, 50, exts[0].Priority)
	assert.Same(t, p, exts[0].Impl)
}

func TestScriptPlugin_Validation(t *testing.T) {
	f := newScriptFixture(t, "test.bmi")
	p := loadInline(t, NewDeclarative(), bmiDoc, f)
	ctx := context.Background()

	tests := []struct {
		name   string
		inputs calculator.Inputs
		valid  bool
		errors map[string]string
	}{
		{"valid", calculator.Inputs{"weight": 70, "height": 1.75}, true, nil},
		{"schema required", calculator.Inputs{"height": 1.75}, false, map[string]string{"weight": "weight is required"}},
		{"rule", calculator.Inputs{"weight": 70, "height": 0}, false, map[string]string{"height": "height must be positive"}},
		{"script hook", calculator.Inputs{"weight": 600, "height": 1.8}, false, map[string]string{"weight": "implausible"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := p.ValidateInputs(ctx, tt.inputs)
			require.NoError(t, err)
			assert.Equal(t, tt.valid, res.Valid)
			assert.Equal(t, tt.errors, res.Errors)
		})
	}
}

func TestScriptPlugin_Lifecycle(t *testing.T) {
	doc := `
namespace: test
id: life
version: 1.0.0
type: service
hooks:
  load: |
    require("calc").event.emit("loaded", { mode = config.mode })
  start: |
    if config.fail_start then error("refusing to start") end
  unload: |
    require("calc").event.emit("bye")
`
	f := newScriptFixture(t, "test.life")
	d := NewDeclarative()
	ctx := context.Background()

	raw, err := d.Load(ctx, InlinePrefix+doc)
	require.NoError(t, err)
	p := raw.(*ScriptPlugin)
	assert.Equal(t, 1, d.Tracked(InlinePrefix+doc))

	_, err = p.HealthCheck(ctx)
	require.ErrorIs(t, err, ErrNotLoaded)

	require.NoError(t, p.Configure(plugin.Config{Settings: map[string]any{"mode": "strict", "fail_start": true}}))
	require.NoError(t, p.Load(ctx, f.pctx))
	err = p.Start(ctx, f.pctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing to start")

	// no stop hook is a no-op
	require.NoError(t, p.Stop(ctx, f.pctx))
	require.NoError(t, p.Unload(ctx, f.pctx))
	assert.False(t, p.Loaded())

	require.Len(t, *f.events, 2)
	assert.Equal(t, "loaded", (*f.events)[0].Data["name"])
	assert.Equal(t, "strict", (*f.events)[0].Data["mode"])
	assert.Equal(t, "bye", (*f.events)[1].Data["name"])

	_, err = p.Calculate(ctx, calculator.Inputs{})
	assert.ErrorIs(t, err, ErrNotLoaded)

	require.NoError(t, d.Unload(ctx, InlinePrefix+doc))
	assert.Zero(t, d.Tracked(InlinePrefix+doc))
}

func TestScriptPlugin_StorageNeedsPermission(t *testing.T) {
	doc := `
namespace: test
id: nostore
version: 1.0.0
type: calculator
hooks:
  calculate: |
    local calc = require("calc")
    return calc.storage == nil
`
	f := newScriptFixture(t, "test.nostore")
	p := loadInline(t, NewDeclarative(), doc, f)

	res, err := p.Calculate(context.Background(), calculator.Inputs{})
	require.NoError(t, err)
	assert.Equal(t, true, res.Value)
}

func TestScriptPlugin_LuaTimeout(t *testing.T) {
	doc := `
namespace: test
id: spin
version: 1.0.0
type: calculator
hooks:
  calculate: |
    while true do end
`
	f := newScriptFixture(t, "test.spin")
	p := loadInline(t, NewDeclarative(WithScriptTimeout(50*time.Millisecond)), doc, f)

	start := time.Now()
	_, err := p.Calculate(context.Background(), calculator.Inputs{})
	require.ErrorIs(t, err, ErrScriptTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

const sumDoc = `
namespace: test
id: sum
version: 1.0.0
type: calculator
language: javascript
permissions:
  storage: true
rules:
  - field: a
    expr: "inputs.a >= 0"
    message: a must not be negative
script: |
  function calculate(inputs) {
    var total = inputs.a + inputs.b;
    calc.storage.set("last", total);
    calc.event.emit("summed", {total: total});
    return { value: total, warnings: ["synthetic"], details: { rounded: calc.util.round(total / 3, 2) } };
  }
  function validate(inputs) {
    if (inputs.b > 100) { return { errors: { b: "too large" } }; }
    return true;
  }
  function health() { return true; }
  function spin() { while (true) {} }
`

func TestScriptPlugin_JavaScript(t *testing.T) {
	f := newScriptFixture(t, "test.sum")
	p := loadInline(t, NewDeclarative(), sumDoc, f)
	ctx := context.Background()
	assert.Equal(t, LanguageJavaScript, p.Language())

	res, err := p.Calculate(ctx, calculator.Inputs{"a": 2, "b": 3})
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Value)
	assert.Equal(t, []string{"synthetic"}, res.Warnings)
	assert.Equal(t, 1.67, res.Details["rounded"])

	var last int
	ok, err := f.scoped.GetJSON(ctx, "last", &last)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5, last)
	require.Len(t, *f.events, 1)
	assert.Equal(t, "summed", (*f.events)[0].Data["name"])

	vr, err := p.ValidateInputs(ctx, calculator.Inputs{"a": -1, "b": 1})
	require.NoError(t, err)
	assert.False(t, vr.Valid)
	assert.Equal(t, map[string]string{"a": "a must not be negative"}, vr.Errors)

	vr, err = p.ValidateInputs(ctx, calculator.Inputs{"a": 1, "b": 200})
	require.NoError(t, err)
	assert.False(t, vr.Valid)
	assert.Equal(t, map[string]string{"b": "too large"}, vr.Errors)

	healthy, err := p.HealthCheck(ctx)
	require.NoError(t, err)
	assert.True(t, healthy)
}

func TestScriptPlugin_JavaScriptInterrupted(t *testing.T) {
	f := newScriptFixture(t, "test.sum")
	p := loadInline(t, NewDeclarative(WithScriptTimeout(time.Minute)), sumDoc, f)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	eng, _, err := p.current()
	require.NoError(t, err)
	_, err = eng.call(ctx, "spin")
	require.ErrorIs(t, err, ErrScriptTimeout)

	// the runtime is usable again after an interrupt
	res, err := p.Calculate(context.Background(), calculator.Inputs{"a": 1, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Value)
}

func TestScriptPlugin_ThroughCalculatorLayer(t *testing.T) {
	f := newScriptFixture(t, "test.bmi")
	p := loadInline(t, NewDeclarative(), bmiDoc, f)
	layer := calculator.NewLayer(sourceOf{"test.bmi": p})
	ctx := context.Background()

	in, err := layer.Activate(ctx, "test.bmi", "t", nil)
	require.NoError(t, err)
	assert.Equal(t, p.Form(), in.Form())

	_, err = in.Calculate(ctx, calculator.Inputs{"weight": 70})
	require.ErrorIs(t, err, calculator.ErrValidationFailed)

	res, err := in.Calculate(ctx, calculator.Inputs{"weight": 90, "height": 1.8})
	require.NoError(t, err)
	assert.Equal(t, "overweight", res.Interpretation)
}

type sourceOf map[string]plugin.Plugin

func (s sourceOf) Plugin(id string) (plugin.Plugin, error) {
	if p, ok := s[id]; ok {
		return p, nil
	}
	return nil, plugin.ErrPluginNotFound
}

func TestScriptPlugin_CallDepthLimit(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"lua", `
namespace: test
id: deep
version: 1.0.0
type: calculator
script: |
  function depth(n)
    if n == 0 then return 0 end
    return 1 + depth(n - 1)
  end
hooks:
  calculate: |
    return { value = depth(inputs.n) }
`},
		{"javascript", `
namespace: test
id: deep
version: 1.0.0
type: calculator
language: javascript
script: |
  function depth(n) { return n === 0 ? 0 : 1 + depth(n - 1); }
  function calculate(inputs) { return { value: depth(inputs.n) }; }
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newScriptFixture(t, "test.deep")
			f.pctx.Limits = security.NewResourceMonitor("test.deep", security.Limits{MaxCallDepth: 40})
			p := loadInline(t, NewDeclarative(), tt.doc, f)
			ctx := context.Background()

			res, err := p.Calculate(ctx, calculator.Inputs{"n": 10})
			require.NoError(t, err)
			assert.Equal(t, int64(10), res.Value)

			_, err = p.Calculate(ctx, calculator.Inputs{"n": 5000})
			require.ErrorIs(t, err, ErrCallDepthExceeded)
			assert.NotErrorIs(t, err, ErrScriptTimeout)
		})
	}
}

func TestScriptPlugin_JavaScriptOutputLimit(t *testing.T) {
	doc := `
namespace: test
id: chatty
version: 1.0.0
type: calculator
language: javascript
script: |
  function calculate(inputs) {
    calc.log.info(inputs.msg);
    return { value: 1 };
  }
`
	f := newScriptFixture(t, "test.chatty")
	mon := security.NewResourceMonitor("test.chatty", security.Limits{OutputBytesPerSecond: 8})
	f.pctx.Limits = mon
	p := loadInline(t, NewDeclarative(), doc, f)
	ctx := context.Background()

	_, err := p.Calculate(ctx, calculator.Inputs{"msg": "ok"})
	require.NoError(t, err)

	_, err = p.Calculate(ctx, calculator.Inputs{"msg": "far too long for the budget"})
	assert.ErrorContains(t, err, "output rate exceeded")
	assert.Equal(t, uint64(1), mon.Usage().Denied)
}
