// Package cha2ds2vasc is the built-in CHA₂DS₂-VASc stroke risk calculator
// for patients with atrial fibrillation.
package cha2ds2vasc

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/dshills/calcrt/internal/calculator"
	"github.com/dshills/calcrt/internal/plugin"
	"github.com/dshills/calcrt/internal/plugin/extension"
	"github.com/dshills/calcrt/internal/plugin/security"
)

// ID is the plugin's full id and its source name in the local catalog.
const ID = "cardiology.cha2ds2-vasc"

// Priority is the plugin's rank among medical.calculator contributions.
const Priority = 100

// lastScoreKey holds the most recent score in the plugin's storage.
const lastScoreKey = "last_score"

// annualStrokeRisk is the adjusted yearly stroke rate in percent, indexed
// by score (Friberg et al., Eur Heart J 2012).
var annualStrokeRisk = [...]float64{0.2, 0.6, 2.2, 3.2, 4.8, 7.2, 9.7, 11.2, 10.8, 12.2}

var boolFactors = []struct {
	name   string
	points int
}{
	{"chf", 1},
	{"hypertension", 1},
	{"diabetes", 1},
	{"stroke", 2},
	{"vascular", 1},
}

// Plugin scores CHA₂DS₂-VASc.
type Plugin struct {
	mu   sync.Mutex
	pctx *plugin.Context
}

// New returns the plugin. It matches loader.Factory.
func New() plugin.Plugin { return &Plugin{} }

// Metadata implements plugin.Plugin.
func (p *Plugin) Metadata() plugin.Metadata {
	return plugin.Metadata{
		Namespace:   "cardiology",
		ID:          "cha2ds2-vasc",
		Name:        "CHA₂DS₂-VASc",
		Version:     "1.2.0",
		Description: "Stroke risk in atrial fibrillation",
		Type:        plugin.TypeCalculator,
		Permissions: security.PermissionSet{Storage: true},
	}
}

// Load keeps the execution context for storage access.
func (p *Plugin) Load(_ context.Context, pctx *plugin.Context) error {
	p.mu.Lock()
	p.pctx = pctx
	p.mu.Unlock()
	return nil
}

// Unload drops what the plugin stored.
func (p *Plugin) Unload(ctx context.Context, pctx *plugin.Context) error {
	p.mu.Lock()
	p.pctx = nil
	p.mu.Unlock()
	if pctx.Storage == nil {
		return nil
	}
	return pctx.Storage.Clear(ctx)
}

// Extensions implements plugin.ExtensionContributor.
func (p *Plugin) Extensions() []extension.Extension {
	return []extension.Extension{{Point: calculator.ExtensionPoint, Priority: Priority, Impl: p}}
}

// Form implements calculator.FormProvider.
func (p *Plugin) Form() map[string]any {
	return map[string]any{
		"title": "CHA₂DS₂-VASc",
		"fields": []map[string]any{
			{"name": "age", "type": "number", "label": "Age", "min": 0, "max": 130, "required": true},
			{"name": "gender", "type": "select", "label": "Sex", "options": []string{"male", "female"}, "required": true},
			{"name": "chf", "type": "boolean", "label": "Congestive heart failure"},
			{"name": "hypertension", "type": "boolean", "label": "Hypertension"},
			{"name": "diabetes", "type": "boolean", "label": "Diabetes mellitus"},
			{"name": "stroke", "type": "boolean", "label": "Prior stroke, TIA or thromboembolism"},
			{"name": "vascular", "type": "boolean", "label": "Vascular disease"},
		},
	}
}

// ValidateInputs implements calculator.InputValidator.
func (p *Plugin) ValidateInputs(_ context.Context, in calculator.Inputs) (calculator.ValidationResult, error) {
	errs := make(map[string]string)

	switch age, ok := number(in["age"]); {
	case in["age"] == nil:
		errs["age"] = "age is required"
	case !ok:
		errs["age"] = "age must be a number"
	case age < 0 || age > 130:
		errs["age"] = "age must be between 0 and 130"
	}

	switch g := in["gender"].(type) {
	case nil:
		errs["gender"] = "gender is required"
	case string:
		if _, ok := parseGender(g); !ok {
			errs["gender"] = "gender must be male or female"
		}
	default:
		errs["gender"] = "gender must be male or female"
	}

	for _, f := range boolFactors {
		if v, present := in[f.name]; present && v != nil {
			if _, ok := v.(bool); !ok {
				errs[f.name] = f.name + " must be true or false"
			}
		}
	}

	if len(errs) > 0 {
		return calculator.ValidationResult{Valid: false, Errors: errs}, nil
	}
	return calculator.ValidationResult{Valid: true}, nil
}

// Calculate implements calculator.Computer.
func (p *Plugin) Calculate(ctx context.Context, in calculator.Inputs) (calculator.Result, error) {
	age, ok := number(in["age"])
	if !ok {
		return calculator.Result{}, fmt.Errorf("age must be a number")
	}
	gender, _ := in["gender"].(string)
	female, ok := parseGender(gender)
	if !ok {
		return calculator.Result{}, fmt.Errorf("unknown gender %q", gender)
	}

	breakdown := make(map[string]any)
	score := 0
	add := func(name string, points int) {
		score += points
		breakdown[name] = points
	}

	switch {
	case age >= 75:
		add("age", 2)
	case age >= 65:
		add("age", 1)
	}
	if female {
		add("gender", 1)
	}
	for _, f := range boolFactors {
		if v, _ := in[f.name].(bool); v {
			add(f.name, f.points)
		}
	}

	risk := annualStrokeRisk[score]
	res := calculator.Result{
		Value:          score,
		Unit:           "points",
		Interpretation: interpret(score, female),
		Details: map[string]any{
			"annual_stroke_risk_percent": risk,
			"breakdown":                  breakdown,
		},
	}
	if female && score == 1 {
		res.Warnings = append(res.Warnings, "female sex alone is a risk modifier, not a risk factor")
	}

	if err := p.remember(ctx, score); err != nil {
		res.Warnings = append(res.Warnings, "last score not saved: "+err.Error())
	}
	return res, nil
}

// LastScore returns the most recent score recorded in storage.
func (p *Plugin) LastScore(ctx context.Context) (int, bool, error) {
	p.mu.Lock()
	pctx := p.pctx
	p.mu.Unlock()
	if pctx == nil || pctx.Storage == nil {
		return 0, false, nil
	}
	var score int
	ok, err := pctx.Storage.GetJSON(ctx, lastScoreKey, &score)
	return score, ok, err
}

func (p *Plugin) remember(ctx context.Context, score int) error {
	p.mu.Lock()
	pctx := p.pctx
	p.mu.Unlock()
	if pctx == nil || pctx.Storage == nil {
		return nil
	}
	return pctx.Storage.SetJSON(ctx, lastScoreKey, score)
}

func interpret(score int, female bool) string {
	// the sex point does not count towards the treatment threshold
	adjusted := score
	if female {
		adjusted--
	}
	switch {
	case adjusted <= 0:
		return "Low risk: anticoagulation generally not recommended"
	case adjusted == 1:
		return "Moderate risk: consider oral anticoagulation"
	default:
		return "High risk: oral anticoagulation recommended"
	}
}

func parseGender(s string) (female bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "female", "f":
		return true, true
	case "male", "m":
		return false, true
	}
	return false, false
}

// number accepts the numeric kinds JSON decoding and script bridges
// produce.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
