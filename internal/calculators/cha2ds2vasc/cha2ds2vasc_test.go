package cha2ds2vasc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/calcrt/internal/calculator"
	"github.com/dshills/calcrt/internal/plugin"
	"github.com/dshills/calcrt/internal/storage"
)

func TestCalculate_Scores(t *testing.T) {
	tests := []struct {
		name   string
		inputs calculator.Inputs
		score  int
		interp string
	}{
		{
			name:   "young male without factors",
			inputs: calculator.Inputs{"age": 40, "gender": "male"},
			score:  0,
			interp: "Low risk",
		},
		{
			name:   "female sex alone",
			inputs: calculator.Inputs{"age": 40.0, "gender": "female"},
			score:  1,
			interp: "Low risk",
		},
		{
			name:   "male aged 65 to 74",
			inputs: calculator.Inputs{"age": 70, "gender": "male"},
			score:  1,
			interp: "Moderate risk",
		},
		{
			name:   "elderly female with heart failure",
			inputs: calculator.Inputs{"age": 78, "gender": "female", "chf": true},
			score:  4,
			interp: "High risk",
		},
		{
			name: "every factor",
			inputs: calculator.Inputs{
				"age": int64(80), "gender": "F", "chf": true, "hypertension": true,
				"diabetes": true, "stroke": true, "vascular": true,
			},
			score:  9,
			interp: "High risk",
		},
		{
			name:   "false flags score nothing",
			inputs: calculator.Inputs{"age": 50, "gender": "male", "stroke": false},
			score:  0,
			interp: "Low risk",
		},
	}

	p := &Plugin{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := p.Calculate(context.Background(), tt.inputs)
			require.NoError(t, err)
			assert.Equal(t, tt.score, res.Value)
			assert.Equal(t, "points", res.Unit)
			assert.Contains(t, res.Interpretation, tt.interp)
			assert.Equal(t, annualStrokeRisk[tt.score], res.Details["annual_stroke_risk_percent"])
		})
	}
}

func TestCalculate_Breakdown(t *testing.T) {
	res, err := (&Plugin{}).Calculate(context.Background(), calculator.Inputs{
		"age": 78, "gender": "female", "chf": true,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"age": 2, "gender": 1, "chf": 1}, res.Details["breakdown"])
	assert.Empty(t, res.Warnings)

	res, err = (&Plugin{}).Calculate(context.Background(), calculator.Inputs{"age": 30, "gender": "female"})
	require.NoError(t, err)
	assert.Len(t, res.Warnings, 1)
}

func TestValidateInputs(t *testing.T) {
	tests := []struct {
		name   string
		inputs calculator.Inputs
		errors map[string]string
	}{
		{
			name:   "valid",
			inputs: calculator.Inputs{"age": 78, "gender": "female", "chf": true},
		},
		{
			name:   "missing",
			inputs: calculator.Inputs{},
			errors: map[string]string{"age": "age is required", "gender": "gender is required"},
		},
		{
			name:   "wrong kinds",
			inputs: calculator.Inputs{"age": "old", "gender": 1, "diabetes": "yes"},
			errors: map[string]string{
				"age":      "age must be a number",
				"gender":   "gender must be male or female",
				"diabetes": "diabetes must be true or false",
			},
		},
		{
			name:   "out of range",
			inputs: calculator.Inputs{"age": 131, "gender": "other"},
			errors: map[string]string{
				"age":    "age must be between 0 and 130",
				"gender": "gender must be male or female",
			},
		},
	}

	p := &Plugin{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := p.ValidateInputs(context.Background(), tt.inputs)
			require.NoError(t, err)
			if tt.errors == nil {
				assert.True(t, v.Valid)
				assert.Empty(t, v.Errors)
				return
			}
			assert.False(t, v.Valid)
			assert.Equal(t, tt.errors, v.Errors)
		})
	}
}

func TestPlugin_Contract(t *testing.T) {
	p := New()
	meta := p.Metadata()
	assert.Equal(t, ID, meta.FullID())
	require.NoError(t, meta.Validate([]plugin.Type{plugin.TypeCalculator}))
	assert.True(t, meta.Permissions.Storage)
	assert.False(t, meta.Permissions.Network)

	var _ calculator.Computer = &Plugin{}
	var _ calculator.InputValidator = &Plugin{}
	var _ calculator.FormProvider = &Plugin{}
	var _ plugin.Loadable = &Plugin{}
	var _ plugin.Unloadable = &Plugin{}

	exts := p.(plugin.ExtensionContributor).Extensions()
	require.Len(t, exts, 1)
	assert.Equal(t, calculator.ExtensionPoint, exts[0].Point)
	assert.Equal(t, Priority, exts[0].Priority)
	assert.Same(t, p, exts[0].Impl)
}

func TestPlugin_StoresLastScore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	scoped := storage.NewScoped(store, "calc", ID, nil)
	pctx := plugin.NewContext(ID, nil, scoped, plugin.Config{Enabled: true}, nil)

	p := &Plugin{}
	_, ok, err := p.LastScore(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "nothing before load")

	require.NoError(t, p.Load(ctx, pctx))
	_, err = p.Calculate(ctx, calculator.Inputs{"age": 78, "gender": "female", "chf": true})
	require.NoError(t, err)

	score, ok, err := p.LastScore(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4, score)

	require.NoError(t, p.Unload(ctx, pctx))
	_, ok, err = scoped.Get(ctx, lastScoreKey)
	require.NoError(t, err)
	assert.False(t, ok, "unload clears storage")
}
