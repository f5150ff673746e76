package host

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/calcrt/internal/audit"
	"github.com/dshills/calcrt/internal/calculator"
	"github.com/dshills/calcrt/internal/calculators/cha2ds2vasc"
	"github.com/dshills/calcrt/internal/config"
	"github.com/dshills/calcrt/internal/plugin"
	"github.com/dshills/calcrt/internal/plugin/security"
)

const doubleDoc = `
namespace: clinical
id: doubler
version: 1.0.0
type: calculator
extensions:
  - point: medical.calculator
    priority: 50
hooks:
  calculate: |
    return { value = inputs.x * 2, unit = "units" }
`

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Logging.Level = "error"
	return cfg
}

func newRuntime(t *testing.T, cfg config.Config, opts ...Option) *Runtime {
	t.Helper()
	opts = append([]Option{WithLogOutput(io.Discard)}, opts...)
	rt, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })
	return rt
}

func TestRuntime_ActivateAndCalculate(t *testing.T) {
	ctx := context.Background()
	rec := &audit.Recorder{}
	rt := newRuntime(t, testConfig(), WithAuditSink(rec))

	in, err := rt.Activate(ctx, cha2ds2vasc.ID, "panel", nil)
	require.NoError(t, err)
	assert.Equal(t, cha2ds2vasc.ID, in.PluginID())
	assert.Equal(t, calculator.StatusReady, in.Status())
	assert.Equal(t, plugin.StateStarted, rt.Manager().State(cha2ds2vasc.ID))

	res, err := rt.Calculate(ctx, in.ID(), calculator.Inputs{"age": 78, "gender": "female", "chf": true})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Value)
	assert.Contains(t, res.Interpretation, "High risk")

	stats, ok := rt.Manager().Stats(cha2ds2vasc.ID)
	require.True(t, ok)
	assert.Equal(t, uint64(1), stats.Calculations)

	_, err = rt.Calculate(ctx, in.ID(), calculator.Inputs{"age": 78})
	assert.ErrorIs(t, err, calculator.ErrValidationFailed)

	_, err = rt.Calculate(ctx, "nope", calculator.Inputs{})
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	assert.NotEmpty(t, rec.Filter(audit.KindCalculation))
	assert.NotEmpty(t, rec.Filter(audit.KindLoad))
}

func TestRuntime_ActivateTwiceSharesPlugin(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, testConfig())

	a, err := rt.Activate(ctx, cha2ds2vasc.ID, "left", nil)
	require.NoError(t, err)
	b, err := rt.Activate(ctx, cha2ds2vasc.ID, "right", nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, 1, rt.Manager().Count())
	assert.Len(t, rt.Cache().Instances(), 2)

	require.NoError(t, rt.Deactivate(ctx, a.ID()))
	assert.Equal(t, calculator.StatusDestroyed, a.Status())
	assert.ErrorIs(t, rt.Deactivate(ctx, a.ID()), ErrInstanceNotFound)
}

func TestRuntime_UnloadDestroysInstances(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, testConfig())

	in, err := rt.Activate(ctx, cha2ds2vasc.ID, "panel", nil)
	require.NoError(t, err)

	require.NoError(t, rt.Manager().UnloadPlugin(ctx, cha2ds2vasc.ID))

	assert.Equal(t, calculator.StatusDestroyed, in.Status())
	_, err = in.Calculate(ctx, calculator.Inputs{"age": 50, "gender": "male"})
	assert.ErrorIs(t, err, calculator.ErrInstanceDestroyed)
	_, err = rt.Calculate(ctx, in.ID(), calculator.Inputs{})
	assert.ErrorIs(t, err, ErrInstanceNotFound)
	assert.False(t, rt.Cache().Resolved(cha2ds2vasc.ID))

	again, err := rt.Activate(ctx, cha2ds2vasc.ID, "panel", nil)
	require.NoError(t, err)
	assert.NotEqual(t, in.ID(), again.ID())
}

func TestRuntime_ExtensionPriorities(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, testConfig())

	doubler, err := rt.Activate(ctx, "inline:"+doubleDoc, "panel", nil)
	require.NoError(t, err)
	_, err = rt.Activate(ctx, cha2ds2vasc.ID, "panel", nil)
	require.NoError(t, err)

	impls, err := rt.Calculators()
	require.NoError(t, err)
	require.Len(t, impls, 2)
	first, ok := impls[0].(plugin.Plugin)
	require.True(t, ok)
	assert.Equal(t, cha2ds2vasc.ID, first.Metadata().FullID(), "priority 100 before 50")
	second, ok := impls[1].(plugin.Plugin)
	require.True(t, ok)
	assert.Equal(t, "clinical.doubler", second.Metadata().FullID())

	res, err := doubler.Calculate(ctx, calculator.Inputs{"x": 21})
	require.NoError(t, err)
	assert.EqualValues(t, 42, res.Value)
}

// flaky fails its load hook while failures remain.
type flaky struct {
	failures *atomic.Int32
	perms    security.PermissionSet
}

func (f *flaky) Metadata() plugin.Metadata {
	return plugin.Metadata{Namespace: "test", ID: "flaky", Version: "0.1.0", Type: plugin.TypeCalculator, Permissions: f.perms}
}

func (f *flaky) Load(context.Context, *plugin.Context) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("warming up")
	}
	return nil
}

func (f *flaky) Calculate(context.Context, calculator.Inputs) (calculator.Result, error) {
	return calculator.Result{Value: "ok"}, nil
}

func TestRuntime_ActivateWithRetry(t *testing.T) {
	old := retryBackoff
	retryBackoff = time.Millisecond
	t.Cleanup(func() { retryBackoff = old })

	ctx := context.Background()
	var failures atomic.Int32
	rt := newRuntime(t, testConfig(), WithBuiltin("test.flaky", func() plugin.Plugin {
		return &flaky{failures: &failures}
	}))

	failures.Store(2)
	in, err := rt.ActivateWithRetry(ctx, "test.flaky", "panel", 3)
	require.NoError(t, err)
	res, err := in.Calculate(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Value)

	require.NoError(t, rt.Manager().UnloadPlugin(ctx, "test.flaky"))
	failures.Store(5)
	_, err = rt.ActivateWithRetry(ctx, "test.flaky", "panel", 2)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Contains(t, err.Error(), "warming up")
	assert.Equal(t, int32(3), failures.Load())
}

func TestRuntime_ActivateWithRetryStopsOnPermanentFailure(t *testing.T) {
	ctx := context.Background()
	var failures atomic.Int32
	rt := newRuntime(t, testConfig(), WithBuiltin("test.admin", func() plugin.Plugin {
		return &flaky{failures: &failures, perms: security.PermissionSet{Admin: true}}
	}))
	failures.Store(-100)

	_, err := rt.ActivateWithRetry(ctx, "test.admin", "panel", 5)
	require.ErrorIs(t, err, plugin.ErrPermissionDenied)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)

	_, err = rt.ActivateWithRetry(ctx, "does-not-exist", "panel", 5)
	assert.ErrorIs(t, err, plugin.ErrNoLoaderFound)
}

func TestRuntime_Autoload(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "doubler.yaml"), []byte(doubleDoc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("id: [oops"), 0o644))

	cfg := testConfig()
	cfg.Loader.PluginDirs = []string{dir}
	cfg.Loader.Autoload = true
	rt := newRuntime(t, cfg)

	require.NoError(t, rt.Start(context.Background()))
	assert.Equal(t, plugin.StateStarted, rt.Manager().State("clinical.doubler"))
	assert.Equal(t, 1, rt.Manager().Count())

	res, err := rt.Autoload(context.Background())
	require.NoError(t, err)
	assert.Contains(t, res.Failed, filepath.Join(dir, "broken.yaml"))
	assert.Equal(t, []string{"clinical.doubler"}, res.Loaded)
}

func TestRuntime_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Loader.PluginDirs = []string{dir}
	cfg.Loader.Watch = true
	rt := newRuntime(t, cfg)
	require.NoError(t, rt.Start(context.Background()))

	path := filepath.Join(dir, "doubler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doubleDoc), 0o644))
	require.Eventually(t, func() bool {
		return rt.Manager().State("clinical.doubler") == plugin.StateStarted
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		_, ok := rt.Manager().Get("clinical.doubler")
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRuntime_Metrics(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, testConfig())

	in, err := rt.Activate(ctx, cha2ds2vasc.ID, "panel", nil)
	require.NoError(t, err)
	_, err = in.Calculate(ctx, calculator.Inputs{"age": 66, "gender": "male"})
	require.NoError(t, err)

	require.NotNil(t, rt.Metrics())
	families, err := rt.Metrics().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["calcrt_plugin_events_total"])
	assert.True(t, names["calcrt_calculation_duration_seconds"])
}

func TestRuntime_RedisStorage(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Storage.Backend = "redis"
	cfg.Storage.RedisURL = "redis://" + mr.Addr()
	rt := newRuntime(t, cfg)

	ctx := context.Background()
	in, err := rt.Activate(ctx, cha2ds2vasc.ID, "panel", nil)
	require.NoError(t, err)
	_, err = in.Calculate(ctx, calculator.Inputs{"age": 78, "gender": "female", "chf": true})
	require.NoError(t, err)

	v, err := mr.Get("calcrt:" + cha2ds2vasc.ID + ":last_score")
	require.NoError(t, err)
	assert.Equal(t, "4", v)
}

func TestRuntime_RepeatedCalculationsAllReport(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Storage.Backend = "redis"
	cfg.Storage.RedisURL = "redis://" + mr.Addr()
	rec := &audit.Recorder{}
	rt := newRuntime(t, cfg, WithAuditSink(rec))

	ctx := context.Background()
	in, err := rt.Activate(ctx, cha2ds2vasc.ID, "panel", nil)
	require.NoError(t, err)

	key := "calcrt:" + cha2ds2vasc.ID + ":last_score"
	inputs := calculator.Inputs{"age": 78, "gender": "female", "chf": true}
	for i := 0; i < 3; i++ {
		mr.Del(key)
		res, err := rt.Calculate(ctx, in.ID(), inputs)
		require.NoError(t, err)
		assert.False(t, res.Cached)
		assert.True(t, mr.Exists(key), "calculation %d stores the last score", i)
	}

	stats, ok := rt.Manager().Stats(cha2ds2vasc.ID)
	require.True(t, ok)
	assert.Equal(t, uint64(3), stats.Calculations)
	assert.Equal(t, uint64(3), in.Metrics().Calculations)
	assert.Len(t, rec.Filter(audit.KindCalculation), 3)
}

func TestRuntime_GateLimitsFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Security.StorageOpsPerSecond = 7
	cfg.Security.OutputBytesPerSecond = 512
	cfg.Lua.MaxCallDepth = 48
	rt := newRuntime(t, cfg)

	assert.Equal(t, security.Limits{
		StorageOpsPerSecond:  7,
		OutputBytesPerSecond: 512,
		MaxCallDepth:         48,
	}, rt.Gate().Limits())
}

func TestRuntime_InitErrors(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Backend = "tape"
	_, err := New(cfg, WithLogOutput(io.Discard))
	var ie *InitError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "config", ie.Component)

	cfg = testConfig()
	cfg.Security.BlockedCombinations = [][]string{{"network", "telepathy"}}
	_, err = New(cfg, WithLogOutput(io.Discard))
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "security gate", ie.Component)
	assert.ErrorContains(t, err, "known: ")
	assert.ErrorContains(t, err, "storage")

	cfg = testConfig()
	cfg.Storage.Backend = "redis"
	cfg.Storage.RedisURL = "redis://127.0.0.1:1"
	cfg.Storage.DialTimeout = config.D(100 * time.Millisecond)
	_, err = New(cfg, WithLogOutput(io.Discard))
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "storage", ie.Component)
}

func TestRuntime_ShutdownIsFinal(t *testing.T) {
	ctx := context.Background()
	rt, err := New(testConfig(), WithLogOutput(io.Discard))
	require.NoError(t, err)
	in, err := rt.Activate(ctx, cha2ds2vasc.ID, "panel", nil)
	require.NoError(t, err)
	require.NoError(t, rt.Start(ctx))

	require.NoError(t, rt.Shutdown(ctx))
	assert.Equal(t, calculator.StatusDestroyed, in.Status())
	assert.Zero(t, rt.Manager().Count())
	assert.False(t, rt.Cache().Running())

	_, err = rt.Activate(ctx, cha2ds2vasc.ID, "panel", nil)
	assert.ErrorIs(t, err, ErrShutdown)
	assert.ErrorIs(t, rt.Start(ctx), ErrShutdown)
	assert.NoError(t, rt.Shutdown(ctx))
}
