package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/calcrt/internal/calculator"
	"github.com/dshills/calcrt/internal/plugin"
)

type scorePlugin struct {
	meta    plugin.Metadata
	release chan struct{}
}

func (p *scorePlugin) Metadata() plugin.Metadata { return p.meta }

func (p *scorePlugin) Calculate(ctx context.Context, in calculator.Inputs) (calculator.Result, error) {
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return calculator.Result{}, ctx.Err()
		}
	}
	return calculator.Result{Value: 1}, nil
}

func newScorePlugin(id string) *scorePlugin {
	return &scorePlugin{meta: plugin.Metadata{Namespace: "test", ID: id, Name: id, Version: "1.0.0", Type: plugin.TypeCalculator}}
}

type countingResolver struct {
	mu       sync.Mutex
	plugins  map[string]plugin.Plugin
	loads    atomic.Int32
	unloads  []string
	delay    time.Duration
	failures map[string]error
}

func (r *countingResolver) Load(ctx context.Context, source string) (plugin.Plugin, error) {
	r.loads.Add(1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failures[source]; err != nil {
		return nil, err
	}
	p, ok := r.plugins[source]
	if !ok {
		return nil, plugin.ErrNoLoaderFound
	}
	return p, nil
}

func (r *countingResolver) Unload(ctx context.Context, source string) error {
	r.mu.Lock()
	r.unloads = append(r.unloads, source)
	r.mu.Unlock()
	return nil
}

type pluginMap map[string]plugin.Plugin

func (m pluginMap) Plugin(id string) (plugin.Plugin, error) {
	p, ok := m[id]
	if !ok {
		return nil, plugin.ErrPluginNotFound
	}
	return p, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func TestCache_LoadMemoizes(t *testing.T) {
	p := newScorePlugin("bmi")
	r := &countingResolver{plugins: map[string]plugin.Plugin{"bmi.yaml": p}}
	c := New(r)

	got, err := c.Load(context.Background(), "bmi.yaml")
	require.NoError(t, err)
	assert.Same(t, p, got)

	got, err = c.Load(context.Background(), "bmi.yaml")
	require.NoError(t, err)
	assert.Same(t, p, got)
	assert.Equal(t, int32(1), r.loads.Load())

	s := c.Stats()
	assert.Equal(t, 1, s.Entries)
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, []string{"bmi.yaml"}, c.Sources())
}

func TestCache_LoadErrorsAreNotCached(t *testing.T) {
	boom := errors.New("boom")
	r := &countingResolver{failures: map[string]error{"bad.yaml": boom}}
	c := New(r)

	_, err := c.Load(context.Background(), "bad.yaml")
	require.ErrorIs(t, err, boom)
	_, err = c.Load(context.Background(), "bad.yaml")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), r.loads.Load())
	assert.False(t, c.Resolved("bad.yaml"))
}

func TestCache_ConcurrentLoadsShareOneResolution(t *testing.T) {
	r := &countingResolver{
		plugins: map[string]plugin.Plugin{"bmi.yaml": newScorePlugin("bmi")},
		delay:   30 * time.Millisecond,
	}
	c := New(r)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Load(context.Background(), "bmi.yaml")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), r.loads.Load())
}

type gatedResolver struct {
	p       plugin.Plugin
	loads   atomic.Int32
	started chan struct{}
	gate    chan struct{}
}

func (r *gatedResolver) Load(ctx context.Context, _ string) (plugin.Plugin, error) {
	r.loads.Add(1)
	r.started <- struct{}{}
	select {
	case <-r.gate:
		return r.p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestCache_CancelledCallerLeavesResolutionRunning(t *testing.T) {
	p := newScorePlugin("bmi")
	r := &gatedResolver{p: p, started: make(chan struct{}, 1), gate: make(chan struct{})}
	c := New(r)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.Load(ctx, "bmi.yaml")
		first <- err
	}()
	<-r.started
	cancel()
	require.ErrorIs(t, <-first, context.Canceled)

	close(r.gate)
	require.Eventually(t, func() bool { return c.Resolved("bmi.yaml") }, time.Second, 5*time.Millisecond)

	got, err := c.Load(context.Background(), "bmi.yaml")
	require.NoError(t, err)
	assert.Same(t, p, got)
	assert.Equal(t, int32(1), r.loads.Load())
}

func TestCache_LoadTimeout(t *testing.T) {
	r := &gatedResolver{p: newScorePlugin("bmi"), started: make(chan struct{}, 1), gate: make(chan struct{})}
	c := New(r, WithLoadTimeout(20*time.Millisecond))

	_, err := c.Load(context.Background(), "bmi.yaml")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, c.Resolved("bmi.yaml"))
}

func TestCache_UnloadEvictsAndForwards(t *testing.T) {
	r := &countingResolver{plugins: map[string]plugin.Plugin{"bmi.yaml": newScorePlugin("bmi")}}
	c := New(r)

	_, err := c.Load(context.Background(), "bmi.yaml")
	require.NoError(t, err)
	require.NoError(t, c.Unload(context.Background(), "bmi.yaml"))

	assert.False(t, c.Resolved("bmi.yaml"))
	assert.Equal(t, []string{"bmi.yaml"}, r.unloads)

	_, err = c.Load(context.Background(), "bmi.yaml")
	require.NoError(t, err)
	assert.Equal(t, int32(2), r.loads.Load())
}

func activate(t *testing.T, layer *calculator.Layer, c *Cache, pluginID string) *calculator.Instance {
	t.Helper()
	in, err := layer.Activate(context.Background(), pluginID, "panel", nil)
	require.NoError(t, err)
	c.PutInstance(in)
	return in
}

func TestCache_Instances(t *testing.T) {
	bmi, wells := newScorePlugin("bmi"), newScorePlugin("wells")
	layer := calculator.NewLayer(pluginMap{"test.bmi": bmi, "test.wells": wells})
	c := New(&countingResolver{})

	a := activate(t, layer, c, "test.bmi")
	b := activate(t, layer, c, "test.bmi")
	w := activate(t, layer, c, "test.wells")

	got, ok := c.Instance(a.ID())
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Len(t, c.Instances(), 3)

	assert.Equal(t, 2, c.DestroyPlugin(context.Background(), "test.bmi"))
	assert.Equal(t, calculator.StatusDestroyed, a.Status())
	assert.Equal(t, calculator.StatusDestroyed, b.Status())
	assert.Equal(t, calculator.StatusReady, w.Status())
	assert.Len(t, c.Instances(), 1)

	_, err := a.Calculate(context.Background(), calculator.Inputs{})
	assert.ErrorIs(t, err, calculator.ErrInstanceDestroyed)

	require.NoError(t, c.RemoveInstance(context.Background(), w.ID()))
	assert.Equal(t, calculator.StatusDestroyed, w.Status())
	assert.Empty(t, c.Instances())
	assert.NoError(t, c.RemoveInstance(context.Background(), "missing"))
}

func TestCache_Sweep(t *testing.T) {
	clk := newClock()
	idle, busy, fresh, gone := newScorePlugin("idle"), newScorePlugin("busy"), newScorePlugin("fresh"), newScorePlugin("gone")
	busy.release = make(chan struct{})
	layer := calculator.NewLayer(pluginMap{
		"test.idle": idle, "test.busy": busy, "test.fresh": fresh, "test.gone": gone,
	}, calculator.WithClock(clk.Now))

	loaded := map[string]bool{"test.fresh": true}
	r := &countingResolver{plugins: map[string]plugin.Plugin{
		"idle.yaml":  idle,
		"fresh.yaml": fresh,
	}}
	c := New(r,
		WithIdleThreshold(10*time.Minute),
		WithClock(clk.Now),
		WithLoadedCheck(func(id string) bool { return loaded[id] }),
	)
	_, err := c.Load(context.Background(), "idle.yaml")
	require.NoError(t, err)
	_, err = c.Load(context.Background(), "fresh.yaml")
	require.NoError(t, err)

	idleIn := activate(t, layer, c, "test.idle")
	busyIn := activate(t, layer, c, "test.busy")
	goneIn := activate(t, layer, c, "test.gone")
	require.NoError(t, goneIn.Destroy(context.Background()))

	clk.Advance(15 * time.Minute)
	freshIn := activate(t, layer, c, "test.fresh")

	done := make(chan error, 1)
	go func() {
		_, err := busyIn.Calculate(context.Background(), calculator.Inputs{})
		done <- err
	}()
	require.Eventually(t, busyIn.Busy, time.Second, 5*time.Millisecond)

	res := c.Sweep(context.Background(), clk.Now())
	assert.ElementsMatch(t, []string{idleIn.ID(), goneIn.ID()}, res.Destroyed)
	assert.Equal(t, []string{"idle.yaml"}, res.Evicted)
	assert.Equal(t, 1, res.Skipped)

	assert.Equal(t, calculator.StatusDestroyed, idleIn.Status())
	_, ok := c.Instance(busyIn.ID())
	assert.True(t, ok, "busy instance survives")
	_, ok = c.Instance(freshIn.ID())
	assert.True(t, ok, "recently used instance survives")
	assert.True(t, c.Resolved("fresh.yaml"), "loaded plugin entry survives")

	close(busy.release)
	require.NoError(t, <-done)

	s := c.Stats()
	assert.Equal(t, uint64(3), s.Swept)
	assert.Equal(t, clk.Now(), s.LastSweep)
}

// stallingRenderer blocks the first teardown until release is closed.
type stallingRenderer struct {
	calculator.NopRenderer
	once    sync.Once
	entered chan string
	release chan struct{}
}

func (r *stallingRenderer) Teardown(_ context.Context, target string) error {
	first := false
	r.once.Do(func() { first = true })
	if first {
		r.entered <- target
		<-r.release
	}
	return nil
}

func TestCache_SweepKeepsInstanceThatTurnsBusy(t *testing.T) {
	clk := newClock()
	p := newScorePlugin("slow")
	p.release = make(chan struct{})
	r := &stallingRenderer{entered: make(chan string, 1), release: make(chan struct{})}
	layer := calculator.NewLayer(pluginMap{"test.slow": p},
		calculator.WithClock(clk.Now), calculator.WithRenderer(r))
	c := New(&countingResolver{}, WithIdleThreshold(10*time.Minute), WithClock(clk.Now))

	ctx := context.Background()
	first, err := layer.Activate(ctx, "test.slow", "first", nil)
	require.NoError(t, err)
	c.PutInstance(first)
	second, err := layer.Activate(ctx, "test.slow", "second", nil)
	require.NoError(t, err)
	c.PutInstance(second)
	clk.Advance(15 * time.Minute)

	swept := make(chan SweepResult, 1)
	go func() { swept <- c.Sweep(ctx, clk.Now()) }()

	victim, survivor := first, second
	if <-r.entered == "second" {
		victim, survivor = second, first
	}

	// the sweep is stalled in the first teardown; the other instance
	// starts calculating before the sweep reaches it
	done := make(chan error, 1)
	go func() {
		_, err := survivor.Calculate(ctx, calculator.Inputs{})
		done <- err
	}()
	require.Eventually(t, survivor.Busy, time.Second, 5*time.Millisecond)
	close(r.release)

	res := <-swept
	assert.Equal(t, []string{victim.ID()}, res.Destroyed)
	assert.Equal(t, 1, res.Skipped)

	close(p.release)
	require.NoError(t, <-done)
	assert.Equal(t, calculator.StatusReady, survivor.Status())
	_, ok := c.Instance(survivor.ID())
	assert.True(t, ok)
	_, ok = c.Instance(victim.ID())
	assert.False(t, ok)
}

func TestCache_StartSweepsPeriodically(t *testing.T) {
	p := newScorePlugin("bmi")
	layer := calculator.NewLayer(pluginMap{"test.bmi": p})
	c := New(&countingResolver{}, WithSweepInterval(time.Second), WithIdleThreshold(time.Nanosecond))

	in := activate(t, layer, c, "test.bmi")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	assert.ErrorIs(t, c.Start(ctx), ErrAlreadyStarted)
	assert.True(t, c.Running())

	require.Eventually(t, func() bool {
		return in.Status() == calculator.StatusDestroyed
	}, 3*time.Second, 20*time.Millisecond)

	c.Stop()
	assert.False(t, c.Running())
	c.Stop()
}

func TestCache_StartStopsWithContext(t *testing.T) {
	c := New(&countingResolver{}, WithSweepInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	cancel()
	require.Eventually(t, func() bool { return !c.Running() }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Start(context.Background()))
	c.Stop()
}

func TestCache_Clear(t *testing.T) {
	p := newScorePlugin("bmi")
	layer := calculator.NewLayer(pluginMap{"test.bmi": p})
	c := New(&countingResolver{plugins: map[string]plugin.Plugin{"bmi.yaml": p}})

	_, err := c.Load(context.Background(), "bmi.yaml")
	require.NoError(t, err)
	in := activate(t, layer, c, "test.bmi")

	c.Clear(context.Background())
	assert.Equal(t, calculator.StatusDestroyed, in.Status())
	s := c.Stats()
	assert.Zero(t, s.Entries)
	assert.Zero(t, s.Instances)
}
