package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dshills/calcrt/internal/calculator"
	"github.com/dshills/calcrt/internal/logging"
)

// Sweep removes destroyed instances, instances idle since before
// now-threshold, and resolved entries that are both idle and no longer
// loaded. Instances that are loading or calculating are never touched:
// each idle check and destroy is a single step on the instance itself.
// Only one sweep runs at a time.
func (c *Cache) Sweep(ctx context.Context, now time.Time) SweepResult {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()

	cutoff := now.Add(-c.idle)
	var res SweepResult

	c.mu.Lock()
	live := make(map[string]*calculator.Instance, len(c.instances))
	for id, in := range c.instances {
		live[id] = in
	}
	for source, e := range c.entries {
		if e.lastHit.Before(cutoff) && !c.loaded(e.plugin.Metadata().FullID()) {
			delete(c.entries, source)
			res.Evicted = append(res.Evicted, source)
		}
	}
	c.mu.Unlock()

	removed := make(map[string]*calculator.Instance)
	for id, in := range live {
		if in.Status() == calculator.StatusDestroyed {
			removed[id] = in
			continue
		}
		ok, err := in.DestroyIfIdle(ctx, cutoff)
		if err != nil {
			c.log.Warn().Err(err).Str("instance", id).Msg("destroy idle instance failed")
		}
		switch {
		case ok:
			removed[id] = in
		case in.Busy():
			res.Skipped++
		}
	}

	c.mu.Lock()
	for id, in := range removed {
		if c.instances[id] == in {
			delete(c.instances, id)
		}
		res.Destroyed = append(res.Destroyed, id)
	}
	c.stats.Swept += uint64(len(res.Destroyed) + len(res.Evicted))
	c.stats.LastSweep = now
	c.mu.Unlock()

	if len(res.Destroyed)+len(res.Evicted) > 0 {
		c.log.Debug().
			Int("instances", len(res.Destroyed)).
			Int("entries", len(res.Evicted)).
			Int("busy", res.Skipped).
			Msg("sweep removed idle items")
	}
	return res
}

// Start sweeps every interval until ctx ends or Stop is called. A sweep
// still running when the next one is due makes that one skip.
func (c *Cache) Start(ctx context.Context) error {
	c.cronMu.Lock()
	defer c.cronMu.Unlock()
	if c.cron != nil {
		return ErrAlreadyStarted
	}

	logger := cronLogger{log: c.log}
	cr := cron.New(cron.WithLogger(logger), cron.WithChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	))
	spec := fmt.Sprintf("@every %s", c.interval)
	if _, err := cr.AddFunc(spec, func() { c.Sweep(ctx, c.now()) }); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", spec, err)
	}
	cr.Start()
	c.cron = cr

	go func() {
		<-ctx.Done()
		c.stopCron(cr)
	}()
	c.log.Info().Dur("interval", c.interval).Dur("idle", c.idle).Msg("sweeper started")
	return nil
}

// Stop ends the sweeper and waits for a running sweep to finish.
func (c *Cache) Stop() {
	c.cronMu.Lock()
	cr := c.cron
	c.cronMu.Unlock()
	if cr != nil {
		c.stopCron(cr)
	}
}

func (c *Cache) stopCron(cr *cron.Cron) {
	c.cronMu.Lock()
	if c.cron != cr {
		c.cronMu.Unlock()
		return
	}
	c.cron = nil
	c.cronMu.Unlock()
	<-cr.Stop().Done()
}

// Running reports whether the sweeper is scheduled.
func (c *Cache) Running() bool {
	c.cronMu.Lock()
	defer c.cronMu.Unlock()
	return c.cron != nil
}

// cronLogger adapts the logger to cron.Logger.
type cronLogger struct {
	log *logging.Logger
}

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace().Fields(kv).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error().Err(err).Fields(kv).Msg(msg)
}
