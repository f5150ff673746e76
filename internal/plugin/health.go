package plugin

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/calcrt/internal/audit"
)

// healthConcurrency bounds concurrent health hooks.
const healthConcurrency = 8

// HealthReport is the result of Manager.HealthCheck.
type HealthReport struct {
	Healthy   bool
	Plugins   map[string]bool
	Errors    map[string]error
	CheckedAt time.Time
}

// HealthCheck asks every started plugin for its health. Each check runs
// with its own timeout; a failing or hanging plugin marks only itself
// unhealthy.
func (m *Manager) HealthCheck(ctx context.Context) HealthReport {
	report := HealthReport{
		Healthy:   true,
		Plugins:   make(map[string]bool),
		Errors:    make(map[string]error),
		CheckedAt: time.Now(),
	}

	var targets []*Record
	for _, id := range m.List() {
		if rec, err := m.lookup(id); err == nil && rec.State() == StateStarted {
			targets = append(targets, rec)
		}
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(healthConcurrency)
	for _, rec := range targets {
		g.Go(func() error {
			healthy, err := m.checkHealth(ctx, rec)
			mu.Lock()
			defer mu.Unlock()
			report.Plugins[rec.id] = healthy
			if err != nil {
				report.Errors[rec.id] = err
			}
			if !healthy {
				report.Healthy = false
			}
			return nil
		})
	}
	_ = g.Wait()

	for id, healthy := range report.Plugins {
		if !healthy {
			m.recordAudit(ctx, audit.KindHealth, id, false, audit.SeverityWarning, report.Errors[id], nil)
		}
	}
	return report
}

func (m *Manager) checkHealth(ctx context.Context, rec *Record) (bool, error) {
	hc, ok := rec.plugin.(HealthChecker)
	if !ok {
		return true, nil
	}
	healthy, err := callWithTimeout(ctx, m.config.HookTimeout, hc.HealthCheck)
	if err != nil {
		return false, NewRuntimeError(rec.id, rec.meta.Namespace, "health", err)
	}
	return healthy, nil
}
