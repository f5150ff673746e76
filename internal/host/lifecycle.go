package host

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/calcrt/internal/plugin/loader"
)

// Start launches the cache sweeper, loads and starts the plugins found in
// the plugin directories when autoload is on, and begins watching those
// directories when watch is on. Plugins that fail to load are logged and
// skipped.
func (r *Runtime) Start(ctx context.Context) error {
	if r.shutdown.Load() {
		return ErrShutdown
	}
	if !r.started.CompareAndSwap(false, true) {
		return nil
	}

	if err := r.cache.Start(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	if r.cfg.Loader.Autoload {
		if _, err := r.Autoload(ctx); err != nil {
			return err
		}
	}

	if r.cfg.Loader.Watch && len(r.cfg.Loader.PluginDirs) > 0 {
		if err := r.discoverer.Watch(ctx, func(c loader.Change) { r.onChange(ctx, c) }); err != nil {
			r.log.Warn().Err(err).Msg("plugin directory watch disabled")
		}
	}

	r.log.Info().
		Int("plugins", r.manager.Count()).
		Strs("loaders", r.chain.Names()).
		Msg("runtime started")
	return nil
}

// AutoloadResult lists what Autoload did.
type AutoloadResult struct {
	Loaded  []string
	Started []string
	Failed  map[string]error // by source
}

// Autoload discovers plugin sources, loads each and starts the loaded ones
// in dependency order.
func (r *Runtime) Autoload(ctx context.Context) (AutoloadResult, error) {
	res := AutoloadResult{Failed: make(map[string]error)}

	candidates, err := r.discoverer.Discover()
	if err != nil {
		return res, fmt.Errorf("discover plugins: %w", err)
	}

	for _, c := range candidates {
		id, err := r.load(ctx, c.Source)
		if err != nil {
			res.Failed[c.Source] = err
			r.log.Warn().Err(err).Str("source", c.Source).Msg("plugin not loaded")
			continue
		}
		res.Loaded = append(res.Loaded, id)
	}
	if len(res.Loaded) == 0 {
		return res, nil
	}

	batch, err := r.manager.StartPlugins(ctx, res.Loaded)
	if err != nil {
		return res, err
	}
	for _, id := range batch.Order {
		if ferr, failed := batch.Errors[id]; failed {
			res.Failed[id] = ferr
			continue
		}
		res.Started = append(res.Started, id)
	}
	r.log.Info().Int("loaded", len(res.Loaded)).Int("started", len(res.Started)).Msg("autoload finished")
	return res, nil
}

// onChange keeps loaded plugins in step with their files.
func (r *Runtime) onChange(ctx context.Context, c loader.Change) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	log := r.log.With("source", c.Source)
	if id, ok := r.pluginFor(c.Source); ok {
		if err := r.manager.UnloadPlugin(ctx, id); err != nil {
			log.Warn().Err(err).Str("plugin", id).Msg("unload on change failed")
		}
	} else {
		r.cache.Forget(c.Source)
	}
	if c.Op == loader.ChangeRemoved {
		log.Info().Msg("plugin source removed")
		return
	}

	id, err := r.load(ctx, c.Source)
	if err == nil {
		err = r.manager.StartPlugin(ctx, id)
	}
	if err != nil {
		log.Warn().Err(err).Stringer("op", c.Op).Msg("reload failed")
		return
	}
	log.Info().Str("plugin", id).Stringer("op", c.Op).Msg("plugin reloaded")
}

// pluginFor finds the loaded plugin that came from source.
func (r *Runtime) pluginFor(source string) (string, bool) {
	for _, id := range r.manager.List() {
		if rec, ok := r.manager.Get(id); ok && rec.Source() == source {
			return id, true
		}
	}
	return "", false
}

// Shutdown stops watching and sweeping, destroys every instance, stops and
// unloads every plugin in reverse dependency order, and closes storage.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if !r.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	start := time.Now()

	r.discoverer.Stop()
	r.cache.Stop()
	r.cache.Clear(ctx)

	var errs []error
	if _, err := r.manager.StopPlugins(ctx, nil); err != nil {
		errs = append(errs, err)
	}
	ids := r.manager.List()
	order, err := r.manager.DependencyOrder(ids)
	if err != nil {
		order = ids
	}
	for i := len(order) - 1; i >= 0; i-- {
		if err := r.manager.UnloadPlugin(ctx, order[i]); err != nil {
			errs = append(errs, fmt.Errorf("unload %s: %w", order[i], err))
		}
	}

	for _, unsub := range r.unsubscribe {
		unsub()
	}
	r.unsubscribe = nil

	if r.ownStore {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
	}

	err = errors.Join(errs...)
	r.log.Info().Dur("took", time.Since(start)).AnErr("error", err).Msg("runtime shut down")
	return err
}
