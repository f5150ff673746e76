// Package cache keeps resolved plugins and live calculator instances, and
// periodically sweeps out what has gone idle.
//
// A Cache wraps the loader chain as a plugin.Resolver: a source resolved
// once is handed out again until the plugin is unloaded or the entry goes
// stale. Concurrent resolutions of the same source share one load.
package cache
