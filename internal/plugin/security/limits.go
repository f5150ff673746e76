package security

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Limits bounds how hard one plugin may use the runtime's surfaces.
// A zero rate means unlimited.
type Limits struct {
	// StorageOpsPerSecond caps scoped storage operations.
	StorageOpsPerSecond int

	// OutputBytesPerSecond caps bytes written through script logging and
	// custom events. It is also the largest single message admitted.
	OutputBytesPerSecond int

	// MaxCallDepth caps nested Lua calls in a script plugin.
	MaxCallDepth int
}

// DefaultLimits returns the limits applied when a policy sets none.
func DefaultLimits() Limits {
	return Limits{
		StorageOpsPerSecond:  100,
		OutputBytesPerSecond: 64 * 1024,
		MaxCallDepth:         200,
	}
}

// StrictLimits returns tighter limits for untrusted plugins.
func StrictLimits() Limits {
	return Limits{
		StorageOpsPerSecond:  10,
		OutputBytesPerSecond: 8 * 1024,
		MaxCallDepth:         64,
	}
}

// ResourceMonitor meters one plugin against its Limits.
type ResourceMonitor struct {
	pluginID string
	limits   Limits

	storage *rate.Limiter
	output  *rate.Limiter

	storageOps  atomic.Uint64
	outputBytes atomic.Uint64

	mu     sync.Mutex
	denied uint64
	reason string
}

// NewResourceMonitor creates a monitor for pluginID.
func NewResourceMonitor(pluginID string, limits Limits) *ResourceMonitor {
	return &ResourceMonitor{
		pluginID: pluginID,
		limits:   limits,
		storage:  newLimiter(limits.StorageOpsPerSecond),
		output:   newLimiter(limits.OutputBytesPerSecond),
	}
}

func newLimiter(perSecond int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(perSecond), perSecond)
}

// PluginID returns the metered plugin.
func (rm *ResourceMonitor) PluginID() string { return rm.pluginID }

// Limits returns the limits in force.
func (rm *ResourceMonitor) Limits() Limits { return rm.limits }

// TryStorageOp reports whether one more storage operation is allowed now.
func (rm *ResourceMonitor) TryStorageOp() bool {
	if !rm.storage.Allow() {
		rm.deny("storage operation rate exceeded")
		return false
	}
	rm.storageOps.Add(1)
	return true
}

// TryOutput reports whether n more bytes of output are allowed now.
func (rm *ResourceMonitor) TryOutput(n int) bool {
	if n <= 0 {
		return true
	}
	if !rm.output.AllowN(time.Now(), n) {
		rm.deny("output rate exceeded")
		return false
	}
	rm.outputBytes.Add(uint64(n))
	return true
}

func (rm *ResourceMonitor) deny(reason string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.denied++
	rm.reason = reason
}

// ResourceUsage is a snapshot of a monitor.
type ResourceUsage struct {
	StorageOps  uint64
	OutputBytes uint64
	Denied      uint64
	LastDenial  string
}

// Usage returns a snapshot of what the plugin has used and been refused.
func (rm *ResourceMonitor) Usage() ResourceUsage {
	rm.mu.Lock()
	denied, reason := rm.denied, rm.reason
	rm.mu.Unlock()
	return ResourceUsage{
		StorageOps:  rm.storageOps.Load(),
		OutputBytes: rm.outputBytes.Load(),
		Denied:      denied,
		LastDenial:  reason,
	}
}
