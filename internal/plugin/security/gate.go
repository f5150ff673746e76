package security

import (
	"fmt"
	"strings"
	"sync"
)

// Recommendations issued with a Decision.
const (
	RecommendReviewIdentifiable = "review access to identifiable patient data before production use"
	RecommendNarrowAccess       = "narrow the combined network, filesystem and storage access"
	RecommendRemoveAdmin        = "remove the admin permission; it is never granted to plugins"
)

// Decision is the gate's verdict on a PermissionSet.
type Decision struct {
	Allowed         bool
	Risk            RiskLevel
	Reason          string
	Recommendations []string
}

// Policy configures admission on top of the fixed risk rules.
type Policy struct {
	// MaxRisk is the highest risk admitted. Critical is never admitted.
	MaxRisk RiskLevel
	// BlockedCombinations lists capability sets that may not be requested
	// together.
	BlockedCombinations [][]Capability
	// Limits meter every granted plugin.
	Limits Limits
}

// DefaultPolicy admits up to high risk and blocks identifiable data with
// network access.
func DefaultPolicy() Policy {
	return Policy{
		MaxRisk: RiskHigh,
		BlockedCombinations: [][]Capability{
			{CapabilityNetwork, CapabilityIdentifiableData},
		},
		Limits: DefaultLimits(),
	}
}

// ActivityFunc reports whether a plugin is currently loaded or started.
type ActivityFunc func(pluginID string) bool

// Gate evaluates permission sets at load time and holds live grants.
type Gate struct {
	mu       sync.RWMutex
	policy   Policy
	grants   map[string]*PermissionChecker
	monitors map[string]*ResourceMonitor
	isActive ActivityFunc
}

// NewGate creates a gate with policy. Until an activity check is set, every
// granted plugin counts as active.
func NewGate(policy Policy) *Gate {
	if policy.MaxRisk >= RiskCritical {
		policy.MaxRisk = RiskHigh
	}
	return &Gate{
		policy:   policy,
		grants:   make(map[string]*PermissionChecker),
		monitors: make(map[string]*ResourceMonitor),
	}
}

// SetActivityCheck installs the lifecycle lookup used at runtime.
func (g *Gate) SetActivityCheck(fn ActivityFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.isActive = fn
}

// CheckPermissions classifies set and decides admission.
func (g *Gate) CheckPermissions(set PermissionSet) Decision {
	if set.Admin {
		return Decision{
			Allowed:         false,
			Risk:            RiskCritical,
			Reason:          "admin access is never granted to plugins",
			Recommendations: []string{RecommendRemoveAdmin},
		}
	}

	d := Decision{Allowed: true, Risk: RiskLow}
	if set.IdentifiableData {
		d.Risk = RiskHigh
		d.Recommendations = append(d.Recommendations, RecommendReviewIdentifiable)
	}
	if set.Network && set.Filesystem && set.Storage {
		if d.Risk < RiskMedium {
			d.Risk = RiskMedium
		}
		d.Recommendations = append(d.Recommendations, RecommendNarrowAccess)
	}

	g.mu.RLock()
	policy := g.policy
	g.mu.RUnlock()

	for _, combo := range policy.BlockedCombinations {
		if len(combo) > 0 && requestsAll(set, combo) {
			d.Allowed = false
			if d.Risk < RiskHigh {
				d.Risk = RiskHigh
			}
			d.Reason = "blocked capability combination: " + joinCaps(combo)
			return d
		}
	}
	if d.Risk > policy.MaxRisk {
		d.Allowed = false
		d.Reason = fmt.Sprintf("risk %s exceeds the maximum admitted risk %s", d.Risk, policy.MaxRisk)
	}
	return d
}

func requestsAll(set PermissionSet, caps []Capability) bool {
	for _, c := range caps {
		if !set.Has(c) {
			return false
		}
	}
	return true
}

func joinCaps(caps []Capability) string {
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = string(c)
	}
	return strings.Join(parts, "+")
}

// Grant records set as the live grant of pluginID, replacing any prior
// grant and starting a fresh resource monitor.
func (g *Gate) Grant(pluginID string, set PermissionSet) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grants[pluginID] = NewPermissionCheckerFromSet(pluginID, set)
	g.monitors[pluginID] = NewResourceMonitor(pluginID, g.policy.Limits)
}

// Revoke drops the live grant and monitor of pluginID.
func (g *Gate) Revoke(pluginID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.grants, pluginID)
	delete(g.monitors, pluginID)
}

// Limits returns the limits applied to granted plugins.
func (g *Gate) Limits() Limits {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy.Limits
}

// Monitor returns the resource monitor of a granted plugin.
func (g *Gate) Monitor(pluginID string) (*ResourceMonitor, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rm, ok := g.monitors[pluginID]
	return rm, ok
}

// Checker returns the live permission checker of pluginID.
func (g *Gate) Checker(pluginID string) (*PermissionChecker, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	pc, ok := g.grants[pluginID]
	return pc, ok
}

// CheckRuntimePermission reports whether pluginID may use capability on
// resource right now. resource is a host for network, a path for filesystem
// and ignored otherwise. Plugins that are not loaded or started hold nothing.
func (g *Gate) CheckRuntimePermission(pluginID string, capability Capability, resource string) bool {
	g.mu.RLock()
	pc, ok := g.grants[pluginID]
	isActive := g.isActive
	g.mu.RUnlock()

	if !ok {
		return false
	}
	if isActive != nil && !isActive(pluginID) {
		return false
	}

	switch capability {
	case CapabilityAdmin:
		return false
	case CapabilityNetwork:
		return pc.CheckNetwork(resource) == nil
	case CapabilityFilesystem:
		return pc.CheckPath(resource) == nil
	default:
		return pc.HasCapability(capability)
	}
}
