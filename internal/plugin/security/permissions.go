package security

import (
	"net"
	"path/filepath"
	"strings"
	"sync"
)

// PermissionSet is what a plugin declares in its metadata.
type PermissionSet struct {
	Network          bool `json:"network,omitempty" yaml:"network,omitempty"`
	Storage          bool `json:"storage,omitempty" yaml:"storage,omitempty"`
	Filesystem       bool `json:"filesystem,omitempty" yaml:"filesystem,omitempty"`
	ClinicalData     bool `json:"clinicalData,omitempty" yaml:"clinicalData,omitempty"`
	IdentifiableData bool `json:"identifiableData,omitempty" yaml:"identifiableData,omitempty"`
	Admin            bool `json:"admin,omitempty" yaml:"admin,omitempty"`

	// AllowedHosts restricts Network to matching hosts ("*.example.org").
	AllowedHosts []string `json:"allowedHosts,omitempty" yaml:"allowedHosts,omitempty"`
	// AllowedPaths restricts Filesystem to these directory trees.
	AllowedPaths []string `json:"allowedPaths,omitempty" yaml:"allowedPaths,omitempty"`
}

// Capabilities lists the capabilities the set requests.
func (p PermissionSet) Capabilities() []Capability {
	var caps []Capability
	if p.Network {
		caps = append(caps, CapabilityNetwork)
	}
	if p.Storage {
		caps = append(caps, CapabilityStorage)
	}
	if p.Filesystem {
		caps = append(caps, CapabilityFilesystem)
	}
	if p.ClinicalData {
		caps = append(caps, CapabilityClinicalData)
	}
	if p.IdentifiableData {
		caps = append(caps, CapabilityIdentifiableData)
	}
	if p.Admin {
		caps = append(caps, CapabilityAdmin)
	}
	return caps
}

// Has reports whether the set requests c, directly or by implication.
func (p PermissionSet) Has(c Capability) bool {
	for _, granted := range p.Capabilities() {
		if ImpliesCapability(granted, c) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (p PermissionSet) Clone() PermissionSet {
	out := p
	out.AllowedHosts = append([]string(nil), p.AllowedHosts...)
	out.AllowedPaths = append([]string(nil), p.AllowedPaths...)
	return out
}

// PermissionChecker validates one plugin's operations against its grant.
type PermissionChecker struct {
	mu sync.RWMutex

	capabilities map[Capability]bool

	// normalized absolute paths
	allowedPaths []string
	// lowercased host patterns
	allowedHosts []string

	pluginID string
}

// NewPermissionChecker creates an empty checker.
func NewPermissionChecker(pluginID string) *PermissionChecker {
	return &PermissionChecker{
		capabilities: make(map[Capability]bool),
		pluginID:     pluginID,
	}
}

// NewPermissionCheckerFromSet creates a checker granting set. Admin is
// never carried over.
func NewPermissionCheckerFromSet(pluginID string, set PermissionSet) *PermissionChecker {
	pc := NewPermissionChecker(pluginID)
	for _, c := range set.Capabilities() {
		if c == CapabilityAdmin {
			continue
		}
		pc.capabilities[c] = true
	}
	for _, p := range set.AllowedPaths {
		pc.allowedPaths = append(pc.allowedPaths, normalizePath(p))
	}
	for _, h := range set.AllowedHosts {
		pc.allowedHosts = append(pc.allowedHosts, strings.ToLower(h))
	}
	return pc
}

// PluginID returns the plugin the checker belongs to.
func (pc *PermissionChecker) PluginID() string { return pc.pluginID }

// HasCapability reports whether c is granted directly or by implication.
func (pc *PermissionChecker) HasCapability(c Capability) bool {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	for granted := range pc.capabilities {
		if ImpliesCapability(granted, c) {
			return true
		}
	}
	return false
}

// CheckPath checks filesystem access to path.
func (pc *PermissionChecker) CheckPath(path string) error {
	if !pc.HasCapability(CapabilityFilesystem) {
		return NewCapabilityError(CapabilityFilesystem, "file access", "not granted")
	}

	pc.mu.RLock()
	defer pc.mu.RUnlock()

	if len(pc.allowedPaths) == 0 {
		return nil
	}
	abs := normalizePath(path)
	for _, allowed := range pc.allowedPaths {
		if isWithinPath(abs, allowed) {
			return nil
		}
	}
	return NewCapabilityError(CapabilityFilesystem, "file access", "path not in allowed list")
}

// CheckNetwork checks network access to host (optionally host:port).
func (pc *PermissionChecker) CheckNetwork(host string) error {
	if !pc.HasCapability(CapabilityNetwork) {
		return NewCapabilityError(CapabilityNetwork, "network request", "not granted")
	}

	pc.mu.RLock()
	defer pc.mu.RUnlock()

	if len(pc.allowedHosts) == 0 {
		return nil
	}
	hostOnly := strings.ToLower(extractHost(host))
	for _, pattern := range pc.allowedHosts {
		if MatchHost(hostOnly, pattern) {
			return nil
		}
	}
	return NewCapabilityError(CapabilityNetwork, "network request", "host not in allowed list")
}

func normalizePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return filepath.Clean(abs)
}

// isWithinPath uses filepath.Rel so "/tmp/a" does not match "/tmp/ab".
func isWithinPath(target, base string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// extractHost strips a port and IPv6 brackets.
func extractHost(hostPort string) string {
	host, _, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host
	}
	if strings.HasPrefix(hostPort, "[") && strings.HasSuffix(hostPort, "]") {
		return hostPort[1 : len(hostPort)-1]
	}
	return hostPort
}

// MatchHost reports whether host matches pattern, case-insensitively.
// "*.example.org" matches subdomains of example.org but not example.org itself.
func MatchHost(host, pattern string) bool {
	host = strings.ToLower(extractHost(host))
	pattern = strings.ToLower(pattern)

	if host == pattern {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(host, pattern[1:])
	}
	return false
}
