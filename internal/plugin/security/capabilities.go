package security

import (
	"fmt"
	"sort"
	"strings"
)

// Capability is a single permission a plugin can request.
type Capability string

// Capabilities known to the runtime.
const (
	// CapabilityNetwork allows outbound network access.
	CapabilityNetwork Capability = "network"

	// CapabilityStorage allows use of the plugin's scoped storage.
	CapabilityStorage Capability = "storage"

	// CapabilityFilesystem allows file access within AllowedPaths.
	CapabilityFilesystem Capability = "filesystem"

	// CapabilityClinicalData allows access to de-identified clinical data.
	CapabilityClinicalData Capability = "data.clinical"

	// CapabilityIdentifiableData allows access to identifiable patient data.
	// It implies CapabilityClinicalData.
	CapabilityIdentifiableData Capability = "data.identifiable"

	// CapabilityAdmin allows administrative control of the runtime.
	// The gate never grants it.
	CapabilityAdmin Capability = "admin"
)

// RiskLevel ranks how dangerous a permission set is.
type RiskLevel int

const (
	// RiskLow indicates minimal security risk.
	RiskLow RiskLevel = iota

	// RiskMedium indicates elevated risk.
	RiskMedium

	// RiskHigh indicates significant risk that warrants review.
	RiskHigh

	// RiskCritical is never admitted.
	RiskCritical
)

// String returns a string representation of the risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseRiskLevel maps a name back to a RiskLevel.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToLower(s) {
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	case "critical":
		return RiskCritical, nil
	default:
		return RiskLow, fmt.Errorf("unknown risk level %q", s)
	}
}

// CapabilityInfo describes a capability.
type CapabilityInfo struct {
	Name        Capability
	DisplayName string
	Description string
	RiskLevel   RiskLevel
}

var capabilityRegistry = map[Capability]CapabilityInfo{
	CapabilityNetwork: {
		Name:        CapabilityNetwork,
		DisplayName: "Network",
		Description: "Make outbound network requests",
		RiskLevel:   RiskMedium,
	},
	CapabilityStorage: {
		Name:        CapabilityStorage,
		DisplayName: "Storage",
		Description: "Persist data in the plugin's own storage scope",
		RiskLevel:   RiskLow,
	},
	CapabilityFilesystem: {
		Name:        CapabilityFilesystem,
		DisplayName: "Filesystem",
		Description: "Read and write files in allowed paths",
		RiskLevel:   RiskMedium,
	},
	CapabilityClinicalData: {
		Name:        CapabilityClinicalData,
		DisplayName: "Clinical data",
		Description: "Read de-identified clinical data",
		RiskLevel:   RiskLow,
	},
	CapabilityIdentifiableData: {
		Name:        CapabilityIdentifiableData,
		DisplayName: "Identifiable patient data",
		Description: "Read data that identifies a patient",
		RiskLevel:   RiskHigh,
	},
	CapabilityAdmin: {
		Name:        CapabilityAdmin,
		DisplayName: "Administration",
		Description: "Control the runtime itself",
		RiskLevel:   RiskCritical,
	},
}

// GetCapabilityInfo returns metadata for a capability.
func GetCapabilityInfo(c Capability) (CapabilityInfo, bool) {
	info, ok := capabilityRegistry[c]
	return info, ok
}

// IsValidCapability reports whether c is known.
func IsValidCapability(c Capability) bool {
	_, ok := capabilityRegistry[c]
	return ok
}

// AllCapabilities returns every known capability, sorted.
func AllCapabilities() []Capability {
	caps := make([]Capability, 0, len(capabilityRegistry))
	for c := range capabilityRegistry {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// ImpliesCapability reports whether holding granted satisfies required.
func ImpliesCapability(granted, required Capability) bool {
	if granted == required {
		return true
	}
	return granted == CapabilityIdentifiableData && required == CapabilityClinicalData
}

// CapabilityError represents a capability-related error.
type CapabilityError struct {
	Capability Capability
	Operation  string
	Message    string
}

// Error implements the error interface.
func (e *CapabilityError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("capability %q required for %s: %s", e.Capability, e.Operation, e.Message)
	}
	return fmt.Sprintf("capability %q: %s", e.Capability, e.Message)
}

// NewCapabilityError creates a new capability error.
func NewCapabilityError(c Capability, operation, message string) *CapabilityError {
	return &CapabilityError{Capability: c, Operation: operation, Message: message}
}
