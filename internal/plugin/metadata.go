package plugin

import (
	"fmt"
	"regexp"

	"github.com/dshills/calcrt/internal/plugin/security"
)

// Type classifies what a plugin provides.
type Type string

// Plugin types.
const (
	TypeCalculator        Type = "calculator"
	TypeExtensionProvider Type = "extension-provider"
	TypeService           Type = "service"
)

// Metadata identifies a plugin and declares its needs. The manager keeps a
// private copy, so later changes by the plugin have no effect.
type Metadata struct {
	Namespace    string                 `json:"namespace" yaml:"namespace"`
	ID           string                 `json:"id" yaml:"id"`
	Name         string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Version      string                 `json:"version" yaml:"version"`
	Description  string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Type         Type                   `json:"type" yaml:"type"`
	Dependencies []string               `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Permissions  security.PermissionSet `json:"permissions" yaml:"permissions"`
}

// FullID is the globally unique "namespace.id".
func (m Metadata) FullID() string {
	return m.Namespace + "." + m.ID
}

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	out := m
	out.Dependencies = append([]string(nil), m.Dependencies...)
	out.Permissions = m.Permissions.Clone()
	return out
}

// segmentPattern validates namespace and id segments.
var segmentPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$|^[a-z]$`)

// semverPattern validates version strings (simplified semver).
var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)

// Validate checks identity, version and, when allowed is non-empty, the type.
func (m Metadata) Validate(allowed []Type) error {
	switch {
	case m.Namespace == "":
		return fmt.Errorf("%w: namespace is required", ErrInvalidMetadata)
	case !segmentPattern.MatchString(m.Namespace):
		return fmt.Errorf("%w: namespace %q must be lowercase alphanumeric with hyphens", ErrInvalidMetadata, m.Namespace)
	case m.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidMetadata)
	case !segmentPattern.MatchString(m.ID):
		return fmt.Errorf("%w: id %q must be lowercase alphanumeric with hyphens", ErrInvalidMetadata, m.ID)
	case m.Version == "":
		return fmt.Errorf("%w: version is required", ErrInvalidMetadata)
	case !semverPattern.MatchString(m.Version):
		return fmt.Errorf("%w: version %q is not semver", ErrInvalidMetadata, m.Version)
	}

	if len(allowed) > 0 {
		ok := false
		for _, t := range allowed {
			if m.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: type %q is not allowed", ErrInvalidMetadata, m.Type)
		}
	}

	full := m.FullID()
	for _, dep := range m.Dependencies {
		if dep == full {
			return fmt.Errorf("%w: %s depends on itself", ErrInvalidMetadata, full)
		}
	}
	return nil
}
