// Package extension implements named extension points that plugins declare
// and contribute implementations to.
package extension

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownPoint is returned when contributing to an undeclared point.
	ErrUnknownPoint = errors.New("unknown extension point")

	// ErrPointExists is returned when a point name is declared twice.
	ErrPointExists = errors.New("extension point already declared")

	// ErrCardinalityViolation is returned when a single-cardinality point
	// already holds an extension.
	ErrCardinalityViolation = errors.New("extension point cardinality violated")

	// ErrInvalidExtension is returned for malformed points or extensions.
	ErrInvalidExtension = errors.New("invalid extension")
)

// Cardinality bounds how many extensions a point accepts.
type Cardinality int

const (
	// Multiple accepts any number of extensions.
	Multiple Cardinality = iota
	// Single accepts at most one extension.
	Single
)

// String returns the cardinality name.
func (c Cardinality) String() string {
	switch c {
	case Single:
		return "single"
	case Multiple:
		return "multiple"
	default:
		return "unknown"
	}
}

// Point is a named hook other plugins extend.
type Point struct {
	Name        string
	Description string
	Cardinality Cardinality
	Required    bool
	// Provider is the declaring plugin id; empty for runtime points.
	Provider string
}

// Extension is one contribution to a point.
type Extension struct {
	Point    string
	PluginID string
	Priority int
	Impl     any
}

type pointEntry struct {
	point      Point
	extensions []Extension
}

// Registry holds points and their extensions.
type Registry struct {
	mu     sync.RWMutex
	points map[string]*pointEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{points: make(map[string]*pointEntry)}
}

// RegisterPoint declares p.
func (r *Registry) RegisterPoint(p Point) error {
	if p.Name == "" {
		return fmt.Errorf("%w: point name is empty", ErrInvalidExtension)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.points[p.Name]; exists {
		return fmt.Errorf("%w: %s", ErrPointExists, p.Name)
	}
	r.points[p.Name] = &pointEntry{point: p}
	return nil
}

// Register contributes ext to its point.
func (r *Registry) Register(ext Extension) error {
	if ext.Point == "" || ext.Impl == nil {
		return fmt.Errorf("%w: point and implementation are required", ErrInvalidExtension)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.points[ext.Point]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPoint, ext.Point)
	}
	if entry.point.Cardinality == Single && len(entry.extensions) > 0 {
		return fmt.Errorf("%w: %s accepts a single extension (held by %s)",
			ErrCardinalityViolation, ext.Point, entry.extensions[0].PluginID)
	}

	entry.extensions = append(entry.extensions, ext)
	// stable: equal priorities keep registration order
	sort.SliceStable(entry.extensions, func(i, j int) bool {
		return entry.extensions[i].Priority > entry.extensions[j].Priority
	})
	return nil
}

// Extensions returns the contributions to name in descending priority.
func (r *Registry) Extensions(name string) ([]Extension, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.points[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPoint, name)
	}
	return append([]Extension(nil), entry.extensions...), nil
}

// Implementations returns the Impl values of Extensions(name).
func (r *Registry) Implementations(name string) ([]any, error) {
	exts, err := r.Extensions(name)
	if err != nil {
		return nil, err
	}
	impls := make([]any, len(exts))
	for i, ext := range exts {
		impls[i] = ext.Impl
	}
	return impls, nil
}

// Point returns the declaration of name.
func (r *Registry) Point(name string) (Point, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.points[name]
	if !ok {
		return Point{}, false
	}
	return entry.point, true
}

// Points returns every declared point, sorted by name.
func (r *Registry) Points() []Point {
	r.mu.RLock()
	defer r.mu.RUnlock()

	points := make([]Point, 0, len(r.points))
	for _, entry := range r.points {
		points = append(points, entry.point)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Name < points[j].Name })
	return points
}

// UnregisterPlugin removes every extension contributed by pluginID and
// reports how many were removed.
func (r *Registry) UnregisterPlugin(pluginID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for _, entry := range r.points {
		kept := entry.extensions[:0]
		for _, ext := range entry.extensions {
			if ext.PluginID == pluginID {
				removed++
				continue
			}
			kept = append(kept, ext)
		}
		entry.extensions = kept
	}
	return removed
}

// RemovePointsByProvider drops the points declared by pluginID together
// with their extensions.
func (r *Registry) RemovePointsByProvider(pluginID string) []string {
	if pluginID == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for name, entry := range r.points {
		if entry.point.Provider == pluginID {
			delete(r.points, name)
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	return removed
}

// MissingRequired lists required points that have no extension.
func (r *Registry) MissingRequired() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []string
	for name, entry := range r.points {
		if entry.point.Required && len(entry.extensions) == 0 {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}
