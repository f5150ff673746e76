package plugin

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/calcrt/internal/plugin/extension"
	"github.com/dshills/calcrt/internal/plugin/security"
)

// Plugin system errors.
var (
	// ErrNoLoaderFound is returned when no loader strategy accepts a source.
	ErrNoLoaderFound = errors.New("no loader found for source")

	// ErrPluginNotFound is returned for an unknown plugin id.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrAlreadyLoaded is returned when loading an id that is already loaded.
	ErrAlreadyLoaded = errors.New("plugin is already loaded")

	// ErrCapacityExceeded is returned when the plugin limit is reached.
	ErrCapacityExceeded = errors.New("plugin capacity exceeded")

	// ErrPermissionDenied is returned when the security gate rejects a plugin.
	ErrPermissionDenied = errors.New("plugin permission denied")

	// ErrInvalidMetadata is returned for malformed plugin metadata.
	ErrInvalidMetadata = errors.New("invalid plugin metadata")

	// ErrInvalidConfig is returned when a plugin rejects its configuration.
	ErrInvalidConfig = errors.New("invalid plugin configuration")

	// ErrDependencyCycle is returned when plugin dependencies form a cycle.
	ErrDependencyCycle = errors.New("plugin dependency cycle")

	// ErrNotLoaded is returned when operating on a plugin that left the manager.
	ErrNotLoaded = errors.New("plugin is not loaded")

	// ErrPluginNotActive is returned when a loaded or started plugin is required.
	ErrPluginNotActive = errors.New("plugin is not active")

	// ErrPluginNotStarted is returned when a started plugin is required.
	ErrPluginNotStarted = errors.New("plugin is not started")

	// ErrHookPanic is wrapped when a plugin hook panics.
	ErrHookPanic = errors.New("plugin hook panicked")

	// ErrUnknownExtensionPoint is returned for an undeclared extension point.
	ErrUnknownExtensionPoint = extension.ErrUnknownPoint

	// ErrCardinalityViolation is returned when a single-cardinality point is full.
	ErrCardinalityViolation = extension.ErrCardinalityViolation
)

// AlreadyLoadedError names the duplicate id.
type AlreadyLoadedError struct {
	PluginID string
}

func (e *AlreadyLoadedError) Error() string {
	return fmt.Sprintf("plugin %s is already loaded", e.PluginID)
}

// Is reports whether target is ErrAlreadyLoaded.
func (e *AlreadyLoadedError) Is(target error) bool { return target == ErrAlreadyLoaded }

// PermissionDeniedError carries the gate's decision.
type PermissionDeniedError struct {
	PluginID        string
	Risk            security.RiskLevel
	Reason          string
	Recommendations []string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("plugin %s denied (risk %s): %s", e.PluginID, e.Risk, e.Reason)
}

// Is reports whether target is ErrPermissionDenied.
func (e *PermissionDeniedError) Is(target error) bool { return target == ErrPermissionDenied }

// DependencyCycleError lists the ids forming a cycle, first id repeated last.
type DependencyCycleError struct {
	Cycle []string
}

func (e *DependencyCycleError) Error() string {
	return "plugin dependency cycle: " + strings.Join(e.Cycle, " -> ")
}

// Is reports whether target is ErrDependencyCycle.
func (e *DependencyCycleError) Is(target error) bool { return target == ErrDependencyCycle }

// ContextProvider is implemented by plugin errors that carry structured
// context for the runtime error.
type ContextProvider interface {
	ErrorContext() map[string]any
}

// RuntimeError wraps a failure raised by a plugin hook.
type RuntimeError struct {
	PluginID  string
	Namespace string
	Hook      string
	Context   map[string]any
	Err       error
}

// NewRuntimeError wraps err raised by hook of pluginID. Context is taken
// from err when it implements ContextProvider.
func NewRuntimeError(pluginID, namespace, hook string, err error) *RuntimeError {
	re := &RuntimeError{PluginID: pluginID, Namespace: namespace, Hook: hook, Err: err}
	var cp ContextProvider
	if errors.As(err, &cp) {
		re.Context = cp.ErrorContext()
	}
	return re
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("plugin %s: %s: %v", e.PluginID, e.Hook, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }
