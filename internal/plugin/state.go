package plugin

// State represents the lifecycle state of a plugin.
type State int

// Plugin states.
const (
	// StateUnloaded - the plugin holds no record.
	StateUnloaded State = iota

	// StateLoaded - the load hook succeeded; not yet started.
	StateLoaded

	// StateStarted - the plugin is running.
	StateStarted

	// StateStopped - the plugin was started and has been stopped.
	StateStopped

	// StateError - the last transition failed.
	StateError
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// IsActive reports whether the plugin holds its runtime permissions.
func (s State) IsActive() bool {
	return s == StateLoaded || s == StateStarted
}

// CanStart reports whether Start is a valid transition from s.
func (s State) CanStart() bool {
	return s == StateLoaded || s == StateStopped || s == StateError
}
