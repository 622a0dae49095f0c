package plugin

// State is the lifecycle state of a loaded plugin.
type State int

const (
	// StateUnloaded means the plugin is not present. Instances never carry
	// this state while registered; it is the zero value and the state of an
	// instance after disposal.
	StateUnloaded State = iota

	// StateLoaded means the source evaluated and entry points are resolved,
	// but the plugin has not been activated.
	StateLoaded

	// StateActive means the plugin is running: its hooks fire and execute
	// may be called.
	StateActive

	// StateInactive means the plugin was deactivated. Its hooks are
	// retracted and execute is refused, but it can be activated again.
	StateInactive
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateActive:
		return "active"
	case StateInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// CanActivate reports whether an activation attempt is legal from this
// state.
func (s State) CanActivate() bool {
	return s == StateLoaded || s == StateInactive
}
