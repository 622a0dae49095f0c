package plugin

import (
	"errors"
	"fmt"
)

// Sentinel errors for lifecycle and execution failures. Manager operations
// wrap these with the offending plugin id, so callers match categories with
// errors.Is and still get a precise message.
var (
	// ErrInvalidManifest is returned when manifest validation fails. The
	// load is rejected before any sandbox resource is allocated.
	ErrInvalidManifest = errors.New("invalid manifest")

	// ErrPluginExists is returned when loading an id that is already
	// registered.
	ErrPluginExists = errors.New("plugin already loaded")

	// ErrPluginNotFound is returned for operations on an unknown id.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrIncompatible is returned when a manifest's compatibility range
	// excludes the host platform version.
	ErrIncompatible = errors.New("plugin incompatible with platform version")

	// ErrActivationFailed is returned when the activation entry raised an
	// error. The plugin keeps its pre-call state.
	ErrActivationFailed = errors.New("activation failed")

	// ErrDeactivationFailed is returned when the deactivation entry raised
	// an error. The plugin stays active and its hooks stay registered.
	ErrDeactivationFailed = errors.New("deactivation failed")

	// ErrPluginInactive is returned when execute is called on a plugin that
	// is not active.
	ErrPluginInactive = errors.New("plugin not active")

	// ErrNoExecute is returned when execute is called on a plugin whose
	// exports define no execute entry.
	ErrNoExecute = errors.New("plugin does not define execute")

	// ErrExecutionFailed is returned when sandboxed evaluation raised a
	// runtime error, during load or an explicit execute.
	ErrExecutionFailed = errors.New("execution failed")

	// ErrInvalidSettings is returned when a settings value fails its
	// manifest declaration.
	ErrInvalidSettings = errors.New("invalid settings")

	// ErrManagerClosed is returned for operations after Close.
	ErrManagerClosed = errors.New("plugin manager is closed")
)

// LifecycleError reports a failed manager operation on one plugin. Err
// holds the category sentinel wrapped around the underlying cause, so
// errors.Is matches both.
type LifecycleError struct {
	PluginID string
	Op       string
	Err      error
}

// Error implements the error interface.
func (e *LifecycleError) Error() string {
	return fmt.Sprintf("plugin %q: %s: %v", e.PluginID, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *LifecycleError) Unwrap() error {
	return e.Err
}

func lifecycleErr(pluginID, op string, category, cause error) error {
	err := category
	if cause != nil {
		err = fmt.Errorf("%w: %w", category, cause)
	}
	return &LifecycleError{PluginID: pluginID, Op: op, Err: err}
}
