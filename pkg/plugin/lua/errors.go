package lua

import (
	"errors"
	"fmt"
)

// Errors for sandbox operations.
var (
	// ErrClosed is returned when operating on a disposed sandbox.
	ErrClosed = errors.New("sandbox is closed")

	// ErrInterrupted is returned when an evaluation was aborted by the
	// interrupt or its timeout.
	ErrInterrupted = errors.New("execution interrupted")

	// ErrQueueFull is returned when the evaluation queue cannot accept
	// more work.
	ErrQueueFull = errors.New("sandbox queue full")
)

// ExecError wraps any failure that crosses the sandbox boundary. Syntax
// errors, runtime errors, panics, and interrupts all surface as an
// ExecError carrying the owning plugin id; raw interpreter errors never
// escape.
type ExecError struct {
	// PluginID is the plugin whose sandbox produced the error.
	PluginID string

	// Op names the operation that failed ("load", "call", "execute").
	Op string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *ExecError) Error() string {
	return fmt.Sprintf("plugin %q: %s: %v", e.PluginID, e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ExecError) Unwrap() error {
	return e.Err
}

// wrapExec converts err into an ExecError for the given plugin and
// operation. An error that already is an ExecError passes through.
func wrapExec(pluginID, op string, err error) error {
	if err == nil {
		return nil
	}
	var ee *ExecError
	if errors.As(err, &ee) {
		return err
	}
	return &ExecError{PluginID: pluginID, Op: op, Err: err}
}
