// Package errtypes contains custom error types
package errtypes

import (
	"fmt"
)

// InvalidArgumentError reports a request parameter that fails validation.
// It is returned before any work is dispatched.
type InvalidArgumentError struct {
	Arg    string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Arg, e.Reason)
}

func InvalidArgument(arg, format string, args ...any) error {
	return &InvalidArgumentError{Arg: arg, Reason: fmt.Sprintf(format, args...)}
}

// UnsupportedError reports a configuration value the loader cannot handle,
// such as an unknown storage dtype or scheduler name.
type UnsupportedError struct {
	Kind  string
	Value string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("unsupported %s %q", e.Kind, e.Value)
}

// ModelLoadError wraps a failure to load one component of a model
// directory.
type ModelLoadError struct {
	Component string
	Err       error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.Component, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}
