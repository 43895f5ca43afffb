// Package experiment implements the build engine: the resource/property
// model shared by experiments and runs, the experiment-to-run decomposition
// with deterministic directory sharding, and per-run script generation.
// Execution and dispatch are delegated to an Environment collaborator; the
// engine itself never runs anything.
package experiment

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a build error.
type ErrorKind string

const (
	// ErrorKindConfig indicates a configuration error: bad experiment path,
	// missing run id, a run without commands. Never retried.
	ErrorKindConfig ErrorKind = "config"

	// ErrorKindResource indicates a required resource that could not be
	// materialized.
	ErrorKindResource ErrorKind = "resource"

	// ErrorKindStep indicates a failure inside an experiment step.
	ErrorKindStep ErrorKind = "step"
)

// BuildError is a classified build failure. Every fatal condition names the
// offending entity (run id, resource name, step name) so the caller can tell
// which part of the experiment is broken.
type BuildError struct {
	Kind    ErrorKind
	Message string

	// Entity identifies what failed: a run id string, resource name or
	// step name.
	Entity string

	// Op is the operation being performed when the error occurred.
	Op string

	Err error
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Entity != "" {
		msg += fmt.Sprintf(" (entity=%s)", e.Entity)
	}
	if e.Op != "" {
		msg += fmt.Sprintf(" (op=%s)", e.Op)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *BuildError) Unwrap() error {
	return e.Err
}

// Is matches build errors by kind.
func (e *BuildError) Is(target error) bool {
	t, ok := target.(*BuildError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewConfigError creates a configuration error.
func NewConfigError(message string, err error) *BuildError {
	return &BuildError{Kind: ErrorKindConfig, Message: message, Err: err}
}

// NewResourceError creates a resource error.
func NewResourceError(message string, err error) *BuildError {
	return &BuildError{Kind: ErrorKindResource, Message: message, Err: err}
}

// NewStepError creates a step error.
func NewStepError(message string, err error) *BuildError {
	return &BuildError{Kind: ErrorKindStep, Message: message, Err: err}
}

// WithEntity adds the offending entity to the error.
func (e *BuildError) WithEntity(entity string) *BuildError {
	e.Entity = entity
	return e
}

// WithOp adds operation context to the error.
func (e *BuildError) WithOp(op string) *BuildError {
	e.Op = op
	return e
}

// IsConfigError returns true if err is classified as a configuration error.
func IsConfigError(err error) bool {
	var e *BuildError
	if errors.As(err, &e) {
		return e.Kind == ErrorKindConfig
	}
	return false
}

// IsResourceError returns true if err is classified as a resource error.
func IsResourceError(err error) bool {
	var e *BuildError
	if errors.As(err, &e) {
		return e.Kind == ErrorKindResource
	}
	return false
}
