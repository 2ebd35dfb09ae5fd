// Package errors defines the stable error taxonomy shared by the engine.
// Every error that crosses a component boundary carries a Kind so that the
// orchestrator and the external notifier can act on the failure class without
// parsing message text.
package errors

import (
	"errors"
	"fmt"
)

// Kind identifies the failure class of an engine error.
type Kind string

const (
	// KindDataValidation marks malformed input (missing columns, bad index).
	// Never retried; fails the cycle immediately.
	KindDataValidation Kind = "DataValidation"
	// KindInsufficientData marks windows too short to train on. Recoverable
	// by waiting for the next scheduled cadence.
	KindInsufficientData Kind = "InsufficientData"
	// KindDatabaseConnection marks failures reaching the time-series store.
	// Retried per the orchestrator backoff policy.
	KindDatabaseConnection Kind = "DatabaseConnection"
	// KindModelTraining marks an algorithm-specific convergence failure.
	// Not retried within a cycle; carries the originating component.
	KindModelTraining Kind = "ModelTraining"
	// KindNotFound marks a missing model artifact or history entry.
	KindNotFound Kind = "NotFound"
	// KindInternal is the fallback for unexpected failures.
	KindInternal Kind = "Internal"
)

// Error is the concrete error type used across the engine. Component names
// the forecaster or detector that originated a training failure, when known.
type Error struct {
	Kind      Kind
	Component string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	switch {
	case e.Component != "" && e.Cause != nil:
		return fmt.Sprintf("%s [%s]: %s: %v", e.Kind, e.Component, e.Message, e.Cause)
	case e.Component != "":
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Component, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an engine error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Training creates a model-training error tagged with the component
// (forecaster or detector kind) that failed.
func Training(component string, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:      KindModelTraining,
		Component: component,
		Message:   fmt.Sprintf(format, args...),
		Cause:     cause,
	}
}

// KindOf extracts the Kind of err, walking the wrap chain.
// Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ComponentOf returns the originating component recorded on err, if any.
func ComponentOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Component
	}
	return ""
}
