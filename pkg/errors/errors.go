// Package errors defines the failure taxonomy for pipeline execution.
// Every failure surfaced to the retry manager is either retriable
// (transient: network hiccups, rate limits, backend unavailability) or
// non-retriable (permanent: bad configuration, contract violations,
// malformed responses). Anything that is not an *Error is treated as
// non-retriable.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the retry manager.
type Kind int

const (
	// NonRetriable indicates a permanent condition. The task is dropped
	// without further attempts.
	NonRetriable Kind = iota

	// Retriable indicates a transient condition. The task may be
	// re-enqueued until the retry budget is exhausted.
	Retriable
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	if k == Retriable {
		return "retriable"
	}
	return "non_retriable"
}

// Error is a classified pipeline error.
type Error struct {
	// Kind determines whether the retry manager re-enqueues the task
	Kind Kind

	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewRetriable creates a retriable error.
func NewRetriable(message, code string, err error) *Error {
	return &Error{Kind: Retriable, Code: code, Message: message, Err: err}
}

// NewNonRetriable creates a non-retriable error.
func NewNonRetriable(message, code string, err error) *Error {
	return &Error{Kind: NonRetriable, Code: code, Message: message, Err: err}
}

// NewUserNotFound reports a missing user record. Non-retriable: the task
// references an owner that does not exist.
func NewUserNotFound(userID string) *Error {
	return NewNonRetriable(fmt.Sprintf("user %q not found", userID), "USER_NOT_FOUND", nil)
}

// NewPipelineNotFound reports a missing pipeline record.
func NewPipelineNotFound(pipeID string) *Error {
	return NewNonRetriable(fmt.Sprintf("pipeline %q not found", pipeID), "PIPELINE_NOT_FOUND", nil)
}

// NewNodeNotFound reports a missing node record.
func NewNodeNotFound(nodeID string) *Error {
	return NewNonRetriable(fmt.Sprintf("node %q not found", nodeID), "NODE_NOT_FOUND", nil)
}

// NewTemplateNotFound reports a missing template record.
func NewTemplateNotFound(templateID string) *Error {
	return NewNonRetriable(fmt.Sprintf("template %q not found", templateID), "TEMPLATE_NOT_FOUND", nil)
}

// NewMissingInputField reports that a required input field is absent from
// the task document, naming the field and the node whose contract failed.
func NewMissingInputField(field, node string) *Error {
	return NewNonRetriable(
		fmt.Sprintf("missing input field %q for node %q", field, node),
		"MISSING_INPUT_FIELD", nil)
}

// NewMissingOutputField reports that a declared output field is absent
// from the task document after processor dispatch.
func NewMissingOutputField(field, node string) *Error {
	return NewNonRetriable(
		fmt.Sprintf("missing output field %q for node %q", field, node),
		"MISSING_OUTPUT_FIELD", nil)
}

// NewUnknownProcessor reports a node naming a processor that is not
// registered. This is a configuration error and fails fast.
func NewUnknownProcessor(name string) *Error {
	return NewNonRetriable(fmt.Sprintf("no processor registered for %q", name), "UNKNOWN_PROCESSOR", nil)
}

// IsRetriable reports whether the retry manager may re-enqueue the task.
// Unknown error types are conservatively treated as non-retriable, since
// retrying a configuration error cannot help.
func IsRetriable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == Retriable
	}
	return false
}

// CodeOf extracts the machine-readable code from a classified error, or
// "UNKNOWN" for anything else.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return "UNKNOWN"
}
