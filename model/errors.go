package model

import (
	"errors"
	"fmt"
)

// ErrorKind is a stable code identifying a failure class. Components
// communicate via tagged errors, never strings; client-surfaced errors
// carry the kind code plus a human message.
type ErrorKind string

const (
	// KindCycleDetected: the workflow graph or a subtask dependency set
	// contains a cycle outside marked loop regions. Fails creation.
	KindCycleDetected ErrorKind = "cycle-detected"

	// KindDependencyUnmet: a subtask was offered for execution while a
	// dependency is incomplete. Internal; the allocator filters these.
	KindDependencyUnmet ErrorKind = "dependency-unmet"

	// KindAssignmentUndelivered: the connection write failed between the
	// assignment commit and worker acknowledgement. Triggers release.
	KindAssignmentUndelivered ErrorKind = "assignment-undelivered"

	// KindSubtaskTimeout: a worker held a subtask past its wall-clock
	// budget. Transient; retried.
	KindSubtaskTimeout ErrorKind = "subtask-timeout"

	// KindNodeExecutionFailed: a node exhausted its retries.
	KindNodeExecutionFailed ErrorKind = "node-execution-failed"

	// KindWorkerDead: the reaper classified a worker as dead.
	KindWorkerDead ErrorKind = "worker-dead"

	// KindWorkflowPaused: expected pause at a human-review node. Not a
	// failure; state is preserved for resume.
	KindWorkflowPaused ErrorKind = "workflow-paused"

	// KindWorkflowCancelled: explicit cancellation observed. Clean stop.
	KindWorkflowCancelled ErrorKind = "workflow-cancelled"

	// KindStaleVersion: optimistic-lock collision. The enclosing
	// read-compute-commit should be retried.
	KindStaleVersion ErrorKind = "stale-version"

	// KindNotFound: the referenced entity does not exist.
	KindNotFound ErrorKind = "not-found"
)

// Error is a kind-tagged error carrying a human-readable message and an
// optional cause.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

// E constructs a tagged error.
func E(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Ef constructs a tagged error with a formatted message.
func Ef(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error with a kind and message.
func Wrap(kind ErrorKind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap enables errors.Is and errors.As over the cause chain.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the kind from an error chain, or "" if untagged.
func KindOf(err error) ErrorKind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return ""
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// Retryable classifies an error as transient. Transient failures are
// retried at the node level up to max_retries; everything else bubbles to
// the workflow.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindSubtaskTimeout, KindAssignmentUndelivered, KindStaleVersion, KindWorkerDead:
		return true
	}
	return false
}
