package types

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrFailFast is the cancellation cause used when a failing test stops the run
var ErrFailFast = errors.New("run stopped after first failure")

// BuildDefectError reports a malformed test tree. It is fatal and aborts the
// run before scheduling begins.
type BuildDefectError struct {
	NodeID string
	Reason string
}

func (e *BuildDefectError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("malformed test tree: %s", e.Reason)
	}
	return fmt.Sprintf("malformed test tree at %q: %s", e.NodeID, e.Reason)
}

// NewBuildDefect creates a new BuildDefectError
func NewBuildDefect(nodeID, format string, args ...interface{}) *BuildDefectError {
	return &BuildDefectError{NodeID: nodeID, Reason: fmt.Sprintf(format, args...)}
}

// IsBuildDefect checks if the error is or wraps a BuildDefectError
func IsBuildDefect(err error) bool {
	var defect *BuildDefectError
	return err != nil && errors.As(err, &defect)
}

// ExecutionFault is an unhandled fault raised by test logic, either a panic
// or a returned error that carries no explicit outcome
type ExecutionFault struct {
	NodeID string
	Value  interface{}
	Stack  []byte
	Err    error
}

func (e *ExecutionFault) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap implements the errors.Unwrap interface
func (e *ExecutionFault) Unwrap() error {
	return e.Err
}

// IsPanic returns true when the fault was a recovered panic
func (e *ExecutionFault) IsPanic() bool {
	return e.Err == nil
}

// TimeoutError is the cancellation cause bound to a node's deadline
type TimeoutError struct {
	NodeID  string // Empty for the global run timeout
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("run exceeded timeout of %v", e.Timeout)
	}
	return fmt.Sprintf("%s exceeded timeout of %v", e.NodeID, e.Timeout)
}

// IsTimeout checks if the error is or wraps a TimeoutError
func IsTimeout(err error) bool {
	var timeoutErr *TimeoutError
	return err != nil && errors.As(err, &timeoutErr)
}

// CancelReasonFor classifies a context cancellation cause
func CancelReasonFor(cause error) CancelReason {
	switch {
	case cause == nil:
		return CancelNone
	case IsTimeout(cause), errors.Is(cause, context.DeadlineExceeded):
		return CancelTimeout
	case errors.Is(cause, ErrFailFast):
		return CancelFailFast
	default:
		return CancelAborted
	}
}
