package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum-optimism/infra/op-dispatch/exitcodes"
	"github.com/ethereum-optimism/infra/op-dispatch/runner"
	"github.com/ethereum-optimism/infra/op-dispatch/types"
)

// RuntimeError is an operational failure that prevented a run from being
// carried out, such as a bad flag or a malformed tree definition
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error: %v", e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func NewRuntimeError(err error) *RuntimeError {
	return &RuntimeError{Err: err}
}

// IsRuntimeError checks if the error is or wraps a RuntimeError
func IsRuntimeError(err error) bool {
	var runtimeErr *RuntimeError
	return err != nil && errors.As(err, &runtimeErr)
}

// TestFailureError reports a completed run whose outcome was not successful
type TestFailureError struct {
	RunID  string
	Status types.TestStatus
	Failed []string // Ids of the failed, errored or cancelled tests
}

func (e *TestFailureError) Error() string {
	msg := fmt.Sprintf("test failure: run %s finished with status %s", e.RunID, e.Status)
	if len(e.Failed) == 0 {
		return msg
	}
	const maxListed = 5
	listed := e.Failed
	if len(listed) > maxListed {
		listed = listed[:maxListed]
	}
	msg += fmt.Sprintf(" (%d unsuccessful: %s", len(e.Failed), strings.Join(listed, ", "))
	if len(e.Failed) > maxListed {
		msg += ", ..."
	}
	return msg + ")"
}

// NewTestFailureError describes the unsuccessful tests of the report's last
// iteration
func NewTestFailureError(report *runner.Report) *TestFailureError {
	e := &TestFailureError{RunID: report.RunID, Status: report.Status}
	if result := report.Result(); result != nil {
		for _, leaf := range result.Leaves() {
			if runFailed(leaf.Status) {
				e.Failed = append(e.Failed, leaf.NodeID)
			}
		}
	}
	return e
}

// IsTestFailureError checks if the error is or wraps a TestFailureError
func IsTestFailureError(err error) bool {
	var testErr *TestFailureError
	return err != nil && errors.As(err, &testErr)
}

// ExitCode maps an error returned by the application to its process exit code
func ExitCode(err error) int {
	switch {
	case err == nil:
		return exitcodes.Success
	case IsRuntimeError(err):
		return exitcodes.RuntimeErr
	default:
		return exitcodes.TestFailure
	}
}

// runFailed reports whether a run or test with this status counts as a failure
func runFailed(status types.TestStatus) bool {
	return status.IsFailure() || status == types.TestStatusCancelled
}
