package runner

import (
	"errors"
	"fmt"
)

// InfrastructureError reports that the dispatcher itself could not make
// progress. The run is incomplete and no report is produced.
type InfrastructureError struct {
	Reason string
	Err    error
}

func (e *InfrastructureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("infrastructure fault: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("infrastructure fault: %s", e.Reason)
}

// Unwrap implements the errors.Unwrap interface
func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// NewInfrastructureError creates a new InfrastructureError
func NewInfrastructureError(reason string, err error) *InfrastructureError {
	return &InfrastructureError{Reason: reason, Err: err}
}

// IsInfrastructureError checks if the error is or wraps an InfrastructureError
func IsInfrastructureError(err error) bool {
	var infraErr *InfrastructureError
	return err != nil && errors.As(err, &infraErr)
}
