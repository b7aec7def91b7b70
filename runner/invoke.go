package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum-optimism/infra/op-dispatch/types"
	"github.com/sourcegraph/conc/panics"
)

// invocation is the normalized outcome of one call into opaque test logic
type invocation struct {
	status  types.TestStatus
	message string
	err     error

	// cancelled is set when the item's context was done before the call
	// returned; the outcome is then discarded
	cancelled bool
	abandoned bool
	cause     error
}

// rawOutcome is what the opaque call produced
type rawOutcome struct {
	outcome   types.Outcome
	err       error
	recovered *panics.Recovered
}

// invoke calls inv on its own goroutine, recovering panics. When ctx is done
// before the call returns, the call gets the grace period to unwind and is
// then abandoned.
func (d *Dispatcher) invoke(ctx context.Context, ec *ExecutionContext, inv types.Invoker) invocation {
	if ctx.Err() != nil {
		return invocation{cancelled: true, cause: context.Cause(ctx)}
	}

	done := make(chan rawOutcome, 1)
	go func() {
		var raw rawOutcome
		raw.recovered = panics.Try(func() {
			raw.outcome, raw.err = inv.Invoke(ctx, ec)
		})
		done <- raw
	}()

	select {
	case raw := <-done:
		if ctx.Err() != nil {
			return invocation{cancelled: true, cause: context.Cause(ctx)}
		}
		return normalize(ec.NodeID(), raw)
	case <-ctx.Done():
	}

	grace := time.NewTimer(d.grace)
	defer grace.Stop()
	select {
	case <-done:
		return invocation{cancelled: true, cause: context.Cause(ctx)}
	case <-grace.C:
		d.log.Warn("Abandoning unresponsive test logic", "node", ec.NodeID(), "grace", d.grace, "cause", context.Cause(ctx))
		return invocation{cancelled: true, abandoned: true, cause: context.Cause(ctx)}
	}
}

// normalize converts success, explicit outcomes, returned errors and panics
// into a status
func normalize(nodeID string, raw rawOutcome) invocation {
	if raw.recovered != nil {
		fault := &types.ExecutionFault{NodeID: nodeID, Value: raw.recovered.Value, Stack: raw.recovered.Stack}
		return invocation{status: types.TestStatusError, message: fault.Error(), err: fault}
	}

	if raw.err != nil {
		if explicit, ok := types.AsOutcomeError(raw.err); ok {
			return explicitOutcome(nodeID, explicit.Status, explicit.Message, raw.err)
		}
		fault := &types.ExecutionFault{NodeID: nodeID, Err: raw.err}
		return invocation{status: types.TestStatusError, message: raw.err.Error(), err: fault}
	}

	if raw.outcome.Status == "" {
		return invocation{status: types.TestStatusPass, message: raw.outcome.Message}
	}
	return explicitOutcome(nodeID, raw.outcome.Status, raw.outcome.Message, nil)
}

func explicitOutcome(nodeID string, status types.TestStatus, message string, err error) invocation {
	switch {
	case !status.IsValid():
		fault := &types.ExecutionFault{NodeID: nodeID, Err: fmt.Errorf("unknown outcome status %q", status)}
		return invocation{status: types.TestStatusError, message: fault.Error(), err: fault}
	case status == types.TestStatusCancelled:
		return invocation{cancelled: true, message: message, cause: err}
	case status.IsFailure():
		if err == nil {
			err = errors.New(message)
		}
		return invocation{status: status, message: message, err: err}
	default:
		return invocation{status: status, message: message}
	}
}
