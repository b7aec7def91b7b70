package dispatch

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ethereum-optimism/infra/op-dispatch/exitcodes"
	"github.com/ethereum-optimism/infra/op-dispatch/runner"
	"github.com/ethereum-optimism/infra/op-dispatch/types"
)

func TestErrorTypes(t *testing.T) {
	runtimeErr := NewRuntimeError(errors.New("bad tree"))
	assert.True(t, IsRuntimeError(runtimeErr))
	assert.True(t, IsRuntimeError(fmt.Errorf("failed to start: %w", runtimeErr)))
	assert.False(t, IsTestFailureError(runtimeErr))
	assert.Equal(t, "runtime error: bad tree", runtimeErr.Error())

	failureErr := &TestFailureError{RunID: "run-1", Status: types.TestStatusFail}
	assert.True(t, IsTestFailureError(fmt.Errorf("failed to start: %w", failureErr)))
	assert.False(t, IsRuntimeError(failureErr))
	assert.False(t, IsRuntimeError(nil))
	assert.False(t, IsTestFailureError(nil))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitcodes.Success, ExitCode(nil))
	assert.Equal(t, exitcodes.RuntimeErr, ExitCode(fmt.Errorf("wrapped: %w", NewRuntimeError(errors.New("x")))))
	assert.Equal(t, exitcodes.TestFailure, ExitCode(&TestFailureError{}))
	assert.Equal(t, exitcodes.TestFailure, ExitCode(errors.New("unclassified")))
}

func TestNewTestFailureError(t *testing.T) {
	leaf := func(id string, status types.TestStatus) *types.Result {
		return &types.Result{NodeID: id, Name: id, Kind: types.NodeKindTest, Status: status, Counts: types.CountsFor(status)}
	}

	t.Run("lists unsuccessful tests", func(t *testing.T) {
		root := types.Aggregate([]*types.Result{
			leaf("a", types.TestStatusPass),
			leaf("b", types.TestStatusFail),
			leaf("c", types.TestStatusCancelled),
			leaf("d", types.TestStatusSkip),
		})
		err := NewTestFailureError(&runner.Report{RunID: "run-1", Status: root.Status, Iterations: []*types.Result{root}})
		assert.Equal(t, []string{"b", "c"}, err.Failed)
		assert.Equal(t, "test failure: run run-1 finished with status fail (2 unsuccessful: b, c)", err.Error())
	})

	t.Run("truncates long lists", func(t *testing.T) {
		var leaves []*types.Result
		for i := 0; i < 7; i++ {
			leaves = append(leaves, leaf(fmt.Sprintf("t%d", i), types.TestStatusError))
		}
		root := types.Aggregate(leaves)
		err := NewTestFailureError(&runner.Report{RunID: "run-2", Status: root.Status, Iterations: []*types.Result{root}})
		assert.Len(t, err.Failed, 7)
		assert.Contains(t, err.Error(), "(7 unsuccessful: t0, t1, t2, t3, t4, ...)")
	})

	t.Run("no iterations", func(t *testing.T) {
		err := NewTestFailureError(&runner.Report{RunID: "run-3", Status: types.TestStatusCancelled})
		assert.Empty(t, err.Failed)
		assert.Equal(t, "test failure: run run-3 finished with status cancelled", err.Error())
	})
}
