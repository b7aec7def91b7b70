package types

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leafResult(id string, status TestStatus) *Result {
	return &Result{NodeID: id, Kind: NodeKindTest, Status: status, Counts: CountsFor(status)}
}

func TestAggregateStatus_Precedence(t *testing.T) {
	tests := []struct {
		name     string
		statuses []TestStatus
		want     TestStatus
	}{
		{name: "empty", statuses: nil, want: TestStatusInconclusive},
		{name: "all pass", statuses: []TestStatus{TestStatusPass, TestStatusPass}, want: TestStatusPass},
		{name: "pass and skip", statuses: []TestStatus{TestStatusPass, TestStatusSkip}, want: TestStatusPass},
		{name: "all skip", statuses: []TestStatus{TestStatusSkip, TestStatusSkip}, want: TestStatusSkip},
		{name: "inconclusive beats pass", statuses: []TestStatus{TestStatusPass, TestStatusInconclusive}, want: TestStatusInconclusive},
		{name: "skip and inconclusive", statuses: []TestStatus{TestStatusSkip, TestStatusInconclusive}, want: TestStatusInconclusive},
		{name: "warning beats inconclusive", statuses: []TestStatus{TestStatusInconclusive, TestStatusWarning}, want: TestStatusWarning},
		{name: "cancelled beats warning", statuses: []TestStatus{TestStatusWarning, TestStatusCancelled}, want: TestStatusCancelled},
		{name: "fail beats cancelled", statuses: []TestStatus{TestStatusCancelled, TestStatusFail}, want: TestStatusFail},
		{name: "error promotes to fail", statuses: []TestStatus{TestStatusPass, TestStatusError}, want: TestStatusFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AggregateStatus(tt.statuses))
		})
	}
}

func TestAggregateStatus_IndependentOfOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		n := rng.Intn(6) + 1
		statuses := make([]TestStatus, n)
		for j := range statuses {
			statuses[j] = AllStatuses[rng.Intn(len(AllStatuses))]
		}
		want := AggregateStatus(statuses)

		shuffled := append([]TestStatus(nil), statuses...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		require.Equal(t, want, AggregateStatus(shuffled), "statuses %v", statuses)
	}
}

func TestAggregate_CountsAndMessage(t *testing.T) {
	nested := Aggregate([]*Result{leafResult("n1", TestStatusPass), leafResult("n2", TestStatusError)})
	nested.Kind = NodeKindSuite

	result := Aggregate([]*Result{
		leafResult("a", TestStatusPass),
		leafResult("b", TestStatusFail),
		nested,
	})

	assert.Equal(t, TestStatusFail, result.Status)
	assert.Equal(t, "2 of 4 tests failed", result.Message)
	assert.Equal(t, Counts{Total: 4, Passed: 2, Failed: 1, Errored: 1}, result.Counts)
	assert.Len(t, result.Children, 3)
}

func TestAggregate_CountsLeavesWithoutCounts(t *testing.T) {
	result := Aggregate([]*Result{
		{NodeID: "a", Kind: NodeKindTest, Status: TestStatusSkip},
		{NodeID: "b", Kind: NodeKindTest, Status: TestStatusSkip},
	})
	assert.Equal(t, TestStatusSkip, result.Status)
	assert.Equal(t, Counts{Total: 2, Skipped: 2}, result.Counts)
}

func TestAggregate_Empty(t *testing.T) {
	result := Aggregate(nil)
	assert.Equal(t, TestStatusInconclusive, result.Status)
	assert.NotEmpty(t, result.Message)
	assert.Zero(t, result.Counts.Total)
}

func TestAggregate_CancelledCarriesMarker(t *testing.T) {
	cancelled := leafResult("b", TestStatusCancelled)
	cancelled.Cancel = CancelTimeout

	result := Aggregate([]*Result{leafResult("a", TestStatusPass), cancelled})
	assert.Equal(t, TestStatusCancelled, result.Status)
	assert.Equal(t, CancelTimeout, result.Cancel)
	assert.Equal(t, 1, result.Counts.Cancelled)
}

func TestAggregate_DurationIsWallClockSpan(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	first := leafResult("a", TestStatusPass)
	first.StartTime, first.EndTime = base, base.Add(3*time.Second)
	second := leafResult("b", TestStatusPass)
	second.StartTime, second.EndTime = base.Add(time.Second), base.Add(5*time.Second)
	neverStarted := leafResult("c", TestStatusSkip)

	result := Aggregate([]*Result{first, second, neverStarted})
	assert.Equal(t, base, result.StartTime)
	assert.Equal(t, base.Add(5*time.Second), result.EndTime)
	assert.Equal(t, 5*time.Second, result.Duration, "overlapping children are not summed")
}

func TestCancelReasonFor(t *testing.T) {
	assert.Equal(t, CancelNone, CancelReasonFor(nil))
	assert.Equal(t, CancelTimeout, CancelReasonFor(&TimeoutError{NodeID: "x"}))
	assert.Equal(t, CancelTimeout, CancelReasonFor(context.DeadlineExceeded))
	assert.Equal(t, CancelFailFast, CancelReasonFor(ErrFailFast))
	assert.Equal(t, CancelAborted, CancelReasonFor(errors.New("interrupted")))
}

func TestOutcomeHelpers(t *testing.T) {
	outcome, ok := AsOutcomeError(Skip("not today"))
	require.True(t, ok)
	assert.Equal(t, TestStatusSkip, outcome.Status)
	assert.Equal(t, "not today", outcome.Message)

	_, ok = AsOutcomeError(errors.New("plain"))
	assert.False(t, ok)
}
