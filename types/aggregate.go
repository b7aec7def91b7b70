package types

import (
	"fmt"
)

// AggregateStatus combines child statuses into a parent status. The
// precedence is fixed: fail/error, cancelled, warning, uniform skip,
// inconclusive, pass. An empty input is inconclusive.
func AggregateStatus(statuses []TestStatus) TestStatus {
	if len(statuses) == 0 {
		return TestStatusInconclusive
	}

	seen := make(map[TestStatus]bool, len(statuses))
	for _, status := range statuses {
		seen[status] = true
	}

	switch {
	case seen[TestStatusFail] || seen[TestStatusError]:
		return TestStatusFail
	case seen[TestStatusCancelled]:
		return TestStatusCancelled
	case seen[TestStatusWarning]:
		return TestStatusWarning
	case len(seen) == 1 && seen[TestStatusSkip]:
		return TestStatusSkip
	case seen[TestStatusInconclusive]:
		return TestStatusInconclusive
	default:
		return TestStatusPass
	}
}

// Aggregate computes the outcome of a composite from its children. The
// returned result carries status, message, counts and timing; identity is
// left to the caller.
func Aggregate(children []*Result) *Result {
	result := &Result{Children: children}
	if len(children) == 0 {
		result.Status = TestStatusInconclusive
		result.Message = "suite has no children"
		return result
	}

	statuses := make([]TestStatus, 0, len(children))
	for _, child := range children {
		statuses = append(statuses, child.Status)
		result.Counts.Add(leafCounts(child))

		if child.Started() && (result.StartTime.IsZero() || child.StartTime.Before(result.StartTime)) {
			result.StartTime = child.StartTime
		}
		if child.Started() && child.EndTime.After(result.EndTime) {
			result.EndTime = child.EndTime
		}
	}
	if !result.StartTime.IsZero() {
		result.Duration = result.EndTime.Sub(result.StartTime)
	}

	result.Status = AggregateStatus(statuses)
	switch result.Status {
	case TestStatusFail:
		failed := result.Counts.Failed + result.Counts.Errored
		result.Message = fmt.Sprintf("%d of %d tests failed", failed, result.Counts.Total)
	case TestStatusCancelled:
		for _, child := range children {
			if child.Status == TestStatusCancelled {
				result.Cancel = child.Cancel
				break
			}
		}
		result.Message = fmt.Sprintf("%d of %d tests cancelled", result.Counts.Cancelled, result.Counts.Total)
	case TestStatusWarning:
		result.Message = fmt.Sprintf("%d of %d tests passed with warnings", result.Counts.Warnings, result.Counts.Total)
	}
	return result
}

// leafCounts returns the counts contributed by a child result
func leafCounts(child *Result) Counts {
	if child.Kind == NodeKindTest && child.Counts.Total == 0 {
		return CountsFor(child.Status)
	}
	return child.Counts
}
