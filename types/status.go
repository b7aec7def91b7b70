package types

// TestStatus represents the possible outcomes of a node execution
type TestStatus string

const (
	TestStatusPass         TestStatus = "pass"
	TestStatusFail         TestStatus = "fail"
	TestStatusError        TestStatus = "error"
	TestStatusInconclusive TestStatus = "inconclusive"
	TestStatusSkip         TestStatus = "skip"
	TestStatusWarning      TestStatus = "warning"
	TestStatusCancelled    TestStatus = "cancelled"
)

// AllStatuses lists every status in aggregation precedence order (highest first).
var AllStatuses = []TestStatus{
	TestStatusFail,
	TestStatusError,
	TestStatusCancelled,
	TestStatusWarning,
	TestStatusSkip,
	TestStatusInconclusive,
	TestStatusPass,
}

// IsValid reports whether s is one of the known statuses
func (s TestStatus) IsValid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsFailure returns true for statuses that fail their ancestors
func (s TestStatus) IsFailure() bool {
	return s == TestStatusFail || s == TestStatusError
}

// CancelReason marks why a result was cancelled. Reports use it to tell
// "took too long" apart from "explicitly aborted".
type CancelReason string

const (
	CancelNone     CancelReason = ""
	CancelAborted  CancelReason = "aborted"
	CancelTimeout  CancelReason = "timeout"
	CancelFailFast CancelReason = "fail-fast"
	CancelFault    CancelReason = "upstream-fault"
)
