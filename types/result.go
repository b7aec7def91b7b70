package types

import (
	"time"
)

// Counts tracks leaf statistics at each level of the result tree
type Counts struct {
	Total        int
	Passed       int
	Failed       int
	Errored      int
	Skipped      int
	Inconclusive int
	Warnings     int
	Cancelled    int
}

// Add accumulates other into c
func (c *Counts) Add(other Counts) {
	c.Total += other.Total
	c.Passed += other.Passed
	c.Failed += other.Failed
	c.Errored += other.Errored
	c.Skipped += other.Skipped
	c.Inconclusive += other.Inconclusive
	c.Warnings += other.Warnings
	c.Cancelled += other.Cancelled
}

// CountsFor returns the counts of a single leaf with the given status
func CountsFor(status TestStatus) Counts {
	c := Counts{Total: 1}
	switch status {
	case TestStatusPass:
		c.Passed = 1
	case TestStatusFail:
		c.Failed = 1
	case TestStatusError:
		c.Errored = 1
	case TestStatusSkip:
		c.Skipped = 1
	case TestStatusInconclusive:
		c.Inconclusive = 1
	case TestStatusWarning:
		c.Warnings = 1
	case TestStatusCancelled:
		c.Cancelled = 1
	}
	return c
}

// PassRate returns the percentage of passed leaves
func (c Counts) PassRate() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Passed) / float64(c.Total) * 100
}

// Result is the outcome of one node. Result trees are isomorphic to the
// test tree they were produced from.
type Result struct {
	// Node identity
	NodeID   string
	Name     string
	FullName string
	Kind     NodeKind

	// Outcome
	Status  TestStatus
	Message string
	Output  string
	Error   error
	Cancel  CancelReason // Set when the node was cancelled

	// Timing
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	Counts   Counts
	Children []*Result
}

// NewResult creates an empty result for the given node
func NewResult(node *Node) *Result {
	return &Result{
		NodeID:   node.ID,
		Name:     node.Name,
		FullName: node.FullName,
		Kind:     node.Kind,
	}
}

// Started reports whether the node actually began executing
func (r *Result) Started() bool {
	return !r.StartTime.IsZero()
}

// Cancelled reports whether the result carries a cancellation marker
func (r *Result) Cancelled() bool {
	return r.Cancel != CancelNone
}

// Walk traverses the result tree in pre-order
func (r *Result) Walk(visitor func(*Result) bool) {
	if !visitor(r) {
		return
	}
	for _, child := range r.Children {
		child.Walk(visitor)
	}
}

// Find returns the result for the node with the given id
func (r *Result) Find(nodeID string) *Result {
	var found *Result
	r.Walk(func(res *Result) bool {
		if found != nil {
			return false
		}
		if res.NodeID == nodeID {
			found = res
			return false
		}
		return true
	})
	return found
}

// Leaves returns the test results in pre-order
func (r *Result) Leaves() []*Result {
	var leaves []*Result
	r.Walk(func(res *Result) bool {
		if res.Kind == NodeKindTest {
			leaves = append(leaves, res)
		}
		return true
	})
	return leaves
}

// FailedLeaves returns the failed and errored test results in pre-order
func (r *Result) FailedLeaves() []*Result {
	var failed []*Result
	for _, leaf := range r.Leaves() {
		if leaf.Status.IsFailure() {
			failed = append(failed, leaf)
		}
	}
	return failed
}
