package types

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"

	"github.com/ethereum/go-ethereum/log"
)

// NodeKind is the closed set of tree node kinds
type NodeKind string

const (
	NodeKindSuite NodeKind = "suite"
	NodeKindTest  NodeKind = "test"
)

// Well-known property keys. Properties are opaque to the engine; the
// registry and selectors use these.
const (
	PropertyCategory    = "category"
	PropertyDescription = "description"
	PropertyAuthor      = "author"
)

// Node is one immutable entry of the test tree. Nodes are built once by the
// discovery layer and shared by reference across runs.
type Node struct {
	ID         string
	Name       string
	FullName   string
	Kind       NodeKind
	Children   []*Node
	Properties map[string][]string
	Policy     ExecutionPolicy
	State      RunState
	Reason     string // Why the node is not runnable, ignored or skipped

	// Invoke is the opaque test logic of a leaf.
	Invoke Invoker
	// Setup and Teardown are optional suite hooks run around the children.
	Setup    Invoker
	Teardown Invoker
	// Settings override the ambient settings inherited from ancestors.
	Settings map[string]string
}

// IsSuite returns true for composite nodes
func (n *Node) IsSuite() bool {
	return n.Kind == NodeKindSuite
}

// Property returns the first value stored under key
func (n *Node) Property(key string) string {
	if values := n.Properties[key]; len(values) > 0 {
		return values[0]
	}
	return ""
}

// Categories returns the category property values of this node
func (n *Node) Categories() []string {
	return n.Properties[PropertyCategory]
}

// DisplayName returns the full name when set, falling back to the name
func (n *Node) DisplayName() string {
	if n.FullName != "" {
		return n.FullName
	}
	return n.Name
}

// TestContext is the view of the execution context handed to test logic
type TestContext interface {
	NodeID() string
	Output() io.Writer
	Seed() int64
	Rand() *rand.Rand
	Setting(key string) (string, bool)
	Logger() log.Logger
}

// Invoker runs the opaque logic behind a leaf or a suite hook
type Invoker interface {
	Invoke(ctx context.Context, tc TestContext) (Outcome, error)
}

// InvokerFunc adapts a function to the Invoker interface
type InvokerFunc func(ctx context.Context, tc TestContext) (Outcome, error)

// Invoke calls f(ctx, tc)
func (f InvokerFunc) Invoke(ctx context.Context, tc TestContext) (Outcome, error) {
	return f(ctx, tc)
}

// Outcome is the raw result reported by test logic. An empty status with a
// nil error means the test passed.
type Outcome struct {
	Status  TestStatus
	Message string
}

// OutcomeError lets test logic report an explicit result by returning an error
type OutcomeError struct {
	Status  TestStatus
	Message string
}

func (e *OutcomeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Status, e.Message)
}

// Skip returns an error reporting the test as skipped
func Skip(reason string) error {
	return &OutcomeError{Status: TestStatusSkip, Message: reason}
}

// Inconclusive returns an error reporting the test as inconclusive
func Inconclusive(reason string) error {
	return &OutcomeError{Status: TestStatusInconclusive, Message: reason}
}

// Warn returns an error reporting the test as passed with a warning
func Warn(reason string) error {
	return &OutcomeError{Status: TestStatusWarning, Message: reason}
}

// Fail returns an error reporting an assertion failure
func Fail(reason string) error {
	return &OutcomeError{Status: TestStatusFail, Message: reason}
}

// AsOutcomeError extracts an explicit outcome from err, if any
func AsOutcomeError(err error) (*OutcomeError, bool) {
	var outcomeErr *OutcomeError
	if errors.As(err, &outcomeErr) {
		return outcomeErr, true
	}
	return nil, false
}
