package runner

import (
	"fmt"
	"sync"

	"github.com/ethereum-optimism/infra/op-dispatch/types"
)

// WorkState is the lifecycle state of a work item
type WorkState int

const (
	WorkStateCreated WorkState = iota
	WorkStateReady
	WorkStateRunning
	WorkStateComplete
	WorkStateCancelled
)

func (s WorkState) String() string {
	switch s {
	case WorkStateCreated:
		return "created"
	case WorkStateReady:
		return "ready"
	case WorkStateRunning:
		return "running"
	case WorkStateComplete:
		return "complete"
	case WorkStateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible
func (s WorkState) Terminal() bool {
	return s == WorkStateComplete || s == WorkStateCancelled
}

// validTransitions lists the allowed lifecycle edges
var validTransitions = map[WorkState][]WorkState{
	WorkStateCreated: {WorkStateReady, WorkStateCancelled, WorkStateComplete},
	WorkStateReady:   {WorkStateRunning, WorkStateCancelled},
	WorkStateRunning: {WorkStateComplete, WorkStateCancelled},
}

// WorkItem is the mutable execution wrapper around one tree node for a
// single run. It moves through its state machine exactly once.
type WorkItem struct {
	Node   *types.Node
	parent *WorkItem
	ec     *ExecutionContext

	order  int
	policy types.ExecutionPolicy

	mu       sync.Mutex
	state    WorkState
	children []*WorkItem
	result   *types.Result
	done     chan struct{}
}

func newWorkItem(node *types.Node, parent *WorkItem, ec *ExecutionContext, tree *types.Tree) *WorkItem {
	return &WorkItem{
		Node:   node,
		parent: parent,
		ec:     ec,
		order:  tree.Order(node.ID),
		policy: tree.EffectivePolicy(node.ID),
		done:   make(chan struct{}),
	}
}

// ID returns the id of the wrapped node
func (w *WorkItem) ID() string {
	return w.Node.ID
}

// State returns the current lifecycle state
func (w *WorkItem) State() WorkState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Children returns the child work items. They exist once the item is Ready.
func (w *WorkItem) Children() []*WorkItem {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.children
}

// Context returns the execution context of the item
func (w *WorkItem) Context() *ExecutionContext {
	return w.ec
}

// Done is closed once the item reaches a terminal state
func (w *WorkItem) Done() <-chan struct{} {
	return w.done
}

// Result returns the terminal result, nil until Done is closed
func (w *WorkItem) Result() *types.Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.result
}

// transition moves the item to the next state, rejecting invalid edges
func (w *WorkItem) transition(to WorkState) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.transitionLocked(to)
}

func (w *WorkItem) transitionLocked(to WorkState) error {
	for _, allowed := range validTransitions[w.state] {
		if allowed == to {
			w.state = to
			return nil
		}
	}
	return fmt.Errorf("work item %s: invalid transition %s -> %s", w.Node.ID, w.state, to)
}

// ready materializes the child work items and moves the item to Ready
func (w *WorkItem) ready(newChild func(node *types.Node, parent *WorkItem) *WorkItem) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != WorkStateCreated {
		return fmt.Errorf("work item %s: cannot prepare in state %s", w.Node.ID, w.state)
	}
	children := make([]*WorkItem, 0, len(w.Node.Children))
	for _, node := range w.Node.Children {
		children = append(children, newChild(node, w))
	}
	w.children = children
	return w.transitionLocked(WorkStateReady)
}

// finish records the terminal result. Waiters are released by signal.
func (w *WorkItem) finish(to WorkState, result *types.Result) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.transitionLocked(to); err != nil {
		return err
	}
	w.result = result
	return nil
}

// signal releases everything waiting on Done
func (w *WorkItem) signal() {
	close(w.done)
}
