package types

import (
	"fmt"
	"strings"
	"time"
)

// ParallelScope declares which axis of parallelism a node allows
type ParallelScope int

const (
	// ScopeDefault means the node did not declare a scope. Suites inherit the
	// scope of their nearest declaring ancestor.
	ScopeDefault ParallelScope = iota
	// ScopeNotParallel runs the node and its children strictly one at a time.
	ScopeNotParallel
	// ScopeParallelSelf lets the node run alongside its siblings.
	ScopeParallelSelf
	// ScopeParallelChildren lets the node's children run alongside each other.
	ScopeParallelChildren
	// ScopeParallelAll combines ScopeParallelSelf and ScopeParallelChildren.
	ScopeParallelAll
)

var scopeNames = map[ParallelScope]string{
	ScopeDefault:          "default",
	ScopeNotParallel:      "none",
	ScopeParallelSelf:     "self",
	ScopeParallelChildren: "children",
	ScopeParallelAll:      "all",
}

func (s ParallelScope) String() string {
	if name, ok := scopeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("scope(%d)", int(s))
}

// ParseParallelScope parses the textual form used in tree definitions
func ParseParallelScope(s string) (ParallelScope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default", "inherit":
		return ScopeDefault, nil
	case "none", "notparallel", "not-parallel", "serial":
		return ScopeNotParallel, nil
	case "self":
		return ScopeParallelSelf, nil
	case "children":
		return ScopeParallelChildren, nil
	case "all":
		return ScopeParallelAll, nil
	}
	return ScopeDefault, fmt.Errorf("unknown parallel scope %q", s)
}

// ChildrenParallel reports whether children governed by this scope may
// run concurrently with each other
func (s ParallelScope) ChildrenParallel() bool {
	return s == ScopeParallelChildren || s == ScopeParallelAll
}

// SelfParallel reports whether a node with this scope may run concurrently
// with its siblings
func (s ParallelScope) SelfParallel() bool {
	return s == ScopeParallelSelf || s == ScopeParallelAll
}

// ExecutionPolicy is the per-node execution directive resolved at build time
type ExecutionPolicy struct {
	Scope    ParallelScope
	Affinity string        // Non-empty means single-threaded affinity keyed by this value
	Timeout  time.Duration // Zero means inherit from ancestors or none
}

// RunState is the build-time runnable state of a node
type RunState int

const (
	RunStateRunnable RunState = iota
	RunStateNotRunnable
	RunStateExplicit
	RunStateIgnored
	RunStateSkipped
)

var runStateNames = map[RunState]string{
	RunStateRunnable:    "runnable",
	RunStateNotRunnable: "not-runnable",
	RunStateExplicit:    "explicit",
	RunStateIgnored:     "ignored",
	RunStateSkipped:     "skipped",
}

func (s RunState) String() string {
	if name, ok := runStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseRunState parses the textual form used in tree definitions
func ParseRunState(s string) (RunState, error) {
	for state, name := range runStateNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return state, nil
		}
	}
	if strings.TrimSpace(s) == "" {
		return RunStateRunnable, nil
	}
	return RunStateRunnable, fmt.Errorf("unknown run state %q", s)
}
