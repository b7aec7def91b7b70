package registry

import (
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/ethereum-optimism/infra/op-dispatch/types"
)

// Selector picks tests by glob patterns over their id or full name and by
// category. Suites pass their names and categories down: a test matches when
// it or an ancestor satisfies one of the patterns, and categories are the
// union over the test and its ancestors. Explicit nodes stop that: a pattern
// or included category only selects below an explicit node when it matches
// the explicit node itself or something under it. Excluded categories apply
// over the whole lineage.
type Selector struct {
	Patterns          []string
	IncludeCategories []string
	ExcludeCategories []string
}

// NewSelector validates the patterns of a selector
func NewSelector(patterns, include, exclude []string) (*Selector, error) {
	for _, p := range patterns {
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
	}
	return &Selector{
		Patterns:          patterns,
		IncludeCategories: include,
		ExcludeCategories: exclude,
	}, nil
}

// IsEmpty reports whether the selector matches every node
func (s *Selector) IsEmpty() bool {
	return s == nil || len(s.Patterns) == 0 && len(s.IncludeCategories) == 0 && len(s.ExcludeCategories) == 0
}

// Filter binds the selector to a tree, nil when it is empty. Only tests
// match; suites are selected through their tests.
func (s *Selector) Filter(tree *types.Tree) types.Filter {
	if s.IsEmpty() {
		return nil
	}
	return func(node *types.Node) bool {
		if node.IsSuite() {
			return false
		}
		return s.Matches(append([]*types.Node{node}, tree.Ancestors(node.ID)...))
	}
}

// Matches checks a test given its lineage, the test first and its ancestors
// after it
func (s *Selector) Matches(lineage []*types.Node) bool {
	scope := lineage
	if i := slices.IndexFunc(lineage, func(n *types.Node) bool { return n.State == types.RunStateExplicit }); i >= 0 {
		scope = lineage[:i+1]
	}
	if len(s.Patterns) > 0 && !slices.ContainsFunc(scope, s.matchesPattern) {
		return false
	}
	if len(s.IncludeCategories) > 0 && !overlaps(categoriesOf(scope), s.IncludeCategories) {
		return false
	}
	return !overlaps(categoriesOf(lineage), s.ExcludeCategories)
}

func categoriesOf(nodes []*types.Node) []string {
	var categories []string
	for _, node := range nodes {
		categories = append(categories, node.Categories()...)
	}
	return categories
}

func (s *Selector) matchesPattern(node *types.Node) bool {
	for _, p := range s.Patterns {
		for _, candidate := range []string{node.ID, node.FullName, node.Name} {
			if candidate == "" {
				continue
			}
			if ok, _ := path.Match(p, candidate); ok {
				return true
			}
		}
	}
	return false
}

func overlaps(have, want []string) bool {
	for _, w := range want {
		if slices.ContainsFunc(have, func(h string) bool { return strings.EqualFold(h, w) }) {
			return true
		}
	}
	return false
}
