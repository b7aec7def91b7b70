package types

// Filter is a node-selection predicate over node id and metadata. A nil
// filter selects every runnable node and no explicit ones.
type Filter func(*Node) bool

// Selection is the result of applying a Filter to a tree
type Selection struct {
	filtered bool
	included map[string]bool // Node, an ancestor or a descendant matched
	targeted map[string]bool // Node or a descendant matched
}

// Select applies the filter to every node of the tree
func (t *Tree) Select(filter Filter) *Selection {
	sel := &Selection{
		filtered: filter != nil,
		included: make(map[string]bool),
		targeted: make(map[string]bool),
	}
	if filter == nil {
		return sel
	}

	var visit func(node *Node, viaAncestor bool) bool
	visit = func(node *Node, viaAncestor bool) bool {
		matched := filter(node)
		below := false
		for _, child := range node.Children {
			if visit(child, viaAncestor || matched) {
				below = true
			}
		}
		if matched || below {
			sel.targeted[node.ID] = true
		}
		if viaAncestor || matched || below {
			sel.included[node.ID] = true
		}
		return matched || below
	}
	visit(t.Root, false)
	return sel
}

// Filtered reports whether a filter was supplied
func (s *Selection) Filtered() bool {
	return s.filtered
}

// Includes reports whether the node takes part in the run: it, one of its
// ancestors or one of its descendants matched
func (s *Selection) Includes(id string) bool {
	return !s.filtered || s.included[id]
}

// Targets reports whether the filter matched the node itself or something
// below it. Explicit nodes only run when targeted.
func (s *Selection) Targets(id string) bool {
	return s.filtered && s.targeted[id]
}
