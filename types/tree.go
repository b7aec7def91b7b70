package types

// Tree is the validated, indexed and read-only view over a root node
type Tree struct {
	Root *Node

	// Flat indices for quick lookup
	nodes     []*Node                    // All nodes in pre-order
	nodesByID map[string]*Node           // Quick lookup by ID
	order     map[string]int             // Pre-order index by ID
	parents   map[string]*Node           // Parent by child ID (root has none)
	effective map[string]ExecutionPolicy // Resolved execution policy by ID
}

// NewTree validates the hierarchy below root and indexes it. It returns a
// *BuildDefectError when the tree is malformed.
func NewTree(root *Node) (*Tree, error) {
	if root == nil {
		return nil, NewBuildDefect("", "tree has no root")
	}

	tree := &Tree{
		Root:      root,
		nodesByID: make(map[string]*Node),
		order:     make(map[string]int),
		parents:   make(map[string]*Node),
		effective: make(map[string]ExecutionPolicy),
	}

	rootPolicy := ExecutionPolicy{Scope: ScopeNotParallel}
	if err := tree.index(root, nil, rootPolicy, make(map[*Node]bool)); err != nil {
		return nil, err
	}
	return tree, nil
}

// index walks the tree in pre-order, validating every node and resolving its
// effective policy from the inherited one
func (t *Tree) index(node, parent *Node, inherited ExecutionPolicy, onPath map[*Node]bool) error {
	if onPath[node] {
		return NewBuildDefect(node.ID, "cyclic parent/child reference")
	}
	if node.ID == "" {
		name := node.Name
		if parent != nil {
			name = parent.ID + "/" + name
		}
		return NewBuildDefect(name, "node has no id")
	}
	if seen, exists := t.nodesByID[node.ID]; exists {
		if seen == node {
			return NewBuildDefect(node.ID, "node appears more than once in the tree")
		}
		return NewBuildDefect(node.ID, "duplicate node id")
	}

	switch node.Kind {
	case NodeKindSuite:
		if node.Invoke != nil {
			return NewBuildDefect(node.ID, "suite nodes cannot carry test logic")
		}
	case NodeKindTest:
		if len(node.Children) > 0 {
			return NewBuildDefect(node.ID, "test nodes cannot have children")
		}
		if node.Setup != nil || node.Teardown != nil {
			return NewBuildDefect(node.ID, "test nodes cannot carry suite hooks")
		}
		if node.Invoke == nil && (node.State == RunStateRunnable || node.State == RunStateExplicit) {
			return NewBuildDefect(node.ID, "runnable test has no invoker")
		}
	default:
		return NewBuildDefect(node.ID, "unknown node kind %q", node.Kind)
	}
	if node.Policy.Timeout < 0 {
		return NewBuildDefect(node.ID, "negative timeout %v", node.Policy.Timeout)
	}

	effective := node.Policy
	if effective.Affinity == "" {
		effective.Affinity = inherited.Affinity
	}
	if node.IsSuite() && effective.Scope == ScopeDefault {
		effective.Scope = inherited.Scope
	}

	t.order[node.ID] = len(t.nodes)
	t.nodes = append(t.nodes, node)
	t.nodesByID[node.ID] = node
	t.effective[node.ID] = effective
	if parent != nil {
		t.parents[node.ID] = parent
	}

	// Tests never declare scope for their descendants, suites pass theirs on
	childInherited := inherited
	if node.IsSuite() {
		childInherited = effective
	}
	childInherited.Timeout = 0

	onPath[node] = true
	defer delete(onPath, node)
	for _, child := range node.Children {
		if child == nil {
			return NewBuildDefect(node.ID, "nil child")
		}
		if err := t.index(child, node, childInherited, onPath); err != nil {
			return err
		}
	}
	return nil
}

// Walk traverses the tree in pre-order calling the visitor for each node.
// Returning false from the visitor skips the node's descendants.
func (t *Tree) Walk(visitor func(*Node) bool) {
	t.walkNode(t.Root, visitor)
}

// walkNode recursively walks a node and its children
func (t *Tree) walkNode(node *Node, visitor func(*Node) bool) {
	if !visitor(node) {
		return
	}
	for _, child := range node.Children {
		t.walkNode(child, visitor)
	}
}

// Nodes returns all nodes in pre-order
func (t *Tree) Nodes() []*Node {
	nodes := make([]*Node, len(t.nodes))
	copy(nodes, t.nodes)
	return nodes
}

// Tests returns the leaf nodes in pre-order
func (t *Tree) Tests() []*Node {
	var tests []*Node
	for _, node := range t.nodes {
		if !node.IsSuite() {
			tests = append(tests, node)
		}
	}
	return tests
}

// Len returns the number of nodes in the tree
func (t *Tree) Len() int {
	return len(t.nodes)
}

// FindNode finds a node by ID
func (t *Tree) FindNode(id string) *Node {
	return t.nodesByID[id]
}

// Order returns the pre-order index of the node with the given id, or -1
func (t *Tree) Order(id string) int {
	if idx, ok := t.order[id]; ok {
		return idx
	}
	return -1
}

// Parent returns the parent of the node with the given id (nil for the root)
func (t *Tree) Parent(id string) *Node {
	return t.parents[id]
}

// EffectivePolicy returns the execution policy of a node after inheritance
func (t *Tree) EffectivePolicy(id string) ExecutionPolicy {
	return t.effective[id]
}

// Ancestors returns the ancestors of a node, nearest first
func (t *Tree) Ancestors(id string) []*Node {
	var ancestors []*Node
	for parent := t.parents[id]; parent != nil; parent = t.parents[parent.ID] {
		ancestors = append(ancestors, parent)
	}
	return ancestors
}
