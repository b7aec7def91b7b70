package registry

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-dispatch/types"
	"github.com/ethereum/go-ethereum/log"
)

// Registry loads a tree definition and binds it to invokers
type Registry struct {
	config Config
	tree   *types.Tree
	mu     sync.RWMutex
}

// Config contains registry configuration
type Config struct {
	Log            log.Logger
	TreeFile       string
	DefaultTimeout time.Duration // Applied to tests that declare none
	Shell          string        // Shell used for command steps, defaults to "sh"
	WorkDir        string        // Default working directory of command steps
	SkipExitCode   int           // Exit code reported as skip, zero disables it
	WaitDelay      time.Duration // How long a cancelled command may hold its pipes open
}

// NewRegistry creates a new registry instance
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.TreeFile == "" {
		return nil, fmt.Errorf("tree definition file is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}

	r := &Registry{config: cfg}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the tree definition file. The previous tree is kept when
// the file cannot be loaded.
func (r *Registry) Reload() error {
	def, err := loadDefinition(r.config.TreeFile)
	if err != nil {
		return err
	}
	baseDir := filepath.Dir(r.config.TreeFile)
	tree, err := r.Build(def, baseDir)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.tree = tree
	r.mu.Unlock()

	r.config.Log.Debug("Registry loaded", "file", r.config.TreeFile, "nodes", tree.Len(), "tests", len(tree.Tests()))
	return nil
}

// Tree returns the most recently loaded tree
func (r *Registry) Tree() *types.Tree {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tree
}

// Build converts a definition into a validated tree. Node ids default to the
// slash-separated path of names below the root.
func (r *Registry) Build(def *TreeDefinition, baseDir string) (*types.Tree, error) {
	name := def.Name
	if name == "" {
		name = "root"
	}
	root := &types.Node{
		ID:       name,
		Name:     name,
		FullName: name,
		Kind:     types.NodeKindSuite,
		Settings: def.Settings,
	}
	for i := range def.Suites {
		child, err := r.buildNode(&def.Suites[i], root, "", baseDir)
		if err != nil {
			return nil, err
		}
		root.Children = append(root.Children, child)
	}
	return types.NewTree(root)
}

// buildNode converts one definition. prefix is the full name of the parent,
// empty directly below the root.
func (r *Registry) buildNode(def *NodeDefinition, parent *types.Node, prefix, baseDir string) (*types.Node, error) {
	if def.Name == "" {
		return nil, types.NewBuildDefect(parent.ID, "child definition has no name")
	}

	node := &types.Node{
		ID:         def.ID,
		Name:       def.Name,
		FullName:   def.Name,
		Kind:       types.NodeKindTest,
		Properties: properties(def),
		Reason:     def.Reason,
		Settings:   def.Settings,
	}
	if node.ID == "" {
		node.ID = parent.ID + "/" + def.Name
	}
	if prefix != "" {
		node.FullName = prefix + "/" + def.Name
	}

	fail := func(err error) (*types.Node, error) {
		return nil, types.NewBuildDefect(node.ID, "%v", err)
	}

	scope, err := types.ParseParallelScope(def.Parallel)
	if err != nil {
		return fail(err)
	}
	state, err := types.ParseRunState(def.State)
	if err != nil {
		return fail(err)
	}
	node.State = state
	node.Policy = types.ExecutionPolicy{
		Scope:    scope,
		Affinity: def.Affinity,
		Timeout:  def.Timeout,
	}

	if !def.IsSuite() {
		if def.StepDefinition.IsEmpty() && (state == types.RunStateRunnable || state == types.RunStateExplicit) {
			return fail(fmt.Errorf("test has neither a command nor an outcome"))
		}
		if node.Policy.Timeout == 0 {
			node.Policy.Timeout = r.config.DefaultTimeout
		}
		if !def.StepDefinition.IsEmpty() {
			if node.Invoke, err = r.newInvoker(def.StepDefinition, baseDir); err != nil {
				return fail(err)
			}
		}
		return node, nil
	}

	if !def.StepDefinition.IsEmpty() {
		return fail(fmt.Errorf("suites cannot carry a command or an outcome"))
	}
	node.Kind = types.NodeKindSuite
	if def.Setup != nil {
		if node.Setup, err = r.newInvoker(*def.Setup, baseDir); err != nil {
			return fail(fmt.Errorf("setup: %w", err))
		}
	}
	if def.Teardown != nil {
		if node.Teardown, err = r.newInvoker(*def.Teardown, baseDir); err != nil {
			return fail(fmt.Errorf("teardown: %w", err))
		}
	}
	for i := range def.Children {
		child, err := r.buildNode(&def.Children[i], node, node.FullName, baseDir)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

func properties(def *NodeDefinition) map[string][]string {
	props := make(map[string][]string)
	for k, v := range def.Properties {
		props[k] = append(props[k], v)
	}
	for _, category := range def.Categories {
		if category = strings.TrimSpace(category); category != "" {
			props[types.PropertyCategory] = append(props[types.PropertyCategory], category)
		}
	}
	if def.Description != "" {
		props[types.PropertyDescription] = []string{def.Description}
	}
	if def.Author != "" {
		props[types.PropertyAuthor] = []string{def.Author}
	}
	return props
}
