package registry

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TreeDefinition is the root of a YAML tree definition file
type TreeDefinition struct {
	Name     string            `yaml:"name"`
	Settings map[string]string `yaml:"settings,omitempty"`
	Suites   []NodeDefinition  `yaml:"suites"`
}

// NodeDefinition describes one suite or test. A definition with children,
// setup or teardown is a suite; one with a command or an outcome is a test.
type NodeDefinition struct {
	Name        string            `yaml:"name"`
	ID          string            `yaml:"id,omitempty"`
	Description string            `yaml:"description,omitempty"`
	Author      string            `yaml:"author,omitempty"`
	Categories  []string          `yaml:"categories,omitempty"`
	Properties  map[string]string `yaml:"properties,omitempty"`

	Parallel string        `yaml:"parallel,omitempty"`
	Affinity string        `yaml:"affinity,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
	State    string        `yaml:"state,omitempty"`
	Reason   string        `yaml:"reason,omitempty"`

	Settings map[string]string `yaml:"settings,omitempty"`
	Setup    *StepDefinition   `yaml:"setup,omitempty"`
	Teardown *StepDefinition   `yaml:"teardown,omitempty"`
	Children []NodeDefinition  `yaml:"children,omitempty"`

	StepDefinition `yaml:",inline"`
}

// StepDefinition is the executable part of a test or a suite hook
type StepDefinition struct {
	Command string            `yaml:"command,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Dir     string            `yaml:"dir,omitempty"`
	Outcome string            `yaml:"outcome,omitempty"`
	Message string            `yaml:"message,omitempty"`
	Sleep   time.Duration     `yaml:"sleep,omitempty"`
}

// IsEmpty reports whether the step has nothing to run
func (s StepDefinition) IsEmpty() bool {
	return s.Command == "" && s.Outcome == "" && s.Sleep == 0
}

// IsSuite reports whether the definition describes a suite
func (d *NodeDefinition) IsSuite() bool {
	return len(d.Children) > 0 || d.Setup != nil || d.Teardown != nil
}

// loadDefinition reads and decodes a tree definition file
func loadDefinition(path string) (*TreeDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tree definition: %w", err)
	}
	return parseDefinition(data)
}

func parseDefinition(data []byte) (*TreeDefinition, error) {
	var def TreeDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse tree definition: %w", err)
	}
	if len(def.Suites) == 0 {
		return nil, fmt.Errorf("tree definition has no suites")
	}
	return &def, nil
}
