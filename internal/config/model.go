package config

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// Model is the unified, format-agnostic representation of everything the
// loader read: the workflow definition the run will execute.
type Model struct {
	Workflow *Workflow
}

// Workflow is an immutable, parsed workflow definition. Input and step
// order is the declaration order from the source document; fan-in
// aggregation and dry-run reporting depend on it.
type Workflow struct {
	Name   string
	Inputs []*InputDefinition
	Steps  []*Step
}

// Step is the format-agnostic representation of a `step` block. Config
// values stay unevaluated hcl.Expressions until the interpolator resolves
// them against a live run context.
type Step struct {
	ID        string
	Tool      string
	Config    map[string]hcl.Expression
	DependsOn []string
}

// InputDefinition declares a single workflow input.
type InputDefinition struct {
	Name     string
	Type     cty.Type
	Required bool
	Default  *cty.Value
}

// Step returns the step with the given id, or nil.
func (w *Workflow) Step(id string) *Step {
	for _, s := range w.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Input returns the input definition with the given name, or nil.
func (w *Workflow) Input(name string) *InputDefinition {
	for _, in := range w.Inputs {
		if in.Name == name {
			return in
		}
	}
	return nil
}
