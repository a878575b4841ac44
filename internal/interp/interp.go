// Package interp resolves step config templates against run inputs and
// the outputs of completed dependency steps. Resolution happens inside
// the scheduling loop, immediately before a step is dispatched.
package interp

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/flowgrid/internal/config"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// ErrorKind classifies interpolation failures.
type ErrorKind string

// MissingReference means a template referenced an input or step output
// that does not exist in scope.
const MissingReference ErrorKind = "missing_reference"

// Error is a template resolution failure for one step config value.
type Error struct {
	Kind   ErrorKind
	StepID string
	Param  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("interpolation failed for step '%s', parameter '%s' (%s): %s", e.StepID, e.Param, e.Kind, e.Reason)
}

// RunContext holds the values templates resolve against for one run:
// the workflow inputs (defaults applied) and the outputs of completed
// steps. Outputs are transient to the run; they are not persisted.
type RunContext struct {
	mu      sync.RWMutex
	inputs  map[string]cty.Value
	outputs map[string]cty.Value
}

// NewRunContext validates provided inputs against the workflow's input
// declarations, applies defaults, and returns the resulting context.
func NewRunContext(wf *config.Workflow, provided map[string]cty.Value) (*RunContext, error) {
	inputs := make(map[string]cty.Value, len(wf.Inputs))
	for _, decl := range wf.Inputs {
		val, ok := provided[decl.Name]
		switch {
		case ok:
			converted, err := convert.Convert(val, decl.Type)
			if err != nil {
				return nil, config.NewParseError(decl.Name, "input value does not match declared type %s: %v", decl.Type.FriendlyName(), err)
			}
			inputs[decl.Name] = converted
		case decl.Default != nil:
			inputs[decl.Name] = *decl.Default
		case decl.Required:
			return nil, config.NewParseError(decl.Name, "required input is missing")
		default:
			// Never supplied and no default: the input stays out of scope,
			// so referencing it fails as a missing reference instead of
			// passing null into a tool.
		}
	}
	for name := range provided {
		if wf.Input(name) == nil {
			return nil, config.NewParseError(name, "input is not declared by workflow '%s'", wf.Name)
		}
	}
	return &RunContext{inputs: inputs, outputs: make(map[string]cty.Value)}, nil
}

// SetOutput records a completed step's output.
func (rc *RunContext) SetOutput(stepID string, val cty.Value) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.outputs[stepID] = val
}

// Output returns a step's recorded output.
func (rc *RunContext) Output(stepID string) (cty.Value, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	val, ok := rc.outputs[stepID]
	return val, ok
}

// EvalContext builds the HCL evaluation scope for one step. orderedDeps
// is the step's dependencies in declared order; only their outputs are
// visible under steps.<id>.output, and the deps namespace aggregates
// them for fan-in.
func (rc *RunContext) EvalContext(orderedDeps []string) (*hcl.EvalContext, error) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	steps := make(map[string]cty.Value, len(orderedDeps))
	ordered := make([]cty.Value, 0, len(orderedDeps))
	for _, depID := range orderedDeps {
		out, ok := rc.outputs[depID]
		if !ok {
			continue
		}
		steps[depID] = cty.ObjectVal(map[string]cty.Value{"output": out})
		ordered = append(ordered, out)
	}

	deps, err := fanIn(ordered)
	if err != nil {
		return nil, err
	}
	vars := map[string]cty.Value{
		"inputs": objectOrEmpty(rc.inputs),
		"steps":  objectOrEmpty(steps),
		"deps":   deps,
	}
	return &hcl.EvalContext{Variables: vars}, nil
}

// ResolveStep evaluates every config expression of a step against the
// scope. Parameter order is deterministic so error reporting is stable.
func ResolveStep(stepID string, cfg map[string]hcl.Expression, evalCtx *hcl.EvalContext) (map[string]cty.Value, error) {
	names := make([]string, 0, len(cfg))
	for name := range cfg {
		names = append(names, name)
	}
	sort.Strings(names)

	resolved := make(map[string]cty.Value, len(cfg))
	for _, name := range names {
		val, diags := cfg[name].Value(evalCtx)
		if diags.HasErrors() {
			return nil, &Error{
				Kind:   MissingReference,
				StepID: stepID,
				Param:  name,
				Reason: diags.Errs()[0].Error(),
			}
		}
		resolved[name] = val
	}
	return resolved, nil
}

// fanIn builds the deps namespace from parent outputs in declared order.
// deps.outputs is the ordered tuple of whole outputs; for every field
// present in any object-shaped parent output, deps.<field> concatenates
// list-valued fields element-wise and otherwise collects the values as a
// tuple, preserving parent order. "outputs" is reserved for the tuple; a
// parent field with that name is an error rather than a silent shadow.
func fanIn(ordered []cty.Value) (cty.Value, error) {
	attrs := map[string]cty.Value{
		"outputs": tupleOrEmpty(ordered),
	}

	fieldVals := make(map[string][]cty.Value)
	for _, out := range ordered {
		if out.IsNull() || !out.IsKnown() {
			continue
		}
		if !out.Type().IsObjectType() && !out.Type().IsMapType() {
			continue
		}
		for it := out.ElementIterator(); it.Next(); {
			key, val := it.Element()
			name := key.AsString()
			if name == "outputs" {
				return cty.NilVal, errors.New("dependency output field 'outputs' collides with the reserved deps.outputs tuple")
			}
			fieldVals[name] = append(fieldVals[name], val)
		}
	}
	fieldOrder := make([]string, 0, len(fieldVals))
	for name := range fieldVals {
		fieldOrder = append(fieldOrder, name)
	}
	sort.Strings(fieldOrder)

	for _, name := range fieldOrder {
		vals := fieldVals[name]
		if allSequences(vals) {
			var elems []cty.Value
			for _, val := range vals {
				for it := val.ElementIterator(); it.Next(); {
					_, elem := it.Element()
					elems = append(elems, elem)
				}
			}
			attrs[name] = tupleOrEmpty(elems)
			continue
		}
		attrs[name] = tupleOrEmpty(vals)
	}
	return cty.ObjectVal(attrs), nil
}

func allSequences(vals []cty.Value) bool {
	for _, val := range vals {
		if val.IsNull() || !val.IsKnown() {
			return false
		}
		ty := val.Type()
		if !ty.IsListType() && !ty.IsTupleType() && !ty.IsSetType() {
			return false
		}
	}
	return len(vals) > 0
}

func objectOrEmpty(m map[string]cty.Value) cty.Value {
	if len(m) == 0 {
		return cty.EmptyObjectVal
	}
	return cty.ObjectVal(m)
}

func tupleOrEmpty(vals []cty.Value) cty.Value {
	if len(vals) == 0 {
		return cty.EmptyTupleVal
	}
	return cty.TupleVal(vals)
}
