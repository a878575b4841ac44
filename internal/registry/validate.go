package registry

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/vk/flowgrid/internal/config"
	"github.com/vk/flowgrid/internal/ctxlog"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"
)

// ValidateRegistry performs a strict parity check between tool schemas
// and their Go handlers: every declared input must have a matching struct
// field of a compatible type, and vice versa.
func (r *Registry) ValidateRegistry(ctx context.Context) error {
	var errs []string
	logger := ctxlog.FromContext(ctx)

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, toolName := range names {
		tool := r.tools[toolName]
		def, handler := tool.Definition, tool.Handler

		if handler.InputType == nil {
			if len(def.Inputs) > 0 {
				errs = append(errs, fmt.Sprintf("tool '%s': schema declares inputs, but Go handler has no input struct", toolName))
			}
			continue
		}

		goInputs := make(map[string]reflect.StructField)
		for i := 0; i < handler.InputType.NumField(); i++ {
			field := handler.InputType.Field(i)
			if !field.IsExported() {
				continue
			}
			tagName := strings.Split(field.Tag.Get("cty"), ",")[0]
			if tagName != "" && tagName != "-" {
				goInputs[tagName] = field
			}
		}

		// Presence in both directions.
		for name := range goInputs {
			if _, ok := def.Inputs[name]; !ok {
				errs = append(errs, fmt.Sprintf("tool '%s': Go struct has field for input '%s' which is not declared in the schema", toolName, name))
			}
		}
		for name := range def.Inputs {
			if _, ok := goInputs[name]; !ok {
				errs = append(errs, fmt.Sprintf("tool '%s': schema declares input '%s' which is not found in the Go struct", toolName, name))
			}
		}

		// Type compatibility.
		for name, spec := range def.Inputs {
			goField, ok := goInputs[name]
			if !ok {
				continue
			}
			if spec.Type.Equals(cty.DynamicPseudoType) {
				logger.Warn("Tool schema declares input with 'type = any', which disables static type checking.", "tool", toolName, "input", name)
				continue
			}
			goFieldType, err := gocty.ImpliedType(reflect.Zero(goField.Type).Interface())
			if err != nil {
				errs = append(errs, fmt.Sprintf("tool '%s', input '%s': could not imply cty type from Go field type %s: %v", toolName, name, goField.Type, err))
				continue
			}
			if !spec.Type.Equals(goFieldType) {
				errs = append(errs, fmt.Sprintf("tool '%s', input '%s': type mismatch, schema requires '%s' but Go field '%s' provides '%s'",
					toolName, name, spec.Type.FriendlyName(), goField.Name, goFieldType.FriendlyName()))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("registry validation failed:\n- %s", strings.Join(errs, "\n- "))
	}
	return nil
}

// ValidateWorkflow checks a parsed workflow against the catalog: every
// step names a registered tool, every config key is declared by that
// tool, required parameters are present, and literal config values match
// the declared parameter type. Template-bearing values are deferred to
// interpolation time.
func (r *Registry) ValidateWorkflow(ctx context.Context, wf *config.Workflow) error {
	for _, step := range wf.Steps {
		tool, ok := r.tools[step.Tool]
		if !ok {
			return config.NewParseError(step.ID, "step references unrecognized tool '%s'", step.Tool)
		}
		def := tool.Definition

		for name, expr := range step.Config {
			spec, declared := def.Inputs[name]
			if !declared {
				return config.NewParseError(step.ID, "config parameter '%s' is not declared by tool '%s'", name, step.Tool)
			}
			// Literal values can be type-checked now.
			if len(expr.Variables()) > 0 || spec.Type.Equals(cty.DynamicPseudoType) {
				continue
			}
			val, diags := expr.Value(nil)
			if diags.HasErrors() {
				continue
			}
			if _, err := convert.Convert(val, spec.Type); err != nil {
				return config.NewParseError(step.ID, "config parameter '%s' has type %s, tool '%s' requires %s",
					name, val.Type().FriendlyName(), step.Tool, spec.Type.FriendlyName())
			}
		}

		for name, spec := range def.Inputs {
			if !spec.Required || spec.Default != cty.NilVal {
				continue
			}
			if _, present := step.Config[name]; !present {
				return config.NewParseError(step.ID, "required parameter '%s' of tool '%s' is missing", name, step.Tool)
			}
		}
	}
	return nil
}
