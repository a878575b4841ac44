package registry

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"
)

// ToolError wraps a failure inside a tool invocation, distinguishing it
// from scheduler and validation failures.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool '%s' execution failed: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Invoke runs a tool with fully resolved arguments and returns its output
// as a cty value. The ctx carries the cancellation signal; tool handlers
// must observe it promptly.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]cty.Value) (result cty.Value, err error) {
	tool, ok := r.tools[name]
	if !ok {
		return cty.NilVal, &ToolError{Tool: name, Err: fmt.Errorf("tool is not registered")}
	}

	input := tool.Handler.NewInput()
	if err := decodeInput(tool.Definition, args, input); err != nil {
		return cty.NilVal, &ToolError{Tool: name, Err: err}
	}

	// A panicking handler must not take the scheduler down with it.
	defer func() {
		if rec := recover(); rec != nil {
			result = cty.NilVal
			err = &ToolError{Tool: name, Err: fmt.Errorf("handler panicked: %v", rec)}
		}
	}()

	fn := reflect.ValueOf(tool.Handler.Fn)
	results := fn.Call([]reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(input)})
	if errVal := results[1]; !errVal.IsNil() {
		return cty.NilVal, &ToolError{Tool: name, Err: errVal.Interface().(error)}
	}
	out, err := goToCty(results[0].Interface())
	if err != nil {
		return cty.NilVal, &ToolError{Tool: name, Err: fmt.Errorf("output conversion: %w", err)}
	}
	return out, nil
}

// decodeInput populates the handler's input struct from resolved args,
// applying declared defaults and enforcing required parameters.
func decodeInput(def *Definition, args map[string]cty.Value, input any) error {
	merged := make(map[string]cty.Value, len(def.Inputs))
	names := make([]string, 0, len(def.Inputs))
	for name := range def.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		spec := def.Inputs[name]
		val, present := args[name]
		if !present || val.IsNull() {
			if spec.Default != cty.NilVal {
				merged[name] = spec.Default
				continue
			}
			if spec.Required {
				return fmt.Errorf("required parameter '%s' is missing", name)
			}
			continue
		}
		if !spec.Type.Equals(cty.DynamicPseudoType) {
			converted, err := convert.Convert(val, spec.Type)
			if err != nil {
				return fmt.Errorf("parameter '%s': %w", name, err)
			}
			val = converted
		}
		merged[name] = val
	}

	structVal := reflect.ValueOf(input).Elem()
	structType := structVal.Type()
	for i := 0; i < structType.NumField(); i++ {
		field := structType.Field(i)
		if !field.IsExported() {
			continue
		}
		tagName := strings.Split(field.Tag.Get("cty"), ",")[0]
		if tagName == "" || tagName == "-" {
			continue
		}
		val, ok := merged[tagName]
		if !ok {
			continue
		}
		if err := assignField(structVal.Field(i), val); err != nil {
			return fmt.Errorf("parameter '%s': %w", tagName, err)
		}
	}
	return nil
}

// assignField sets one struct field from a cty value. Fields typed as
// interface{} (or containers of it) take the plain-Go rendering, since
// gocty cannot target them.
func assignField(field reflect.Value, val cty.Value) error {
	if isDynamicGoType(field.Type()) {
		goVal := ctyToGo(val)
		if goVal == nil {
			field.Set(reflect.Zero(field.Type()))
			return nil
		}
		rv := reflect.ValueOf(goVal)
		if !rv.Type().AssignableTo(field.Type()) {
			return fmt.Errorf("cannot assign %s to %s", rv.Type(), field.Type())
		}
		field.Set(rv)
		return nil
	}
	return gocty.FromCtyValue(val, field.Addr().Interface())
}

// isDynamicGoType reports whether a field type carries interface values,
// which gocty cannot decode into.
func isDynamicGoType(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Interface:
		return true
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Ptr:
		return isDynamicGoType(t.Elem())
	}
	return false
}

// ctyToGo renders a cty value as plain Go data: strings, float64 numbers,
// bools, []any, and map[string]any.
func ctyToGo(val cty.Value) any {
	if val == cty.NilVal || val.IsNull() {
		return nil
	}
	ty := val.Type()
	switch {
	case ty == cty.String:
		return val.AsString()
	case ty == cty.Number:
		f, _ := val.AsBigFloat().Float64()
		return f
	case ty == cty.Bool:
		return val.True()
	case ty.IsListType() || ty.IsSetType() || ty.IsTupleType():
		out := make([]any, 0, val.LengthInt())
		for it := val.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			out = append(out, ctyToGo(elem))
		}
		return out
	case ty.IsMapType() || ty.IsObjectType():
		out := make(map[string]any)
		for it := val.ElementIterator(); it.Next(); {
			key, elem := it.Element()
			out[key.AsString()] = ctyToGo(elem)
		}
		return out
	default:
		return nil
	}
}

// goToCty converts a tool's output to a cty value for interpolation by
// dependent steps.
func goToCty(v any) (cty.Value, error) {
	switch val := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case cty.Value:
		return val, nil
	case map[string]any:
		if len(val) == 0 {
			return cty.EmptyObjectVal, nil
		}
		attrs := make(map[string]cty.Value, len(val))
		for k, elem := range val {
			converted, err := goToCty(elem)
			if err != nil {
				return cty.NilVal, err
			}
			attrs[k] = converted
		}
		return cty.ObjectVal(attrs), nil
	case []any:
		if len(val) == 0 {
			return cty.EmptyTupleVal, nil
		}
		elems := make([]cty.Value, len(val))
		for i, elem := range val {
			converted, err := goToCty(elem)
			if err != nil {
				return cty.NilVal, err
			}
			elems[i] = converted
		}
		return cty.TupleVal(elems), nil
	default:
		ty, err := gocty.ImpliedType(v)
		if err != nil {
			return cty.NilVal, fmt.Errorf("unsupported output type %T: %w", v, err)
		}
		return gocty.ToCtyValue(v, ty)
	}
}
