package print

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"

	"github.com/vk/flowgrid/internal/registry"
	"github.com/zclconf/go-cty/cty"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments for the print tool.
type Input struct {
	Value map[string]string `cty:"value"`
}

// Run is the handler for the 'print' tool.
func Run(ctx context.Context, input *Input) (any, error) {
	slog.Info("Printing input")

	if input.Value == nil {
		fmt.Println("      (null)")
		return nil, nil
	}

	// Sort keys for consistent output
	keys := make([]string, 0, len(input.Value))
	for k := range input.Value {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Printf("      %s = %q\n", k, input.Value[k])
	}

	return map[string]any{"printed": float64(len(input.Value))}, nil
}

// Register registers the handler with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterTool(&registry.Definition{
		Name:        "print",
		Description: "Prints a map of values to stdout.",
		Inputs: map[string]*registry.InputSpec{
			"value": {Type: cty.Map(cty.String)},
		},
	}, &registry.Handler{
		NewInput:  func() any { return new(Input) },
		InputType: reflect.TypeOf(Input{}),
		Fn:        Run,
	})
}
