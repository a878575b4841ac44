// Package registry holds the tool contract: the catalog of executable
// tools, their input schemas, and the dispatch path the executor uses to
// invoke them with resolved configuration.
package registry

import (
	"fmt"
	"log/slog"
	"reflect"

	"github.com/zclconf/go-cty/cty"
)

// Module is the interface every tool package implements to be registered.
type Module interface {
	Register(r *Registry)
}

// InputSpec describes one declared parameter of a tool.
type InputSpec struct {
	Type     cty.Type
	Required bool
	Default  cty.Value // cty.NilVal when the parameter has no default
}

// Definition is the published schema of a tool: its name and the
// parameters its config block accepts.
type Definition struct {
	Name        string
	Description string
	Inputs      map[string]*InputSpec
}

// Handler holds the compiled Go side of a tool.
type Handler struct {
	// NewInput returns a pointer to a fresh input struct whose fields
	// carry cty tags matching the Definition's input names.
	NewInput func() any
	// InputType is the input struct type, used for schema parity checks.
	InputType reflect.Type
	// Fn has signature func(ctx context.Context, input *T) (any, error).
	Fn any
}

// RegisteredTool pairs a tool's schema with its handler.
type RegisteredTool struct {
	Definition *Definition
	Handler    *Handler
}

// Registry is the tool catalog for one application instance. It is built
// once at startup and passed by reference; there is no process-global
// registry.
type Registry struct {
	tools map[string]*RegisteredTool
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{tools: make(map[string]*RegisteredTool)}
}

// RegisterTool adds a tool to the catalog. Registering the same name
// twice is a programming error and panics.
func (r *Registry) RegisterTool(def *Definition, handler *Handler) {
	if _, exists := r.tools[def.Name]; exists {
		panic(fmt.Sprintf("tool with name '%s' already registered", def.Name))
	}
	slog.Debug("Registering tool.", "name", def.Name)
	r.tools[def.Name] = &RegisteredTool{Definition: def, Handler: handler}
}

// Tool looks up a registered tool by name.
func (r *Registry) Tool(name string) (*RegisteredTool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names, unordered.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}
