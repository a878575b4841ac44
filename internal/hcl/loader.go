// Package hcl implements the workflow document parser. It translates HCL
// source into the format-agnostic config.Model; all syntax knowledge
// lives here and nowhere else.
package hcl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/vk/flowgrid/internal/config"
	"github.com/vk/flowgrid/internal/ctxlog"
)

// Loader parses HCL workflow documents into config.Model values.
type Loader struct {
	parser *hclparse.Parser
}

// NewLoader creates a Loader with a fresh HCL parser.
func NewLoader() *Loader {
	return &Loader{parser: hclparse.NewParser()}
}

// Load reads every path (a file, or a directory scanned for .hcl files),
// parses the combined document, and translates it into a Model.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)

	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, config.NewParseError(path, "cannot read workflow document: %v", err)
		}
		if info.IsDir() {
			entries, err := filepath.Glob(filepath.Join(path, "*.hcl"))
			if err != nil {
				return nil, config.NewParseError(path, "cannot scan directory: %v", err)
			}
			files = append(files, entries...)
		} else {
			files = append(files, path)
		}
	}
	if len(files) == 0 {
		return nil, config.NewParseError("", "no workflow documents found")
	}
	logger.Debug("Parsing workflow documents.", "files", len(files))

	var workflows []*workflowBlock
	for _, file := range files {
		hclFile, diags := l.parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, diagsToParseError(file, diags)
		}
		var doc documentSchema
		if diags := gohcl.DecodeBody(hclFile.Body, nil, &doc); diags.HasErrors() {
			return nil, diagsToParseError(file, diags)
		}
		workflows = append(workflows, doc.Workflows...)
	}

	if len(workflows) == 0 {
		return nil, config.NewParseError("", "document contains no workflow block")
	}
	if len(workflows) > 1 {
		return nil, config.NewParseError(workflows[1].Name, "only one workflow block is allowed per load")
	}

	wf, err := translateWorkflow(workflows[0])
	if err != nil {
		return nil, err
	}
	logger.Debug("Workflow document parsed.", "workflow", wf.Name, "steps", len(wf.Steps), "inputs", len(wf.Inputs))
	return &config.Model{Workflow: wf}, nil
}

// Parse parses a single in-memory document. Used by tests and by callers
// that already hold the source text.
func Parse(filename string, src []byte) (*config.Model, error) {
	hclFile, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, diagsToParseError(filename, diags)
	}
	var doc documentSchema
	if diags := gohcl.DecodeBody(hclFile.Body, nil, &doc); diags.HasErrors() {
		return nil, diagsToParseError(filename, diags)
	}
	if len(doc.Workflows) != 1 {
		return nil, config.NewParseError(filename, "document must contain exactly one workflow block")
	}
	wf, err := translateWorkflow(doc.Workflows[0])
	if err != nil {
		return nil, err
	}
	return &config.Model{Workflow: wf}, nil
}

// translateWorkflow converts the raw HCL blocks into the model form,
// enforcing the structural rules that do not need a tool registry:
// unique ids, supported input types, statically valid defaults.
func translateWorkflow(raw *workflowBlock) (*config.Workflow, error) {
	wf := &config.Workflow{Name: raw.Name}

	seenInputs := make(map[string]struct{})
	for _, in := range raw.Inputs {
		if _, dup := seenInputs[in.Name]; dup {
			return nil, config.NewParseError(in.Name, "duplicate input declaration")
		}
		seenInputs[in.Name] = struct{}{}

		def, err := translateInput(in)
		if err != nil {
			return nil, err
		}
		wf.Inputs = append(wf.Inputs, def)
	}

	seenSteps := make(map[string]struct{})
	for _, s := range raw.Steps {
		if _, dup := seenSteps[s.ID]; dup {
			return nil, config.NewParseError(s.ID, "duplicate step id")
		}
		seenSteps[s.ID] = struct{}{}
		if s.Tool == "" {
			return nil, config.NewParseError(s.ID, "step has no tool")
		}

		step := &config.Step{
			ID:        s.ID,
			Tool:      s.Tool,
			DependsOn: s.DependsOn,
			Config:    make(map[string]hcl.Expression),
		}
		if s.Config != nil {
			attrs, diags := s.Config.Body.JustAttributes()
			if diags.HasErrors() {
				return nil, diagsToParseError(s.ID, diags)
			}
			for name, attr := range attrs {
				step.Config[name] = attr.Expr
			}
		}
		wf.Steps = append(wf.Steps, step)
	}

	if len(wf.Steps) == 0 {
		return nil, config.NewParseError(raw.Name, "workflow declares no steps")
	}
	return wf, nil
}

// translateInput resolves an input declaration's type name and statically
// evaluates its default value, converting it to the declared type.
func translateInput(raw *inputBlock) (*config.InputDefinition, error) {
	ty, err := typeFromName(raw.Type)
	if err != nil {
		return nil, config.NewParseError(raw.Name, "%v", err)
	}

	def := &config.InputDefinition{
		Name:     raw.Name,
		Type:     ty,
		Required: raw.Required,
	}

	if raw.Default != nil {
		// Defaults must be static; evaluate against an empty context.
		val, diags := raw.Default.Value(nil)
		if diags.HasErrors() {
			return nil, diagsToParseError(raw.Name, diags)
		}
		if !val.IsNull() {
			converted, err := convert.Convert(val, ty)
			if err != nil {
				return nil, config.NewParseError(raw.Name, "default value does not match declared type %s: %v", ty.FriendlyName(), err)
			}
			def.Default = &converted
		}
	}
	return def, nil
}

// typeFromName maps the document's type keywords onto cty types. An empty
// name means the input accepts any value.
func typeFromName(name string) (cty.Type, error) {
	switch strings.ToLower(name) {
	case "", "any":
		return cty.DynamicPseudoType, nil
	case "string":
		return cty.String, nil
	case "number":
		return cty.Number, nil
	case "bool":
		return cty.Bool, nil
	case "list":
		return cty.List(cty.DynamicPseudoType), nil
	case "map":
		return cty.Map(cty.DynamicPseudoType), nil
	default:
		return cty.NilType, fmt.Errorf("unsupported input type %q", name)
	}
}

// diagsToParseError flattens HCL diagnostics into a single ParseError so
// callers never have to know the document format.
func diagsToParseError(subject string, diags hcl.Diagnostics) *config.ParseError {
	msgs := make([]string, 0, len(diags))
	for _, d := range diags {
		if d.Severity == hcl.DiagError {
			msgs = append(msgs, d.Error())
		}
	}
	return config.NewParseError(subject, "%s", strings.Join(msgs, "; "))
}
