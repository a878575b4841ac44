package hcl

import (
	"github.com/hashicorp/hcl/v2"
)

// documentSchema is the top-level structure of a workflow document.
type documentSchema struct {
	Workflows []*workflowBlock `hcl:"workflow,block"`
}

// workflowBlock is the raw HCL form of a `workflow` block.
type workflowBlock struct {
	Name   string        `hcl:"name,label"`
	Inputs []*inputBlock `hcl:"input,block"`
	Steps  []*stepBlock  `hcl:"step,block"`
}

// inputBlock is the raw HCL form of an `input` declaration.
type inputBlock struct {
	Name     string         `hcl:"name,label"`
	Type     string         `hcl:"type,optional"`
	Required bool           `hcl:"required,optional"`
	Default  hcl.Expression `hcl:"default,optional"`
}

// stepBlock is the raw HCL form of a `step` block. The config block body
// is kept opaque here; its attributes stay unevaluated expressions until
// dispatch time.
type stepBlock struct {
	ID        string       `hcl:"id,label"`
	Tool      string       `hcl:"tool"`
	DependsOn []string     `hcl:"depends_on,optional"`
	Config    *configBlock `hcl:"config,block"`
}

// configBlock captures the free-form attributes of a step's `config` block.
type configBlock struct {
	Body hcl.Body `hcl:",remain"`
}
