package registry

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/flowgrid/internal/config"
	"github.com/vk/flowgrid/internal/hcl"
)

type echoInput struct {
	Message string  `cty:"message"`
	Count   float64 `cty:"count"`
	Payload any     `cty:"payload"`
}

func echoTool() (*Definition, *Handler) {
	def := &Definition{
		Name: "echo",
		Inputs: map[string]*InputSpec{
			"message": {Type: cty.String, Required: true},
			"count":   {Type: cty.Number, Default: cty.NumberIntVal(1)},
			"payload": {Type: cty.DynamicPseudoType},
		},
	}
	handler := &Handler{
		NewInput:  func() any { return new(echoInput) },
		InputType: reflect.TypeOf(echoInput{}),
		Fn: func(ctx context.Context, input *echoInput) (any, error) {
			return map[string]any{
				"message": input.Message,
				"count":   input.Count,
				"payload": input.Payload,
			}, nil
		},
	}
	return def, handler
}

func TestRegisterTool(t *testing.T) {
	t.Run("lookup after register", func(t *testing.T) {
		r := New()
		r.RegisterTool(echoTool())
		tool, ok := r.Tool("echo")
		require.True(t, ok)
		assert.Equal(t, "echo", tool.Definition.Name)
	})

	t.Run("duplicate registration panics", func(t *testing.T) {
		r := New()
		r.RegisterTool(echoTool())
		assert.Panics(t, func() { r.RegisterTool(echoTool()) })
	})
}

func TestValidateRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("matching schema passes", func(t *testing.T) {
		r := New()
		r.RegisterTool(echoTool())
		assert.NoError(t, r.ValidateRegistry(ctx))
	})

	t.Run("schema input missing from struct", func(t *testing.T) {
		r := New()
		def, handler := echoTool()
		def.Inputs["extra"] = &InputSpec{Type: cty.String}
		r.RegisterTool(def, handler)
		err := r.ValidateRegistry(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "extra")
	})

	t.Run("struct field missing from schema", func(t *testing.T) {
		r := New()
		def, handler := echoTool()
		delete(def.Inputs, "count")
		r.RegisterTool(def, handler)
		err := r.ValidateRegistry(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "count")
	})

	t.Run("type mismatch", func(t *testing.T) {
		r := New()
		def, handler := echoTool()
		def.Inputs["message"] = &InputSpec{Type: cty.Number, Required: true}
		r.RegisterTool(def, handler)
		err := r.ValidateRegistry(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "type mismatch")
	})
}

func TestInvoke(t *testing.T) {
	ctx := context.Background()

	t.Run("decodes arguments and applies defaults", func(t *testing.T) {
		r := New()
		r.RegisterTool(echoTool())
		out, err := r.Invoke(ctx, "echo", map[string]cty.Value{
			"message": cty.StringVal("hi"),
			"payload": cty.ObjectVal(map[string]cty.Value{"k": cty.StringVal("v")}),
		})
		require.NoError(t, err)
		assert.Equal(t, cty.StringVal("hi"), out.GetAttr("message"))
		assert.True(t, out.GetAttr("count").RawEquals(cty.NumberIntVal(1)))
		assert.Equal(t, cty.StringVal("v"), out.GetAttr("payload").GetAttr("k"))
	})

	t.Run("missing required argument", func(t *testing.T) {
		r := New()
		r.RegisterTool(echoTool())
		_, err := r.Invoke(ctx, "echo", nil)
		var toolErr *ToolError
		require.ErrorAs(t, err, &toolErr)
		assert.Contains(t, toolErr.Error(), "message")
	})

	t.Run("unknown tool", func(t *testing.T) {
		r := New()
		_, err := r.Invoke(ctx, "ghost", nil)
		var toolErr *ToolError
		require.ErrorAs(t, err, &toolErr)
	})

	t.Run("handler error is wrapped", func(t *testing.T) {
		r := New()
		boom := errors.New("boom")
		r.RegisterTool(&Definition{Name: "bad"}, &Handler{
			NewInput:  func() any { return new(struct{}) },
			InputType: reflect.TypeOf(struct{}{}),
			Fn: func(ctx context.Context, input *struct{}) (any, error) {
				return nil, boom
			},
		})
		_, err := r.Invoke(ctx, "bad", nil)
		var toolErr *ToolError
		require.ErrorAs(t, err, &toolErr)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("handler panic is contained", func(t *testing.T) {
		r := New()
		r.RegisterTool(&Definition{Name: "panicky"}, &Handler{
			NewInput:  func() any { return new(struct{}) },
			InputType: reflect.TypeOf(struct{}{}),
			Fn: func(ctx context.Context, input *struct{}) (any, error) {
				panic("kaboom")
			},
		})
		_, err := r.Invoke(ctx, "panicky", nil)
		var toolErr *ToolError
		require.ErrorAs(t, err, &toolErr)
		assert.Contains(t, toolErr.Error(), "kaboom")
	})
}

func TestValidateWorkflow(t *testing.T) {
	ctx := context.Background()

	parse := func(t *testing.T, src string) *config.Workflow {
		t.Helper()
		m, err := hcl.Parse("test.hcl", []byte(src))
		require.NoError(t, err)
		return m.Workflow
	}

	newRegistry := func() *Registry {
		r := New()
		r.RegisterTool(echoTool())
		return r
	}

	t.Run("valid workflow passes", func(t *testing.T) {
		wf := parse(t, `
workflow "w" {
  step "a" {
    tool = "echo"
    config {
      message = "hi"
    }
  }
}
`)
		assert.NoError(t, newRegistry().ValidateWorkflow(ctx, wf))
	})

	t.Run("unrecognized tool", func(t *testing.T) {
		wf := parse(t, `
workflow "w" {
  step "a" {
    tool = "ghost"
  }
}
`)
		err := newRegistry().ValidateWorkflow(ctx, wf)
		var parseErr *config.ParseError
		require.ErrorAs(t, err, &parseErr)
		assert.Equal(t, "a", parseErr.Subject)
		assert.Contains(t, parseErr.Reason, "ghost")
	})

	t.Run("undeclared config parameter", func(t *testing.T) {
		wf := parse(t, `
workflow "w" {
  step "a" {
    tool = "echo"
    config {
      message = "hi"
      bogus   = true
    }
  }
}
`)
		err := newRegistry().ValidateWorkflow(ctx, wf)
		var parseErr *config.ParseError
		require.ErrorAs(t, err, &parseErr)
		assert.Contains(t, parseErr.Reason, "bogus")
	})

	t.Run("missing required parameter", func(t *testing.T) {
		wf := parse(t, `
workflow "w" {
  step "a" {
    tool = "echo"
  }
}
`)
		err := newRegistry().ValidateWorkflow(ctx, wf)
		var parseErr *config.ParseError
		require.ErrorAs(t, err, &parseErr)
		assert.Contains(t, parseErr.Reason, "message")
	})

	t.Run("literal type mismatch", func(t *testing.T) {
		wf := parse(t, `
workflow "w" {
  step "a" {
    tool = "echo"
    config {
      message = "hi"
      count   = { nested = true }
    }
  }
}
`)
		err := newRegistry().ValidateWorkflow(ctx, wf)
		var parseErr *config.ParseError
		require.ErrorAs(t, err, &parseErr)
		assert.Contains(t, parseErr.Reason, "count")
	})

	t.Run("templated values are deferred", func(t *testing.T) {
		wf := parse(t, `
workflow "w" {
  step "a" {
    tool = "echo"
    config {
      message = "hi"
    }
  }
  step "b" {
    tool       = "echo"
    depends_on = ["a"]
    config {
      message = steps.a.output.message
      count   = steps.a.output.count
    }
  }
}
`)
		assert.NoError(t, newRegistry().ValidateWorkflow(ctx, wf))
	})
}
