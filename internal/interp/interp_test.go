package interp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/flowgrid/internal/config"
	"github.com/vk/flowgrid/internal/dag"
	"github.com/vk/flowgrid/internal/hcl"
)

func mustWorkflow(t *testing.T, src string) *config.Workflow {
	t.Helper()
	m, err := hcl.Parse("test.hcl", []byte(src))
	require.NoError(t, err)
	return m.Workflow
}

func TestNewRunContext(t *testing.T) {
	wf := mustWorkflow(t, `
workflow "w" {
  input "name" {
    type     = "string"
    required = true
  }
  input "retries" {
    type    = "number"
    default = 3
  }
  input "note" {
    type = "string"
  }
  step "a" {
    tool = "emit"
  }
}
`)

	t.Run("applies defaults; unsupplied optionals stay out of scope", func(t *testing.T) {
		rc, err := NewRunContext(wf, map[string]cty.Value{"name": cty.StringVal("x")})
		require.NoError(t, err)
		evalCtx, err := rc.EvalContext(nil)
		require.NoError(t, err)
		inputs := evalCtx.Variables["inputs"]
		assert.Equal(t, cty.StringVal("x"), inputs.GetAttr("name"))
		assert.True(t, inputs.GetAttr("retries").RawEquals(cty.NumberIntVal(3)))
		assert.False(t, inputs.Type().HasAttribute("note"))
	})

	t.Run("missing required input", func(t *testing.T) {
		_, err := NewRunContext(wf, nil)
		var parseErr *config.ParseError
		require.ErrorAs(t, err, &parseErr)
		assert.Equal(t, "name", parseErr.Subject)
	})

	t.Run("undeclared input", func(t *testing.T) {
		_, err := NewRunContext(wf, map[string]cty.Value{
			"name":  cty.StringVal("x"),
			"bogus": cty.StringVal("y"),
		})
		var parseErr *config.ParseError
		require.ErrorAs(t, err, &parseErr)
		assert.Equal(t, "bogus", parseErr.Subject)
	})

	t.Run("converts provided values to the declared type", func(t *testing.T) {
		rc, err := NewRunContext(wf, map[string]cty.Value{
			"name":    cty.StringVal("x"),
			"retries": cty.StringVal("5"),
		})
		require.NoError(t, err)
		evalCtx, err := rc.EvalContext(nil)
		require.NoError(t, err)
		inputs := evalCtx.Variables["inputs"]
		assert.True(t, inputs.GetAttr("retries").RawEquals(cty.NumberIntVal(5)))
	})
}

func TestUnsuppliedOptionalInput(t *testing.T) {
	wf := mustWorkflow(t, `
workflow "w" {
  input "note" {
    type = "string"
  }
  step "a" {
    tool = "emit"
    config {
      value = inputs.note
    }
  }
}
`)

	t.Run("referencing it is a missing reference", func(t *testing.T) {
		rc, err := NewRunContext(wf, nil)
		require.NoError(t, err)
		evalCtx, err := rc.EvalContext(nil)
		require.NoError(t, err)
		_, err = ResolveStep("a", wf.Step("a").Config, evalCtx)
		var iErr *Error
		require.ErrorAs(t, err, &iErr)
		assert.Equal(t, MissingReference, iErr.Kind)
		assert.Equal(t, "value", iErr.Param)
	})

	t.Run("supplying it resolves normally", func(t *testing.T) {
		rc, err := NewRunContext(wf, map[string]cty.Value{"note": cty.StringVal("hi")})
		require.NoError(t, err)
		evalCtx, err := rc.EvalContext(nil)
		require.NoError(t, err)
		resolved, err := ResolveStep("a", wf.Step("a").Config, evalCtx)
		require.NoError(t, err)
		assert.Equal(t, cty.StringVal("hi"), resolved["value"])
	})
}

func TestResolveStep(t *testing.T) {
	wf := mustWorkflow(t, `
workflow "w" {
  input "n" {
    type    = "number"
    default = 5
  }
  step "a" {
    tool = "emit"
  }
  step "b" {
    tool       = "emit"
    depends_on = ["a"]
    config {
      count = inputs.n
      prev  = steps.a.output.body
    }
  }
}
`)
	t.Run("resolves inputs and dependency outputs", func(t *testing.T) {
		rc, err := NewRunContext(wf, nil)
		require.NoError(t, err)
		rc.SetOutput("a", cty.ObjectVal(map[string]cty.Value{"body": cty.StringVal("hello")}))

		evalCtx, err := rc.EvalContext([]string{"a"})
		require.NoError(t, err)
		resolved, err := ResolveStep("b", wf.Step("b").Config, evalCtx)
		require.NoError(t, err)
		assert.True(t, resolved["count"].RawEquals(cty.NumberIntVal(5)))
		assert.Equal(t, cty.StringVal("hello"), resolved["prev"])
	})

	t.Run("missing reference", func(t *testing.T) {
		rc, err := NewRunContext(wf, nil)
		require.NoError(t, err)
		// No output for "a" recorded; steps.a is out of scope.
		evalCtx, err := rc.EvalContext(nil)
		require.NoError(t, err)
		_, err = ResolveStep("b", wf.Step("b").Config, evalCtx)
		var iErr *Error
		require.ErrorAs(t, err, &iErr)
		assert.Equal(t, MissingReference, iErr.Kind)
		assert.Equal(t, "b", iErr.StepID)
		assert.Equal(t, "prev", iErr.Param)
	})
}

func TestFanIn(t *testing.T) {
	t.Run("outputs tuple preserves declared order", func(t *testing.T) {
		val, err := fanIn([]cty.Value{cty.StringVal("first"), cty.StringVal("second")})
		require.NoError(t, err)
		outputs := val.GetAttr("outputs")
		assert.Equal(t, cty.StringVal("first"), outputs.Index(cty.NumberIntVal(0)))
		assert.Equal(t, cty.StringVal("second"), outputs.Index(cty.NumberIntVal(1)))
	})

	t.Run("list fields concatenate across parents", func(t *testing.T) {
		a := cty.ObjectVal(map[string]cty.Value{
			"items": cty.TupleVal([]cty.Value{cty.NumberIntVal(1), cty.NumberIntVal(2)}),
		})
		b := cty.ObjectVal(map[string]cty.Value{
			"items": cty.TupleVal([]cty.Value{cty.NumberIntVal(3), cty.NumberIntVal(4)}),
		})
		val, err := fanIn([]cty.Value{a, b})
		require.NoError(t, err)
		items := val.GetAttr("items")
		require.Equal(t, 4, items.LengthInt())
		assert.Equal(t, cty.NumberIntVal(1), items.Index(cty.NumberIntVal(0)))
		assert.Equal(t, cty.NumberIntVal(4), items.Index(cty.NumberIntVal(3)))
	})

	t.Run("scalar fields collect into a tuple", func(t *testing.T) {
		a := cty.ObjectVal(map[string]cty.Value{"count": cty.NumberIntVal(7)})
		b := cty.ObjectVal(map[string]cty.Value{"count": cty.NumberIntVal(9)})
		val, err := fanIn([]cty.Value{a, b})
		require.NoError(t, err)
		count := val.GetAttr("count")
		require.Equal(t, 2, count.LengthInt())
		assert.Equal(t, cty.NumberIntVal(7), count.Index(cty.NumberIntVal(0)))
	})

	t.Run("no parents yields empty namespace", func(t *testing.T) {
		val, err := fanIn(nil)
		require.NoError(t, err)
		assert.Equal(t, 0, val.GetAttr("outputs").LengthInt())
	})

	t.Run("parent field named outputs is rejected", func(t *testing.T) {
		a := cty.ObjectVal(map[string]cty.Value{"outputs": cty.StringVal("x")})
		_, err := fanIn([]cty.Value{a})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "outputs")
	})
}

func TestFanInThroughExpressions(t *testing.T) {
	ctx := context.Background()
	wf := mustWorkflow(t, `
workflow "w" {
  step "a" {
    tool = "emit"
  }
  step "b" {
    tool = "emit"
  }
  step "join" {
    tool       = "emit"
    depends_on = ["a", "b"]
    config {
      all = deps.outputs
    }
  }
}
`)
	graph, err := dag.Build(ctx, wf)
	require.NoError(t, err)

	rc, err := NewRunContext(wf, nil)
	require.NoError(t, err)
	rc.SetOutput("a", cty.NumberIntVal(1))
	rc.SetOutput("b", cty.NumberIntVal(2))

	join := graph.Nodes["join"]
	deps := graph.DeclaredDeps(join)
	ids := make([]string, len(deps))
	for i, dep := range deps {
		ids[i] = dep.ID
	}

	evalCtx, err := rc.EvalContext(ids)
	require.NoError(t, err)
	resolved, err := ResolveStep("join", join.Step.Config, evalCtx)
	require.NoError(t, err)
	all := resolved["all"]
	require.Equal(t, 2, all.LengthInt())
	assert.Equal(t, cty.NumberIntVal(1), all.Index(cty.NumberIntVal(0)))
	assert.Equal(t, cty.NumberIntVal(2), all.Index(cty.NumberIntVal(1)))
}
