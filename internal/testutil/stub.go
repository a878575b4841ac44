package testutil

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/flowgrid/internal/registry"
)

// StubModule registers three deterministic test tools:
//
//	emit  — records its invocation and returns its 'value' argument
//	fail  — records its invocation and returns an error
//	block — records its invocation, then parks until released or canceled
//
// Each tool takes a 'name' parameter so tests can assert invocation order
// and concurrency without depending on step internals.
type StubModule struct {
	mu        sync.Mutex
	order     []string
	active    int
	maxActive int
	gates     map[string]chan struct{}
}

// NewStubModule creates a StubModule with no gates armed.
func NewStubModule() *StubModule {
	return &StubModule{gates: make(map[string]chan struct{})}
}

// Order returns the recorded invocation names in start order.
func (m *StubModule) Order() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.order...)
}

// MaxActive reports the highest number of simultaneously running tools.
func (m *StubModule) MaxActive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxActive
}

// Release unblocks a parked 'block' invocation.
func (m *StubModule) Release(name string) {
	m.mu.Lock()
	gate := m.gate(name)
	m.mu.Unlock()
	close(gate)
}

func (m *StubModule) gate(name string) chan struct{} {
	if g, ok := m.gates[name]; ok {
		return g
	}
	g := make(chan struct{})
	m.gates[name] = g
	return g
}

func (m *StubModule) enter(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = append(m.order, name)
	m.active++
	if m.active > m.maxActive {
		m.maxActive = m.active
	}
}

func (m *StubModule) leave() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active--
}

type emitInput struct {
	Name  string `cty:"name"`
	Value any    `cty:"value"`
	Delay string `cty:"delay"`
}

type failInput struct {
	Name    string `cty:"name"`
	Message string `cty:"message"`
}

type blockInput struct {
	Name string `cty:"name"`
}

func (m *StubModule) runEmit(ctx context.Context, input *emitInput) (any, error) {
	m.enter(input.Name)
	defer m.leave()
	if input.Delay != "" {
		d, err := time.ParseDuration(input.Delay)
		if err != nil {
			return nil, err
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return input.Value, nil
}

func (m *StubModule) runFail(ctx context.Context, input *failInput) (any, error) {
	m.enter(input.Name)
	defer m.leave()
	msg := input.Message
	if msg == "" {
		msg = "stub failure"
	}
	return nil, errors.New(msg)
}

func (m *StubModule) runBlock(ctx context.Context, input *blockInput) (any, error) {
	m.mu.Lock()
	gate := m.gate(input.Name)
	m.mu.Unlock()
	m.enter(input.Name)
	defer m.leave()
	select {
	case <-gate:
		return map[string]any{"released": true}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Register registers the stub tools with the engine.
func (m *StubModule) Register(r *registry.Registry) {
	r.RegisterTool(&registry.Definition{
		Name: "emit",
		Inputs: map[string]*registry.InputSpec{
			"name":  {Type: cty.String, Required: true},
			"value": {Type: cty.DynamicPseudoType},
			"delay": {Type: cty.String, Default: cty.StringVal("")},
		},
	}, &registry.Handler{
		NewInput:  func() any { return new(emitInput) },
		InputType: reflect.TypeOf(emitInput{}),
		Fn:        m.runEmit,
	})

	r.RegisterTool(&registry.Definition{
		Name: "fail",
		Inputs: map[string]*registry.InputSpec{
			"name":    {Type: cty.String, Required: true},
			"message": {Type: cty.String, Default: cty.StringVal("")},
		},
	}, &registry.Handler{
		NewInput:  func() any { return new(failInput) },
		InputType: reflect.TypeOf(failInput{}),
		Fn:        m.runFail,
	})

	r.RegisterTool(&registry.Definition{
		Name: "block",
		Inputs: map[string]*registry.InputSpec{
			"name": {Type: cty.String, Required: true},
		},
	}, &registry.Handler{
		NewInput:  func() any { return new(blockInput) },
		InputType: reflect.TypeOf(blockInput{}),
		Fn:        m.runBlock,
	})
}
