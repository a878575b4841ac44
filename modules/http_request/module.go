package http_request

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/vk/flowgrid/internal/ctxlog"
	"github.com/vk/flowgrid/internal/registry"
	"github.com/zclconf/go-cty/cty"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments for the http_request tool.
type Input struct {
	URL     string            `cty:"url"`
	Method  string            `cty:"method"`
	Body    string            `cty:"body"`
	Headers map[string]string `cty:"headers"`
	Timeout string            `cty:"timeout"`
}

// Run is the handler for the 'http_request' tool. The request inherits
// the step's cancellation signal, so an in-flight call aborts when the
// run is canceled.
func Run(ctx context.Context, input *Input) (any, error) {
	logger := ctxlog.FromContext(ctx).With("tool", "http_request", "url", input.URL, "method", input.Method)
	logger.Debug("Handler started")
	defer logger.Debug("Handler finished")

	timeout, err := time.ParseDuration(input.Timeout)
	if err != nil {
		logger.Warn("Failed to parse timeout, using default 30s", "inputTimeout", input.Timeout, "error", err)
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if input.Body != "" {
		body = strings.NewReader(input.Body)
	}
	req, err := http.NewRequestWithContext(reqCtx, input.Method, input.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for name, value := range input.Headers {
		req.Header.Set(name, value)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	headers := make(map[string]any, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}
	logger.Info("Request completed.", "status", resp.StatusCode, "bytes", len(respBody))

	return map[string]any{
		"status":  float64(resp.StatusCode),
		"body":    string(respBody),
		"headers": headers,
	}, nil
}

// Register registers the handler with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterTool(&registry.Definition{
		Name:        "http_request",
		Description: "Performs an HTTP request and returns status, body, and headers.",
		Inputs: map[string]*registry.InputSpec{
			"url":     {Type: cty.String, Required: true},
			"method":  {Type: cty.String, Default: cty.StringVal("GET")},
			"body":    {Type: cty.String, Default: cty.StringVal("")},
			"headers": {Type: cty.Map(cty.String)},
			"timeout": {Type: cty.String, Default: cty.StringVal("30s")},
		},
	}, &registry.Handler{
		NewInput:  func() any { return new(Input) },
		InputType: reflect.TypeOf(Input{}),
		Fn:        Run,
	})
}
