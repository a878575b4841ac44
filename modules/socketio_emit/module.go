package socketio_emit

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/vk/flowgrid/internal/ctxlog"
	"github.com/vk/flowgrid/internal/registry"
	"github.com/zclconf/go-cty/cty"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments for the socketio_emit tool.
type Input struct {
	URL                string         `cty:"url"`
	Namespace          string         `cty:"namespace"`
	EmitEvent          string         `cty:"emit_event"`
	EmitData           map[string]any `cty:"emit_data"`
	AwaitEvent         string         `cty:"await_event"`
	Timeout            string         `cty:"timeout"`
	InsecureSkipVerify bool           `cty:"insecure_skip_verify"`
}

// opResult is a private struct to safely pass results through the done channel.
type opResult struct {
	value any
	err   error
}

// Run is the handler for the 'socketio_emit' tool. It connects, emits one
// event, and optionally waits for a response event before returning.
func Run(ctx context.Context, input *Input) (any, error) {
	logger := ctxlog.FromContext(ctx).With("tool", "socketio_emit", "url", input.URL, "emitEvent", input.EmitEvent, "awaitEvent", input.AwaitEvent)
	logger.Debug("Handler started")
	defer logger.Debug("Handler finished")

	var isConnected atomic.Bool

	timeout, err := time.ParseDuration(input.Timeout)
	if err != nil {
		logger.Warn("Failed to parse timeout, using default 10s", "inputTimeout", input.Timeout, "error", err)
		timeout = 10 * time.Second
	}

	done := make(chan opResult, 1)
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	parsedURL, err := url.Parse(input.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	opts := socket.DefaultOptions()
	opts.SetPath(parsedURL.Path)

	if input.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(input.Namespace, opts)
	defer func() {
		logger.Debug("Disconnecting socket client")
		io.Disconnect()
	}()

	// --- Event Listeners ---
	io.On(types.EventName("connect"), func(...any) {
		isConnected.Store(true)
		logger.Info("Successfully connected", "namespace", input.Namespace, "sid", io.Id())
		jsonData, _ := json.Marshal(input.EmitData)
		logger.Info("Emitting event", "event", input.EmitEvent, "data", string(jsonData))
		io.Emit(input.EmitEvent, input.EmitData)
		if input.AwaitEvent == "" {
			done <- opResult{value: map[string]any{"emitted": true}}
		}
	})

	io.On(types.EventName("connect_error"), func(errs ...any) {
		done <- opResult{err: errs[0].(error)}
	})

	if input.AwaitEvent != "" {
		io.On(types.EventName(input.AwaitEvent), func(data ...any) {
			var responseData any
			if len(data) > 0 {
				responseData = data[0]
			}
			done <- opResult{value: map[string]any{"emitted": true, "response_data": responseData}}
		})
	}

	// --- Execution Block ---
	io.Connect()

	select {
	case <-opCtx.Done():
		var errMsg string
		if isConnected.Load() {
			errMsg = fmt.Sprintf("timed out after connecting while waiting for event '%s'", input.AwaitEvent)
		} else {
			errMsg = "timed out while waiting for initial connection"
		}
		return nil, fmt.Errorf("%s", errMsg)
	case res := <-done:
		return res.value, res.err
	}
}

// Register registers the handler with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterTool(&registry.Definition{
		Name:        "socketio_emit",
		Description: "Connects to a Socket.IO server, emits an event, and optionally awaits a response.",
		Inputs: map[string]*registry.InputSpec{
			"url":                  {Type: cty.String, Required: true},
			"namespace":            {Type: cty.String, Default: cty.StringVal("/")},
			"emit_event":           {Type: cty.String, Required: true},
			"emit_data":            {Type: cty.DynamicPseudoType},
			"await_event":          {Type: cty.String, Default: cty.StringVal("")},
			"timeout":              {Type: cty.String, Default: cty.StringVal("10s")},
			"insecure_skip_verify": {Type: cty.Bool, Default: cty.False},
		},
	}, &registry.Handler{
		NewInput:  func() any { return new(Input) },
		InputType: reflect.TypeOf(Input{}),
		Fn:        Run,
	})
}
