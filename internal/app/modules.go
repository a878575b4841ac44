package app

import (
	"github.com/vk/flowgrid/internal/registry"
	"github.com/vk/flowgrid/modules/http_request"
	"github.com/vk/flowgrid/modules/print"
	"github.com/vk/flowgrid/modules/sleep"
	"github.com/vk/flowgrid/modules/socketio_emit"
)

// coreModules is the definitive list of all tool modules that are
// compiled into the flowgrid binary.
var coreModules = []registry.Module{
	&print.Module{},
	&sleep.Module{},
	&http_request.Module{},
	&socketio_emit.Module{},
}
