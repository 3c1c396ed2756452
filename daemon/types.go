package daemon

import (
	"encoding/json"

	"github.com/cochaviz/berth/internal/models"
)

// Command names accepted over the control socket.
const (
	CommandProvision = "provision"
	CommandBuild     = "build"
	CommandRemove    = "remove"
	CommandStop      = "stop"
	CommandStart     = "start"
	CommandList      = "list"
	CommandInspect   = "inspect"
	CommandKey       = "key"
)

// IPCRequest is one request over the control socket. Payload carries the
// command-specific body; Name addresses an existing container.
type IPCRequest struct {
	Command string          `json:"command"`
	Name    string          `json:"name,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IPCResponse is the single reply to a unary command.
type IPCResponse struct {
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// BuildRequest is the payload of a build command. SavedRecipe names a
// recipe in the daemon's store; it is resolved server-side so clients do
// not need filesystem access to the recipe directory.
type BuildRequest struct {
	models.ProvisioningRequest
	SavedRecipe string `json:"saved_recipe,omitempty"`
}

// ProvisionEvent is one entry of a streamed provisioning or build reply.
// The server emits zero or more log events followed by exactly one result
// or error event, then closes the connection. Provision results carry a
// descriptor; build results carry a tag.
type ProvisionEvent struct {
	Kind       string                      `json:"kind"`
	Line       string                      `json:"line,omitempty"`
	Error      string                      `json:"error,omitempty"`
	Tag        string                      `json:"tag,omitempty"`
	Descriptor *models.ContainerDescriptor `json:"descriptor,omitempty"`
}

// Provision event kinds.
const (
	EventLog    = "log"
	EventResult = "result"
	EventError  = "error"
)
