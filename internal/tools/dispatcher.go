// Package tools implements the unified tool dispatcher (spec §4.7): it
// presents one function-calling surface to the LLM stage while routing
// execution to one of three backends — in-process plugin functions (backed
// by the MCP tool host), the connecting device's own MCP tool surface, and
// statically-declared IoT descriptors.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/embedded-voice/gateway/internal/mcp"
	"github.com/embedded-voice/gateway/pkg/provider/llm"
)

// DeviceCaller sends a tool-call payload to the connected device over its
// MCP channel and waits for the device's response. The gateway package does
// not implement it, so a connection's Dispatcher has no device caller and
// routes calls to IoT descriptors and the MCP host only.
type DeviceCaller interface {
	CallDeviceTool(ctx context.Context, name string, argsJSON string) (string, error)
}

// IoTDescriptor is a device-declared IoT capability, registered via an
// "iot" text message before it can be invoked as a tool.
type IoTDescriptor struct {
	Name       string
	Properties map[string]any
	Methods    map[string]IoTMethod
}

// IoTMethod describes one invocable method on an IoT descriptor.
type IoTMethod struct {
	Description string
	Parameters  map[string]any
}

// ToolAction mirrors the action values the LLM stage switches on. Defined
// here (rather than imported from the gateway package) to keep this
// package free of a dependency on gateway, avoiding an import cycle since
// gateway depends on tools.
type ToolAction int

const (
	ActionResponse ToolAction = iota
	ActionRequestLLM
	ActionNotFound
	ActionError
)

// Result is returned by Dispatcher.Handle after executing a ToolCall.
type Result struct {
	Action   ToolAction
	Response string
	Result   string
}

// Dispatcher unifies plugin functions, device-side MCP tools, and IoT
// descriptors behind one registry presented to the LLM stage.
//
// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	host   mcp.Host
	device DeviceCaller

	mu  sync.RWMutex
	iot map[string]IoTDescriptor
}

// New creates a Dispatcher backed by host for plugin functions and device
// for device-side MCP proxying. device may be nil if the connection has
// not yet declared MCP support. host may be a concrete [mcphost.Host] in
// production or a test double satisfying [mcp.Host] in tests.
func New(host mcp.Host, device DeviceCaller) *Dispatcher {
	return &Dispatcher{host: host, device: device, iot: make(map[string]IoTDescriptor)}
}

// SetDeviceCaller attaches or replaces the device-side MCP proxy. The
// gateway's "hello" and "mcp" handlers do not call it.
func (d *Dispatcher) SetDeviceCaller(c DeviceCaller) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.device = c
}

// RegisterIoTDescriptor records a device-declared IoT capability so its
// methods become callable tools. Re-registering the same Name replaces the
// previous descriptor.
func (d *Dispatcher) RegisterIoTDescriptor(desc IoTDescriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.iot[desc.Name] = desc
}

// GetFunctions returns the full set of tool definitions available to the
// LLM: the plugin functions from the MCP host plus one synthesized
// definition per IoT descriptor method, named "<descriptor>.<method>".
func (d *Dispatcher) GetFunctions(tier mcp.BudgetTier) []llm.ToolDefinition {
	var defs []llm.ToolDefinition
	if d.host != nil {
		defs = append(defs, d.host.AvailableTools(tier)...)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	for name, desc := range d.iot {
		for method, spec := range desc.Methods {
			defs = append(defs, llm.ToolDefinition{
				Name:        name + "." + method,
				Description: spec.Description,
				Parameters:  spec.Parameters,
			})
		}
	}
	return defs
}

// HandleLLMFunctionCall dispatches a single tool call by name, trying the
// IoT registry first (exact "<descriptor>.<method>" match), then the
// device-side MCP proxy when one is attached (any name is offered to it; an
// empty reply falls through), then the in-process plugin/MCP host. Malformed JSON
// arguments resolve to ActionError rather than panicking.
func (d *Dispatcher) HandleLLMFunctionCall(ctx context.Context, name, argsJSON string) (*Result, error) {
	if argsJSON == "" {
		argsJSON = "{}"
	}
	if !json.Valid([]byte(argsJSON)) {
		return &Result{Action: ActionError, Response: fmt.Sprintf("invalid arguments for tool %q", name)}, nil
	}

	if r, handled := d.tryIoT(ctx, name, argsJSON); handled {
		return r, nil
	}

	d.mu.RLock()
	device := d.device
	d.mu.RUnlock()
	if device != nil {
		if r, handled := d.tryDevice(ctx, device, name, argsJSON); handled {
			return r, nil
		}
	}

	if d.host == nil {
		return &Result{Action: ActionNotFound, Response: fmt.Sprintf("tool %q not found", name)}, nil
	}
	toolResult, err := d.host.ExecuteTool(ctx, name, argsJSON)
	if err != nil {
		return &Result{Action: ActionError, Response: err.Error()}, nil
	}
	if toolResult == nil {
		return &Result{Action: ActionNotFound, Response: fmt.Sprintf("tool %q not found", name)}, nil
	}
	if toolResult.IsError {
		return &Result{Action: ActionError, Response: toolResult.Content}, nil
	}
	return &Result{Action: ActionRequestLLM, Result: toolResult.Content}, nil
}

func (d *Dispatcher) tryIoT(ctx context.Context, name, argsJSON string) (*Result, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for descName, desc := range d.iot {
		prefix := descName + "."
		if len(name) > len(prefix) && name[:len(prefix)] == prefix {
			method := name[len(prefix):]
			if _, ok := desc.Methods[method]; ok {
				// The call is answered with a "queued" result only; no
				// command is sent to the device from here or from the
				// connection.
				return &Result{Action: ActionRequestLLM, Result: fmt.Sprintf("iot command %s queued", name)}, true
			}
		}
	}
	return nil, false
}

func (d *Dispatcher) tryDevice(ctx context.Context, device DeviceCaller, name, argsJSON string) (*Result, bool) {
	result, err := device.CallDeviceTool(ctx, name, argsJSON)
	if err != nil {
		return &Result{Action: ActionError, Response: err.Error()}, true
	}
	if result == "" {
		return nil, false
	}
	return &Result{Action: ActionRequestLLM, Result: result}, true
}

// Close releases the underlying MCP host's server connections.
func (d *Dispatcher) Close() error {
	if d.host == nil {
		return nil
	}
	return d.host.Close()
}
