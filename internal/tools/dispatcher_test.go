package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/embedded-voice/gateway/internal/mcp"
	"github.com/embedded-voice/gateway/internal/mcp/mock"
	"github.com/embedded-voice/gateway/pkg/provider/llm"
)

type fakeDeviceCaller struct {
	result string
	err    error
}

func (f fakeDeviceCaller) CallDeviceTool(_ context.Context, _, _ string) (string, error) {
	return f.result, f.err
}

func lightDescriptor() IoTDescriptor {
	return IoTDescriptor{
		Name:       "bedroom_light",
		Properties: map[string]any{"power": "off"},
		Methods: map[string]IoTMethod{
			"set_power": {Description: "turn the light on or off"},
		},
	}
}

func TestGetFunctions_MergesHostAndIoT(t *testing.T) {
	host := &mock.Host{AvailableToolsResult: []llm.ToolDefinition{{Name: "get_weather"}}}
	d := New(host, nil)
	d.RegisterIoTDescriptor(lightDescriptor())

	defs := d.GetFunctions(mcp.BudgetDeep)

	var names []string
	for _, def := range defs {
		names = append(names, def.Name)
	}
	if !containsName(names, "get_weather") {
		t.Errorf("expected get_weather from host, got %v", names)
	}
	if !containsName(names, "bedroom_light.set_power") {
		t.Errorf("expected bedroom_light.set_power from IoT registry, got %v", names)
	}
}

func containsName(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

func TestHandleLLMFunctionCall_InvalidArgumentsIsError(t *testing.T) {
	d := New(&mock.Host{}, nil)

	result, err := d.HandleLLMFunctionCall(context.Background(), "anything", `{not json`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Action != ActionError {
		t.Errorf("action: got %v, want ActionError", result.Action)
	}
}

func TestHandleLLMFunctionCall_IoTRoutesBeforeHost(t *testing.T) {
	host := &mock.Host{}
	d := New(host, nil)
	d.RegisterIoTDescriptor(lightDescriptor())

	result, err := d.HandleLLMFunctionCall(context.Background(), "bedroom_light.set_power", `{"on":true}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Action != ActionRequestLLM {
		t.Errorf("action: got %v, want ActionRequestLLM", result.Action)
	}
	if host.CallCount("ExecuteTool") != 0 {
		t.Error("expected host.ExecuteTool not to be called for an IoT-routed tool")
	}
}

func TestHandleLLMFunctionCall_DeviceCallerTakesPriorityOverHost(t *testing.T) {
	host := &mock.Host{}
	d := New(host, fakeDeviceCaller{result: `{"ok":true}`})

	result, err := d.HandleLLMFunctionCall(context.Background(), "device_tool", "{}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Action != ActionRequestLLM || result.Result != `{"ok":true}` {
		t.Errorf("unexpected result: %+v", result)
	}
	if host.CallCount("ExecuteTool") != 0 {
		t.Error("expected host.ExecuteTool not to be called once the device handled it")
	}
}

func TestHandleLLMFunctionCall_DeviceCallerErrorIsError(t *testing.T) {
	d := New(&mock.Host{}, fakeDeviceCaller{err: errors.New("device unreachable")})

	result, err := d.HandleLLMFunctionCall(context.Background(), "device_tool", "{}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Action != ActionError {
		t.Errorf("action: got %v, want ActionError", result.Action)
	}
}

func TestHandleLLMFunctionCall_DeviceCallerEmptyResultFallsThroughToHost(t *testing.T) {
	host := &mock.Host{ExecuteToolResult: &mcp.ToolResult{Content: "from host"}}
	d := New(host, fakeDeviceCaller{result: ""})

	result, err := d.HandleLLMFunctionCall(context.Background(), "shared_tool", "{}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Action != ActionRequestLLM || result.Result != "from host" {
		t.Errorf("expected fallback to host result, got %+v", result)
	}
	if host.CallCount("ExecuteTool") != 1 {
		t.Errorf("expected exactly 1 host.ExecuteTool call, got %d", host.CallCount("ExecuteTool"))
	}
}

func TestHandleLLMFunctionCall_HostExecutesAndReturnsRequestLLM(t *testing.T) {
	host := &mock.Host{ExecuteToolResult: &mcp.ToolResult{Content: `{"temp":72}`}}
	d := New(host, nil)

	result, err := d.HandleLLMFunctionCall(context.Background(), "get_weather", `{"city":"nyc"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Action != ActionRequestLLM || result.Result != `{"temp":72}` {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestHandleLLMFunctionCall_HostApplicationErrorIsActionError(t *testing.T) {
	host := &mock.Host{ExecuteToolResult: &mcp.ToolResult{IsError: true, Content: "tool blew up"}}
	d := New(host, nil)

	result, err := d.HandleLLMFunctionCall(context.Background(), "flaky_tool", "{}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Action != ActionError || result.Response != "tool blew up" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestHandleLLMFunctionCall_HostTransportErrorIsActionError(t *testing.T) {
	host := &mock.Host{ExecuteToolErr: errors.New("transport broken")}
	d := New(host, nil)

	result, err := d.HandleLLMFunctionCall(context.Background(), "flaky_tool", "{}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Action != ActionError {
		t.Errorf("action: got %v, want ActionError", result.Action)
	}
}

// nilResultHost is a host whose ExecuteTool returns neither a result nor an
// error; the default mock.Host returns a zero-value result instead.
type nilResultHost struct{ *mock.Host }

func (nilResultHost) ExecuteTool(context.Context, string, string) (*mcp.ToolResult, error) {
	return nil, nil
}

func TestHandleLLMFunctionCall_NilResultIsNotFound(t *testing.T) {
	d := New(nilResultHost{&mock.Host{}}, nil)

	result, err := d.HandleLLMFunctionCall(context.Background(), "unknown_tool", "{}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Action != ActionNotFound {
		t.Errorf("action: got %v, want ActionNotFound", result.Action)
	}
}

func TestHandleLLMFunctionCall_NilHostIsNotFound(t *testing.T) {
	d := New(nil, nil)

	result, err := d.HandleLLMFunctionCall(context.Background(), "any_tool", "{}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Action != ActionNotFound {
		t.Errorf("action: got %v, want ActionNotFound", result.Action)
	}
}

func TestHandleLLMFunctionCall_EmptyArgumentsDefaultToEmptyObject(t *testing.T) {
	host := &mock.Host{ExecuteToolResult: &mcp.ToolResult{Content: "ok"}}
	d := New(host, nil)

	if _, err := d.HandleLLMFunctionCall(context.Background(), "some_tool", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calls := host.Calls()
	if len(calls) != 1 || calls[0].Args[1] != "{}" {
		t.Errorf("expected ExecuteTool called with \"{}\", got %+v", calls)
	}
}

func TestSetDeviceCaller_ReplacesDeviceProxy(t *testing.T) {
	d := New(&mock.Host{}, nil)
	d.SetDeviceCaller(fakeDeviceCaller{result: "replaced"})

	result, err := d.HandleLLMFunctionCall(context.Background(), "any_tool", "{}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Result != "replaced" {
		t.Errorf("expected device caller set after construction to be used, got %+v", result)
	}
}

func TestClose_DelegatesToHost(t *testing.T) {
	host := &mock.Host{}
	d := New(host, nil)

	if err := d.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if host.CallCount("Close") != 1 {
		t.Error("expected Close to be delegated to the host")
	}
}

func TestClose_NilHostIsNoOp(t *testing.T) {
	d := New(nil, nil)
	if err := d.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
