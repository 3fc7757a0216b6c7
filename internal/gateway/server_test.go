package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/embedded-voice/gateway/internal/mcp/mock"
)

func newTestServer() *Server {
	return NewServer(ServerDeps{})
}

func TestSharedKeyAuth_EmptyKeyDisablesCheck(t *testing.T) {
	auth := SharedKeyAuth{Key: ""}
	if err := auth.Authenticate("device-1", "anything"); err != nil {
		t.Fatalf("expected no error with empty key, got %v", err)
	}
}

func TestSharedKeyAuth_PlaceholderKeyDisablesCheck(t *testing.T) {
	auth := SharedKeyAuth{Key: "changeme"}
	if err := auth.Authenticate("device-1", "wrong"); err != nil {
		t.Fatalf("expected placeholder key to disable auth, got %v", err)
	}
}

func TestSharedKeyAuth_RejectsWrongCredential(t *testing.T) {
	auth := SharedKeyAuth{Key: "s3cret"}
	err := auth.Authenticate("device-1", "Bearer nope")
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want *AuthError", err)
	}
}

func TestSharedKeyAuth_AcceptsMatchingBearerCredential(t *testing.T) {
	auth := SharedKeyAuth{Key: "s3cret"}
	if err := auth.Authenticate("device-1", "Bearer s3cret"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSharedKeyAuth_AcceptsMatchingBareCredential(t *testing.T) {
	auth := SharedKeyAuth{Key: "s3cret"}
	if err := auth.Authenticate("device-1", "s3cret"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFirstHopIP_PrefersRealIP(t *testing.T) {
	got := firstHopIP("1.2.3.4", "5.6.7.8", "9.9.9.9:1234")
	if got != "1.2.3.4" {
		t.Errorf("got %q, want 1.2.3.4", got)
	}
}

func TestFirstHopIP_FallsBackToForwardedFor(t *testing.T) {
	got := firstHopIP("", "5.6.7.8, 9.9.9.9", "10.0.0.1:1234")
	if got != "5.6.7.8" {
		t.Errorf("got %q, want 5.6.7.8", got)
	}
}

func TestFirstHopIP_FallsBackToRemoteAddr(t *testing.T) {
	got := firstHopIP("", "", "10.0.0.1:1234")
	if got != "10.0.0.1:1234" {
		t.Errorf("got %q, want 10.0.0.1:1234", got)
	}
}

func TestRegister_DisplacesPriorConnectionForSameDevice(t *testing.T) {
	s := newTestServer()
	ch1 := newFakeChannel()
	ch2 := newFakeChannel()
	conn1 := newTestConnection(ch1)
	conn2 := newTestConnection(ch2)

	s.register("device-1", conn1)
	if s.ConnectionCount() != 1 {
		t.Fatalf("ConnectionCount = %d, want 1", s.ConnectionCount())
	}

	s.register("device-1", conn2)
	if s.ConnectionCount() != 1 {
		t.Fatalf("ConnectionCount = %d, want 1 after displacement", s.ConnectionCount())
	}

	select {
	case <-conn1.stopCh:
	default:
		t.Error("expected the prior connection to be closed on displacement")
	}
}

func TestUnregister_OnlyRemovesIfStillCurrent(t *testing.T) {
	s := newTestServer()
	conn1 := newTestConnection(newFakeChannel())
	conn2 := newTestConnection(newFakeChannel())

	s.register("device-1", conn1)
	s.register("device-1", conn2)

	// conn1 was displaced; its deferred unregister must not remove conn2.
	s.unregister("device-1", conn1)
	if s.ConnectionCount() != 1 {
		t.Fatalf("ConnectionCount = %d, want 1 after stale unregister", s.ConnectionCount())
	}

	s.unregister("device-1", conn2)
	if s.ConnectionCount() != 0 {
		t.Fatalf("ConnectionCount = %d, want 0", s.ConnectionCount())
	}
}

func TestUpdateConfig_UnknownDeviceReturnsFalse(t *testing.T) {
	s := newTestServer()
	if s.UpdateConfig("no-such-device", "new prompt") {
		t.Fatal("expected UpdateConfig to return false for an unknown device")
	}
}

func TestUpdateConfig_AppliesToLiveConnection(t *testing.T) {
	s := newTestServer()
	conn := newTestConnection(newFakeChannel())
	s.register("device-1", conn)

	if !s.UpdateConfig("device-1", "updated prompt") {
		t.Fatal("expected UpdateConfig to return true for a live connection")
	}
	msgs := conn.dialogue.Messages()
	if len(msgs) != 1 || msgs[0].Content != "updated prompt" {
		t.Fatalf("expected system prompt to be updated, got %+v", msgs)
	}
}

func TestBroadcast_WritesToAllConnections(t *testing.T) {
	s := newTestServer()
	ch1 := newFakeChannel()
	ch2 := newFakeChannel()
	s.register("device-1", newTestConnection(ch1))
	s.register("device-2", newTestConnection(ch2))

	s.Broadcast(context.Background(), []byte(`{"type":"server","action":"ping"}`))

	if len(ch1.texts) != 1 || len(ch2.texts) != 1 {
		t.Fatalf("expected both channels to receive the broadcast, got %d and %d", len(ch1.texts), len(ch2.texts))
	}
}

func TestBroadcast_SkipsFailingConnectionWithoutAborting(t *testing.T) {
	s := newTestServer()
	ch1 := newFakeChannel()
	failing := failingWriteChannel{fakeChannel: newFakeChannel(), err: errors.New("write failed")}
	s.register("device-1", newTestConnection(failing))
	s.register("device-2", newTestConnection(ch1))

	s.Broadcast(context.Background(), []byte("hi"))

	if len(ch1.texts) != 1 {
		t.Fatalf("expected the healthy connection to still receive the broadcast, got %d", len(ch1.texts))
	}
}

func TestConnectionDeps_BuildsDispatcherWhenMCPHostConfigured(t *testing.T) {
	s := NewServer(ServerDeps{
		MCPHost:      &mock.Host{},
		SystemPrompt: "base prompt",
	})

	deps := s.connectionDeps("device-1", "client-1", "127.0.0.1", newFakeChannel())

	if deps.Tools == nil {
		t.Fatal("expected a tool dispatcher to be built when MCPHost is configured")
	}
	if deps.SystemPrompt != "base prompt" {
		t.Errorf("SystemPrompt = %q, want base prompt", deps.SystemPrompt)
	}
}

func TestConnectionDeps_NoDispatcherWithoutMCPHost(t *testing.T) {
	s := NewServer(ServerDeps{})

	deps := s.connectionDeps("device-1", "client-1", "127.0.0.1", newFakeChannel())

	if deps.Tools != nil {
		t.Fatal("expected no tool dispatcher without an MCPHost configured")
	}
}

func TestConnectionDeps_PrivateConfigOverridesSystemPrompt(t *testing.T) {
	resolver := NewPrivateConfigResolver()
	resolver.Register("device-1", DeviceOverride{SystemPrompt: "device-specific prompt"})

	s := NewServer(ServerDeps{
		SystemPrompt:  "base prompt",
		PrivateConfig: resolver,
	})

	deps := s.connectionDeps("device-1", "client-1", "127.0.0.1", newFakeChannel())

	if deps.SystemPrompt != "device-specific prompt" {
		t.Errorf("SystemPrompt = %q, want device-specific prompt", deps.SystemPrompt)
	}
}

func TestConnectionDeps_PrivateConfigUnregisteredSetsNeedBind(t *testing.T) {
	resolver := NewPrivateConfigResolver()
	s := NewServer(ServerDeps{PrivateConfig: resolver})

	deps := s.connectionDeps("device-unbound", "client-1", "127.0.0.1", newFakeChannel())

	if !deps.NeedBind {
		t.Error("expected NeedBind to be set for an unregistered device")
	}
}
