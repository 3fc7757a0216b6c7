package gateway

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/embedded-voice/gateway/internal/mcp"
	"github.com/embedded-voice/gateway/internal/tools"
	"github.com/embedded-voice/gateway/pkg/memory"
	"github.com/embedded-voice/gateway/pkg/provider/llm"
	"github.com/embedded-voice/gateway/pkg/provider/stt"
	"github.com/embedded-voice/gateway/pkg/provider/tts"
	"github.com/embedded-voice/gateway/pkg/provider/vad"
	"github.com/embedded-voice/gateway/pkg/types"
)

// AuthPolicy decides whether a connecting device may proceed past the
// channel upgrade. Authenticate receives the device id and whatever
// credential the transport carried (an Authorization header value); a
// non-nil error rejects the connection.
type AuthPolicy interface {
	Authenticate(deviceID, credential string) error
}

// SharedKeyAuth is the default AuthPolicy: every device must present the
// same shared secret. An empty or placeholder key disables the check
// entirely — useful for local development; no key is generated in that
// case.
type SharedKeyAuth struct {
	Key string
}

// placeholderAuthKeys are values the reference config ships as examples;
// treating them as "no auth configured" avoids footgunning a copy-pasted
// config file into believing it is secured.
var placeholderAuthKeys = map[string]bool{
	"":                   true,
	"your-auth-key-here": true,
	"changeme":           true,
}

func (a SharedKeyAuth) Authenticate(_ string, credential string) error {
	if placeholderAuthKeys[a.Key] {
		return nil
	}
	credential = strings.TrimPrefix(credential, "Bearer ")
	if subtle.ConstantTimeCompare([]byte(credential), []byte(a.Key)) != 1 {
		return &AuthError{Reason: "shared key mismatch"}
	}
	return nil
}

// ServerDeps holds the shared, read-only-across-connections dependencies
// the accept loop wires into every new Connection. Per SPEC_FULL.md's
// shared-resource policy, these provider singletons must themselves be
// internally thread-safe — true of every LOCAL provider in this pack.
type ServerDeps struct {
	VAD vad.Engine
	ASR stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	MCPHost mcp.Host
	Store   memory.SessionStore

	Auth AuthPolicy

	SystemPrompt   string
	ExitCommands   []string
	Wakeup         WakeupConfig
	DefaultListen  ListenMode
	VADConfig      vad.Config
	ASRConfig      stt.StreamConfig
	DefaultVoice   types.VoiceProfile
	BudgetTier     int
	NoVoiceTimeout time.Duration
	OriginPatterns []string

	PrivateConfig *PrivateConfigResolver
	PromptManager *PromptManager

	Logger *slog.Logger
}

// Server is the accept loop: it upgrades incoming device connections,
// constructs each one wired to the shared provider singletons, and tracks
// live connections in a device-id → Connection map — the only structure
// shared across connections, per SPEC_FULL.md §5's concurrency model. All
// exported methods are safe for concurrent use.
type Server struct {
	deps ServerDeps
	log  *slog.Logger

	mu          sync.Mutex
	connections map[string]*Connection
}

// NewServer constructs a Server ready to accept connections via ServeHTTP.
func NewServer(deps ServerDeps) *Server {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if deps.Auth == nil {
		deps.Auth = SharedKeyAuth{}
	}
	return &Server{
		deps:        deps,
		log:         log,
		connections: make(map[string]*Connection),
	}
}

// ServeHTTP implements the channel upgrade contract of §4.1: it reads
// device-id/client-id from headers, falling back to query parameters; sends
// a diagnostic and closes if neither is present; resolves the real client
// address from x-real-ip/x-forwarded-for; authenticates; and, on success,
// constructs and runs a Connection that blocks until the device disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channel, err := UpgradeWS(w, r, s.deps.OriginPatterns)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	ctx := r.Context()

	deviceID := channel.Header("device-id")
	clientID := channel.Header("client-id")
	if deviceID == "" {
		deviceID = channel.Query("device-id")
		clientID = channel.Query("client-id")
	}
	if deviceID == "" {
		_ = channel.WriteText(ctx, []byte("The port is normal. To test the connection, please use test_page.html"))
		_ = channel.Close()
		return
	}
	if clientID == "" {
		clientID = deviceID
	}

	clientIP := firstHopIP(channel.Header("x-real-ip"), channel.Header("x-forwarded-for"), channel.RemoteAddr())

	if err := s.deps.Auth.Authenticate(deviceID, channel.Header("authorization")); err != nil {
		s.log.Warn("auth rejected", "device_id", deviceID, "err", err)
		_ = channel.Close()
		return
	}

	deps := s.connectionDeps(deviceID, clientID, clientIP, channel)
	conn := NewConnection(newID(), deps)

	s.register(deviceID, conn)
	defer s.unregister(deviceID, conn)

	if err := conn.Run(ctx); err != nil {
		s.log.Warn("connection ended with error", "device_id", deviceID, "err", err)
	}
}

// connectionDeps resolves per-device configuration (merging server
// defaults with any differential override) and builds a ConnectionDeps
// wired to the server's shared provider singletons plus a fresh,
// per-connection tool dispatcher.
func (s *Server) connectionDeps(deviceID, clientID, clientIP string, channel Channel) ConnectionDeps {
	systemPrompt := s.deps.SystemPrompt
	needBind, bindCode := false, ""
	if s.deps.PrivateConfig != nil {
		override := s.deps.PrivateConfig.Resolve(deviceID)
		if override.SystemPrompt != "" {
			systemPrompt = override.SystemPrompt
		}
		needBind = override.NeedBind
		bindCode = override.BindCode
	}
	if s.deps.PromptManager != nil {
		systemPrompt = s.deps.PromptManager.BuildEnhancedPrompt(systemPrompt, deviceID, clientIP)
	}

	var dispatcher *tools.Dispatcher
	if s.deps.MCPHost != nil {
		dispatcher = tools.New(s.deps.MCPHost, nil)
	}

	return ConnectionDeps{
		Channel:        channel,
		DeviceID:       deviceID,
		ClientID:       clientID,
		ClientIP:       clientIP,
		VAD:            s.deps.VAD,
		ASR:            s.deps.ASR,
		LLM:            s.deps.LLM,
		TTS:            s.deps.TTS,
		Tools:          dispatcher,
		Store:          s.deps.Store,
		SystemPrompt:   systemPrompt,
		ExitCommands:   s.deps.ExitCommands,
		WakeMatcher:    NewWakeMatcher(s.deps.Wakeup.Phrases),
		ListenMode:     s.deps.DefaultListen,
		VADConfig:      s.deps.VADConfig,
		ASRConfig:      s.deps.ASRConfig,
		Voice:          s.deps.DefaultVoice,
		BudgetTier:     s.deps.BudgetTier,
		NeedBind:       needBind,
		BindCode:       bindCode,
		NoVoiceTimeout: s.deps.NoVoiceTimeout,
		Logger:         s.log,
	}
}

// register tracks a new connection under its device id, displacing (and
// closing) any prior connection for the same device — a device reconnecting
// before its old socket timed out must not leak the stale one.
func (s *Server) register(deviceID string, conn *Connection) {
	s.mu.Lock()
	prev := s.connections[deviceID]
	s.connections[deviceID] = conn
	s.mu.Unlock()

	if prev != nil {
		s.log.Info("device reconnected, closing prior connection", "device_id", deviceID)
		prev.Close(&FatalError{Err: errReplacedConnection})
	}
}

// unregister removes conn from the map, but only if it is still the
// current connection for deviceID (a newer connection may have already
// replaced it via register).
func (s *Server) unregister(deviceID string, conn *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connections[deviceID] == conn {
		delete(s.connections, deviceID)
	}
}

// UpdateConfig hot-reloads the system prompt for a single live connection.
// The connection's own "server" message handler does not call it. It
// returns false if the device has no active connection.
func (s *Server) UpdateConfig(deviceID, systemPrompt string) bool {
	s.mu.Lock()
	conn, ok := s.connections[deviceID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	conn.dialogue.ChangeSystemPrompt(systemPrompt)
	return true
}

// Broadcast pushes a control-plane text frame to every currently connected
// device, implementing §4.8's broadcast(control) responsibility. Devices
// whose write fails are logged and skipped; Broadcast never blocks on a
// slow device longer than one WriteText call.
func (s *Server) Broadcast(ctx context.Context, payload []byte) {
	s.mu.Lock()
	targets := make([]*Connection, 0, len(s.connections))
	for _, conn := range s.connections {
		targets = append(targets, conn)
	}
	s.mu.Unlock()

	for _, conn := range targets {
		if err := conn.deps.Channel.WriteText(ctx, payload); err != nil {
			s.log.Warn("broadcast write failed", "device_id", conn.deps.DeviceID, "err", err)
		}
	}
}

// ConnectionCount reports the number of currently tracked connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// firstHopIP returns the first comma-separated hop of realIP or
// forwardedFor (in that order of preference), falling back to remoteAddr.
func firstHopIP(realIP, forwardedFor, remoteAddr string) string {
	if realIP != "" {
		return strings.TrimSpace(strings.SplitN(realIP, ",", 2)[0])
	}
	if forwardedFor != "" {
		return strings.TrimSpace(strings.SplitN(forwardedFor, ",", 2)[0])
	}
	return remoteAddr
}
