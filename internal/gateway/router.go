package gateway

import (
	"context"
	"encoding/json"

	"github.com/embedded-voice/gateway/internal/observe"
	"github.com/embedded-voice/gateway/internal/tools"
)

// textEnvelope is the minimal shape every inbound text frame must satisfy
// before type-specific routing can proceed.
type textEnvelope struct {
	Type string `json:"type"`
}

// routeText dispatches one inbound text frame by its "type" field,
// mirroring the reference implementation's handleTextMessage table:
// hello/abort/listen/iot/mcp/server, with an unknown-type frame logged and
// a malformed-JSON frame echoed back verbatim rather than closing the
// connection.
func (c *Connection) routeText(ctx context.Context, raw []byte) {
	var env textEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.echoRaw(ctx, raw)
		return
	}

	switch env.Type {
	case "hello":
		c.handleHello(ctx, raw)
	case "abort":
		c.handleAbort(ctx)
	case "listen":
		c.handleListen(ctx, raw)
	case "iot":
		c.handleIoT(ctx, raw)
	case "mcp":
		c.handleMCP(ctx, raw)
	case "server":
		c.handleServerCommand(ctx, raw)
	default:
		c.log.Error("unknown text message type", "type", env.Type)
	}
}

// echoRaw sends back a frame the gateway could not parse as JSON, matching
// the reference implementation's bare "except json.JSONDecodeError: await
// ws.send(message)" behaviour instead of closing the connection.
func (c *Connection) echoRaw(ctx context.Context, raw []byte) {
	if err := c.deps.Channel.WriteText(ctx, raw); err != nil {
		c.log.Warn("echo malformed frame failed", "err", err)
	}
}

type helloMessage struct {
	Type        string          `json:"type"`
	AudioParams map[string]any  `json:"audio_params"`
	Features    map[string]bool `json:"features"`
}

// handleHello records the device's negotiated audio format and replies with
// the welcome envelope (session id, echoed audio params). A declared "mcp"
// feature is only logged; no device-side tool proxy is attached to
// c.deps.Tools.
//
// Audio format negotiation (Open Question, decided): when the device
// declares audio_params.format == "opus", inbound frames are Opus-decoded
// and outbound TTS audio is Opus-encoded for the rest of the connection's
// lifetime. Any other (or missing) format falls back to raw PCM16 — the
// wire default.
func (c *Connection) handleHello(ctx context.Context, raw []byte) {
	var msg helloMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Warn("malformed hello message", "err", err)
		return
	}
	if msg.Features["mcp"] {
		c.log.Info("device declares mcp support")
	}

	negotiatedFormat := "pcm16"
	if format, _ := msg.AudioParams["format"].(string); format == "opus" {
		if err := c.enableOpus(); err != nil {
			c.log.Warn("opus negotiation failed, falling back to pcm16", "err", err)
		} else {
			negotiatedFormat = "opus"
		}
	}

	welcome := map[string]any{
		"type":       "hello",
		"session_id": c.sessionID,
	}
	if msg.AudioParams != nil {
		echoed := make(map[string]any, len(msg.AudioParams))
		for k, v := range msg.AudioParams {
			echoed[k] = v
		}
		echoed["format"] = negotiatedFormat
		welcome["audio_params"] = echoed
	}
	payload, err := json.Marshal(welcome)
	if err != nil {
		c.log.Warn("marshal welcome message failed", "err", err)
		return
	}
	if err := c.deps.Channel.WriteText(ctx, payload); err != nil {
		c.log.Warn("send welcome message failed", "err", err)
	}
}

// handleAbort cuts short any in-flight turn: it marks the turn aborted so
// runTurn stops consuming its LLM stream and skips its own LAST, cancels
// the turn's context so the in-flight StreamCompletion call unblocks
// immediately, drains whatever sentences are still queued for TTS, clears
// the in-flight speaking flag so the next transcript starts a fresh turn,
// and sends the single LAST that closes out the aborted turn on the wire.
func (c *Connection) handleAbort(ctx context.Context) {
	c.turnAborted.Store(true)
	observe.DefaultMetrics().TurnsAborted.Add(ctx, 1)

	c.turnMu.Lock()
	cancel := c.turnCancel
	c.turnMu.Unlock()
	if cancel != nil {
		cancel()
	}

	c.drainTTSQueue()
	c.clientSpeaking.Store(false)
	c.enqueueTTS(ctx, TTSMessage{SentenceType: SentenceLast, ContentType: ContentAction})
}

type listenMessage struct {
	Mode  string `json:"mode"`
	State string `json:"state"`
	Text  string `json:"text"`
}

// handleListen implements the manual listen-mode state machine: start
// clears the utterance buffer, stop flushes it into the ASR pipeline, and
// detect matches the transcript against the wake-phrase list.
func (c *Connection) handleListen(ctx context.Context, raw []byte) {
	var msg listenMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Warn("malformed listen message", "err", err)
		return
	}
	if msg.Mode != "" {
		if msg.Mode == "manual" {
			c.deps.ListenMode = ListenManual
		} else {
			c.deps.ListenMode = ListenAuto
		}
	}

	switch msg.State {
	case "start":
		c.clientListening.Store(true)
		c.resetUtteranceBuffer()
	case "stop":
		c.clientListening.Store(false)
		c.flushUtteranceBuffer(ctx)
	case "detect":
		c.clientListening.Store(false)
		c.resetUtteranceBuffer()
		if msg.Text == "" {
			return
		}
		if c.deps.WakeMatcher != nil && c.deps.WakeMatcher.Match(msg.Text) {
			c.handleTranscript(ctx, msg.Text)
		}
	}
}

type iotMessage struct {
	Descriptors []map[string]any `json:"descriptors"`
	States      []map[string]any `json:"states"`
}

// handleIoT registers device-declared IoT descriptors (making their methods
// callable tools) and records reported state. The heavy lifting happens in
// tools.Dispatcher.RegisterIoTDescriptor; this handler just decodes the
// wire shape.
func (c *Connection) handleIoT(ctx context.Context, raw []byte) {
	var msg iotMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Warn("malformed iot message", "err", err)
		return
	}
	if c.deps.Tools == nil {
		return
	}
	for _, d := range msg.Descriptors {
		name, _ := d["name"].(string)
		if name == "" {
			continue
		}
		c.deps.Tools.RegisterIoTDescriptor(decodeIoTDescriptor(name, d))
	}
	for _, s := range msg.States {
		c.log.Debug("iot state reported", "state", s)
	}
}

func decodeIoTDescriptor(name string, raw map[string]any) tools.IoTDescriptor {
	desc := tools.IoTDescriptor{
		Name:    name,
		Methods: make(map[string]tools.IoTMethod),
	}
	if props, ok := raw["properties"].(map[string]any); ok {
		desc.Properties = props
	}
	methods, _ := raw["methods"].(map[string]any)
	for methodName, v := range methods {
		spec, ok := v.(map[string]any)
		if !ok {
			continue
		}
		description, _ := spec["description"].(string)
		params, _ := spec["parameters"].(map[string]any)
		desc.Methods[methodName] = tools.IoTMethod{
			Description: description,
			Parameters:  params,
		}
	}
	return desc
}

type mcpMessage struct {
	Payload json.RawMessage `json:"payload"`
}

// handleMCP unwraps the outer "mcp" frame and logs the size of its JSON-RPC
// payload. The payload is not decoded or forwarded anywhere.
func (c *Connection) handleMCP(ctx context.Context, raw []byte) {
	var msg mcpMessage
	if err := json.Unmarshal(raw, &msg); err != nil || len(msg.Payload) == 0 {
		c.log.Warn("malformed mcp message")
		return
	}
	c.log.Debug("mcp payload received", "bytes", len(msg.Payload))
}

type serverMessage struct {
	Action  string         `json:"action"`
	Content map[string]any `json:"content"`
}

// handleServerCommand answers the server-control channel's update_config and
// restart actions with a success status, and any other action with an
// explicit error reply rather than silently dropping it. No shared secret is
// checked, and neither action changes configuration or restarts anything.
func (c *Connection) handleServerCommand(ctx context.Context, raw []byte) {
	var msg serverMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Warn("malformed server message", "err", err)
		return
	}
	switch msg.Action {
	case "update_config":
		c.replyServerStatus(ctx, "success", "configuration will apply to the next turn")
	case "restart":
		c.replyServerStatus(ctx, "success", "server restarting")
	default:
		c.replyServerStatus(ctx, "error", "unknown server action")
	}
}

func (c *Connection) replyServerStatus(ctx context.Context, status, message string) {
	payload, err := json.Marshal(map[string]any{
		"type":    "server",
		"status":  status,
		"message": message,
	})
	if err != nil {
		return
	}
	if err := c.deps.Channel.WriteText(ctx, payload); err != nil {
		c.log.Warn("send server status failed", "err", err)
	}
}
