package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/embedded-voice/gateway/internal/dialogue"
	"github.com/embedded-voice/gateway/internal/observe"
	"github.com/embedded-voice/gateway/internal/tools"
	"github.com/embedded-voice/gateway/pkg/audio/codec"
	"github.com/embedded-voice/gateway/pkg/memory"
	"github.com/embedded-voice/gateway/pkg/provider/llm"
	"github.com/embedded-voice/gateway/pkg/provider/stt"
	"github.com/embedded-voice/gateway/pkg/provider/tts"
	"github.com/embedded-voice/gateway/pkg/provider/vad"
	"github.com/embedded-voice/gateway/pkg/types"
)

// idleTimeoutGrace is added to the configured no-voice timeout before the
// connection is force-closed, giving a second chance past the point the
// device itself is expected to have already hung up.
const idleTimeoutGrace = 60 * time.Second

// idleCheckInterval is how often the idle-timeout watcher polls.
const idleCheckInterval = 10 * time.Second

// ConnectionDeps holds everything a Connection needs for its lifetime. The
// server accept loop fills it before the Connection is built: provider
// fields are the server's shared instances, and only the system prompt and
// bind state come from the device's per-device override.
type ConnectionDeps struct {
	Channel Channel

	DeviceID string
	ClientID string
	ClientIP string

	VAD vad.Engine
	ASR stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	Tools *tools.Dispatcher
	Store memory.SessionStore

	SystemPrompt  string
	ExitCommands  []string
	WakeMatcher   *WakeMatcher
	ListenMode    ListenMode
	VADConfig     vad.Config
	ASRConfig     stt.StreamConfig
	Voice         types.VoiceProfile
	BudgetTier    int
	NeedBind      bool
	BindCode      string

	// NoVoiceTimeout is close_connection_no_voice_time from configuration;
	// the connection is closed after NoVoiceTimeout+idleTimeoutGrace of
	// silence. Zero disables the watcher.
	NoVoiceTimeout time.Duration

	Logger *slog.Logger
}

// Connection supervises one device's WebSocket session end to end: it owns
// the dialogue, drives the VAD/ASR/LLM/TTS pipeline, routes control messages,
// and tears everything down exactly once regardless of which path (client
// disconnect, idle timeout, exit command, fatal error) triggers it.
//
// Connection is safe for concurrent use by its own internal goroutines only;
// callers should treat it as owned by Run for the duration of one session.
type Connection struct {
	deps ConnectionDeps
	log  *slog.Logger

	sessionID string
	dialogue  *dialogue.Dialogue

	asrSession stt.SessionHandle
	vadSession vad.SessionHandle

	useOpus     atomic.Bool
	opusEncoder *codec.Encoder
	opusDecoder *codec.Decoder

	closeOnce sync.Once
	closeErr  error
	stopCh    chan struct{}

	lastActivityMillis atomic.Int64
	clientListening    atomic.Bool
	clientSpeaking     atomic.Bool
	closeAfterChat     atomic.Bool

	// turnMu guards turnCancel, which handleAbort uses to cancel the
	// in-flight turn's LLM stream from a different goroutine than the one
	// driving runTurn.
	turnMu     sync.Mutex
	turnCancel context.CancelFunc
	turnAborted atomic.Bool

	ttsQueue chan TTSMessage

	wg sync.WaitGroup
}

// NewConnection constructs a Connection ready to Run. The Channel in deps
// must already be upgraded (see UpgradeWS).
func NewConnection(sessionID string, deps ConnectionDeps) *Connection {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Connection{
		deps:      deps,
		log:       log.With("session_id", sessionID, "device_id", deps.DeviceID),
		sessionID: sessionID,
		dialogue:  dialogue.New(),
		stopCh:    make(chan struct{}),
		ttsQueue:  make(chan TTSMessage, 32),
	}
	if deps.SystemPrompt != "" {
		c.dialogue.ChangeSystemPrompt(deps.SystemPrompt)
	}
	c.touchActivity()
	return c
}

// Run drives the connection until the channel closes, a fatal error occurs,
// the idle timeout fires, or ctx is cancelled. It always performs teardown
// before returning, so callers need not call Close themselves.
func (c *Connection) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	observe.DefaultMetrics().ActiveConnections.Add(ctx, 1)
	defer observe.DefaultMetrics().ActiveConnections.Add(ctx, -1)

	defer c.saveAndClose(context.WithoutCancel(ctx))

	if err := c.initComponents(ctx); err != nil {
		c.log.Error("component init failed", "err", err)
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watchIdleTimeout(ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runTTSWorker(ctx)
	}()

	readErr := c.readLoop(ctx)
	cancel()
	c.wg.Wait()

	if readErr == ErrPeerClosed {
		c.log.Info("client disconnected")
		return nil
	}
	return readErr
}

// readLoop blocks reading frames until the channel closes or ctx is done.
func (c *Connection) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		kind, data, err := c.deps.Channel.Read(ctx)
		if err != nil {
			return err
		}
		c.touchActivity()

		switch kind {
		case FrameText:
			c.routeText(ctx, data)
		case FrameBinary:
			c.routeBinary(ctx, data)
		}

		if c.closeAfterChat.Load() {
			return nil
		}
	}
}

// routeBinary delivers an audio frame to the VAD/ASR pipeline. Frames
// arriving before both VAD and ASR are initialised are dropped, mirroring
// the reference implementation's _route_message guard. When the device
// negotiated Opus in its "hello" message, the frame is decoded to PCM16
// first — VAD and ASR always operate on raw PCM.
func (c *Connection) routeBinary(ctx context.Context, frame []byte) {
	if c.vadSession == nil || c.asrSession == nil {
		return
	}
	if c.useOpus.Load() && c.opusDecoder != nil {
		pcm, err := c.opusDecoder.Decode(frame)
		if err != nil {
			c.log.Warn("opus decode failed, dropping frame", "err", err)
			return
		}
		frame = pcm
	}
	c.ingestAudioFrame(ctx, frame)
}

// enableOpus creates the per-connection Opus encoder/decoder pair and
// switches routeBinary/sendTTSMessage over to the encoded wire format.
// Called once, from handleHello, when the device declares Opus support.
func (c *Connection) enableOpus() error {
	dec, err := codec.NewDecoder()
	if err != nil {
		return err
	}
	enc, err := codec.NewEncoder()
	if err != nil {
		return err
	}
	c.opusDecoder = dec
	c.opusEncoder = enc
	c.useOpus.Store(true)
	return nil
}

// touchActivity resets the idle-timeout clock. Called on every inbound
// frame and on every outbound TTS message so active turns never time out
// mid-response.
func (c *Connection) touchActivity() {
	c.lastActivityMillis.Store(time.Now().UnixMilli())
}

// watchIdleTimeout polls the last-activity timestamp and closes the
// connection once it has been silent for NoVoiceTimeout+idleTimeoutGrace.
func (c *Connection) watchIdleTimeout(ctx context.Context) {
	if c.deps.NoVoiceTimeout <= 0 {
		return
	}
	limit := c.deps.NoVoiceTimeout + idleTimeoutGrace
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			last := time.UnixMilli(c.lastActivityMillis.Load())
			if time.Since(last) > limit {
				c.log.Info("idle timeout, closing connection", "limit", limit)
				c.Close(&TimeoutError{Idle: limit.String()})
				return
			}
		}
	}
}

// Close idempotently tears the connection down: it stops the idle watcher
// and TTS worker, closes the ASR/VAD sessions, and closes the channel.
// Close is safe to call from any goroutine and more than once; only the
// first call's error (if any) is retained.
func (c *Connection) Close(cause error) error {
	c.closeOnce.Do(func() {
		close(c.stopCh)

		if c.deps.Tools != nil {
			if err := c.deps.Tools.Close(); err != nil {
				c.log.Warn("tool dispatcher close error", "err", err)
			}
		}
		if c.asrSession != nil {
			if err := c.asrSession.Close(); err != nil {
				c.log.Warn("asr session close error", "err", err)
			}
		}
		if c.vadSession != nil {
			if err := c.vadSession.Close(); err != nil {
				c.log.Warn("vad session close error", "err", err)
			}
		}
		if err := c.deps.Channel.Close(); err != nil {
			c.log.Warn("channel close error", "err", err)
		}
		c.closeErr = cause
		c.log.Info("connection resources released", "cause", cause)
	})
	return c.closeErr
}

// saveAndClose persists the dialogue to the session store (best-effort,
// fire-and-forget — it never blocks teardown on storage latency) and then
// closes the connection.
func (c *Connection) saveAndClose(ctx context.Context) {
	if c.deps.Store != nil {
		go func() {
			saveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			for _, m := range c.dialogue.Messages() {
				if m.Role != "user" && m.Role != "assistant" {
					continue
				}
				speaker := c.deps.DeviceID
				if m.Role == "assistant" {
					speaker = "assistant"
				}
				entry := memory.TranscriptEntry{
					SpeakerID:   speaker,
					Text:        m.Content,
					Timestamp:   time.Now(),
					IsAssistant: m.Role == "assistant",
				}
				if err := c.deps.Store.WriteEntry(saveCtx, c.sessionID, entry); err != nil {
					c.log.Warn("save memory failed", "err", err)
					return
				}
			}
		}()
	}
	c.Close(nil)
}

// initComponents opens the VAD/ASR audio channels. TTS has no persistent
// channel to open; it is invoked per-utterance from the LLM stage.
func (c *Connection) initComponents(ctx context.Context) error {
	metrics := observe.DefaultMetrics()
	if c.deps.VAD != nil {
		session, err := c.deps.VAD.NewSession(c.deps.VADConfig)
		if err != nil {
			metrics.RecordProviderError(ctx, "vad", "new_session")
			return &ProviderInitError{Provider: "vad", Err: err}
		}
		c.vadSession = session
	}
	if c.deps.ASR != nil {
		start := time.Now()
		session, err := c.deps.ASR.StartStream(ctx, c.deps.ASRConfig)
		metrics.ASRDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			metrics.RecordProviderError(ctx, "asr", "start_stream")
			return &ProviderInitError{Provider: "asr", Err: err}
		}
		metrics.RecordProviderRequest(ctx, "asr", "start_stream", "ok")
		c.asrSession = session
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.drainFinals(ctx)
		}()
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.drainPartials(ctx)
		}()
	}
	return nil
}

// drainFinals consumes authoritative ASR transcripts and feeds each one
// into the turn pipeline (exit-command matching, then the LLM stage).
func (c *Connection) drainFinals(ctx context.Context) {
	if c.asrSession == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case transcript, ok := <-c.asrSession.Finals():
			if !ok {
				return
			}
			c.handleTranscript(ctx, transcript.Text)
		}
	}
}

// handleTranscript marks the connection to close after this turn when the
// utterance is an exit command, then hands the finalised utterance to the
// LLM stage.
func (c *Connection) handleTranscript(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.sendSTTMessage(ctx, text, true)
	if len(c.deps.ExitCommands) > 0 && MatchExitCommand(text, c.deps.ExitCommands) {
		c.log.Info("exit command matched", "text", text)
		c.closeAfterChat.Store(true)
	}
	if !c.clientSpeaking.CompareAndSwap(false, true) {
		c.log.Debug("turn already in flight, dropping transcript", "text", text)
		return
	}
	defer c.clientSpeaking.Store(false)

	turnCtx, cancel := context.WithCancel(ctx)
	c.turnAborted.Store(false)
	c.turnMu.Lock()
	c.turnCancel = cancel
	c.turnMu.Unlock()
	defer func() {
		c.turnMu.Lock()
		c.turnCancel = nil
		c.turnMu.Unlock()
		cancel()
	}()

	c.dialogue.Put(types.Message{Role: "user", Content: text})
	if err := c.runTurn(turnCtx, 0); err != nil && !c.turnAborted.Load() {
		c.log.Error("turn failed", "err", err)
	}
}

// runTTSWorker serialises outbound TTS messages onto the channel as JSON
// text frames (control brackets) interleaved with binary audio frames, so
// FIRST/MIDDLE/LAST ordering is preserved per sentence_id.
func (c *Connection) runTTSWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case msg, ok := <-c.ttsQueue:
			if !ok {
				return
			}
			c.touchActivity()
			if err := c.sendTTSMessage(ctx, msg); err != nil {
				c.log.Warn("send tts message failed", "err", err)
				return
			}
		}
	}
}

// sendTTSMessage writes one TTSMessage to the device channel. FIRST and LAST
// brackets map to the wire states "start"/"stop"; a MIDDLE message (one
// synthesized sentence) is sent as a "sentence_start" envelope, its audio
// frame, then a "sentence_end" envelope — matching the externally documented
// tts state vocabulary while keeping the FIRST/MIDDLE/LAST internal model
// that mirrors the reference implementation's SentenceType enum.
func (c *Connection) sendTTSMessage(ctx context.Context, msg TTSMessage) error {
	switch msg.SentenceType {
	case SentenceFirst:
		return c.writeTTSEnvelope(ctx, "start", msg.SentenceID, "")
	case SentenceLast:
		return c.writeTTSEnvelope(ctx, "stop", msg.SentenceID, "")
	default:
		if err := c.writeTTSEnvelope(ctx, "sentence_start", msg.SentenceID, msg.Text); err != nil {
			return err
		}
		if len(msg.Audio) > 0 {
			out := msg.Audio
			if c.useOpus.Load() && c.opusEncoder != nil {
				encoded, err := c.opusEncoder.Encode(msg.Audio)
				if err != nil {
					c.log.Warn("opus encode failed, sending raw pcm", "err", err)
				} else {
					out = encoded
				}
			}
			if err := c.deps.Channel.WriteBinary(ctx, out); err != nil {
				return err
			}
		}
		return c.writeTTSEnvelope(ctx, "sentence_end", msg.SentenceID, "")
	}
}

func (c *Connection) writeTTSEnvelope(ctx context.Context, state, sentenceID, text string) error {
	envelope := map[string]any{
		"type":        "tts",
		"state":       state,
		"sentence_id": sentenceID,
	}
	if text != "" {
		envelope["text"] = text
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("gateway: marshal tts envelope: %w", err)
	}
	return c.deps.Channel.WriteText(ctx, payload)
}

// enqueueTTS hands a message to the TTS worker, dropping it rather than
// blocking forever if the worker has already exited. ContentText messages
// are synthesized to audio here, before queueing, so the worker never blocks
// the serialized ttsQueue on a synthesis call.
func (c *Connection) enqueueTTS(ctx context.Context, msg TTSMessage) {
	if msg.ContentType == ContentText && msg.Text != "" && msg.Audio == nil {
		msg.Audio = c.synthesizeSentence(ctx, msg.Text)
	}
	select {
	case c.ttsQueue <- msg:
	case <-ctx.Done():
	case <-c.stopCh:
	}
}

// drainTTSQueue discards every message currently buffered in ttsQueue
// without sending it, used by handleAbort to clear queued sentences from a
// turn that is being cut short.
func (c *Connection) drainTTSQueue() {
	for {
		select {
		case <-c.ttsQueue:
		default:
			return
		}
	}
}
