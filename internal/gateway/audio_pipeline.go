package gateway

import (
	"context"

	"github.com/embedded-voice/gateway/pkg/provider/vad"
)

// ingestAudioFrame feeds one inbound binary frame through VAD gating (in
// auto listen mode) before handing it to ASR. In manual listen mode VAD
// events are ignored entirely and the frame is buffered until an explicit
// "listen stop" flushes it — mirroring the reference implementation's
// client_listen_mode switch between VAD-driven and explicit boundaries.
func (c *Connection) ingestAudioFrame(ctx context.Context, frame []byte) {
	if c.deps.ListenMode == ListenManual {
		c.bufferUtteranceFrame(frame)
		return
	}

	event, err := c.vadSession.ProcessFrame(frame)
	if err != nil {
		c.log.Warn("vad process frame failed", "err", err)
		return
	}

	switch event.Type {
	case vad.VADSpeechStart:
		c.clientSpeaking.Store(true)
		c.resetUtteranceBuffer()
		c.bufferUtteranceFrame(frame)
	case vad.VADSpeechContinue:
		c.bufferUtteranceFrame(frame)
	case vad.VADSpeechEnd:
		c.bufferUtteranceFrame(frame)
		c.flushUtteranceBuffer(ctx)
	case vad.VADSilence:
		// Drop: no active utterance to append to.
	}
}

// bufferUtteranceFrame appends frame to the live ASR session, which
// performs its own internal buffering/windowing. The gateway does not keep
// a second copy of the audio once SendAudio accepts it.
func (c *Connection) bufferUtteranceFrame(frame []byte) {
	if c.asrSession == nil {
		return
	}
	if err := c.asrSession.SendAudio(frame); err != nil {
		c.log.Warn("asr send audio failed", "err", err)
	}
}

// resetUtteranceBuffer clears VAD session state at the start of a new
// utterance, discarding stale ring-buffer history from the previous turn.
func (c *Connection) resetUtteranceBuffer() {
	if c.vadSession != nil {
		c.vadSession.Reset()
	}
}

// flushUtteranceBuffer signals the end of an utterance. The ASR provider is
// expected to emit a final Transcript on its Finals channel shortly after
// the last SendAudio call for a given speech segment; there is nothing
// further to push here beyond what bufferUtteranceFrame already sent.
func (c *Connection) flushUtteranceBuffer(ctx context.Context) {
	_ = ctx
}
