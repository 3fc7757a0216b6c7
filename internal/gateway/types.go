// Package gateway implements the per-connection voice-assistant pipeline:
// the connection supervisor, text message router, audio/VAD ingestion, the
// ASR/LLM/TTS stages, and the server accept loop that ties them together.
package gateway

import "time"

// SentenceType brackets a run of TTSMessages belonging to one sentence_id.
type SentenceType int

const (
	// SentenceFirst opens a new turn; always emitted before any Middle message.
	SentenceFirst SentenceType = iota
	// SentenceMiddle carries a synthesizable text segment.
	SentenceMiddle
	// SentenceLast closes a turn; always emitted after every Middle message
	// for that sentence_id, even when the turn was aborted.
	SentenceLast
)

func (s SentenceType) String() string {
	switch s {
	case SentenceFirst:
		return "FIRST"
	case SentenceMiddle:
		return "MIDDLE"
	case SentenceLast:
		return "LAST"
	default:
		return "UNKNOWN"
	}
}

// ContentType classifies the payload carried by a TTSMessage.
type ContentType int

const (
	// ContentText carries text to be synthesized into audio.
	ContentText ContentType = iota
	// ContentAction carries a control bracket (FIRST/LAST) with no text.
	ContentAction
	// ContentFile carries a pre-rendered audio file reference.
	ContentFile
)

func (c ContentType) String() string {
	switch c {
	case ContentText:
		return "TEXT"
	case ContentAction:
		return "ACTION"
	case ContentFile:
		return "FILE"
	default:
		return "UNKNOWN"
	}
}

// TTSMessage is a unit of work submitted to the TTS stage's queue.
type TTSMessage struct {
	SentenceID   string
	SentenceType SentenceType
	ContentType  ContentType
	Text         string
	Audio        []byte
}

// Utterance is a buffered span of audio between VAD speech-start and
// speech-end, or between an explicit "listen start" and "listen stop".
type Utterance struct {
	Audio      []byte
	SampleRate int
	Channels   int
	Started    time.Time
	Ended      time.Time
}

// WakeupConfig configures wake-phrase matching for the "listen"/"detect"
// text message path.
type WakeupConfig struct {
	// Phrases lists accepted wake phrases, compared case-insensitively
	// against the punctuation-stripped transcript.
	Phrases []string
	// EnableGreeting is carried in the configuration but not read: a
	// matching wake-phrase detection always starts a normal turn.
	EnableGreeting bool
	// RefreshInterval is carried in the configuration but not read;
	// WakeMatcher keeps no cache of match decisions.
	RefreshInterval time.Duration
}

// ListenMode controls how the audio pipeline decides utterance boundaries.
type ListenMode int

const (
	// ListenAuto relies entirely on VAD speech-start/speech-end events.
	ListenAuto ListenMode = iota
	// ListenManual relies on explicit "listen start"/"listen stop" messages;
	// VAD-driven boundaries are suppressed.
	ListenManual
)
