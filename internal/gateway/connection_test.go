package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	memmock "github.com/embedded-voice/gateway/pkg/memory/mock"
	sttmock "github.com/embedded-voice/gateway/pkg/provider/stt/mock"
	vadmock "github.com/embedded-voice/gateway/pkg/provider/vad/mock"
	"github.com/embedded-voice/gateway/pkg/types"
)

func TestNewConnection_SeedsSystemPromptAndActivity(t *testing.T) {
	ch := newFakeChannel()
	c := NewConnection("sess-1", ConnectionDeps{
		Channel:      ch,
		DeviceID:     "device-1",
		SystemPrompt: "you are a helper",
	})

	msgs := c.dialogue.Messages()
	if len(msgs) != 1 || msgs[0].Role != "system" || msgs[0].Content != "you are a helper" {
		t.Fatalf("expected seeded system message, got %+v", msgs)
	}
	if c.lastActivityMillis.Load() == 0 {
		t.Fatal("expected touchActivity to be called during construction")
	}
}

func TestInitComponents_StartsVADAndASRSessions(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)

	vadEng := &vadmock.Engine{}
	asrSession := newFakeASRSession()
	asrProv := &sttmock.Provider{Session: asrSession}

	c.deps.VAD = vadEng
	c.deps.ASR = asrProv

	if err := c.initComponents(context.Background()); err != nil {
		t.Fatalf("initComponents: %v", err)
	}
	if c.vadSession == nil {
		t.Error("expected vadSession to be set")
	}
	if c.asrSession == nil {
		t.Error("expected asrSession to be set")
	}
	if len(vadEng.NewSessionCalls) != 1 {
		t.Errorf("NewSession called %d times, want 1", len(vadEng.NewSessionCalls))
	}
	if len(asrProv.StartStreamCalls) != 1 {
		t.Errorf("StartStream called %d times, want 1", len(asrProv.StartStreamCalls))
	}

	asrSession.Close()
}

func TestInitComponents_VADFailureReturnsProviderInitError(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)
	c.deps.VAD = &vadmock.Engine{NewSessionErr: errors.New("boom")}

	err := c.initComponents(context.Background())
	var pie *ProviderInitError
	if !errors.As(err, &pie) {
		t.Fatalf("err = %v, want *ProviderInitError", err)
	}
	if pie.Provider != "vad" {
		t.Errorf("Provider = %q, want vad", pie.Provider)
	}
}

func TestInitComponents_ASRFailureReturnsProviderInitError(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)
	c.deps.ASR = &sttmock.Provider{StartStreamErr: errors.New("boom")}

	err := c.initComponents(context.Background())
	var pie *ProviderInitError
	if !errors.As(err, &pie) {
		t.Fatalf("err = %v, want *ProviderInitError", err)
	}
	if pie.Provider != "asr" {
		t.Errorf("Provider = %q, want asr", pie.Provider)
	}
}

func TestInitComponents_NoProvidersConfiguredSucceeds(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)

	if err := c.initComponents(context.Background()); err != nil {
		t.Fatalf("initComponents: %v", err)
	}
	if c.vadSession != nil || c.asrSession != nil {
		t.Fatal("expected no sessions to be created without providers configured")
	}
}

func TestHandleTranscript_ExitCommandClosesAfterChat(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)
	c.deps.ExitCommands = []string{"goodbye"}

	c.handleTranscript(context.Background(), "goodbye")

	if !c.closeAfterChat.Load() {
		t.Fatal("expected closeAfterChat to be set after exit command")
	}
}

func TestHandleTranscript_EmptyTextIsIgnored(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)

	c.handleTranscript(context.Background(), "   ")

	if len(c.dialogue.Messages()) != 0 {
		t.Fatal("expected no messages to be appended for blank transcript")
	}
}

func TestHandleTranscript_RunsTurnAndAppendsUserMessage(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)
	c.deps.LLM = &fakeLLMProvider{}

	c.handleTranscript(context.Background(), "hello there")

	msgs := c.dialogue.Messages()
	if len(msgs) == 0 || msgs[0].Role != "user" || msgs[0].Content != "hello there" {
		t.Fatalf("expected user message to be appended, got %+v", msgs)
	}
	if c.clientSpeaking.Load() {
		t.Error("expected clientSpeaking to be reset to false after the turn completes")
	}
}

func TestHandleTranscript_DropsConcurrentTurn(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)
	c.clientSpeaking.Store(true)

	c.handleTranscript(context.Background(), "are you there")

	if len(c.dialogue.Messages()) != 0 {
		t.Fatal("expected the transcript to be dropped while a turn is already in flight")
	}
}

func TestClose_IsIdempotentAndClosesSessions(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)
	asrSession := newFakeASRSession()
	vadSession := &vadmock.Session{}
	c.asrSession = asrSession
	c.vadSession = vadSession

	err1 := c.Close(nil)
	err2 := c.Close(errors.New("ignored on second call"))

	if err1 != nil || err2 != nil {
		t.Fatalf("Close returned errors: %v, %v", err1, err2)
	}
	if !asrSession.closed {
		t.Error("expected asr session to be closed")
	}
	if vadSession.CloseCallCount != 1 {
		t.Errorf("vad session closed %d times, want 1", vadSession.CloseCallCount)
	}
	select {
	case <-c.stopCh:
	default:
		t.Error("expected stopCh to be closed")
	}
}

func TestSaveAndClose_WritesDialogueEntriesThenCloses(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)
	store := &memmock.SessionStore{}
	c.deps.Store = store
	c.dialogue.Put(types.Message{Role: "user", Content: "hi"})
	c.dialogue.Put(types.Message{Role: "assistant", Content: "hello"})

	c.saveAndClose(context.Background())

	deadline := time.After(time.Second)
	for store.CallCount("WriteEntry") < 2 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for WriteEntry calls, got %d", store.CallCount("WriteEntry"))
		default:
			time.Sleep(time.Millisecond)
		}
	}

	select {
	case <-c.stopCh:
	default:
		t.Error("expected connection to be closed after saveAndClose")
	}
}

func TestSaveAndClose_NilStoreStillCloses(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)

	c.saveAndClose(context.Background())

	select {
	case <-c.stopCh:
	default:
		t.Error("expected connection to be closed when no store is configured")
	}
}

func TestWatchIdleTimeout_ClosesAfterGracePeriod(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)
	c.deps.NoVoiceTimeout = 1 * time.Millisecond
	c.lastActivityMillis.Store(time.Now().Add(-time.Hour).UnixMilli())

	done := make(chan struct{})
	go func() {
		c.watchIdleTimeout(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected watchIdleTimeout to close the connection and return")
	}

	select {
	case <-c.stopCh:
	default:
		t.Error("expected stopCh to be closed by the idle timeout")
	}
}

func TestWatchIdleTimeout_DisabledWhenZero(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)

	done := make(chan struct{})
	go func() {
		c.watchIdleTimeout(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected watchIdleTimeout to return immediately with NoVoiceTimeout=0")
	}
}

func TestRouteBinary_DropsFramesBeforeSessionsReady(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)

	c.routeBinary(context.Background(), []byte{0x01, 0x02, 0x03})

	if len(ch.binary) != 0 {
		t.Error("expected no frames forwarded without VAD/ASR sessions")
	}
}

func TestEnqueueTTS_RespectsStopChWithoutBlocking(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)
	close(c.stopCh)

	done := make(chan struct{})
	go func() {
		c.enqueueTTS(context.Background(), TTSMessage{SentenceType: SentenceFirst})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected enqueueTTS to return once stopCh is closed")
	}
}
