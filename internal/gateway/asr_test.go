package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/embedded-voice/gateway/pkg/types"
)

// fakeASRSession is a minimal stt.SessionHandle test double driven entirely
// by the partials/finals channels a test pushes into.
type fakeASRSession struct {
	partials chan types.Transcript
	finals   chan types.Transcript
	closed   bool
}

func newFakeASRSession() *fakeASRSession {
	return &fakeASRSession{
		partials: make(chan types.Transcript, 4),
		finals:   make(chan types.Transcript, 4),
	}
}

func (f *fakeASRSession) SendAudio([]byte) error                        { return nil }
func (f *fakeASRSession) Partials() <-chan types.Transcript             { return f.partials }
func (f *fakeASRSession) Finals() <-chan types.Transcript               { return f.finals }
func (f *fakeASRSession) SetKeywords([]types.KeywordBoost) error        { return nil }
func (f *fakeASRSession) Close() error {
	f.closed = true
	close(f.partials)
	close(f.finals)
	return nil
}

func TestSendSTTMessage_WritesFinalAndPartialFrames(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)

	c.sendSTTMessage(context.Background(), "hello", true)

	got := ch.lastText(t)
	if got["type"] != "stt" || got["text"] != "hello" || got["final"] != true {
		t.Errorf("unexpected stt frame: %+v", got)
	}

	c.sendSTTMessage(context.Background(), "hel", false)
	got = ch.lastText(t)
	if got["final"] != false {
		t.Errorf("expected final=false for a partial, got %+v", got)
	}
}

func TestSendSTTMessage_WriteFailureIsLoggedNotPanicked(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)
	c.deps.Channel = failingWriteChannel{fakeChannel: ch, err: errors.New("write failed")}

	c.sendSTTMessage(context.Background(), "hello", true)
}

type failingWriteChannel struct {
	*fakeChannel
	err error
}

func (f failingWriteChannel) WriteText(context.Context, []byte) error { return f.err }

func TestDrainPartials_ForwardsTranscriptAsNonFinalSTTMessage(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)
	session := newFakeASRSession()
	c.asrSession = session

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.drainPartials(ctx)
		close(done)
	}()

	session.partials <- types.Transcript{Text: "partial text"}

	deadline := time.After(time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for partial transcript to be forwarded")
		default:
		}
		ch.mu.Lock()
		n := len(ch.texts)
		ch.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	got := ch.lastText(t)
	if got["text"] != "partial text" || got["final"] != false {
		t.Errorf("unexpected forwarded partial: %+v", got)
	}

	cancel()
	<-done
}

func TestDrainPartials_NilSessionReturnsImmediately(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)

	done := make(chan struct{})
	go func() {
		c.drainPartials(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected drainPartials to return immediately with no ASR session")
	}
}

func TestDrainFinals_NilSessionReturnsImmediately(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)

	done := make(chan struct{})
	go func() {
		c.drainFinals(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected drainFinals to return immediately with no ASR session")
	}
}
