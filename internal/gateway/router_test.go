package gateway

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"sync"
	"testing"

	"github.com/embedded-voice/gateway/pkg/audio/codec"
)

// fakeChannel is an in-memory Channel test double. WriteText/WriteBinary
// append to their respective buffers; Read is unused by these tests.
type fakeChannel struct {
	mu      sync.Mutex
	texts   [][]byte
	binary  [][]byte
	headers map[string]string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{headers: map[string]string{}}
}

func (f *fakeChannel) Header(name string) string     { return f.headers[name] }
func (f *fakeChannel) Query(string) string            { return "" }
func (f *fakeChannel) RemoteAddr() string             { return "127.0.0.1:0" }
func (f *fakeChannel) Read(context.Context) (FrameKind, []byte, error) {
	<-context.Background().Done()
	return FrameText, nil, nil
}
func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) WriteText(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.texts = append(f.texts, cp)
	return nil
}

func (f *fakeChannel) WriteBinary(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.binary = append(f.binary, cp)
	return nil
}

func (f *fakeChannel) lastText(t *testing.T) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		t.Fatal("no text frames written")
	}
	var out map[string]any
	if err := json.Unmarshal(f.texts[len(f.texts)-1], &out); err != nil {
		t.Fatalf("unmarshal last text frame: %v", err)
	}
	return out
}

func newTestConnection(ch Channel) *Connection {
	return NewConnection("sess-1", ConnectionDeps{
		Channel:  ch,
		DeviceID: "device-1",
	})
}

func TestHandleHello_DefaultsToPCM16(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)

	c.handleHello(context.Background(), []byte(`{"type":"hello","audio_params":{"sample_rate":16000}}`))

	if c.useOpus.Load() {
		t.Error("expected useOpus false when no format declared")
	}
	welcome := ch.lastText(t)
	params, ok := welcome["audio_params"].(map[string]any)
	if !ok {
		t.Fatal("expected audio_params in welcome envelope")
	}
	if params["format"] != "pcm16" {
		t.Errorf("format: got %v, want pcm16", params["format"])
	}
}

func TestHandleHello_NegotiatesOpus(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)

	c.handleHello(context.Background(), []byte(`{"type":"hello","audio_params":{"format":"opus","sample_rate":16000}}`))

	if !c.useOpus.Load() {
		t.Fatal("expected useOpus true after opus negotiation")
	}
	if c.opusEncoder == nil || c.opusDecoder == nil {
		t.Fatal("expected encoder/decoder to be initialised")
	}
	welcome := ch.lastText(t)
	params := welcome["audio_params"].(map[string]any)
	if params["format"] != "opus" {
		t.Errorf("format: got %v, want opus", params["format"])
	}
}

func TestHandleHello_MalformedJSON(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)

	c.handleHello(context.Background(), []byte(`not json`))

	if len(ch.texts) != 0 {
		t.Error("expected no welcome frame sent for malformed hello")
	}
}

func sineWavePCM(n int, freqHz float64) []byte {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		sample := int16(10000 * math.Sin(2*math.Pi*freqHz*float64(i)/codec.SampleRate))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(sample))
	}
	return buf
}

func TestSendTTSMessage_EncodesOpusWhenNegotiated(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)
	if err := c.enableOpus(); err != nil {
		t.Fatalf("enableOpus: %v", err)
	}

	pcm := sineWavePCM(codec.FrameSize, 440)
	err := c.sendTTSMessage(context.Background(), TTSMessage{
		SentenceID:   "s1",
		SentenceType: SentenceMiddle,
		Audio:        pcm,
	})
	if err != nil {
		t.Fatalf("sendTTSMessage: %v", err)
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.binary) != 1 {
		t.Fatalf("expected 1 binary frame, got %d", len(ch.binary))
	}
	// An Opus-encoded 320-sample frame is never the same size as raw PCM16
	// (640 bytes) for this input.
	if len(ch.binary[0]) == len(pcm) {
		t.Error("expected opus-encoded output to differ in size from raw PCM")
	}
}

func TestSendTTSMessage_RawPCMWhenOpusNotNegotiated(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)

	pcm := sineWavePCM(codec.FrameSize, 440)
	err := c.sendTTSMessage(context.Background(), TTSMessage{
		SentenceID:   "s1",
		SentenceType: SentenceMiddle,
		Audio:        pcm,
	})
	if err != nil {
		t.Fatalf("sendTTSMessage: %v", err)
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.binary) != 1 || len(ch.binary[0]) != len(pcm) {
		t.Fatalf("expected raw PCM passthrough, got %d bytes (want %d)", len(ch.binary[0]), len(pcm))
	}
}

func TestRouteBinary_DecodesOpusBeforeIngest(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)
	if err := c.enableOpus(); err != nil {
		t.Fatalf("enableOpus: %v", err)
	}
	// No VAD/ASR session configured: routeBinary must drop the frame
	// without panicking rather than attempt to decode it.
	c.routeBinary(context.Background(), []byte{0x01, 0x02, 0x03})
}
