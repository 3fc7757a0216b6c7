package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/embedded-voice/gateway/pkg/types"
)

type fakeTTSProvider struct {
	audio []byte
	err   error
}

func (f *fakeTTSProvider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan []byte, 1)
	go func() {
		defer close(ch)
		for range text {
			if len(f.audio) > 0 {
				ch <- f.audio
			}
		}
	}()
	return ch, nil
}

func (f *fakeTTSProvider) ListVoices(context.Context) ([]types.VoiceProfile, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeTTSProvider) CloneVoice(context.Context, [][]byte) (*types.VoiceProfile, error) {
	return nil, errors.New("not implemented")
}

func TestSynthesizeSentence_NilProviderReturnsNilAudio(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)

	audio := c.synthesizeSentence(context.Background(), "hello")
	if audio != nil {
		t.Errorf("expected nil audio with no TTS provider, got %d bytes", len(audio))
	}
}

func TestSynthesizeSentence_EmptyTextReturnsNilAudio(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)
	c.deps.TTS = &fakeTTSProvider{audio: []byte{1, 2, 3}}

	audio := c.synthesizeSentence(context.Background(), "")
	if audio != nil {
		t.Errorf("expected nil audio for empty text, got %d bytes", len(audio))
	}
}

func TestSynthesizeSentence_AccumulatesAudioChunks(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)
	c.deps.TTS = &fakeTTSProvider{audio: []byte{1, 2, 3, 4}}

	audio := c.synthesizeSentence(context.Background(), "hello there")
	if len(audio) != 4 {
		t.Fatalf("expected 4 bytes of audio, got %d", len(audio))
	}
}

func TestSynthesizeSentence_StreamStartErrorYieldsNilAudio(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)
	c.deps.TTS = &fakeTTSProvider{err: errors.New("tts backend unreachable")}

	audio := c.synthesizeSentence(context.Background(), "hello")
	if audio != nil {
		t.Errorf("expected nil audio on synthesis start error, got %d bytes", len(audio))
	}
}

func TestEnqueueTTS_SynthesizesTextBeforeQueueing(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)
	c.deps.TTS = &fakeTTSProvider{audio: []byte{9, 9}}

	c.enqueueTTS(context.Background(), TTSMessage{SentenceID: "s1", SentenceType: SentenceMiddle, ContentType: ContentText, Text: "hi"})

	msgs := drainTTS(c)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 queued message, got %d", len(msgs))
	}
	if len(msgs[0].Audio) != 2 {
		t.Errorf("expected synthesized audio attached before queueing, got %d bytes", len(msgs[0].Audio))
	}
}

func TestEnqueueTTS_DoesNotResynthesizeWhenAudioAlreadySet(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)
	c.deps.TTS = &fakeTTSProvider{audio: []byte{9, 9}}

	c.enqueueTTS(context.Background(), TTSMessage{SentenceID: "s1", SentenceType: SentenceMiddle, ContentType: ContentText, Text: "hi", Audio: []byte{1}})

	msgs := drainTTS(c)
	if len(msgs) != 1 || len(msgs[0].Audio) != 1 {
		t.Fatalf("expected the pre-set audio to be left untouched, got %+v", msgs)
	}
}

func TestDrainTTSQueue_DiscardsBufferedMessages(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConnection(ch)

	c.enqueueTTS(context.Background(), TTSMessage{SentenceID: "s1", SentenceType: SentenceFirst, ContentType: ContentAction})
	c.enqueueTTS(context.Background(), TTSMessage{SentenceID: "s1", SentenceType: SentenceLast, ContentType: ContentAction})

	c.drainTTSQueue()

	select {
	case msg := <-c.ttsQueue:
		t.Fatalf("expected the queue to be empty after drainTTSQueue, got %+v", msg)
	default:
	}
}
