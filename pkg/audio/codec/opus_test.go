package codec_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/embedded-voice/gateway/pkg/audio/codec"
)

// sineWave generates n samples of a sine wave at freqHz, encoded as
// little-endian PCM16 bytes.
func sineWave(n int, freqHz float64) []byte {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		sample := int16(10000 * math.Sin(2*math.Pi*freqHz*float64(i)/codec.SampleRate))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(sample))
	}
	return buf
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	enc, err := codec.NewEncoder()
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	dec, err := codec.NewDecoder()
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	pcm := sineWave(codec.FrameSize, 440)
	opusPacket, err := enc.Encode(pcm)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(opusPacket) == 0 {
		t.Fatal("Encode returned an empty packet")
	}

	decoded, err := dec.Decode(opusPacket)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(decoded) != codec.FrameSize*2 {
		t.Errorf("decoded length: got %d bytes, want %d", len(decoded), codec.FrameSize*2)
	}
}

func TestDecoderPreservesStateAcrossFrames(t *testing.T) {
	enc, err := codec.NewEncoder()
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	dec, err := codec.NewDecoder()
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	for i := 0; i < 5; i++ {
		pcm := sineWave(codec.FrameSize, 440)
		packet, err := enc.Encode(pcm)
		if err != nil {
			t.Fatalf("Encode frame %d: %v", i, err)
		}
		if _, err := dec.Decode(packet); err != nil {
			t.Fatalf("Decode frame %d: %v", i, err)
		}
	}
}

func TestFrameSizeMatchesSampleRateAndDuration(t *testing.T) {
	want := codec.SampleRate * codec.FrameSizeMs / 1000
	if codec.FrameSize != want {
		t.Errorf("FrameSize: got %d, want %d", codec.FrameSize, want)
	}
	if codec.Channels != 1 {
		t.Errorf("Channels: got %d, want 1 (device audio is mono)", codec.Channels)
	}
}
