// Package codec implements Opus encoding and decoding for the device audio
// channel. Embedded devices stream 16 kHz mono PCM16 over Opus to conserve
// bandwidth on constrained network links; the gateway negotiates Opus when
// the device declares codec support and falls back to raw PCM16 otherwise.
package codec

import (
	"fmt"

	"layeh.com/gopus"
)

// Devices stream 16 kHz mono Opus at 20 ms frame size, matching the sample
// rate the VAD and ASR stages already operate at — no resampling needed
// between codec and pipeline.
const (
	SampleRate  = 16000
	Channels    = 1
	FrameSizeMs = 20
	// FrameSize is the number of samples per channel per 20 ms frame.
	FrameSize = SampleRate * FrameSizeMs / 1000 // 320
)

// Decoder wraps a gopus Opus decoder for a single device's inbound audio
// stream. Each connection gets its own decoder to maintain decoder state
// correctly across consecutive frames.
type Decoder struct {
	dec *gopus.Decoder
}

// NewDecoder creates a new Opus decoder configured for the device channel's
// 16 kHz mono audio.
func NewDecoder() (*Decoder, error) {
	dec, err := gopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder: %w", err)
	}
	return &Decoder{dec: dec}, nil
}

// Decode decodes an Opus packet into interleaved PCM int16 samples and
// returns the result as a byte slice (little-endian int16 pairs).
func (d *Decoder) Decode(opus []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(opus, FrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("codec: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// Encoder wraps a gopus Opus encoder for a single device's outbound TTS
// audio stream.
type Encoder struct {
	enc *gopus.Encoder
}

// NewEncoder creates a new Opus encoder configured for the device channel's
// 16 kHz mono audio.
func NewEncoder() (*Encoder, error) {
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus encoder: %w", err)
	}
	return &Encoder{enc: enc}, nil
}

// Encode encodes interleaved PCM int16 data (as bytes, little-endian) into
// an Opus packet.
func (e *Encoder) Encode(pcmBytes []byte) ([]byte, error) {
	pcm := bytesToInt16s(pcmBytes)
	opus, err := e.enc.Encode(pcm, FrameSize, len(pcmBytes))
	if err != nil {
		return nil, fmt.Errorf("codec: opus encode: %w", err)
	}
	return opus, nil
}

// int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// bytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
