package gateway

import (
	"context"
	"time"

	"github.com/embedded-voice/gateway/internal/observe"
)

// synthesizeSentence turns one sentence of text into PCM audio by opening a
// single-shot text channel to the TTS provider, exactly as a one-sentence
// SynthesizeStream call in the reference cascade engine does: push the
// sentence, close the channel, and drain whatever audio comes back. The
// provider closes the audio channel once synthesis completes or ctx is
// cancelled, so draining to completion is always safe.
//
// A nil TTS provider or synthesis error yields empty audio rather than an
// error: the text envelope has already been queued for the device's own
// on-device TTS fallback, so losing server-side audio here must not abort
// the turn.
func (c *Connection) synthesizeSentence(ctx context.Context, text string) []byte {
	if c.deps.TTS == nil || text == "" {
		return nil
	}

	ctx, span := observe.StartSpan(ctx, "gateway.tts.synthesize")
	defer span.End()
	metrics := observe.DefaultMetrics()
	start := time.Now()

	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)

	audioCh, err := c.deps.TTS.SynthesizeStream(ctx, textCh, c.deps.Voice)
	if err != nil {
		metrics.RecordProviderError(ctx, "tts", "synthesize_stream")
		c.log.Warn("tts synthesize stream start failed", "err", err)
		return nil
	}
	metrics.RecordProviderRequest(ctx, "tts", "synthesize_stream", "ok")

	var audio []byte
	for chunk := range audioCh {
		audio = append(audio, chunk...)
	}
	metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	return audio
}
