package gateway

import (
	"context"
	"encoding/json"
)

// drainPartials streams low-latency interim transcripts back to the device
// as "stt" control frames so a display firmware can show live captions.
// Unlike drainFinals, nothing here feeds the dialogue — partials are never
// authoritative.
func (c *Connection) drainPartials(ctx context.Context) {
	if c.asrSession == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case transcript, ok := <-c.asrSession.Partials():
			if !ok {
				return
			}
			c.sendSTTMessage(ctx, transcript.Text, false)
		}
	}
}

// sendSTTMessage reports a transcript back to the device over the "stt"
// control channel, matching the reference implementation's send_stt_message.
func (c *Connection) sendSTTMessage(ctx context.Context, text string, final bool) {
	payload, err := json.Marshal(map[string]any{
		"type":  "stt",
		"text":  text,
		"final": final,
	})
	if err != nil {
		return
	}
	if err := c.deps.Channel.WriteText(ctx, payload); err != nil {
		c.log.Warn("send stt message failed", "err", err)
	}
}
