// Package dialogue holds the per-connection conversation transcript shared
// by the ASR, LLM, and TTS pipeline stages.
package dialogue

import (
	"sync"

	"github.com/embedded-voice/gateway/pkg/types"
)

// Message is a single turn in a Dialogue. Role is one of "system", "user",
// "assistant", or "tool". Tool-role messages carry ToolCallID identifying
// which prior assistant tool_calls entry they answer.
type Message = types.Message

// ToolCall mirrors types.ToolCall; re-exported here so callers working with
// a Dialogue do not need to import pkg/types directly.
type ToolCall = types.ToolCall

// Dialogue is an ordered, append-only conversation transcript for one
// connection. The first message, when present, is always the system
// prompt; Put never allows a second system message to be appended — use
// ChangeSystemPrompt to replace it.
//
// Dialogue is safe for concurrent use.
type Dialogue struct {
	mu       sync.RWMutex
	messages []Message
}

// New creates an empty Dialogue.
func New() *Dialogue {
	return &Dialogue{}
}

// ChangeSystemPrompt sets or replaces the system message, keeping it first.
// The prompt round-trips unchanged: a subsequent Messages() call returns
// exactly prompt as the Content of messages[0].
func (d *Dialogue) ChangeSystemPrompt(prompt string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sys := Message{Role: "system", Content: prompt}
	if len(d.messages) > 0 && d.messages[0].Role == "system" {
		d.messages[0] = sys
		return
	}
	d.messages = append([]Message{sys}, d.messages...)
}

// Put appends a message to the dialogue. A "system" role message is not
// appended; its content replaces the system prompt via ChangeSystemPrompt,
// preserving the single leading system message invariant.
func (d *Dialogue) Put(m Message) {
	if m.Role == "system" {
		d.ChangeSystemPrompt(m.Content)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, m)
}

// Messages returns a snapshot copy of the full transcript in order.
func (d *Dialogue) Messages() []Message {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Message, len(d.messages))
	copy(out, d.messages)
	return out
}

// WithMemory returns the transcript with an optional retrieved-memory
// string injected as an additional system-role message immediately after
// the leading system prompt. Passing an empty memoryStr is a no-op and
// WithMemory degrades to Messages().
func (d *Dialogue) WithMemory(memoryStr string) []Message {
	base := d.Messages()
	if memoryStr == "" {
		return base
	}
	memMsg := Message{Role: "system", Content: "Relevant memory:\n" + memoryStr}
	if len(base) > 0 && base[0].Role == "system" {
		out := make([]Message, 0, len(base)+1)
		out = append(out, base[0], memMsg)
		out = append(out, base[1:]...)
		return out
	}
	return append([]Message{memMsg}, base...)
}

// Len returns the number of messages currently in the transcript.
func (d *Dialogue) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.messages)
}

// Reset clears the transcript entirely, including the system prompt.
func (d *Dialogue) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = nil
}
