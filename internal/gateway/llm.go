package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"

	"github.com/embedded-voice/gateway/internal/mcp"
	"github.com/embedded-voice/gateway/internal/observe"
	"github.com/embedded-voice/gateway/internal/tools"
	"github.com/embedded-voice/gateway/pkg/provider/llm"
	"github.com/embedded-voice/gateway/pkg/types"
)

// maxToolLoopDepth bounds the recursive tool-call loop so a misbehaving
// tool that always requests another LLM turn cannot spin forever.
const maxToolLoopDepth = 8

// runTurn is the entry point for one user turn: it mints the turn's single
// sentence_id, brackets the entire turn (including every recursive tool-call
// re-entry) with exactly one FIRST and one LAST, and delegates the actual
// completion work to runCompletion. Always called with depth 0 — the
// parameter is kept so its signature reads consistently with runCompletion's.
func (c *Connection) runTurn(ctx context.Context, depth int) error {
	sentenceID := newID()
	c.enqueueTTS(ctx, TTSMessage{SentenceID: sentenceID, SentenceType: SentenceFirst, ContentType: ContentAction})

	err := c.runCompletion(ctx, sentenceID, depth)

	// An aborted turn gets its single LAST from handleAbort instead — emitting
	// one here too would violate the single-LAST-per-turn invariant.
	if !c.turnAborted.Load() {
		c.enqueueTTS(ctx, TTSMessage{SentenceID: sentenceID, SentenceType: SentenceLast, ContentType: ContentAction})
	}
	return err
}

// runCompletion drives one LLM completion, streaming text to TTS sentence by
// sentence and dispatching any requested tool calls before recursing. It
// implements the nine numbered rules of the turn loop:
//  1. send the full dialogue plus available tools to the model;
//  2. stream text, splitting into sentences, enqueuing each to TTS as it
//     completes — sentenceID and its FIRST/LAST bracket belong to the whole
//     turn (runTurn), not to this step;
//  3. detect inline <tool_call> markers as well as structured tool-call
//     deltas and stop treating further text as speakable the moment one
//     is seen;
//  4. accumulate the full assistant message (text + tool calls) and
//     append it to the dialogue in one Put;
//  5. dispatch each tool call through the unified dispatcher, unless the
//     turn has been aborted, in which case stop consuming and return;
//  6. ActionResponse speaks ToolResult.Response directly;
//  7. ActionRequestLLM appends the tool result message and recurses at
//     depth+1, carrying the same sentenceID;
//  8. ActionNotFound/ActionError speak an error utterance without closing
//     the connection;
//  9. depth is capped at maxToolLoopDepth to guarantee termination.
func (c *Connection) runCompletion(ctx context.Context, sentenceID string, depth int) error {
	if c.turnAborted.Load() {
		return nil
	}
	if depth > maxToolLoopDepth {
		c.speakError(ctx, sentenceID, "I've gotten stuck trying to help with that — let's try something else.")
		return &LLMError{Err: fmt.Errorf("tool loop exceeded max depth %d", maxToolLoopDepth)}
	}
	if c.deps.LLM == nil {
		return &LLMError{Err: fmt.Errorf("no llm provider configured")}
	}

	req := llm.CompletionRequest{
		Messages: c.dialogue.Messages(),
	}
	if c.deps.Tools != nil {
		req.Tools = c.deps.Tools.GetFunctions(mcp.BudgetTier(c.deps.BudgetTier))
	}

	ctx, span := observe.StartSpan(ctx, "gateway.llm.stream_completion")
	defer span.End()
	metrics := observe.DefaultMetrics()
	start := time.Now()

	stream, err := c.deps.LLM.StreamCompletion(ctx, req)
	if err != nil {
		metrics.RecordProviderError(ctx, "llm", "stream_completion")
		if c.turnAborted.Load() {
			return nil
		}
		c.speakError(ctx, sentenceID, "Sorry, I couldn't reach the language model.")
		return &LLMError{Err: err}
	}
	metrics.RecordProviderRequest(ctx, "llm", "stream_completion", "ok")
	defer func() { metrics.LLMDuration.Record(ctx, time.Since(start).Seconds()) }()

	var (
		full        strings.Builder
		sentenceBuf strings.Builder
		toolCalls   []types.ToolCall
		inlineMode  bool
	)

	for chunk := range stream {
		if c.turnAborted.Load() {
			// Stop consuming immediately; the channel is drained by nobody
			// from here on, but the provider is expected to stop producing
			// once ctx (cancelled by handleAbort) is done.
			return nil
		}

		if chunk.FinishReason == "error" {
			metrics.RecordProviderError(ctx, "llm", "stream_completion")
			c.speakError(ctx, sentenceID, "Sorry, something went wrong generating a response.")
			return &LLMError{Err: fmt.Errorf("provider reported a stream error")}
		}

		if len(chunk.ToolCalls) > 0 {
			toolCalls = append(toolCalls, chunk.ToolCalls...)
		}

		if chunk.Text != "" {
			full.WriteString(chunk.Text)
			if !inlineMode && detectInlineToolCall(full.String()) {
				inlineMode = true
			}
			if !inlineMode {
				sentenceBuf.WriteString(chunk.Text)
				c.flushCompleteSentences(ctx, sentenceID, &sentenceBuf)
			}
		}
	}

	if c.turnAborted.Load() {
		return nil
	}

	if !inlineMode && sentenceBuf.Len() > 0 {
		c.enqueueTTS(ctx, TTSMessage{SentenceID: sentenceID, SentenceType: SentenceMiddle, ContentType: ContentText, Text: sentenceBuf.String()})
	}

	if inlineMode {
		if call, ok := parseInlineToolCall(full.String(), newID()); ok {
			toolCalls = append(toolCalls, call)
		}
	}

	assistantMsg := types.Message{Role: "assistant", Content: full.String(), ToolCalls: toolCalls}
	c.dialogue.Put(assistantMsg)

	if len(toolCalls) == 0 {
		return nil
	}
	return c.dispatchToolCalls(ctx, sentenceID, toolCalls, depth)
}

// flushCompleteSentences drains every complete sentence out of buf and
// enqueues it as a TTS middle message, leaving any trailing partial
// sentence in buf for the next chunk.
func (c *Connection) flushCompleteSentences(ctx context.Context, sentenceID string, buf *strings.Builder) {
	for {
		idx := firstSentenceBoundary(buf.String())
		if idx < 0 {
			return
		}
		s := buf.String()[:idx+1]
		rest := strings.TrimLeft(buf.String()[idx+1:], " \t\n\r")
		buf.Reset()
		buf.WriteString(rest)
		c.enqueueTTS(ctx, TTSMessage{SentenceID: sentenceID, SentenceType: SentenceMiddle, ContentType: ContentText, Text: s})
	}
}

// firstSentenceBoundary returns the byte index of the last byte of the first
// sentence-terminating punctuation mark followed by whitespace, or -1 if
// none is found yet.
func firstSentenceBoundary(s string) int {
	for i, r := range s {
		switch r {
		case '.', '!', '?', '。', '！', '？':
			end := i + utf8.RuneLen(r) - 1
			if end+1 < len(s) {
				switch s[end+1] {
				case ' ', '\n', '\r', '\t':
					return end
				}
			}
		}
	}
	return -1
}

// dispatchToolCalls executes each requested tool call in turn and applies
// the resulting action, recursing into another completion step (same
// sentenceID, depth+1) when any tool result needs to be fed back to the
// model. Stops early, without recursing, once the turn has been aborted.
func (c *Connection) dispatchToolCalls(ctx context.Context, sentenceID string, calls []types.ToolCall, depth int) error {
	if c.deps.Tools == nil {
		c.speakText(ctx, sentenceID, "Tools are not available right now.")
		return nil
	}

	needsLLM := false
	for _, call := range calls {
		if c.turnAborted.Load() {
			return nil
		}

		ctx, span := observe.StartSpan(ctx, "gateway.tool.dispatch", trace.WithAttributes(observe.Attr("tool", call.Name)))
		start := time.Now()
		result, err := c.deps.Tools.HandleLLMFunctionCall(ctx, call.Name, call.Arguments)
		observe.DefaultMetrics().ToolExecutionDuration.Record(ctx, time.Since(start).Seconds())
		span.End()
		if err != nil {
			observe.DefaultMetrics().RecordToolCall(ctx, call.Name, "error")
			c.speakText(ctx, sentenceID, "Sorry, that tool failed.")
			return &ToolError{Err: err}
		}

		switch result.Action {
		case tools.ActionResponse:
			observe.DefaultMetrics().RecordToolCall(ctx, call.Name, "ok")
			c.speakText(ctx, sentenceID, result.Response)
			c.dialogue.Put(types.Message{Role: "tool", Content: result.Response, ToolCallID: call.ID})
		case tools.ActionRequestLLM:
			observe.DefaultMetrics().RecordToolCall(ctx, call.Name, "ok")
			c.dialogue.Put(types.Message{Role: "tool", Content: result.Result, ToolCallID: call.ID})
			needsLLM = true
		case tools.ActionNotFound:
			observe.DefaultMetrics().RecordToolCall(ctx, call.Name, "not_found")
			c.speakText(ctx, sentenceID, fmt.Sprintf("I don't have a tool called %q.", call.Name))
			c.dialogue.Put(types.Message{Role: "tool", Content: result.Response, ToolCallID: call.ID})
		case tools.ActionError:
			observe.DefaultMetrics().RecordToolCall(ctx, call.Name, "error")
			c.speakText(ctx, sentenceID, "Sorry, that tool ran into a problem.")
			c.dialogue.Put(types.Message{Role: "tool", Content: result.Response, ToolCallID: call.ID})
		}
	}

	if c.turnAborted.Load() {
		return nil
	}
	if needsLLM {
		return c.runCompletion(ctx, sentenceID, depth+1)
	}
	return nil
}

// speakText enqueues a pre-formed utterance as a MIDDLE message on the
// turn's existing sentenceID. Used for tool results and error messages that
// are spoken verbatim mid-turn rather than passed back through the model —
// it must not open its own FIRST/LAST bracket, since it runs inside a turn
// runTurn has already bracketed.
func (c *Connection) speakText(ctx context.Context, sentenceID string, text string) {
	c.enqueueTTS(ctx, TTSMessage{SentenceID: sentenceID, SentenceType: SentenceMiddle, ContentType: ContentText, Text: text})
}

// speakError is speakText for operator-facing failure messages, spoken as a
// MIDDLE message on the current turn's sentenceID. Separated out so call
// sites read intent-first, even though the wire behaviour is identical.
func (c *Connection) speakError(ctx context.Context, sentenceID string, text string) {
	c.speakText(ctx, sentenceID, text)
}

func newID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
