package gateway

import (
	"encoding/json"
	"strings"

	"github.com/embedded-voice/gateway/pkg/types"
)

const (
	toolCallOpenTag  = "<tool_call>"
	toolCallCloseTag = "</tool_call>"
)

// inlineToolCall is the best-effort JSON shape a model emits inside an
// inline <tool_call>...</tool_call> text marker when it does not use the
// provider's structured tool-call delta mechanism.
type inlineToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// detectInlineToolCall reports whether accumulated text opens an inline
// tool-call marker. Callers use this to stop treating further streamed
// content as speakable text the moment the marker appears.
func detectInlineToolCall(accumulated string) bool {
	return strings.HasPrefix(strings.TrimSpace(accumulated), toolCallOpenTag)
}

// extractJSONFromString finds the first balanced {...} object in s,
// tolerating the opening/closing <tool_call> tags around it.
func extractJSONFromString(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, toolCallOpenTag)
	s = strings.TrimSuffix(s, toolCallCloseTag)
	s = strings.TrimSpace(s)

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// parseInlineToolCall parses the best-effort inline fallback syntax into a
// types.ToolCall, minting a fresh call ID since the inline marker carries
// none. It returns ok=false if accumulated does not contain a parseable
// tool-call object.
func parseInlineToolCall(accumulated, mintedID string) (call types.ToolCall, ok bool) {
	raw := extractJSONFromString(accumulated)
	if raw == "" {
		return types.ToolCall{}, false
	}
	var parsed inlineToolCall
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return types.ToolCall{}, false
	}
	if parsed.Name == "" {
		return types.ToolCall{}, false
	}
	argsJSON, err := json.Marshal(parsed.Arguments)
	if err != nil {
		argsJSON = []byte("{}")
	}
	return types.ToolCall{
		ID:        mintedID,
		Name:      parsed.Name,
		Arguments: string(argsJSON),
	}, true
}
