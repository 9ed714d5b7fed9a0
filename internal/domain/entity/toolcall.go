package entity

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// ToolDefinition is a client-supplied custom tool, accepted in either of
// the two on-the-wire shapes (nested under "function", or flat). The
// detector and emitter only ever look at Name and Parameters.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// ParsedToolCall is a tool invocation recovered either from free-form
// assistant text (streaming tool detector) or from the backend's native
// tool_call channel (native tool processor).
type ParsedToolCall struct {
	Name      string
	Arguments map[string]interface{}
}

// NormalizeArguments decodes a JSON-encoded-string "arguments" value one
// level, so callers always see a mapping regardless of how the backend
// framed it.
func NormalizeArguments(raw interface{}) map[string]interface{} {
	switch v := raw.(type) {
	case map[string]interface{}:
		return v
	case string:
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			return decoded
		}
		return map[string]interface{}{}
	default:
		return map[string]interface{}{}
	}
}

// NewCallID mints a stable opaque token for one tool invocation:
// "<tool-name>__<24-hex>". The name is embedded so a later
// function_call_output can be routed back to its tool without a
// separate table; the hex suffix comes from a cryptographically strong
// source so two calls to the same tool never collide.
func NewCallID(toolName string) (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("call id entropy: %w", err)
	}
	return fmt.Sprintf("%s__%s", toolName, hex.EncodeToString(buf)), nil
}

// ToolNameFromCallID recovers the tool name embedded in a call-id of the
// form "<name>__<hex>". The surrounding system uses this for attributing
// a function_call_output back to its originating tool without a lookup
// table. Returns ok=false if the call-id doesn't carry the "__" marker.
func ToolNameFromCallID(callID string) (name string, ok bool) {
	idx := strings.LastIndex(callID, "__")
	if idx < 0 {
		return "", false
	}
	return callID[:idx], true
}
