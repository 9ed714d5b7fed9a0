package service

import (
	"encoding/json"
	"fmt"

	"github.com/ZeroTricks/lumo-tamer-sub000/internal/domain/entity"
)

// InboundMessage is one client message after the HTTP layer has decoded
// it into a tagged shape: plain {role, content}, assistant-with-
// tool_calls, or a {role:"tool"} tool result. Exactly one shape applies
// per message; the normalizer matches on it.
type InboundMessage struct {
	Role       string
	Content    string
	ToolCalls  []InboundToolCall
	ToolCallID string
}

// InboundToolCall is one entry of an assistant message's tool_calls.
// Arguments may arrive as a JSON string or as an object; it is
// re-stringified either way so the turn content is stable across
// clients.
type InboundToolCall struct {
	CallID    string
	Name      string
	Arguments interface{}
}

// ResponsesItem is one element of a Responses-API input array.
type ResponsesItem struct {
	Type      string // "message" (or empty), "function_call", "function_call_output"
	Role      string
	Content   string
	CallID    string
	Name      string
	Arguments interface{}
	Output    string
}

// NormalizedRequest is the normalizer's output: a flat user/assistant
// turn list plus the instruction text folded out of system messages.
type NormalizedRequest struct {
	Turns        []entity.Turn
	Instructions string
}

// functionCallTurn is the wire shape embedded in an assistant turn that
// replays a prior tool call to the backend.
type functionCallTurn struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// functionCallOutputTurn is the wire shape for a tool result, embedded
// fenced in a user turn. The backend ignores the object without the
// fence.
type functionCallOutputTurn struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// NormalizeChatMessages maps the Chat Completions message shapes onto
// Turns. System and developer messages never become turns — their text
// is concatenated into Instructions for the generation client to inject.
func NormalizeChatMessages(msgs []InboundMessage) (NormalizedRequest, error) {
	var out NormalizedRequest

	for _, m := range msgs {
		switch m.Role {
		case "system", "developer":
			out.Instructions = appendInstructions(out.Instructions, m.Content)

		case "user":
			out.Turns = append(out.Turns, entity.NewTurn(entity.RoleUser, m.Content))

		case "assistant":
			if len(m.ToolCalls) == 0 {
				out.Turns = append(out.Turns, entity.NewTurn(entity.RoleAssistant, m.Content))
				break
			}
			// One assistant turn per call, even when the client batched
			// them — the backend consumes them as separate statements.
			for _, tc := range m.ToolCalls {
				turn, err := functionCallAsTurn(tc.CallID, tc.Name, tc.Arguments)
				if err != nil {
					return NormalizedRequest{}, err
				}
				out.Turns = append(out.Turns, turn)
			}

		case "tool":
			turn, err := functionCallOutputAsTurn(m.ToolCallID, m.Content)
			if err != nil {
				return NormalizedRequest{}, err
			}
			out.Turns = append(out.Turns, turn)

		default:
			return NormalizedRequest{}, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}

	return out, nil
}

// NormalizeResponsesInput maps the Responses-API input items onto Turns,
// applying the same transforms as the Chat Completions shapes.
func NormalizeResponsesInput(items []ResponsesItem) (NormalizedRequest, error) {
	var out NormalizedRequest

	for _, it := range items {
		switch it.Type {
		case "", "message":
			switch it.Role {
			case "system", "developer":
				out.Instructions = appendInstructions(out.Instructions, it.Content)
			case "assistant":
				out.Turns = append(out.Turns, entity.NewTurn(entity.RoleAssistant, it.Content))
			default:
				out.Turns = append(out.Turns, entity.NewTurn(entity.RoleUser, it.Content))
			}

		case "function_call":
			turn, err := functionCallAsTurn(it.CallID, it.Name, it.Arguments)
			if err != nil {
				return NormalizedRequest{}, err
			}
			out.Turns = append(out.Turns, turn)

		case "function_call_output":
			turn, err := functionCallOutputAsTurn(it.CallID, it.Output)
			if err != nil {
				return NormalizedRequest{}, err
			}
			out.Turns = append(out.Turns, turn)

		default:
			return NormalizedRequest{}, fmt.Errorf("unsupported input item type %q", it.Type)
		}
	}

	return out, nil
}

func functionCallAsTurn(callID, name string, args interface{}) (entity.Turn, error) {
	body, err := json.Marshal(functionCallTurn{
		Type:      "function_call",
		CallID:    callID,
		Name:      name,
		Arguments: stringifyArguments(args),
	})
	if err != nil {
		return entity.Turn{}, fmt.Errorf("encode function_call turn: %w", err)
	}
	return entity.NewTurn(entity.RoleAssistant, string(body)), nil
}

func functionCallOutputAsTurn(callID, output string) (entity.Turn, error) {
	body, err := json.Marshal(functionCallOutputTurn{
		Type:   "function_call_output",
		CallID: callID,
		Output: output,
	})
	if err != nil {
		return entity.Turn{}, fmt.Errorf("encode function_call_output turn: %w", err)
	}
	return entity.NewTurn(entity.RoleUser, "```json\n"+string(body)+"\n```"), nil
}

// stringifyArguments normalizes a tool call's arguments to a JSON
// string. String inputs pass through; everything else is re-marshalled.
func stringifyArguments(args interface{}) string {
	switch v := args.(type) {
	case nil:
		return "{}"
	case string:
		return v
	default:
		body, err := json.Marshal(v)
		if err != nil {
			return "{}"
		}
		return string(body)
	}
}

func appendInstructions(existing, add string) string {
	if add == "" {
		return existing
	}
	if existing == "" {
		return add
	}
	return existing + "\n\n" + add
}
