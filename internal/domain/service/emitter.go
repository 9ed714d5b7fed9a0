package service

import (
	"strings"

	"github.com/ZeroTricks/lumo-tamer-sub000/internal/domain/entity"
)

// TextAndToolEmitter receives the translated output of one generation:
// text deltas the moment the detector clears them, and tool calls the
// moment they complete. The streaming HTTP handler implements this over
// an SSE response; AccumulatingEmitter implements it for non-streaming
// responses and for driving a bounce pass whose output is discarded.
type TextAndToolEmitter interface {
	EmitTextDelta(text string) error
	EmitToolCall(callID string, call entity.ParsedToolCall) error
}

// EmittedToolCall pairs a tool call with its minted call-id.
type EmittedToolCall struct {
	CallID string
	Call   entity.ParsedToolCall
}

// AccumulatingEmitter buffers everything for a single final envelope.
type AccumulatingEmitter struct {
	text      strings.Builder
	toolCalls []EmittedToolCall
}

// NewAccumulatingEmitter creates an empty accumulator.
func NewAccumulatingEmitter() *AccumulatingEmitter {
	return &AccumulatingEmitter{}
}

// EmitTextDelta appends a text delta.
func (e *AccumulatingEmitter) EmitTextDelta(text string) error {
	e.text.WriteString(text)
	return nil
}

// EmitToolCall records a completed tool call.
func (e *AccumulatingEmitter) EmitToolCall(callID string, call entity.ParsedToolCall) error {
	e.toolCalls = append(e.toolCalls, EmittedToolCall{CallID: callID, Call: call})
	return nil
}

// Text returns the accumulated assistant text.
func (e *AccumulatingEmitter) Text() string {
	return e.text.String()
}

// ToolCalls returns the recorded tool calls in completion order.
func (e *AccumulatingEmitter) ToolCalls() []EmittedToolCall {
	return e.toolCalls
}

// FinishReason returns the terminal finish_reason for what was emitted:
// "tool_calls" iff at least one tool call went out, else "stop".
func (e *AccumulatingEmitter) FinishReason() string {
	return FinishReasonFor(len(e.toolCalls))
}

// FinishReasonFor maps an emitted tool-call count to the finish_reason
// both response modes share.
func FinishReasonFor(toolCallCount int) string {
	if toolCallCount > 0 {
		return "tool_calls"
	}
	return "stop"
}
