package entity

// ChatResult is the generation client's return value for one client
// request (including any bounce iteration folded in).
type ChatResult struct {
	// Text is the full assistant text after tool-call extraction.
	Text string

	// Title is the post-processed conversation title, present only when
	// the title target was requested.
	Title string

	// Misrouted reports that the backend emitted a custom tool on its
	// native tool_call channel during this pass.
	Misrouted bool

	// NativeToolCall is the first tool call observed on the native
	// channel, if any. Later calls on the same stream count toward
	// metrics only.
	NativeToolCall *ParsedToolCall

	// NativeToolCallFailed is set when the backend's tool_result frame
	// carried error:true.
	NativeToolCallFailed bool
}
