package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/ZeroTricks/lumo-tamer-sub000/internal/domain/entity"
	apperrors "github.com/ZeroTricks/lumo-tamer-sub000/pkg/errors"
	"go.uber.org/zap"
)

// --- test doubles ---

type fakeStream struct {
	frames []BackendFrame
	pos    int
	closed bool
}

func (s *fakeStream) Next(ctx context.Context) (*BackendFrame, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if s.pos >= len(s.frames) {
		return nil, io.EOF
	}
	f := s.frames[s.pos]
	s.pos++
	return &f, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type fakeTransport struct {
	scripts  [][]BackendFrame
	openErrs []error

	requests  []*GenerationRequest
	endpoints []string
	streams   []*fakeStream
}

func (t *fakeTransport) Generate(_ context.Context, endpoint string, req *GenerationRequest) (FrameStream, error) {
	call := len(t.requests)
	t.requests = append(t.requests, req)
	t.endpoints = append(t.endpoints, endpoint)

	if call < len(t.openErrs) && t.openErrs[call] != nil {
		return nil, t.openErrs[call]
	}

	var frames []BackendFrame
	if call < len(t.scripts) {
		frames = t.scripts[call]
	}
	stream := &fakeStream{frames: frames}
	t.streams = append(t.streams, stream)
	return stream, nil
}

type recordingEmitter struct {
	texts []string
	calls []EmittedToolCall
}

func (e *recordingEmitter) EmitTextDelta(text string) error {
	e.texts = append(e.texts, text)
	return nil
}

func (e *recordingEmitter) EmitToolCall(callID string, call entity.ParsedToolCall) error {
	e.calls = append(e.calls, EmittedToolCall{CallID: callID, Call: call})
	return nil
}

type fakeCipherFactory struct {
	sessions int
}

func (f *fakeCipherFactory) NewSession() (CipherSession, error) {
	f.sessions++
	return &fakeCipherSession{id: fmt.Sprintf("req-%d", f.sessions)}, nil
}

type fakeCipherSession struct {
	id string
}

func (s *fakeCipherSession) RequestID() string  { return s.id }
func (s *fakeCipherSession) WrappedKey() string { return "wrapped-" + s.id }

func (s *fakeCipherSession) EncryptTurn(index int, content string) (string, error) {
	return fmt.Sprintf("enc[%d]:%s", index, content), nil
}

func (s *fakeCipherSession) DecryptChunk(content string) (string, error) {
	if rest, ok := strings.CutPrefix(content, "cipher:"); ok {
		return rest, nil
	}
	return "", fmt.Errorf("bad ciphertext")
}

type fakeCommands struct {
	handled []string
}

func (f *fakeCommands) Handle(_ context.Context, line string) (string, bool) {
	f.handled = append(f.handled, line)
	if CommandName(line) == "save" {
		return "Conversation saved.", true
	}
	return "", false
}

func messageFrames(chunks ...string) []BackendFrame {
	frames := make([]BackendFrame, 0, len(chunks))
	for _, c := range chunks {
		frames = append(frames, BackendFrame{Type: FrameTokenData, Target: TargetMessage, Content: c})
	}
	return frames
}

func newTestClient(transport BackendTransport, ciphers CipherFactory, commands CommandHandler) *GenerationClient {
	return NewGenerationClient(transport, ciphers, commands, GenerationConfig{
		Endpoint:           "/api/v1/generation",
		ToolPrefix:         "user:",
		CustomToolsEnabled: true,
		CommandsEnabled:    true,
		BounceInstruction:  "Call the tool by replying with only this JSON:",
		MaxRetries:         2,
		RetryBaseWait:      time.Millisecond,
	}, nil, zap.NewNop())
}

// --- tests ---

func TestClient_PlainText(t *testing.T) {
	transport := &fakeTransport{scripts: [][]BackendFrame{messageFrames("Hello, ", "world. This is a longer tail.")}}
	client := newTestClient(transport, nil, nil)
	emitter := &recordingEmitter{}

	result, err := client.Chat(context.Background(), "hi", emitter, DefaultChatOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "Hello, world. This is a longer tail."
	if result.Text != want {
		t.Fatalf("text = %q, want %q", result.Text, want)
	}
	if got := strings.Join(emitter.texts, ""); got != want {
		t.Fatalf("emitted = %q, want %q", got, want)
	}
	if len(emitter.calls) != 0 {
		t.Fatalf("no tool calls expected, got %d", len(emitter.calls))
	}
	if len(transport.requests) != 1 {
		t.Fatalf("expected exactly one POST, got %d", len(transport.requests))
	}
	if !transport.streams[0].closed {
		t.Fatal("stream must be released")
	}
}

func TestClient_DetectedToolCallGetsCallID(t *testing.T) {
	transport := &fakeTransport{scripts: [][]BackendFrame{
		messageFrames("Sure. ", "```json\n{\"name\":\"user:get_weather\",\"arguments\":{\"city\":\"Paris\"}}\n```"),
	}}
	client := newTestClient(transport, nil, nil)
	emitter := &recordingEmitter{}

	if _, err := client.Chat(context.Background(), "weather?", emitter, DefaultChatOptions()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(emitter.calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(emitter.calls))
	}
	call := emitter.calls[0]
	if call.Call.Name != "get_weather" {
		t.Fatalf("name = %q", call.Call.Name)
	}
	if !strings.HasPrefix(call.CallID, "get_weather__") {
		t.Fatalf("call-id must embed the stripped name, got %q", call.CallID)
	}
	if name, ok := entity.ToolNameFromCallID(call.CallID); !ok || name != "get_weather" {
		t.Fatalf("call-id must round-trip the name, got %q", name)
	}
}

func TestClient_TitleAccumulatedAndPostprocessed(t *testing.T) {
	frames := []BackendFrame{
		{Type: FrameTokenData, Target: TargetTitle, Content: "\"Weather"},
		{Type: FrameTokenData, Target: TargetTitle, Content: " in Paris\"  "},
	}
	frames = append(frames, messageFrames("ok")...)
	transport := &fakeTransport{scripts: [][]BackendFrame{frames}}
	client := newTestClient(transport, nil, nil)
	emitter := &recordingEmitter{}

	opts := DefaultChatOptions()
	opts.RequestTitle = true
	result, err := client.Chat(context.Background(), "hi", emitter, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Title != "Weather in Paris" {
		t.Fatalf("title = %q", result.Title)
	}
	// Title chunks are never forwarded as deltas.
	if got := strings.Join(emitter.texts, ""); got != "ok" {
		t.Fatalf("emitted = %q", got)
	}
	if got := transport.requests[0].Targets; len(got) != 2 || got[0] != TargetTitle {
		t.Fatalf("targets = %v", got)
	}
}

func TestClient_TerminalFrameFailsGeneration(t *testing.T) {
	for _, kind := range []string{FrameError, FrameRejected, FrameHarmful, FrameTimeout} {
		transport := &fakeTransport{scripts: [][]BackendFrame{{
			{Type: kind, Message: "nope"},
		}}}
		client := newTestClient(transport, nil, nil)

		_, err := client.Chat(context.Background(), "hi", &recordingEmitter{}, DefaultChatOptions())
		if !apperrors.IsBackendRejected(err) {
			t.Fatalf("%s: expected BackendRejected, got %v", kind, err)
		}
	}
}

func TestClient_MisrouteBounces(t *testing.T) {
	transport := &fakeTransport{scripts: [][]BackendFrame{
		{
			{Type: FrameTokenData, Target: TargetMessage, Content: "Let me call that tool. Working on it now."},
			{Type: FrameTokenData, Target: TargetToolCall, Content: `{"name":"my_custom_tool","arguments":{"city":"Paris"}}`},
			// Never reached — the misroute aborts the read loop.
			{Type: FrameTokenData, Target: TargetMessage, Content: "unreachable"},
		},
		messageFrames("```json\n{\"name\":\"user:my_custom_tool\",\"arguments\":{\"city\":\"Paris\"}}\n```"),
	}}
	client := newTestClient(transport, nil, nil)
	emitter := &recordingEmitter{}

	turns := []entity.Turn{entity.NewTurn(entity.RoleUser, "do the thing")}
	result, err := client.ChatWithHistory(context.Background(), turns, emitter, DefaultChatOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(transport.requests) != 2 {
		t.Fatalf("bounce must issue exactly one more POST, got %d", len(transport.requests))
	}

	second := transport.requests[1]
	if len(second.Turns) != 3 {
		t.Fatalf("bounce turns = %d, want original + assistant + user", len(second.Turns))
	}
	if second.Turns[1].Role != entity.RoleAssistant {
		t.Fatalf("turn 1 role = %q", second.Turns[1].Role)
	}
	lastTurn := second.Turns[2]
	if lastTurn.Role != entity.RoleUser {
		t.Fatalf("last turn role = %q", lastTurn.Role)
	}
	if !strings.Contains(lastTurn.Content, "Call the tool by replying with only this JSON:") {
		t.Fatalf("bounce instruction missing: %q", lastTurn.Content)
	}
	// The example uses the prefixed name — stripping happens after
	// detection, never before.
	if !strings.Contains(lastTurn.Content, `"name": "user:my_custom_tool"`) {
		t.Fatalf("example must carry the prefixed name: %q", lastTurn.Content)
	}

	if len(emitter.calls) != 1 || emitter.calls[0].Call.Name != "my_custom_tool" {
		t.Fatalf("second pass must emit the tool call, got %+v", emitter.calls)
	}
	if !result.Misrouted {
		// The returned result is the bounce pass's own, and that pass saw
		// no misroute; only the title is carried over from pass one.
		t.Log("note: the returned result comes from the bounce pass, which saw no misroute")
	}
}

func TestClient_BounceDepthBoundedAtOne(t *testing.T) {
	misrouteFrames := []BackendFrame{
		{Type: FrameTokenData, Target: TargetToolCall, Content: `{"name":"my_custom_tool","arguments":{}}`},
	}
	transport := &fakeTransport{scripts: [][]BackendFrame{misrouteFrames, misrouteFrames, misrouteFrames}}
	client := newTestClient(transport, nil, nil)

	_, err := client.Chat(context.Background(), "go", &recordingEmitter{}, DefaultChatOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(transport.requests) != 2 {
		t.Fatalf("at most 2 POSTs per client request, got %d", len(transport.requests))
	}
}

func TestClient_RetryPlusBounceSharesPostBudget(t *testing.T) {
	// First pass: one transient open failure, then a stream that
	// misroutes. The retry already spent the request's second POST, so
	// the bounce must be skipped — never a third POST.
	transport := &fakeTransport{
		openErrs: []error{fmt.Errorf("connection refused"), nil},
		scripts: [][]BackendFrame{
			nil,
			{
				{Type: FrameTokenData, Target: TargetMessage, Content: "first pass text before the misroute."},
				{Type: FrameTokenData, Target: TargetToolCall, Content: `{"name":"my_custom_tool","arguments":{}}`},
			},
			messageFrames("must never be requested"),
		},
	}
	client := newTestClient(transport, nil, nil)
	emitter := &recordingEmitter{}

	result, err := client.Chat(context.Background(), "go", emitter, DefaultChatOptions())
	if err != nil {
		t.Fatalf("exhausted budget must fall back to the first-pass result: %v", err)
	}
	if len(transport.requests) > 2 {
		t.Fatalf("at most 2 POSTs per client request, got %d", len(transport.requests))
	}
	if !result.Misrouted {
		t.Fatal("the skipped bounce must surface the first-pass misroute")
	}
}

func TestClient_BounceOpenFailureStaysWithinBudget(t *testing.T) {
	// First pass misroutes on its only POST; the bounce's open attempt
	// fails. The remaining budget allows no retry, so the request ends
	// after exactly 2 POSTs.
	transport := &fakeTransport{
		openErrs: []error{nil, fmt.Errorf("connection refused")},
		scripts: [][]BackendFrame{
			{
				{Type: FrameTokenData, Target: TargetToolCall, Content: `{"name":"my_custom_tool","arguments":{}}`},
			},
			nil,
			messageFrames("must never be requested"),
		},
	}
	client := newTestClient(transport, nil, nil)

	_, err := client.Chat(context.Background(), "go", &recordingEmitter{}, DefaultChatOptions())
	if !apperrors.IsBackendTransport(err) {
		t.Fatalf("expected a transport error from the failed bounce, got %v", err)
	}
	if len(transport.requests) > 2 {
		t.Fatalf("at most 2 POSTs per client request, got %d", len(transport.requests))
	}
}

func TestClient_NativeToolResultError(t *testing.T) {
	transport := &fakeTransport{scripts: [][]BackendFrame{{
		{Type: FrameTokenData, Target: TargetToolCall, Content: `{"name":"web_search","arguments":{"q":"go"}}`},
		{Type: FrameTokenData, Target: TargetToolResult, Content: `{"error":true}`},
		{Type: FrameTokenData, Target: TargetMessage, Content: "Search failed, sorry."},
	}}}
	client := newTestClient(transport, nil, nil)

	result, err := client.Chat(context.Background(), "search go", &recordingEmitter{}, DefaultChatOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.NativeToolCallFailed {
		t.Fatal("tool_result error:true must set NativeToolCallFailed")
	}
	if result.Misrouted {
		t.Fatal("a failed native call is not a misroute")
	}
	if len(transport.requests) != 1 {
		t.Fatalf("no bounce expected, got %d POSTs", len(transport.requests))
	}
	if result.NativeToolCall == nil || result.NativeToolCall.Name != "web_search" {
		t.Fatalf("native call = %+v", result.NativeToolCall)
	}
}

func TestClient_CommandShortCircuit(t *testing.T) {
	transport := &fakeTransport{}
	commands := &fakeCommands{}
	client := newTestClient(transport, nil, commands)
	emitter := &recordingEmitter{}

	result, err := client.Chat(context.Background(), "/save", emitter, DefaultChatOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Text != "Conversation saved." {
		t.Fatalf("text = %q", result.Text)
	}
	if len(transport.requests) != 0 {
		t.Fatal("commands must never reach the backend")
	}
	if got := strings.Join(emitter.texts, ""); got != "Conversation saved." {
		t.Fatalf("emitted = %q", got)
	}
}

func TestClient_UnknownCommandFallsThrough(t *testing.T) {
	transport := &fakeTransport{scripts: [][]BackendFrame{messageFrames("sent verbatim response")}}
	client := newTestClient(transport, nil, &fakeCommands{})

	if _, err := client.Chat(context.Background(), "/unknowncmd", &recordingEmitter{}, DefaultChatOptions()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(transport.requests) != 1 {
		t.Fatal("unknown commands go to the backend verbatim")
	}
	if transport.requests[0].Turns[0].Content != "/unknowncmd" {
		t.Fatalf("turn content = %q", transport.requests[0].Turns[0].Content)
	}
}

func TestClient_InstructionInjectionTransient(t *testing.T) {
	transport := &fakeTransport{scripts: [][]BackendFrame{messageFrames("ok")}}
	client := newTestClient(transport, nil, nil)

	turns := []entity.Turn{entity.NewTurn(entity.RoleUser, "question")}
	opts := DefaultChatOptions()
	opts.Instructions = "be nice"

	if _, err := client.ChatWithHistory(context.Background(), turns, &recordingEmitter{}, opts); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sent := transport.requests[0].Turns[0].Content
	if !strings.HasPrefix(sent, "[Project instructions: be nice]\n\n") {
		t.Fatalf("sent turn = %q", sent)
	}
	if turns[0].Content != "question" {
		t.Fatal("caller's turns must not be mutated")
	}
}

func TestClient_EncryptionPipeline(t *testing.T) {
	transport := &fakeTransport{scripts: [][]BackendFrame{{
		{Type: FrameTokenData, Target: TargetMessage, Content: "cipher:Hello ", Encrypted: true},
		{Type: FrameTokenData, Target: TargetMessage, Content: "cipher:world, this tail is long enough.", Encrypted: true},
	}}}
	ciphers := &fakeCipherFactory{}
	client := newTestClient(transport, ciphers, nil)
	emitter := &recordingEmitter{}

	result, err := client.Chat(context.Background(), "secret question", emitter, DefaultChatOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := transport.requests[0]
	if req.RequestKey != "wrapped-req-1" || req.RequestID != "req-1" {
		t.Fatalf("request key/id = %q / %q", req.RequestKey, req.RequestID)
	}
	if req.Turns[0].Content != "enc[0]:secret question" {
		t.Fatalf("turn must be ciphertext, got %q", req.Turns[0].Content)
	}
	if result.Text != "Hello world, this tail is long enough." {
		t.Fatalf("decrypted text = %q", result.Text)
	}
}

func TestClient_EncryptionDisabledPerRequest(t *testing.T) {
	transport := &fakeTransport{scripts: [][]BackendFrame{messageFrames("plain")}}
	ciphers := &fakeCipherFactory{}
	client := newTestClient(transport, ciphers, nil)

	opts := DefaultChatOptions()
	opts.EnableEncryption = false
	if _, err := client.Chat(context.Background(), "hello", &recordingEmitter{}, opts); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := transport.requests[0]
	if req.RequestKey != "" || req.Turns[0].Content != "hello" {
		t.Fatalf("encryption must be off: %+v", req)
	}
	if ciphers.sessions != 0 {
		t.Fatal("no cipher session should be minted")
	}
}

func TestClient_DecryptFailureForwardsRaw(t *testing.T) {
	transport := &fakeTransport{scripts: [][]BackendFrame{{
		{Type: FrameTokenData, Target: TargetMessage, Content: "garbage-ciphertext-without-prefix", Encrypted: true},
	}}}
	client := newTestClient(transport, &fakeCipherFactory{}, nil)
	emitter := &recordingEmitter{}

	result, err := client.Chat(context.Background(), "hi", emitter, DefaultChatOptions())
	if err != nil {
		t.Fatalf("decrypt failure must not fail the generation: %v", err)
	}
	if result.Text != "garbage-ciphertext-without-prefix" {
		t.Fatalf("raw content must be forwarded, got %q", result.Text)
	}
}

func TestClient_OpenStreamRetries(t *testing.T) {
	transport := &fakeTransport{
		openErrs: []error{fmt.Errorf("connection refused"), nil},
		scripts:  [][]BackendFrame{nil, messageFrames("recovered")},
	}
	client := newTestClient(transport, nil, nil)

	result, err := client.Chat(context.Background(), "hi", &recordingEmitter{}, DefaultChatOptions())
	if err != nil {
		t.Fatalf("retry should have recovered: %v", err)
	}
	if result.Text != "recovered" {
		t.Fatalf("text = %q", result.Text)
	}
	if len(transport.requests) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(transport.requests))
	}
}

func TestClient_EndpointOverride(t *testing.T) {
	transport := &fakeTransport{scripts: [][]BackendFrame{messageFrames("ok")}}
	client := newTestClient(transport, nil, nil)

	opts := DefaultChatOptions()
	opts.Endpoint = "/api/v1/special"
	if _, err := client.Chat(context.Background(), "hi", &recordingEmitter{}, opts); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if transport.endpoints[0] != "/api/v1/special" {
		t.Fatalf("endpoint = %q", transport.endpoints[0])
	}
}

func TestClient_AdvertisesOnlyNativeTools(t *testing.T) {
	transport := &fakeTransport{scripts: [][]BackendFrame{messageFrames("ok")}}
	client := newTestClient(transport, nil, nil)

	if _, err := client.Chat(context.Background(), "hi", &recordingEmitter{}, DefaultChatOptions()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tools := transport.requests[0].Options.Tools
	for _, name := range tools {
		if !IsNativeTool(name) {
			t.Fatalf("only native tools may be advertised, got %v", tools)
		}
	}
	if transport.requests[0].Type != "generation_request" {
		t.Fatalf("request type = %q", transport.requests[0].Type)
	}
}

func TestClient_NegativeMaxRetriesNormalized(t *testing.T) {
	cfg := GenerationConfig{MaxRetries: -5}
	client := NewGenerationClient(&fakeTransport{scripts: [][]BackendFrame{messageFrames("x")}}, nil, nil, cfg, nil, zap.NewNop())
	if _, err := client.Chat(context.Background(), "hi", &recordingEmitter{}, DefaultChatOptions()); err != nil {
		t.Fatalf("negative retries must normalize: %v", err)
	}
}
