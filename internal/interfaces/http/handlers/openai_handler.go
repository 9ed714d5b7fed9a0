package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ZeroTricks/lumo-tamer-sub000/internal/application/usecase"
	"github.com/ZeroTricks/lumo-tamer-sub000/internal/domain/entity"
	"github.com/ZeroTricks/lumo-tamer-sub000/internal/domain/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OpenAIHandler implements the OpenAI Chat Completions compatible API
// over the generation pipeline.
type OpenAIHandler struct {
	usecase *usecase.ProcessChatUseCase
	logger  *zap.Logger
	modelID string
	ownedBy string
}

// OpenAI API types

// ChatCompletionRequest mirrors OpenAI's request format
type ChatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages" binding:"required"`
	Tools    []ToolSpec    `json:"tools,omitempty"`
	Stream   bool          `json:"stream,omitempty"`
	User     string        `json:"user,omitempty"`
}

// ChatMessage represents a message in the conversation. Exactly one of
// the three accepted shapes applies: plain content, assistant with
// tool_calls, or a tool-result message carrying tool_call_id.
type ChatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []WireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// WireToolCall is one tool call on the wire, both directions.
type WireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function WireFunction `json:"function"`
}

// WireFunction carries name and arguments. Arguments is a RawMessage on
// input because clients send either a JSON string or a bare object.
type WireFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolSpec accepts both on-the-wire tool shapes: nested under
// "function" (Chat Completions) or flat (Responses).
type ToolSpec struct {
	Type        string                 `json:"type,omitempty"`
	Name        string                 `json:"name,omitempty"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Function    *ToolFunctionSpec      `json:"function,omitempty"`
}

// ToolFunctionSpec is the nested function part of a tool definition.
type ToolFunctionSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ChatCompletionResponse mirrors OpenAI's response format
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *ChatUsage   `json:"usage,omitempty"`
}

// ChatChoice represents a completion choice
type ChatChoice struct {
	Index        int            `json:"index"`
	Message      ChatMessageOut `json:"message"`
	FinishReason string         `json:"finish_reason"`
}

// ChatMessageOut is the assistant message in a non-streaming response.
type ChatMessageOut struct {
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	ToolCalls []WireToolCallOut `json:"tool_calls,omitempty"`
}

// WireToolCallOut is an outgoing tool call; arguments always a string.
type WireToolCallOut struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Function WireFunctionOut `json:"function"`
}

// WireFunctionOut is the function part of an outgoing tool call.
type WireFunctionOut struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatUsage represents token usage
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatStreamChunk represents a streaming chunk
type ChatStreamChunk struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []ChatStreamChoice `json:"choices"`
}

// ChatStreamChoice represents a streaming choice delta
type ChatStreamChoice struct {
	Index        int             `json:"index"`
	Delta        ChatStreamDelta `json:"delta"`
	FinishReason *string         `json:"finish_reason"`
}

// ChatStreamDelta represents the delta in a streaming choice
type ChatStreamDelta struct {
	Role      string              `json:"role,omitempty"`
	Content   string              `json:"content,omitempty"`
	ToolCalls []WireToolCallDelta `json:"tool_calls,omitempty"`
}

// WireToolCallDelta is one tool call inside a streaming delta.
type WireToolCallDelta struct {
	Index    int             `json:"index"`
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type,omitempty"`
	Function WireFunctionOut `json:"function"`
}

// OpenAIModel represents a model in the /v1/models response
type OpenAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsResponse mirrors OpenAI's models list response
type ModelsResponse struct {
	Object string        `json:"object"`
	Data   []OpenAIModel `json:"data"`
}

// NewOpenAIHandler creates a new OpenAI-compatible handler
func NewOpenAIHandler(uc *usecase.ProcessChatUseCase, modelID, ownedBy string, logger *zap.Logger) *OpenAIHandler {
	if modelID == "" {
		modelID = "lumo"
	}
	if ownedBy == "" {
		ownedBy = "lumobridge"
	}
	return &OpenAIHandler{
		usecase: uc,
		logger:  logger,
		modelID: modelID,
		ownedBy: ownedBy,
	}
}

// ChatCompletions handles POST /v1/chat/completions
func (h *OpenAIHandler) ChatCompletions(c *gin.Context) {
	var req ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error(), "invalid_request_error"))
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, errorResponse("messages array must not be empty", "invalid_request_error"))
		return
	}

	normalized, err := service.NormalizeChatMessages(toInboundMessages(req.Messages))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error(), "invalid_request_error"))
		return
	}

	chatReq := usecase.ChatRequest{
		Turns:        normalized.Turns,
		Instructions: normalized.Instructions,
		Tools:        toEntityTools(req.Tools),
	}

	model := req.Model
	if model == "" {
		model = h.modelID
	}

	if req.Stream {
		h.handleStream(c, chatReq, model)
		return
	}
	h.handleNonStream(c, chatReq, model)
}

// handleNonStream processes non-streaming chat completions
func (h *OpenAIHandler) handleNonStream(c *gin.Context, req usecase.ChatRequest, model string) {
	emitter := service.NewAccumulatingEmitter()

	_, err := h.usecase.Execute(c.Request.Context(), req, emitter)
	if err != nil {
		h.logger.Error("Generation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse(err.Error(), "server_error"))
		return
	}

	msg := ChatMessageOut{
		Role:    "assistant",
		Content: emitter.Text(),
	}
	for _, tc := range emitter.ToolCalls() {
		msg.ToolCalls = append(msg.ToolCalls, WireToolCallOut{
			ID:   tc.CallID,
			Type: "function",
			Function: WireFunctionOut{
				Name:      tc.Call.Name,
				Arguments: marshalArguments(tc.Call.Arguments),
			},
		})
	}

	promptLen := 0
	for _, t := range req.Turns {
		promptLen += len(t.Content)
	}
	completion := emitter.Text()

	c.JSON(http.StatusOK, ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatChoice{
			{
				Index:        0,
				Message:      msg,
				FinishReason: emitter.FinishReason(),
			},
		},
		Usage: &ChatUsage{
			PromptTokens:     promptLen / 4, // rough estimate
			CompletionTokens: len(completion) / 4,
			TotalTokens:      (promptLen + len(completion)) / 4,
		},
	})
}

// handleStream processes streaming chat completions (SSE)
func (h *OpenAIHandler) handleStream(c *gin.Context, req usecase.ChatRequest, model string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	emitter := newStreamEmitter(c.Writer, model, h.logger)
	emitter.writeRolePreamble()

	if _, err := h.usecase.Execute(c.Request.Context(), req, emitter); err != nil {
		h.logger.Error("Generation failed mid-stream", zap.Error(err))
		// Headers are gone; the error travels in-band.
		emitter.writeError(err.Error())
		return
	}

	emitter.finish()
}

// ListModels handles GET /v1/models
func (h *OpenAIHandler) ListModels(c *gin.Context) {
	c.JSON(http.StatusOK, ModelsResponse{
		Object: "list",
		Data: []OpenAIModel{
			{ID: h.modelID, Object: "model", Created: time.Now().Unix(), OwnedBy: h.ownedBy},
		},
	})
}

// --- streaming emitter ---

// streamEmitter implements service.TextAndToolEmitter over one SSE
// response. One chunk per text delta, one chunk per completed tool
// call, a final chunk with the finish_reason, then [DONE].
type streamEmitter struct {
	w       gin.ResponseWriter
	id      string
	created int64
	model   string

	toolIndex int
	logger    *zap.Logger
}

func newStreamEmitter(w gin.ResponseWriter, model string, logger *zap.Logger) *streamEmitter {
	return &streamEmitter{
		w:       w,
		id:      "chatcmpl-" + uuid.NewString(),
		created: time.Now().Unix(),
		model:   model,
		logger:  logger,
	}
}

func (e *streamEmitter) writeRolePreamble() {
	e.writeChunk(ChatStreamChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []ChatStreamChoice{
			{Index: 0, Delta: ChatStreamDelta{Role: "assistant"}},
		},
	})
}

// EmitTextDelta implements service.TextAndToolEmitter.
func (e *streamEmitter) EmitTextDelta(text string) error {
	e.writeChunk(ChatStreamChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []ChatStreamChoice{
			{Index: 0, Delta: ChatStreamDelta{Content: text}},
		},
	})
	return nil
}

// EmitToolCall implements service.TextAndToolEmitter. index counts up
// from 0 in completion order.
func (e *streamEmitter) EmitToolCall(callID string, call entity.ParsedToolCall) error {
	chunk := ChatStreamChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []ChatStreamChoice{
			{
				Index: 0,
				Delta: ChatStreamDelta{
					ToolCalls: []WireToolCallDelta{
						{
							Index: e.toolIndex,
							ID:    callID,
							Type:  "function",
							Function: WireFunctionOut{
								Name:      call.Name,
								Arguments: marshalArguments(call.Arguments),
							},
						},
					},
				},
			},
		},
	}
	e.toolIndex++
	e.writeChunk(chunk)
	return nil
}

// finish writes the terminal chunk and the [DONE] sentinel.
func (e *streamEmitter) finish() {
	reason := service.FinishReasonFor(e.toolIndex)
	e.writeChunk(ChatStreamChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []ChatStreamChoice{
			{Index: 0, Delta: ChatStreamDelta{}, FinishReason: &reason},
		},
	})
	io.WriteString(e.w, "data: [DONE]\n\n")
	e.w.Flush()
}

func (e *streamEmitter) writeError(message string) {
	payload, err := json.Marshal(gin.H{
		"error": gin.H{"message": message, "type": "server_error"},
	})
	if err != nil {
		return
	}
	fmt.Fprintf(e.w, "data: %s\n\n", payload)
	e.w.Flush()
}

func (e *streamEmitter) writeChunk(chunk ChatStreamChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		e.logger.Error("Failed to marshal SSE chunk", zap.Error(err))
		return
	}
	fmt.Fprintf(e.w, "data: %s\n\n", data)
	e.w.Flush()
}

// --- shape conversion helpers ---

func toInboundMessages(msgs []ChatMessage) []service.InboundMessage {
	out := make([]service.InboundMessage, 0, len(msgs))
	for _, m := range msgs {
		im := service.InboundMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			im.ToolCalls = append(im.ToolCalls, service.InboundToolCall{
				CallID:    tc.ID,
				Name:      tc.Function.Name,
				Arguments: decodeArguments(tc.Function.Arguments),
			})
		}
		out = append(out, im)
	}
	return out
}

func toEntityTools(specs []ToolSpec) []entity.ToolDefinition {
	out := make([]entity.ToolDefinition, 0, len(specs))
	for _, s := range specs {
		def := entity.ToolDefinition{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  s.Parameters,
		}
		if s.Function != nil {
			def.Name = s.Function.Name
			def.Description = s.Function.Description
			def.Parameters = s.Function.Parameters
		}
		if def.Name == "" {
			continue
		}
		out = append(out, def)
	}
	return out
}

// decodeArguments turns a raw arguments value (JSON string or object)
// into the interface form the normalizer re-stringifies.
func decodeArguments(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func marshalArguments(args map[string]interface{}) string {
	if args == nil {
		return "{}"
	}
	body, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(body)
}

func errorResponse(message, errType string) gin.H {
	return gin.H{
		"error": gin.H{
			"message": message,
			"type":    errType,
		},
	}
}
