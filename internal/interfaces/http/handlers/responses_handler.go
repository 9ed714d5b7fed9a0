package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ZeroTricks/lumo-tamer-sub000/internal/application/usecase"
	"github.com/ZeroTricks/lumo-tamer-sub000/internal/domain/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ResponsesHandler implements a minimal Responses-API surface: the input
// shapes (message, function_call, function_call_output) are fully
// normalized; output is the non-streaming response envelope.
type ResponsesHandler struct {
	usecase *usecase.ProcessChatUseCase
	logger  *zap.Logger
	modelID string
}

// ResponsesRequest mirrors the Responses API request format. Input is
// raw because it may be a bare string or an item array.
type ResponsesRequest struct {
	Model        string          `json:"model"`
	Input        json.RawMessage `json:"input" binding:"required"`
	Instructions string          `json:"instructions,omitempty"`
	Tools        []ToolSpec      `json:"tools,omitempty"`
	Stream       bool            `json:"stream,omitempty"`
}

// responsesWireItem is one input item before tagging.
type responsesWireItem struct {
	Type      string          `json:"type,omitempty"`
	Role      string          `json:"role,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Output    string          `json:"output,omitempty"`
}

// ResponsesResponse is the non-streaming response envelope.
type ResponsesResponse struct {
	ID        string                `json:"id"`
	Object    string                `json:"object"`
	CreatedAt int64                 `json:"created_at"`
	Model     string                `json:"model"`
	Status    string                `json:"status"`
	Output    []ResponsesOutputItem `json:"output"`
}

// ResponsesOutputItem is one output element: an assistant message or a
// function call.
type ResponsesOutputItem struct {
	Type      string                 `json:"type"`
	Role      string                 `json:"role,omitempty"`
	Content   []ResponsesContentPart `json:"content,omitempty"`
	CallID    string                 `json:"call_id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Arguments string                 `json:"arguments,omitempty"`
}

// ResponsesContentPart is one text part of an output message.
type ResponsesContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewResponsesHandler creates the handler.
func NewResponsesHandler(uc *usecase.ProcessChatUseCase, modelID string, logger *zap.Logger) *ResponsesHandler {
	return &ResponsesHandler{usecase: uc, logger: logger, modelID: modelID}
}

// CreateResponse handles POST /v1/responses
func (h *ResponsesHandler) CreateResponse(c *gin.Context) {
	var req ResponsesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error(), "invalid_request_error"))
		return
	}
	if req.Stream {
		c.JSON(http.StatusBadRequest, errorResponse("streaming is not supported on this endpoint; use /v1/chat/completions", "invalid_request_error"))
		return
	}

	items, err := decodeResponsesInput(req.Input)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error(), "invalid_request_error"))
		return
	}

	normalized, err := service.NormalizeResponsesInput(items)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error(), "invalid_request_error"))
		return
	}

	instructions := normalized.Instructions
	if req.Instructions != "" {
		instructions = req.Instructions
	}

	emitter := service.NewAccumulatingEmitter()
	_, err = h.usecase.Execute(c.Request.Context(), usecase.ChatRequest{
		Turns:        normalized.Turns,
		Instructions: instructions,
		Tools:        toEntityTools(req.Tools),
	}, emitter)
	if err != nil {
		h.logger.Error("Generation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse(err.Error(), "server_error"))
		return
	}

	model := req.Model
	if model == "" {
		model = h.modelID
	}

	output := make([]ResponsesOutputItem, 0, 1+len(emitter.ToolCalls()))
	if text := emitter.Text(); text != "" {
		output = append(output, ResponsesOutputItem{
			Type:    "message",
			Role:    "assistant",
			Content: []ResponsesContentPart{{Type: "output_text", Text: text}},
		})
	}
	for _, tc := range emitter.ToolCalls() {
		output = append(output, ResponsesOutputItem{
			Type:      "function_call",
			CallID:    tc.CallID,
			Name:      tc.Call.Name,
			Arguments: marshalArguments(tc.Call.Arguments),
		})
	}

	c.JSON(http.StatusOK, ResponsesResponse{
		ID:        "resp_" + uuid.NewString(),
		Object:    "response",
		CreatedAt: time.Now().Unix(),
		Model:     model,
		Status:    "completed",
		Output:    output,
	})
}

// decodeResponsesInput accepts either a bare string (one user message)
// or an array of input items.
func decodeResponsesInput(raw json.RawMessage) ([]service.ResponsesItem, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []service.ResponsesItem{{Type: "message", Role: "user", Content: text}}, nil
	}

	var wire []responsesWireItem
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}

	items := make([]service.ResponsesItem, 0, len(wire))
	for _, w := range wire {
		items = append(items, service.ResponsesItem{
			Type:      w.Type,
			Role:      w.Role,
			Content:   extractContentText(w.Content),
			CallID:    w.CallID,
			Name:      w.Name,
			Arguments: decodeArguments(w.Arguments),
			Output:    w.Output,
		})
	}
	return items, nil
}

// extractContentText flattens Responses content: a bare string, or an
// array of {type, text} parts whose text fields are concatenated.
func extractContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return string(raw)
	}
	out := ""
	for _, p := range parts {
		out += p.Text
	}
	return out
}
