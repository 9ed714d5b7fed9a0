package service

import (
	"encoding/json"
	"strings"

	"github.com/ZeroTricks/lumo-tamer-sub000/internal/domain/entity"
	"go.uber.org/zap"
)

// Native tool vocabulary. The backend can only invoke these itself;
// anything else arriving on the tool_call channel is a custom tool the
// backend misclassified.
var nativeToolNames = map[string]bool{
	"proton_info":    true,
	"web_search":     true,
	"weather":        true,
	"stock":          true,
	"cryptocurrency": true,
}

// InternalNativeTools is the tool set always advertised to the backend.
var InternalNativeTools = []string{"proton_info"}

// ExternalNativeTools is additionally advertised when web search is
// enabled process-wide.
var ExternalNativeTools = []string{"web_search", "weather", "stock", "cryptocurrency"}

// IsNativeTool reports whether name belongs to the backend vocabulary.
func IsNativeTool(name string) bool {
	return nativeToolNames[name]
}

// AdvertisedNativeTools returns the native tool names to put on the
// request body for this process configuration.
func AdvertisedNativeTools(webSearch bool) []string {
	tools := append([]string{}, InternalNativeTools...)
	if webSearch {
		tools = append(tools, ExternalNativeTools...)
	}
	return tools
}

// NativeToolResult is what the processor observed over one stream.
type NativeToolResult struct {
	ToolCall  *entity.ParsedToolCall
	Failed    bool
	Misrouted bool
}

// NativeToolProcessor consumes the backend's tool_call / tool_result SSE
// targets. Both targets stream JSON in fragments, so each channel gets
// its own brace tracker. The processor classifies each completed call as
// native or misrouted and records whether the backend reported a failed
// result.
type NativeToolProcessor struct {
	callTracker   *JSONBraceTracker
	resultTracker *JSONBraceTracker

	bounceMode bool
	prefix     string

	result NativeToolResult

	metrics Metrics
	logger  *zap.Logger
}

// NewNativeToolProcessor creates a processor for one generation pass.
// In bounce mode misroutes are recorded but never abort the stream —
// that is what keeps the bounce depth bounded at one.
func NewNativeToolProcessor(prefix string, bounceMode bool, metrics Metrics, logger *zap.Logger) *NativeToolProcessor {
	return &NativeToolProcessor{
		callTracker:   NewJSONBraceTracker(),
		resultTracker: NewJSONBraceTracker(),
		bounceMode:    bounceMode,
		prefix:        prefix,
		metrics:       metrics,
		logger:        logger,
	}
}

// FeedToolCall consumes one tool_call frame's content. It returns true
// when the caller should abort its read loop: a misrouted custom tool
// outside bounce mode, which the subsequent bounce will redo as text.
func (p *NativeToolProcessor) FeedToolCall(content string) bool {
	abort := false
	for _, obj := range p.callTracker.Feed(content) {
		if p.handleCompletedCall(obj) {
			abort = true
		}
	}
	return abort
}

func (p *NativeToolProcessor) handleCompletedCall(obj string) bool {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		p.logger.Warn("Unparseable native tool_call frame", zap.Error(err))
		return false
	}

	name, _ := raw["name"].(string)
	args, ok := raw["arguments"]
	if !ok {
		args = raw["parameters"]
	}

	// Names are recorded canonically, without the custom-tool prefix;
	// the bounce instruction re-adds it when building its example.
	canonical := name
	if p.prefix != "" {
		canonical = strings.TrimPrefix(canonical, p.prefix)
	}

	call := entity.ParsedToolCall{
		Name:      canonical,
		Arguments: entity.NormalizeArguments(args),
	}

	// Only the first call is retained; the rest count toward metrics.
	if p.result.ToolCall == nil {
		p.result.ToolCall = &call
	}

	if IsNativeTool(name) {
		return false
	}

	p.result.Misrouted = true
	if p.metrics != nil {
		p.metrics.IncMisroutedToolCall()
	}
	p.logger.Info("Custom tool misrouted through native channel",
		zap.String("tool", name),
		zap.Bool("bounce_mode", p.bounceMode))

	return !p.bounceMode
}

// FeedToolResult consumes one tool_result frame's content. An outer
// object carrying error:true marks the native call failed.
func (p *NativeToolProcessor) FeedToolResult(content string) {
	for _, obj := range p.resultTracker.Feed(content) {
		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(obj), &raw); err != nil {
			p.logger.Warn("Unparseable native tool_result frame", zap.Error(err))
			continue
		}
		if failed, _ := raw["error"].(bool); failed {
			p.result.Failed = true
		}
	}
}

// Finalize marks the end of the stream. A call still in flight in the
// tracker is abandoned — only complete objects count.
func (p *NativeToolProcessor) Finalize() {
	p.callTracker.Reset()
	p.resultTracker.Reset()
}

// Result returns what the processor observed.
func (p *NativeToolProcessor) Result() NativeToolResult {
	return p.result
}
