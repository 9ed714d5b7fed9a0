package service

import (
	"encoding/json"
	"strings"

	"github.com/ZeroTricks/lumo-tamer-sub000/internal/domain/entity"
	"go.uber.org/zap"
)

// detectorState is the detector's position in the assistant text stream.
type detectorState int

const (
	stateNormal    detectorState = iota // plain text, watching for openers
	stateCodeFence                      // inside ``` ... ```
	stateRawJSON                        // inside a top-level { ... } object
)

// keepBackWindow is how many trailing bytes the detector holds in normal
// state so a fence or raw-JSON opener split across chunk boundaries is
// never half-emitted as text. Always flushed on Finalize.
const keepBackWindow = 10

// ToolCallDetector splits a stream of free-form assistant text into text
// deltas and completed tool-call objects. Text is forwarded as soon as it
// provably cannot be part of a tool-call opener; JSON payloads — fenced
// ```json blocks and raw top-level objects at the start of a line — are
// buffered until they close, parsed, and either diverted as tool calls
// or re-emitted as text when they turn out not to be one.
type ToolCallDetector struct {
	state       detectorState
	pending     string
	fenceBuf    strings.Builder
	tracker     *JSONBraceTracker
	atLineStart bool

	prefix  string // tool-name prefix stripped after detection, e.g. "user:"
	enabled bool

	metrics Metrics
	logger  *zap.Logger
}

// DetectorResult is the output of one ProcessChunk call.
type DetectorResult struct {
	// TextToEmit holds the bytes safe to forward immediately.
	TextToEmit string

	// CompletedToolCalls lists tool calls in the exact order their
	// closing byte arrived in the stream.
	CompletedToolCalls []entity.ParsedToolCall
}

// NewToolCallDetector creates a detector for one generation. Detector
// state is never reused across generations; a bounce gets a fresh one.
func NewToolCallDetector(prefix string, enabled bool, metrics Metrics, logger *zap.Logger) *ToolCallDetector {
	return &ToolCallDetector{
		state:       stateNormal,
		tracker:     NewJSONBraceTracker(),
		atLineStart: true,
		prefix:      prefix,
		enabled:     enabled,
		metrics:     metrics,
		logger:      logger,
	}
}

// ProcessChunk consumes one chunk of decrypted assistant text.
func (d *ToolCallDetector) ProcessChunk(chunk string) DetectorResult {
	if !d.enabled {
		return DetectorResult{TextToEmit: chunk}
	}

	d.pending += chunk
	var res DetectorResult

	for {
		before := len(d.pending)
		beforeState := d.state

		switch d.state {
		case stateNormal:
			d.scanNormal(&res)
		case stateCodeFence:
			d.scanFence(&res)
		case stateRawJSON:
			d.scanRawJSON(&res)
		}

		// Each pass must consume bytes or change state, otherwise the
		// detector is waiting on more data and must not spin.
		if len(d.pending) == before && d.state == beforeState {
			break
		}
	}

	return res
}

// Finalize flushes everything still buffered at end of stream. A
// partially parsed candidate gets one last JSON parse attempt; when that
// fails its bytes come back as plain text, never as a tool call. The
// normal-state keep-back window is always flushed here.
func (d *ToolCallDetector) Finalize() DetectorResult {
	var res DetectorResult
	if !d.enabled {
		return res
	}

	switch d.state {
	case stateNormal:
		res.TextToEmit = d.pending
	case stateCodeFence:
		buf := stripFenceTag(d.fenceBuf.String() + d.pending)
		if call, ok := d.parseToolCall(buf); ok {
			res.CompletedToolCalls = append(res.CompletedToolCalls, call)
		} else {
			res.TextToEmit = buf
		}
	case stateRawJSON:
		buf := d.tracker.Buffer() + d.pending
		if call, ok := d.parseToolCall(buf); ok {
			res.CompletedToolCalls = append(res.CompletedToolCalls, call)
		} else {
			res.TextToEmit = buf
		}
	}

	d.pending = ""
	d.fenceBuf.Reset()
	d.tracker.Reset()
	d.state = stateNormal
	return res
}

// scanNormal looks for the earliest opener in the pending buffer. Text
// before it is flushed; without an opener, everything but the keep-back
// window is flushed.
func (d *ToolCallDetector) scanNormal(res *DetectorResult) {
	idx, kind := d.findOpener()

	if idx >= 0 {
		d.emitText(res, d.pending[:idx])
		switch kind {
		case stateCodeFence:
			// Consume the backticks; an optional "json" tag and leading
			// newline stay in the buffer and are stripped at parse time.
			d.pending = d.pending[idx+3:]
			d.fenceBuf.Reset()
			d.state = stateCodeFence
		case stateRawJSON:
			// The brace itself belongs to the object.
			d.pending = d.pending[idx:]
			d.tracker.Reset()
			d.state = stateRawJSON
		}
		return
	}

	if flush := len(d.pending) - keepBackWindow; flush > 0 {
		d.emitText(res, d.pending[:flush])
		d.pending = d.pending[flush:]
	}
}

// findOpener returns the earliest definite opener position in pending
// and which state it enters, or (-1, stateNormal) when there is none. A
// fence opener is ``` anywhere in the text; a raw-JSON opener is { at
// start-of-line (whitespace before it allowed) whose next non-whitespace
// byte is a double quote.
func (d *ToolCallDetector) findOpener() (int, detectorState) {
	for i := 0; i < len(d.pending); i++ {
		switch d.pending[i] {
		case '`':
			if strings.HasPrefix(d.pending[i:], "```") {
				return i, stateCodeFence
			}
		case '{':
			if !d.wsLineStartAt(i) {
				continue
			}
			j := i + 1
			for j < len(d.pending) && isJSONSpace(d.pending[j]) {
				j++
			}
			if j < len(d.pending) && d.pending[j] == '"' {
				return i, stateRawJSON
			}
			// Next significant byte not seen yet: undecidable, the
			// keep-back window holds it until more data arrives.
		}
	}
	return -1, stateNormal
}

// scanFence accumulates fenced content until the closing backticks.
func (d *ToolCallDetector) scanFence(res *DetectorResult) {
	if j := strings.Index(d.pending, "```"); j >= 0 {
		d.fenceBuf.WriteString(d.pending[:j])
		d.pending = d.pending[j+3:]
		buf := stripFenceTag(d.fenceBuf.String())
		d.fenceBuf.Reset()
		d.state = stateNormal
		d.atLineStart = false

		if call, ok := d.parseToolCall(buf); ok {
			res.CompletedToolCalls = append(res.CompletedToolCalls, call)
		} else {
			d.emitText(res, "```\n"+buf+"```")
		}
		return
	}

	// Hold back a possibly split closer; buffer the rest.
	hold := len(d.pending) - 2
	if hold < 0 {
		hold = 0
	}
	d.fenceBuf.WriteString(d.pending[:hold])
	d.pending = d.pending[hold:]
}

// scanRawJSON feeds the brace tracker until the top-level object closes.
func (d *ToolCallDetector) scanRawJSON(res *DetectorResult) {
	buffered := len(d.tracker.Buffer())
	completed, _ := d.tracker.FeedWithRemainder(d.pending)
	if len(completed) == 0 {
		d.pending = ""
		return
	}

	// Only the first object belongs to this raw-JSON run; anything after
	// it goes back through normal-state scanning. The object's bytes are
	// the ones buffered from earlier chunks plus a prefix of pending.
	obj := completed[0]
	tail := d.pending[len(obj)-buffered:]

	d.state = stateNormal
	d.atLineStart = false
	d.pending = tail

	if call, ok := d.parseToolCall(obj); ok {
		res.CompletedToolCalls = append(res.CompletedToolCalls, call)
	} else {
		d.emitText(res, obj)
	}
}

func (d *ToolCallDetector) emitText(res *DetectorResult, text string) {
	if text == "" {
		return
	}
	res.TextToEmit += text
	d.atLineStart = strings.HasSuffix(text, "\n")
}

// lineStartAt reports whether position i begins a line.
func (d *ToolCallDetector) lineStartAt(i int) bool {
	if i == 0 {
		return d.atLineStart
	}
	return d.pending[i-1] == '\n'
}

// wsLineStartAt reports whether only spaces and tabs separate position i
// from the start of its line.
func (d *ToolCallDetector) wsLineStartAt(i int) bool {
	j := i
	for j > 0 && (d.pending[j-1] == ' ' || d.pending[j-1] == '\t') {
		j--
	}
	return d.lineStartAt(j)
}

func isJSONSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// stripFenceTag removes the optional "json" language tag (and the
// newline that follows it) from fenced content, so the tag neither
// reaches the parser nor reappears in re-emitted text.
func stripFenceTag(s string) string {
	if rest, ok := strings.CutPrefix(s, "json"); ok {
		s = rest
	}
	return strings.TrimPrefix(s, "\n")
}

// parseToolCall attempts to interpret buf as a tool-call object of shape
// {name, arguments} (or {name, parameters}). The configured prefix is
// stripped from the name after a successful parse — never before, the
// bounce instruction depends on the prefixed form surviving detection.
func (d *ToolCallDetector) parseToolCall(buf string) (entity.ParsedToolCall, bool) {
	s := strings.TrimSpace(buf)
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSpace(s)
	if s == "" || s[0] != '{' {
		return entity.ParsedToolCall{}, false
	}

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		d.recordInvalid("malformed_json")
		return entity.ParsedToolCall{}, false
	}

	name, _ := obj["name"].(string)
	if name == "" {
		d.recordInvalid("missing_name")
		return entity.ParsedToolCall{}, false
	}

	rawArgs, ok := obj["arguments"]
	if !ok {
		rawArgs, ok = obj["parameters"]
	}
	if !ok {
		d.recordInvalid("missing_arguments")
		return entity.ParsedToolCall{}, false
	}
	switch rawArgs.(type) {
	case map[string]interface{}, string:
	default:
		d.recordInvalid("bad_arguments_type")
		return entity.ParsedToolCall{}, false
	}

	if d.prefix != "" {
		name = strings.TrimPrefix(name, d.prefix)
	}

	return entity.ParsedToolCall{
		Name:      name,
		Arguments: entity.NormalizeArguments(rawArgs),
	}, true
}

func (d *ToolCallDetector) recordInvalid(reason string) {
	if d.metrics != nil {
		d.metrics.IncInvalidToolCandidate()
	}
	if d.logger != nil {
		d.logger.Debug("Discarded tool call candidate",
			zap.String("reason", reason))
	}
}
