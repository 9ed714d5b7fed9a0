package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ZeroTricks/lumo-tamer-sub000/internal/domain/entity"
	apperrors "github.com/ZeroTricks/lumo-tamer-sub000/pkg/errors"
	"go.uber.org/zap"
)

// BackendFrame is one decoded SSE frame from the backend. Framing is the
// transport's concern; the client consumes one frame at a time.
type BackendFrame struct {
	Type      string `json:"type"`             // "token_data" or a terminal kind
	Target    string `json:"target,omitempty"` // message | title | tool_call | tool_result
	Content   string `json:"content,omitempty"`
	Encrypted bool   `json:"encrypted,omitempty"`
	Message   string `json:"message,omitempty"` // terminal frames only
}

// Terminal frame types ending a generation with an error.
const (
	FrameTokenData = "token_data"
	FrameError     = "error"
	FrameRejected  = "rejected"
	FrameHarmful   = "harmful"
	FrameTimeout   = "timeout"
)

// SSE dispatch targets inside token_data frames.
const (
	TargetMessage    = "message"
	TargetTitle      = "title"
	TargetToolCall   = "tool_call"
	TargetToolResult = "tool_result"
)

// FrameStream yields decoded frames until io.EOF or a read error.
type FrameStream interface {
	Next(ctx context.Context) (*BackendFrame, error)
	Close() error
}

// GenerationRequest is the body POSTed to the backend.
type GenerationRequest struct {
	Type       string            `json:"type"` // always "generation_request"
	Turns      []entity.Turn     `json:"turns"`
	Options    GenerationOptions `json:"options"`
	Targets    []string          `json:"targets"`
	RequestKey string            `json:"request_key,omitempty"` // base64, wrapped for the backend key
	RequestID  string            `json:"request_id,omitempty"`
}

// GenerationOptions carries the native tools enabled for this request.
// The caller's custom tools never appear here — they travel inside the
// instructions text so the backend treats them as string content.
type GenerationOptions struct {
	Tools []string `json:"tools"`
}

// BackendTransport opens one generation stream against the backend.
type BackendTransport interface {
	Generate(ctx context.Context, endpoint string, req *GenerationRequest) (FrameStream, error)
}

// CipherSession is one request's encryption context: a fresh symmetric
// key wrapped for the backend's published public key, plus an opaque
// request id binding turns and response chunks together.
type CipherSession interface {
	RequestID() string
	WrappedKey() string
	EncryptTurn(index int, content string) (string, error)
	DecryptChunk(content string) (string, error)
}

// CipherFactory mints a fresh CipherSession per generation.
type CipherFactory interface {
	NewSession() (CipherSession, error)
}

// ChatOptions tunes one generation.
type ChatOptions struct {
	EnableEncryption       bool
	Endpoint               string // override of the configured generation path
	RequestTitle           bool   // also request the "title" target (new conversations)
	Instructions           string
	InjectInstructionsInto string // InjectFirst or InjectLast
}

// DefaultChatOptions returns the options every request starts from.
func DefaultChatOptions() ChatOptions {
	return ChatOptions{
		EnableEncryption:       true,
		InjectInstructionsInto: InjectLast,
	}
}

// GenerationConfig is the read-mostly configuration the client holds for
// the life of the process.
type GenerationConfig struct {
	Endpoint           string
	EnableWebSearch    bool
	ToolPrefix         string
	CustomToolsEnabled bool
	CommandsEnabled    bool
	BounceInstruction  string
	TitleMaxLen        int
	MaxRetries         int
	RetryBaseWait      time.Duration
}

const defaultTitleMaxLen = 100

// maxPostsPerRequest bounds the real backend POSTs spent on one client
// request: the first pass plus at most one bounce, open-stream retries
// included. The budget is shared across both passes so a transient
// failure can never push a bounced request past two POSTs.
const maxPostsPerRequest = 2

// postBudget tracks the POSTs remaining for one client request.
type postBudget struct {
	remaining int
}

func (b *postBudget) take() bool {
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	return true
}

func (b *postBudget) spent() bool {
	return b.remaining <= 0
}

// GenerationClient drives one backend generation end to end: command
// short-circuit, instruction injection, per-turn encryption, SSE
// dispatch by target, and the single-depth bounce retry when the backend
// misroutes a custom tool through its native channel.
type GenerationClient struct {
	transport BackendTransport
	ciphers   CipherFactory
	commands  CommandHandler

	cfg     GenerationConfig
	metrics Metrics
	logger  *zap.Logger
}

// NewGenerationClient wires a client. ciphers may be nil to run the
// whole process unencrypted (development backends); commands may be nil
// when the command surface is disabled.
func NewGenerationClient(transport BackendTransport, ciphers CipherFactory, commands CommandHandler, cfg GenerationConfig, metrics Metrics, logger *zap.Logger) *GenerationClient {
	if cfg.TitleMaxLen <= 0 {
		cfg.TitleMaxLen = defaultTitleMaxLen
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &GenerationClient{
		transport: transport,
		ciphers:   ciphers,
		commands:  commands,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
	}
}

// Chat runs a single-message generation.
func (c *GenerationClient) Chat(ctx context.Context, message string, emitter TextAndToolEmitter, opts ChatOptions) (*entity.ChatResult, error) {
	return c.ChatWithHistory(ctx, []entity.Turn{entity.NewTurn(entity.RoleUser, message)}, emitter, opts)
}

// ChatWithHistory runs a generation over a full turn list.
func (c *GenerationClient) ChatWithHistory(ctx context.Context, turns []entity.Turn, emitter TextAndToolEmitter, opts ChatOptions) (*entity.ChatResult, error) {
	return c.generate(ctx, turns, emitter, opts, false, &postBudget{remaining: maxPostsPerRequest})
}

func (c *GenerationClient) generate(ctx context.Context, turns []entity.Turn, emitter TextAndToolEmitter, opts ChatOptions, isBounce bool, budget *postBudget) (*entity.ChatResult, error) {
	// Local commands short-circuit before anything touches the backend
	// or the cipher.
	if c.cfg.CommandsEnabled && c.commands != nil && len(turns) > 0 {
		last := turns[len(turns)-1]
		if last.Role == entity.RoleUser && IsCommand(last.Content) {
			if result, ok := c.commands.Handle(ctx, last.Content); ok {
				if err := emitter.EmitTextDelta(result); err != nil {
					return nil, err
				}
				return &entity.ChatResult{Text: result}, nil
			}
		}
	}

	if c.metrics != nil {
		c.metrics.IncGeneration()
		if isBounce {
			c.metrics.IncBounce()
		}
	}

	sendTurns := turns
	if opts.Instructions != "" {
		sendTurns = InjectInstructions(turns, opts.Instructions, opts.InjectInstructionsInto, c.cfg.CommandsEnabled)
	}

	req := &GenerationRequest{
		Type:    "generation_request",
		Targets: []string{TargetMessage},
		Options: GenerationOptions{Tools: AdvertisedNativeTools(c.cfg.EnableWebSearch)},
	}
	if opts.RequestTitle {
		req.Targets = []string{TargetTitle, TargetMessage}
	}

	var session CipherSession
	if opts.EnableEncryption && c.ciphers != nil {
		var err error
		session, err = c.ciphers.NewSession()
		if err != nil {
			return nil, apperrors.NewBackendTransportError("create cipher session", err)
		}
		encrypted := make([]entity.Turn, len(sendTurns))
		for i, t := range sendTurns {
			ct, err := session.EncryptTurn(i, t.Content)
			if err != nil {
				return nil, apperrors.NewBackendTransportError("encrypt turn", err)
			}
			encrypted[i] = entity.Turn{Role: t.Role, Content: ct}
		}
		sendTurns = encrypted
		req.RequestKey = session.WrappedKey()
		req.RequestID = session.RequestID()
	}
	req.Turns = sendTurns

	endpoint := c.cfg.Endpoint
	if opts.Endpoint != "" {
		endpoint = opts.Endpoint
	}

	stream, err := c.openStream(ctx, endpoint, req, budget)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	detector := NewToolCallDetector(c.cfg.ToolPrefix, c.cfg.CustomToolsEnabled, c.metrics, c.logger)
	native := NewNativeToolProcessor(c.cfg.ToolPrefix, isBounce, c.metrics, c.logger)

	var text strings.Builder
	var title strings.Builder

readLoop:
	for {
		frame, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, apperrors.NewCanceledError(ctx.Err())
			}
			return nil, apperrors.NewBackendTransportError("read stream", err)
		}

		switch frame.Type {
		case FrameTokenData:
			switch frame.Target {
			case TargetMessage:
				chunk := c.decryptChunk(session, frame)
				if err := c.emitDetected(emitter, detector.ProcessChunk(chunk), &text); err != nil {
					return nil, err
				}
			case TargetTitle:
				title.WriteString(c.decryptChunk(session, frame))
			case TargetToolCall:
				if native.FeedToolCall(frame.Content) {
					// Misrouted custom tool: stop reading, the bounce
					// below redoes the request through the text channel.
					break readLoop
				}
			case TargetToolResult:
				native.FeedToolResult(frame.Content)
			}

		case FrameError, FrameRejected, FrameHarmful, FrameTimeout:
			return nil, apperrors.NewBackendRejectedError(frame.Type, frame.Message)
		}
	}

	if err := c.emitDetected(emitter, detector.Finalize(), &text); err != nil {
		return nil, err
	}
	native.Finalize()
	observed := native.Result()

	result := &entity.ChatResult{
		Text:                 text.String(),
		Title:                postprocessTitle(title.String(), c.cfg.TitleMaxLen),
		Misrouted:            observed.Misrouted,
		NativeToolCall:       observed.ToolCall,
		NativeToolCallFailed: observed.Failed,
	}

	if !isBounce && observed.Misrouted && observed.ToolCall != nil {
		return c.bounce(ctx, turns, result, observed.ToolCall, emitter, opts, budget)
	}
	return result, nil
}

// bounce reissues the request with the first-pass text and an explicit
// instruction to emit the tool call as JSON text. The recursion is
// bounded at one: the inner call runs with isBounce=true, which both
// silences misroute aborts and skips this branch, and it draws on the
// same POST budget as the first pass.
func (c *GenerationClient) bounce(ctx context.Context, turns []entity.Turn, first *entity.ChatResult, call *entity.ParsedToolCall, emitter TextAndToolEmitter, opts ChatOptions, budget *postBudget) (*entity.ChatResult, error) {
	if ctx.Err() != nil {
		return nil, apperrors.NewCanceledError(ctx.Err())
	}
	if budget.spent() {
		// Retries on the first pass already used the request's POSTs;
		// the first-pass result stands.
		c.logger.Warn("Skipping bounce, request POST budget exhausted",
			zap.String("tool", call.Name))
		return first, nil
	}

	example, err := json.MarshalIndent(struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}{
		Name:      c.cfg.ToolPrefix + call.Name,
		Arguments: call.Arguments,
	}, "", "  ")
	if err != nil {
		return first, nil
	}

	bounceTurns := make([]entity.Turn, 0, len(turns)+2)
	bounceTurns = append(bounceTurns, turns...)
	bounceTurns = append(bounceTurns,
		entity.NewTurn(entity.RoleAssistant, first.Text),
		entity.NewTurn(entity.RoleUser, c.cfg.BounceInstruction+"\n\n"+string(example)),
	)

	c.logger.Info("Bouncing misrouted tool call",
		zap.String("tool", call.Name))

	second, err := c.generate(ctx, bounceTurns, emitter, opts, true, budget)
	if err != nil {
		return nil, err
	}
	if second.Title == "" {
		second.Title = first.Title
	}
	return second, nil
}

// openStream POSTs the request, retrying transient transport failures
// with exponential backoff. Only stream-open errors are retried — once
// frames have flowed, a retry would duplicate deltas. Every attempt,
// retries included, draws one POST from the request budget shared with
// the bounce pass.
func (c *GenerationClient) openStream(ctx context.Context, endpoint string, req *GenerationRequest, budget *postBudget) (FrameStream, error) {
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := c.cfg.RetryBaseWait * (1 << (attempt - 1))
			c.logger.Info("Retrying backend request",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", c.cfg.MaxRetries),
				zap.Duration("wait", wait),
				zap.Error(lastErr))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, apperrors.NewCanceledError(ctx.Err())
			}
		}

		if !budget.take() {
			if lastErr == nil {
				lastErr = errPostBudgetExhausted
			}
			break
		}

		stream, err := c.transport.Generate(ctx, endpoint, req)
		if err == nil {
			return stream, nil
		}
		if ctx.Err() != nil {
			return nil, apperrors.NewCanceledError(ctx.Err())
		}
		if apperrors.IsBackendRejected(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, apperrors.NewBackendTransportError("open stream", lastErr)
}

var errPostBudgetExhausted = fmt.Errorf("request POST budget exhausted")

// decryptChunk decrypts a token_data frame's content. Decryption failure
// is a degraded path, not a drop: the raw content is forwarded as-is and
// the failure is logged and counted.
func (c *GenerationClient) decryptChunk(session CipherSession, frame *BackendFrame) string {
	if !frame.Encrypted || session == nil {
		return frame.Content
	}
	plain, err := session.DecryptChunk(frame.Content)
	if err != nil {
		if c.metrics != nil {
			c.metrics.IncDecryptFailure()
		}
		c.logger.Error("Chunk decryption failed, forwarding raw content",
			zap.String("target", frame.Target),
			zap.Error(err))
		return frame.Content
	}
	return plain
}

// emitDetected forwards one detector result: text first, then each tool
// call with a freshly minted call-id, preserving stream order.
func (c *GenerationClient) emitDetected(emitter TextAndToolEmitter, res DetectorResult, text *strings.Builder) error {
	if res.TextToEmit != "" {
		text.WriteString(res.TextToEmit)
		if err := emitter.EmitTextDelta(res.TextToEmit); err != nil {
			return err
		}
	}
	for _, call := range res.CompletedToolCalls {
		id, err := entity.NewCallID(call.Name)
		if err != nil {
			return err
		}
		if c.metrics != nil {
			c.metrics.IncToolCallEmitted()
		}
		if err := emitter.EmitToolCall(id, call); err != nil {
			return err
		}
	}
	return nil
}

// postprocessTitle trims whitespace and surrounding quotes and bounds
// the title length.
func postprocessTitle(title string, maxLen int) string {
	t := strings.TrimSpace(title)
	for _, q := range []string{`"`, `'`} {
		if len(t) >= 2 && strings.HasPrefix(t, q) && strings.HasSuffix(t, q) {
			t = strings.TrimSpace(t[1 : len(t)-1])
		}
	}
	if runes := []rune(t); len(runes) > maxLen {
		t = string(runes[:maxLen])
	}
	return t
}
