package usecase

import (
	"context"
	"time"

	"github.com/ZeroTricks/lumo-tamer-sub000/internal/domain/entity"
	"github.com/ZeroTricks/lumo-tamer-sub000/internal/domain/repository"
	"github.com/ZeroTricks/lumo-tamer-sub000/internal/domain/service"
	"github.com/ZeroTricks/lumo-tamer-sub000/internal/infrastructure/prompt"
	"github.com/ZeroTricks/lumo-tamer-sub000/pkg/safego"
	"go.uber.org/zap"
)

// ChatRequest is a normalized client request, ready for the serializer.
type ChatRequest struct {
	Turns        []entity.Turn
	Instructions string // client system/developer text, pre-composition
	Tools        []entity.ToolDefinition
	RequestTitle bool
}

// ProcessChatUseCase funnels every chat through the generation
// serializer and the generation client, composing the instruction text
// (custom-tool advertisement included) on the way in and recording
// call-id attributions on the way out.
type ProcessChatUseCase struct {
	serializer *service.GenerationSerializer
	client     *service.GenerationClient

	templates  prompt.Templates
	toolPrefix string
	encryption bool

	attributions repository.AttributionRepository
	logger       *zap.Logger
}

// NewProcessChatUseCase wires the use case. attributions may be nil to
// skip attribution recording entirely.
func NewProcessChatUseCase(
	serializer *service.GenerationSerializer,
	client *service.GenerationClient,
	templates prompt.Templates,
	toolPrefix string,
	encryption bool,
	attributions repository.AttributionRepository,
	logger *zap.Logger,
) *ProcessChatUseCase {
	return &ProcessChatUseCase{
		serializer:   serializer,
		client:       client,
		templates:    templates,
		toolPrefix:   toolPrefix,
		encryption:   encryption,
		attributions: attributions,
		logger:       logger,
	}
}

// Execute runs one generation. The emitter receives deltas as they
// stream; the returned ChatResult is the aggregate view.
func (uc *ProcessChatUseCase) Execute(ctx context.Context, req ChatRequest, emitter service.TextAndToolEmitter) (*entity.ChatResult, error) {
	opts := service.DefaultChatOptions()
	opts.Instructions = prompt.ComposeInstructions(uc.templates, uc.toolPrefix, req.Tools, req.Instructions)
	opts.RequestTitle = req.RequestTitle
	opts.EnableEncryption = uc.encryption

	wrapped := emitter
	if uc.attributions != nil {
		wrapped = &attributingEmitter{inner: emitter, uc: uc}
	}

	var result *entity.ChatResult
	err := uc.serializer.Submit(ctx, func(ctx context.Context) error {
		r, err := uc.client.ChatWithHistory(ctx, req.Turns, wrapped, opts)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// attributingEmitter records each emitted call-id off the hot path.
type attributingEmitter struct {
	inner service.TextAndToolEmitter
	uc    *ProcessChatUseCase
}

func (e *attributingEmitter) EmitTextDelta(text string) error {
	return e.inner.EmitTextDelta(text)
}

func (e *attributingEmitter) EmitToolCall(callID string, call entity.ParsedToolCall) error {
	uc := e.uc
	safego.Go(uc.logger, "record-attribution", func() {
		att := &repository.ToolCallAttribution{
			CallID:    callID,
			ToolName:  call.Name,
			CreatedAt: time.Now().UTC(),
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := uc.attributions.Save(ctx, att); err != nil {
			uc.logger.Warn("Failed to record tool call attribution",
				zap.String("call_id", callID),
				zap.Error(err))
		}
	})
	return e.inner.EmitToolCall(callID, call)
}
