package repository

import (
	"context"
	"time"
)

// ToolCallAttribution links an emitted call-id to its tool and backend
// request. The surrounding system uses it to attribute a later
// function_call_output without parsing the call-id; the core pipeline
// only ever writes here.
type ToolCallAttribution struct {
	CallID    string
	ToolName  string
	RequestID string // backend request id; rows recorded by ProcessChatUseCase leave it empty
	CreatedAt time.Time
}

// AttributionRepository persists tool-call attributions.
type AttributionRepository interface {
	Save(ctx context.Context, att *ToolCallAttribution) error
	FindByCallID(ctx context.Context, callID string) (*ToolCallAttribution, error)
}
