package persistence

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/ZeroTricks/lumo-tamer-sub000/internal/domain/repository"
	"github.com/ZeroTricks/lumo-tamer-sub000/internal/infrastructure/persistence/models"
	apperrors "github.com/ZeroTricks/lumo-tamer-sub000/pkg/errors"
)

// GormAttributionRepository 基于 GORM 的工具调用归属仓库
type GormAttributionRepository struct {
	db *gorm.DB
}

// NewGormAttributionRepository 创建仓库
func NewGormAttributionRepository(db *gorm.DB) *GormAttributionRepository {
	return &GormAttributionRepository{db: db}
}

// Save 保存归属记录
func (r *GormAttributionRepository) Save(ctx context.Context, att *repository.ToolCallAttribution) error {
	model := &models.AttributionModel{
		CallID:    att.CallID,
		ToolName:  att.ToolName,
		RequestID: att.RequestID,
		CreatedAt: att.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("save attribution: %w", err)
	}
	return nil
}

// FindByCallID 按 call-id 查找归属记录
func (r *GormAttributionRepository) FindByCallID(ctx context.Context, callID string) (*repository.ToolCallAttribution, error) {
	var model models.AttributionModel
	err := r.db.WithContext(ctx).Where("call_id = ?", callID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFoundError(fmt.Sprintf("attribution %s not found", callID))
		}
		return nil, fmt.Errorf("find attribution: %w", err)
	}
	return &repository.ToolCallAttribution{
		CallID:    model.CallID,
		ToolName:  model.ToolName,
		RequestID: model.RequestID,
		CreatedAt: model.CreatedAt,
	}, nil
}
