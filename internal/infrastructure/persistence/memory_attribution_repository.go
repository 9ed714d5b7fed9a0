package persistence

import (
	"context"
	"fmt"
	"sync"

	"github.com/ZeroTricks/lumo-tamer-sub000/internal/domain/repository"
	apperrors "github.com/ZeroTricks/lumo-tamer-sub000/pkg/errors"
)

// MemoryAttributionRepository 内存实现 (测试与无数据库运行)
type MemoryAttributionRepository struct {
	mu   sync.RWMutex
	byID map[string]repository.ToolCallAttribution
}

// NewMemoryAttributionRepository 创建内存仓库
func NewMemoryAttributionRepository() *MemoryAttributionRepository {
	return &MemoryAttributionRepository{
		byID: make(map[string]repository.ToolCallAttribution),
	}
}

// Save 保存归属记录
func (r *MemoryAttributionRepository) Save(_ context.Context, att *repository.ToolCallAttribution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[att.CallID] = *att
	return nil
}

// FindByCallID 按 call-id 查找归属记录
func (r *MemoryAttributionRepository) FindByCallID(_ context.Context, callID string) (*repository.ToolCallAttribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	att, ok := r.byID[callID]
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("attribution %s not found", callID))
	}
	return &att, nil
}
