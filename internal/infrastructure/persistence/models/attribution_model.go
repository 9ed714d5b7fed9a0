package models

import "time"

// AttributionModel 工具调用归属记录
type AttributionModel struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	CallID    string `gorm:"uniqueIndex;size:128"`
	ToolName  string `gorm:"index;size:128"`
	RequestID string `gorm:"index;size:64"`
	CreatedAt time.Time
}

// TableName 指定表名
func (AttributionModel) TableName() string {
	return "tool_call_attributions"
}
