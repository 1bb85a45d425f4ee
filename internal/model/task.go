package model

import (
	"time"
)

// TaskStatus 任务状态。
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
)

// Valid 判断状态是否属于允许的枚举值。
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted:
		return true
	}
	return false
}

// TaskPriority 任务优先级。
type TaskPriority string

const (
	TaskPriorityLow    TaskPriority = "low"
	TaskPriorityMedium TaskPriority = "medium"
	TaskPriorityHigh   TaskPriority = "high"
)

// Valid 判断优先级是否属于允许的枚举值。
func (p TaskPriority) Valid() bool {
	switch p {
	case TaskPriorityLow, TaskPriorityMedium, TaskPriorityHigh:
		return true
	}
	return false
}

// Task 表示一个待办任务。
//
// 每个任务有且仅有一个所属用户（Owner），用户被删除时其任务级联删除。
// CreatedAt 只在创建时写入，UpdatedAt 在每次修改时由 GORM 刷新。
type Task struct {
	ID        uint      `gorm:"primaryKey"` // 任务唯一标识
	CreatedAt time.Time // 创建时间
	UpdatedAt time.Time // 更新时间

	Title       string       `gorm:"type:varchar(255);not null"`               // 标题
	Description string       `gorm:"type:text;not null"`                       // 描述
	Status      TaskStatus   `gorm:"type:varchar(50);not null;default:pending"` // pending / in_progress / completed
	Priority    TaskPriority `gorm:"type:varchar(50);not null;default:low"`     // low / medium / high
	DueDate     *time.Time   // 截止时间（可选）

	OwnerID uint `gorm:"not null;index"`                                   // 所属用户 ID
	Owner   User `gorm:"foreignKey:OwnerID;constraint:OnDelete:CASCADE"` // 所属用户
}
