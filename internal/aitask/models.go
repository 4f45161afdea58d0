package aitask

import (
	"time"

	"gorm.io/datatypes"
)

// TaskStatus AI 任务状态
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"    // 已创建，等待执行
	TaskStatusProcessing TaskStatus = "processing" // 执行中
	// 终态
	TaskStatusSuccess  TaskStatus = "success"  // 执行成功
	TaskStatusFailed   TaskStatus = "failed"   // 执行失败（积分已补偿）
	TaskStatusCanceled TaskStatus = "canceled" // 用户取消（积分已补偿）
)

// IsTerminal 是否终态
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailed || s == TaskStatusCanceled
}

// MediaType 任务产物类型
type MediaType string

const (
	MediaTypeText  MediaType = "text"
	MediaTypeImage MediaType = "image"
	MediaTypeVideo MediaType = "video"
	MediaTypeAudio MediaType = "audio"
)

// AITask AI 生成任务
// 创建即扣积分，任务与扣费流水在同一事务落库；
// credit_id 指向本次扣费的消费记录，失败补偿时凭它回滚。
type AITask struct {
	ID     string     `json:"id" gorm:"primaryKey;type:uuid"`
	TaskNo string     `json:"taskNo" gorm:"size:64;not null;uniqueIndex"`
	UserID string     `json:"userId" gorm:"type:uuid;not null;index:idx_task_user"`
	Status TaskStatus `json:"status" gorm:"size:20;not null;index"`

	MediaType MediaType `json:"mediaType" gorm:"size:20;not null"`
	Provider  string    `json:"provider" gorm:"size:50"` // 模型渠道
	Model     string    `json:"model" gorm:"size:100"`

	Prompt string         `json:"prompt" gorm:"type:text"`
	Params datatypes.JSON `json:"params" gorm:"type:jsonb"` // 渠道参数透传
	Result datatypes.JSON `json:"result" gorm:"type:jsonb"` // 产物地址等

	// 渠道侧任务标识（异步任务轮询/回调用）
	ExternalTaskID string `json:"externalTaskId" gorm:"size:128;index"`

	// 扣费信息
	CostCredits int64  `json:"costCredits" gorm:"not null;default:0"`
	CreditID    string `json:"creditId" gorm:"type:uuid"` // 消费流水 ID

	ErrorMessage string     `json:"errorMessage" gorm:"size:1000"`
	StartedAt    *time.Time `json:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime;index"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// TableName 指定表名
func (AITask) TableName() string {
	return "ai_tasks"
}

// CreateTaskRequest 创建任务请求
type CreateTaskRequest struct {
	UserID      string         `json:"userId"`
	MediaType   MediaType      `json:"mediaType"`
	Provider    string         `json:"provider"`
	Model       string         `json:"model"`
	Prompt      string         `json:"prompt"`
	Params      datatypes.JSON `json:"params"`
	CostCredits int64          `json:"costCredits"`
}

// UpdateTaskRequest 任务状态更新请求
// 非空字段才会写入，状态迁移到 failed/canceled 时先走积分补偿。
type UpdateTaskRequest struct {
	Status         TaskStatus     `json:"status"`
	Result         datatypes.JSON `json:"result"`
	ExternalTaskID string         `json:"externalTaskId"`
	ErrorMessage   string         `json:"errorMessage"`
}

// TaskQuery 任务查询条件
type TaskQuery struct {
	UserID    string     `json:"userId"`
	Status    TaskStatus `json:"status"`
	MediaType MediaType  `json:"mediaType"`
	Page      int        `json:"page"`
	Limit     int        `json:"limit"`
}
