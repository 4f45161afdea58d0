package tasks

import "backend/internal/payment"

// Task Types
const (
	TypeProcessPaymentEvent = "payment:process_event"
	TypeSyncTaskStatus      = "aitask:sync_status"
	TypeExpireCredits       = "credits:expire"
)

// ProcessPaymentEventPayload 支付事件处理任务载荷
// webhook 入口验签归一化后立即入队，对账在 worker 侧异步完成。
type ProcessPaymentEventPayload struct {
	Event payment.PaymentEvent `json:"event"`
}

// SyncTaskStatusPayload AI 任务状态同步载荷
// 模型渠道回调或轮询的结果经队列异步落库。
type SyncTaskStatusPayload struct {
	TaskID         string `json:"task_id"`
	Status         string `json:"status"`
	Result         []byte `json:"result,omitempty"`
	ExternalTaskID string `json:"external_task_id,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

// ExpireCreditsPayload 积分过期清理载荷（定时任务，无参数）
type ExpireCreditsPayload struct{}
