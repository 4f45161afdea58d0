package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// API 指标
var (
	// APIRequestsTotal API 请求总数
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_api_requests_total",
			Help: "API 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// APIRequestDuration API 请求延迟（秒）
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_api_request_duration_seconds",
			Help:    "API 请求延迟分布",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// 支付对账指标
var (
	// WebhookEventsTotal 处理的支付事件总数
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_webhook_events_total",
			Help: "归一化支付事件处理总数",
		},
		[]string{"provider", "event_type", "result"},
	)

	// OrdersPaidTotal 成功支付订单总数
	OrdersPaidTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_orders_paid_total",
			Help: "到达 paid 终态的订单总数",
		},
		[]string{"provider", "payment_type"},
	)
)

// 积分账本指标
var (
	// CreditsGrantedTotal 发放积分总量
	CreditsGrantedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_credits_granted_total",
			Help: "发放积分累计量",
		},
		[]string{"scene"},
	)

	// CreditsConsumedTotal 消费积分总量
	CreditsConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_credits_consumed_total",
			Help: "消费积分累计量",
		},
		[]string{"scene"},
	)

	// CreditsCompensatedTotal 补偿回滚的积分总量
	CreditsCompensatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_credits_compensated_total",
			Help: "任务失败补偿回滚的积分累计量",
		},
	)
)

// AI 任务指标
var (
	// AITasksTotal AI 任务状态迁移总数
	AITasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_ai_tasks_total",
			Help: "AI 任务状态迁移总数",
		},
		[]string{"status", "media_type"},
	)
)
