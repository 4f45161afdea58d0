package payment

import (
	"time"

	"gorm.io/datatypes"
)

// PaymentStatus 支付状态（来自支付渠道适配层的归一化结果）
type PaymentStatus string

const (
	PaymentStatusProcessing PaymentStatus = "processing" // 等待支付
	// 终态
	PaymentStatusSuccess  PaymentStatus = "paid"     // 支付成功
	PaymentStatusFailed   PaymentStatus = "failed"   // 支付失败
	PaymentStatusCanceled PaymentStatus = "canceled" // 支付取消
)

// PaymentType 支付类型
type PaymentType string

const (
	PaymentTypeOneTime      PaymentType = "one_time"     // 一次性支付
	PaymentTypeSubscription PaymentType = "subscription" // 订阅首次支付
	PaymentTypeRenew        PaymentType = "renew"        // 订阅续费
)

// PaymentInterval 计费周期
type PaymentInterval string

const (
	IntervalOneTime PaymentInterval = "one_time"
	IntervalDay     PaymentInterval = "day"
	IntervalWeek    PaymentInterval = "week"
	IntervalMonth   PaymentInterval = "month"
	IntervalYear    PaymentInterval = "year"
)

// PaymentInfo 支付结果明细
type PaymentInfo struct {
	TransactionID   string     `json:"transactionId"`
	Amount          int64      `json:"amount"` // 最小货币单位（分）
	Currency        string     `json:"currency"`
	DiscountCode    string     `json:"discountCode"`
	DiscountAmount  int64      `json:"discountAmount"`
	PaymentEmail    string     `json:"paymentEmail"`
	PaymentUserID   string     `json:"paymentUserId"`
	PaymentUserName string     `json:"paymentUserName"`
	PaidAt          *time.Time `json:"paidAt"`
	InvoiceID       string     `json:"invoiceId"`
	InvoiceURL      string     `json:"invoiceUrl"`
}

// SubscriptionInfo 订阅结果明细
// 周期起止以支付渠道上报为准，本地不做推算。
type SubscriptionInfo struct {
	SubscriptionID     string             `json:"subscriptionId"`
	Status             SubscriptionStatus `json:"status"`
	Amount             int64              `json:"amount"`
	Currency           string             `json:"currency"`
	Interval           PaymentInterval    `json:"interval"`
	IntervalCount      int                `json:"intervalCount"`
	TrialPeriodDays    int                `json:"trialPeriodDays"`
	CurrentPeriodStart *time.Time         `json:"currentPeriodStart"`
	CurrentPeriodEnd   *time.Time         `json:"currentPeriodEnd"`
	CanceledAt         *time.Time         `json:"canceledAt"`
	CanceledEndAt      *time.Time         `json:"canceledEndAt"`
	CanceledReason     string             `json:"canceledReason"`
	Description        string             `json:"description"`
}

// PaymentSession 归一化支付会话
// 各渠道适配器将 webhook/查询结果翻译为该结构后交给对账引擎，
// 引擎本身不与渠道发生网络交互。
type PaymentSession struct {
	Provider string `json:"provider"`

	PaymentStatus PaymentStatus  `json:"paymentStatus"`
	PaymentInfo   *PaymentInfo   `json:"paymentInfo"`
	PaymentResult datatypes.JSON `json:"paymentResult"` // 渠道原始回执

	SubscriptionID     string            `json:"subscriptionId"`
	SubscriptionInfo   *SubscriptionInfo `json:"subscriptionInfo"`
	SubscriptionResult datatypes.JSON    `json:"subscriptionResult"`
}

// PaymentEventType 支付事件类型
type PaymentEventType string

const (
	EventCheckoutSuccess    PaymentEventType = "checkout.success"
	EventPaymentSuccess     PaymentEventType = "payment.success"
	EventSubscriptionRenew  PaymentEventType = "subscription.renew"
	EventSubscriptionUpdate PaymentEventType = "subscription.updated"
	EventSubscriptionCancel PaymentEventType = "subscription.canceled"
)

// PaymentEvent 归一化支付事件（webhook 适配层产物）
type PaymentEvent struct {
	EventID   string           `json:"eventId"` // 渠道事件 ID，用于尽力去重
	EventType PaymentEventType `json:"eventType"`
	OrderNo   string           `json:"orderNo"`
	Session   PaymentSession   `json:"session"`
}
