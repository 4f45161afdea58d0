package payment

import (
	"time"

	"gorm.io/datatypes"
)

// OrderStatus 订单状态
type OrderStatus string

const (
	// 处理中状态
	OrderStatusPending OrderStatus = "pending" // 订单已落库，等待发起结账
	OrderStatusCreated OrderStatus = "created" // 渠道结账会话创建成功
	// 终态
	OrderStatusPaid   OrderStatus = "paid"   // 支付成功，至多到达一次
	OrderStatusFailed OrderStatus = "failed" // 支付失败或取消
)

// SubscriptionStatus 订阅状态
type SubscriptionStatus string

const (
	SubscriptionStatusPending       SubscriptionStatus = "pending"
	SubscriptionStatusActive        SubscriptionStatus = "active"
	SubscriptionStatusPendingCancel SubscriptionStatus = "pending_cancel"
	SubscriptionStatusCanceled      SubscriptionStatus = "canceled"
	SubscriptionStatusTrialing      SubscriptionStatus = "trialing"
	SubscriptionStatusExpired       SubscriptionStatus = "expired"
	SubscriptionStatusPaused        SubscriptionStatus = "paused"
)

// Order 订单
// 状态只由对账引擎迁移；(transaction_id, payment_provider) 作为渠道侧幂等键。
type Order struct {
	ID      string      `json:"id" gorm:"primaryKey;type:uuid"`
	OrderNo string      `json:"orderNo" gorm:"size:64;not null;uniqueIndex"`
	UserID  string      `json:"userId" gorm:"type:uuid;not null;index:idx_order_user"`
	Status  OrderStatus `json:"status" gorm:"size:20;not null;index"`

	PaymentProvider string          `json:"paymentProvider" gorm:"size:30;not null;uniqueIndex:udx_order_txn,priority:2"`
	PaymentType     PaymentType     `json:"paymentType" gorm:"size:20;not null"`
	PaymentInterval PaymentInterval `json:"paymentInterval" gorm:"size:20"`

	// 商品与金额
	ProductID   string `json:"productId" gorm:"size:64"`
	ProductName string `json:"productName" gorm:"size:200"`
	Amount      int64  `json:"amount" gorm:"not null"` // 应付金额（分）
	Currency    string `json:"currency" gorm:"size:10;not null"`
	Description string `json:"description" gorm:"size:500"`

	// 积分发放模板
	CreditsAmount    int64 `json:"creditsAmount" gorm:"not null;default:0"`
	CreditsValidDays int   `json:"creditsValidDays" gorm:"not null;default:0"`

	// 渠道结账与支付结果
	CheckoutInfo  datatypes.JSON `json:"checkoutInfo" gorm:"type:jsonb"`
	PaymentResult datatypes.JSON `json:"paymentResult" gorm:"type:jsonb"`

	// 支付明细（成功后回填）
	// 部分唯一索引：交易号回填后同一渠道交易只能对应一个订单
	TransactionID   string     `json:"transactionId" gorm:"size:128;uniqueIndex:udx_order_txn,priority:1,where:transaction_id <> ''"`
	PaymentAmount   int64      `json:"paymentAmount"`
	PaymentCurrency string     `json:"paymentCurrency" gorm:"size:10"`
	DiscountCode    string     `json:"discountCode" gorm:"size:64"`
	DiscountAmount  int64      `json:"discountAmount"`
	PaymentEmail    string     `json:"paymentEmail" gorm:"size:200"`
	PaymentUserID   string     `json:"paymentUserId" gorm:"size:128"`
	PaidAt          *time.Time `json:"paidAt"`
	InvoiceID       string     `json:"invoiceId" gorm:"size:128"`
	InvoiceURL      string     `json:"invoiceUrl" gorm:"size:500"`

	// 订阅关联（订阅首付/续费订单）
	SubscriptionNo     string         `json:"subscriptionNo" gorm:"size:64;index"`
	SubscriptionID     string         `json:"subscriptionId" gorm:"size:128"`
	SubscriptionResult datatypes.JSON `json:"subscriptionResult" gorm:"type:jsonb"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime;index"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// TableName 指定表名
func (Order) TableName() string {
	return "orders"
}

// Subscription 订阅
// (subscription_id, payment_provider) 作为渠道侧幂等键，
// 周期字段只接受渠道上报值。
type Subscription struct {
	ID             string             `json:"id" gorm:"primaryKey;type:uuid"`
	SubscriptionNo string             `json:"subscriptionNo" gorm:"size:64;not null;uniqueIndex"`
	UserID         string             `json:"userId" gorm:"type:uuid;not null;index:idx_sub_user"`
	Status         SubscriptionStatus `json:"status" gorm:"size:20;not null;index"`

	PaymentProvider string `json:"paymentProvider" gorm:"size:30;not null;uniqueIndex:idx_sub_provider,priority:2"`
	SubscriptionID  string `json:"subscriptionId" gorm:"size:128;not null;uniqueIndex:idx_sub_provider,priority:1"`

	ProductID       string          `json:"productId" gorm:"size:64"`
	ProductName     string          `json:"productName" gorm:"size:200"`
	PlanName        string          `json:"planName" gorm:"size:200"`
	Amount          int64           `json:"amount" gorm:"not null"`
	Currency        string          `json:"currency" gorm:"size:10;not null"`
	Interval        PaymentInterval `json:"interval" gorm:"size:20"`
	IntervalCount   int             `json:"intervalCount" gorm:"default:1"`
	TrialPeriodDays int             `json:"trialPeriodDays" gorm:"default:0"`

	// 续费发放模板
	CreditsAmount    int64 `json:"creditsAmount" gorm:"not null;default:0"`
	CreditsValidDays int   `json:"creditsValidDays" gorm:"not null;default:0"`

	// 当前计费周期（渠道上报，权威值）
	CurrentPeriodStart *time.Time `json:"currentPeriodStart"`
	CurrentPeriodEnd   *time.Time `json:"currentPeriodEnd"`

	// 取消信息
	CanceledAt     *time.Time `json:"canceledAt"`
	CanceledEndAt  *time.Time `json:"canceledEndAt"`
	CanceledReason string     `json:"canceledReason" gorm:"size:500"`

	Description        string         `json:"description" gorm:"size:500"`
	SubscriptionResult datatypes.JSON `json:"subscriptionResult" gorm:"type:jsonb"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime;index"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// TableName 指定表名
func (Subscription) TableName() string {
	return "subscriptions"
}

// CreateOrderRequest 下单请求（结账发起前落库）
type CreateOrderRequest struct {
	UserID           string          `json:"userId"`
	PaymentProvider  string          `json:"paymentProvider"`
	PaymentType      PaymentType     `json:"paymentType"`
	PaymentInterval  PaymentInterval `json:"paymentInterval"`
	ProductID        string          `json:"productId"`
	ProductName      string          `json:"productName"`
	Amount           int64           `json:"amount"`
	Currency         string          `json:"currency"`
	Description      string          `json:"description"`
	CreditsAmount    int64           `json:"creditsAmount"`
	CreditsValidDays int             `json:"creditsValidDays"`
}

// OrderQuery 订单查询条件
type OrderQuery struct {
	UserID          string      `json:"userId"`
	Status          OrderStatus `json:"status"`
	PaymentType     PaymentType `json:"paymentType"`
	PaymentProvider string      `json:"paymentProvider"`
	Page            int         `json:"page"`
	Limit           int         `json:"limit"`
}
