package credits

import (
	"time"

	"gorm.io/datatypes"
)

// CreditStatus 积分记录状态
type CreditStatus string

const (
	StatusActive  CreditStatus = "active"  // 有效
	StatusExpired CreditStatus = "expired" // 已过期
	StatusDeleted CreditStatus = "deleted" // 已撤销（消费补偿后的软删除）
)

// TransactionType 积分交易类型
type TransactionType string

const (
	TransactionTypeGrant   TransactionType = "grant"   // 发放
	TransactionTypeConsume TransactionType = "consume" // 消费
)

// TransactionScene 积分交易场景
type TransactionScene string

const (
	ScenePayment      TransactionScene = "payment"      // 一次性支付
	SceneSubscription TransactionScene = "subscription" // 订阅首次支付
	SceneRenewal      TransactionScene = "renewal"      // 订阅续费
	SceneGift         TransactionScene = "gift"         // 赠送
	SceneReward       TransactionScene = "reward"       // 奖励
	SceneAITask       TransactionScene = "ai_task"      // AI 任务消耗
)

// Credit 积分流水记录
// 发放（grant）记录携带可递减的剩余额度与可选过期时间；
// 消费（consume）记录携带负数金额与逐条扣减明细，除补偿软删除外不可变更。
type Credit struct {
	ID              string           `json:"id" gorm:"primaryKey;type:uuid"`
	TransactionNo   string           `json:"transactionNo" gorm:"size:64;not null;uniqueIndex"`
	UserID          string           `json:"userId" gorm:"type:uuid;not null;index:idx_credit_user"`
	TransactionType TransactionType  `json:"transactionType" gorm:"size:20;not null;index:idx_credit_type"`
	Scene           TransactionScene `json:"scene" gorm:"column:transaction_scene;size:30"`
	Status          CreditStatus     `json:"status" gorm:"size:20;not null;index"`

	// 金额：发放为正，消费为负
	Credits          int64 `json:"credits" gorm:"not null"`
	RemainingCredits int64 `json:"remainingCredits" gorm:"not null;default:0"` // 仅发放记录有意义

	// 过期时间，NULL 表示永不过期
	ExpiresAt *time.Time `json:"expiresAt" gorm:"index:idx_credit_expires"`

	// 消费扣减明细（仅消费记录），JSON 数组 []ConsumedItem
	ConsumedDetail datatypes.JSON `json:"consumedDetail" gorm:"type:jsonb"`

	// 关联业务单号；部分唯一索引保证同一订单至多一条发放记录
	OrderNo        string `json:"orderNo" gorm:"size:64;index;uniqueIndex:udx_credit_order_grant,where:transaction_type = 'grant' AND order_no <> ''"`
	SubscriptionNo string `json:"subscriptionNo" gorm:"size:64;index"`

	Description string         `json:"description" gorm:"size:500"`
	Metadata    datatypes.JSON `json:"metadata" gorm:"type:jsonb"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime;index:idx_credit_created"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// TableName 指定表名
func (Credit) TableName() string {
	return "credits"
}

// ConsumedItem 单条发放记录的扣减明细
type ConsumedItem struct {
	CreditID        string     `json:"creditId"`
	TransactionNo   string     `json:"transactionNo"`
	ExpiresAt       *time.Time `json:"expiresAt"`
	CreditsConsumed int64      `json:"creditsConsumed"`
	CreditsBefore   int64      `json:"creditsBefore"`
	CreditsAfter    int64      `json:"creditsAfter"`
	BatchNo         int        `json:"batchNo"`
}

// GrantRequest 发放请求
type GrantRequest struct {
	UserID         string           `json:"userId"`
	Credits        int64            `json:"credits"`
	ValidDays      int              `json:"validDays"` // <=0 表示永不过期
	PeriodEnd      *time.Time       `json:"periodEnd"` // 订阅类发放：按周期结束时间过期，优先于 ValidDays
	Scene          TransactionScene `json:"scene"`
	Description    string           `json:"description"`
	OrderNo        string           `json:"orderNo"`
	SubscriptionNo string           `json:"subscriptionNo"`
}

// ConsumeRequest 消费请求
type ConsumeRequest struct {
	UserID      string           `json:"userId"`
	Credits     int64            `json:"credits"`
	Scene       TransactionScene `json:"scene"`
	Description string           `json:"description"`
	Metadata    datatypes.JSON   `json:"metadata"`
}

// CreditQuery 流水查询条件
type CreditQuery struct {
	UserID          string          `json:"userId"`
	Status          CreditStatus    `json:"status"`
	TransactionType TransactionType `json:"transactionType"`
	Page            int             `json:"page"`
	Limit           int             `json:"limit"`
}

// CalculateExpiration 计算发放记录的过期时间
// validDays<=0 且无周期结束时间时返回 nil（永不过期）；
// 订阅场景传入 periodEnd，积分随当前计费周期结束而过期。
func CalculateExpiration(validDays int, periodEnd *time.Time) *time.Time {
	if periodEnd != nil {
		t := *periodEnd
		return &t
	}
	if validDays <= 0 {
		return nil
	}
	t := time.Now().AddDate(0, 0, validDays)
	return &t
}
