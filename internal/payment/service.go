package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"backend/internal/common"
	"backend/internal/credits"
	"backend/internal/logger"
	"backend/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidOrder         = errors.New("无效的订单参数")
	ErrInvalidSession       = errors.New("无效的支付会话")
	ErrOrderNotFound        = errors.New("订单不存在")
	ErrSubscriptionNotFound = errors.New("订阅不存在")
	ErrUnknownPaymentStatus = errors.New("未知的支付状态")
	ErrSubscriptionMismatch = errors.New("订阅标识与订单记录不一致")
)

// Service 支付对账引擎
// 消费渠道适配层归一化后的支付会话，在单事务内完成订阅落库、
// 积分发放与订单状态迁移；所有入口都假设 webhook 可能重投。
type Service struct {
	db      *gorm.DB
	credits *credits.Service
}

// NewService 创建支付对账服务
func NewService(db *gorm.DB, creditService *credits.Service) *Service {
	return &Service{db: db, credits: creditService}
}

// ============ 下单 ============

// CreateOrder 创建订单（pending 状态，结账会话创建前落库）
func (s *Service) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*Order, error) {
	if req.UserID == "" || req.Amount < 0 || req.Currency == "" {
		return nil, ErrInvalidOrder
	}
	if req.PaymentType == "" {
		req.PaymentType = PaymentTypeOneTime
	}

	order := &Order{
		ID:               uuid.New().String(),
		OrderNo:          common.NewBusinessNo(),
		UserID:           req.UserID,
		Status:           OrderStatusPending,
		PaymentProvider:  req.PaymentProvider,
		PaymentType:      req.PaymentType,
		PaymentInterval:  req.PaymentInterval,
		ProductID:        req.ProductID,
		ProductName:      req.ProductName,
		Amount:           req.Amount,
		Currency:         req.Currency,
		Description:      req.Description,
		CreditsAmount:    req.CreditsAmount,
		CreditsValidDays: req.CreditsValidDays,
	}
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return nil, err
	}
	return order, nil
}

// MarkOrderCreated 渠道结账会话创建成功后，将订单推进到 created
// 仅 pending 订单允许迁移，重复调用影响行数为 0，直接忽略。
func (s *Service) MarkOrderCreated(ctx context.Context, orderNo string, checkoutInfo []byte) error {
	updates := map[string]interface{}{"status": OrderStatusCreated}
	if len(checkoutInfo) > 0 {
		updates["checkout_info"] = checkoutInfo
	}
	res := s.db.WithContext(ctx).Model(&Order{}).
		Where("order_no = ? AND status = ?", orderNo, OrderStatusPending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		logger.Info("订单非 pending 状态，跳过 created 迁移", zap.String("order_no", orderNo))
	}
	return nil
}

// ============ 支付事件入口 ============

// HandleCheckoutSuccess 处理结账完成事件
// 订单已到达终态（paid/failed）时直接幂等返回，乱序重投不改写终态也不发放；
// 会话终态决定订单走向：成功走对账事务，失败/取消置 failed，
// 仍在处理中则刷新回执后原样返回等待后续事件。
func (s *Service) HandleCheckoutSuccess(ctx context.Context, orderNo string, session *PaymentSession) (*Order, error) {
	if session == nil {
		return nil, ErrInvalidSession
	}

	order, err := s.GetOrderByNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if order.Status == OrderStatusPaid || order.Status == OrderStatusFailed {
		logger.Info("订单已到达终态，忽略重投事件",
			zap.String("order_no", orderNo),
			zap.String("status", string(order.Status)),
			zap.String("provider", session.Provider),
		)
		return order, nil
	}

	switch session.PaymentStatus {
	case PaymentStatusSuccess:
		return s.settleOrder(ctx, order, session)

	case PaymentStatusFailed, PaymentStatusCanceled:
		return s.markOrderFailed(ctx, order, session)

	case PaymentStatusProcessing:
		// 仅刷新渠道回执，状态原地等待后续事件
		if len(session.PaymentResult) > 0 {
			if err := s.db.WithContext(ctx).Model(&Order{}).
				Where("order_no = ?", orderNo).
				Update("payment_result", session.PaymentResult).Error; err != nil {
				return nil, err
			}
		}
		logger.Info("支付仍在处理中，等待后续事件", zap.String("order_no", orderNo))
		return order, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownPaymentStatus, session.PaymentStatus)
	}
}

// HandlePaymentSuccess 处理支付成功事件
// 与结账完成事件走同一条对账路径，两类事件乱序或重复到达都收敛到同一结果。
func (s *Service) HandlePaymentSuccess(ctx context.Context, orderNo string, session *PaymentSession) (*Order, error) {
	return s.HandleCheckoutSuccess(ctx, orderNo, session)
}

// settleOrder 支付成功对账事务
// 单事务内先乐观锁抢占 paid 迁移，抢到的投递才执行订阅 upsert 与积分发放；
// 订单行影响数为 0 说明另一次投递已完成迁移（或订单已进入终态），
// 本次不发放，按幂等成功处理。积分发放至多一次由此保证，
// credits 表上的订单号唯一索引兜底。
func (s *Service) settleOrder(ctx context.Context, order *Order, session *PaymentSession) (*Order, error) {
	scene := credits.ScenePayment
	var periodEnd *time.Time
	if session.SubscriptionInfo != nil {
		scene = credits.SceneSubscription
		periodEnd = session.SubscriptionInfo.CurrentPeriodEnd
	}

	var settled, granted bool
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		// 1. 乐观锁迁移订单到 paid，输掉竞争的投递到此为止
		updates := map[string]interface{}{
			"status":  OrderStatusPaid,
			"paid_at": time.Now(),
		}
		if session.SubscriptionID != "" {
			updates["subscription_id"] = session.SubscriptionID
		}
		if len(session.PaymentResult) > 0 {
			updates["payment_result"] = session.PaymentResult
		}
		if len(session.SubscriptionResult) > 0 {
			updates["subscription_result"] = session.SubscriptionResult
		}
		if info := session.PaymentInfo; info != nil {
			updates["transaction_id"] = info.TransactionID
			updates["payment_amount"] = info.Amount
			updates["payment_currency"] = info.Currency
			updates["discount_code"] = info.DiscountCode
			updates["discount_amount"] = info.DiscountAmount
			updates["payment_email"] = info.PaymentEmail
			updates["payment_user_id"] = info.PaymentUserID
			updates["invoice_id"] = info.InvoiceID
			updates["invoice_url"] = info.InvoiceURL
			if info.PaidAt != nil {
				updates["paid_at"] = *info.PaidAt
			}
		}

		res := db.Model(&Order{}).
			Where("order_no = ? AND status IN ?", order.OrderNo,
				[]OrderStatus{OrderStatusCreated, OrderStatusPending}).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			logger.Info("订单状态已被并发迁移，本次投递不发放", zap.String("order_no", order.OrderNo))
			return nil
		}
		settled = true

		// 2. 订阅订单：按 (subscription_id, provider) upsert 订阅并回填关联
		subscriptionNo := order.SubscriptionNo
		if session.SubscriptionInfo != nil && session.SubscriptionInfo.SubscriptionID != "" {
			sub, err := s.upsertSubscriptionInTx(db, order, session)
			if err != nil {
				return err
			}
			subscriptionNo = sub.SubscriptionNo
			if err := db.Model(&Order{}).
				Where("order_no = ?", order.OrderNo).
				Update("subscription_no", subscriptionNo).Error; err != nil {
				return err
			}
		}

		// 3. 按订单号幂等发放积分
		if order.CreditsAmount > 0 {
			_, g, err := s.credits.GrantForOrderInTx(db, &credits.GrantRequest{
				UserID:         order.UserID,
				Credits:        order.CreditsAmount,
				ValidDays:      order.CreditsValidDays,
				PeriodEnd:      periodEnd,
				Scene:          scene,
				OrderNo:        order.OrderNo,
				SubscriptionNo: subscriptionNo,
				Description:    fmt.Sprintf("订单 %s 支付成功发放", order.OrderNo),
			})
			if err != nil {
				return err
			}
			granted = g
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 指标在事务提交后计数，回滚不留假数
	if settled {
		metrics.OrdersPaidTotal.WithLabelValues(order.PaymentProvider, string(order.PaymentType)).Inc()
	}
	if granted {
		metrics.CreditsGrantedTotal.WithLabelValues(string(scene)).Add(float64(order.CreditsAmount))
	}
	return s.GetOrderByNo(ctx, order.OrderNo)
}

// markOrderFailed 支付失败或取消，订单置 failed
func (s *Service) markOrderFailed(ctx context.Context, order *Order, session *PaymentSession) (*Order, error) {
	updates := map[string]interface{}{"status": OrderStatusFailed}
	if len(session.PaymentResult) > 0 {
		updates["payment_result"] = session.PaymentResult
	}
	res := s.db.WithContext(ctx).Model(&Order{}).
		Where("order_no = ? AND status IN ?", order.OrderNo,
			[]OrderStatus{OrderStatusCreated, OrderStatusPending}).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	logger.Info("订单支付失败",
		zap.String("order_no", order.OrderNo),
		zap.String("payment_status", string(session.PaymentStatus)),
	)
	return s.GetOrderByNo(ctx, order.OrderNo)
}

// upsertSubscriptionInTx 按 (subscription_id, provider) 幂等落库订阅
// 已存在则用渠道上报的最新周期与状态覆盖，不存在则创建。
func (s *Service) upsertSubscriptionInTx(db *gorm.DB, order *Order, session *PaymentSession) (*Subscription, error) {
	info := session.SubscriptionInfo

	var existing Subscription
	err := db.Where("subscription_id = ? AND payment_provider = ?", info.SubscriptionID, session.Provider).
		First(&existing).Error
	if err == nil {
		updates := map[string]interface{}{
			"current_period_start": info.CurrentPeriodStart,
			"current_period_end":   info.CurrentPeriodEnd,
		}
		if info.Status != "" {
			updates["status"] = info.Status
		}
		if len(session.SubscriptionResult) > 0 {
			updates["subscription_result"] = session.SubscriptionResult
		}
		if err := db.Model(&existing).Updates(updates).Error; err != nil {
			return nil, err
		}
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	status := info.Status
	if status == "" {
		status = SubscriptionStatusActive
	}
	sub := &Subscription{
		ID:                 uuid.New().String(),
		SubscriptionNo:     common.NewBusinessNo(),
		UserID:             order.UserID,
		Status:             status,
		PaymentProvider:    session.Provider,
		SubscriptionID:     info.SubscriptionID,
		ProductID:          order.ProductID,
		ProductName:        order.ProductName,
		Amount:             info.Amount,
		Currency:           info.Currency,
		Interval:           info.Interval,
		IntervalCount:      info.IntervalCount,
		TrialPeriodDays:    info.TrialPeriodDays,
		CreditsAmount:      order.CreditsAmount,
		CreditsValidDays:   order.CreditsValidDays,
		CurrentPeriodStart: info.CurrentPeriodStart,
		CurrentPeriodEnd:   info.CurrentPeriodEnd,
		Description:        info.Description,
		SubscriptionResult: session.SubscriptionResult,
	}
	if sub.Amount == 0 {
		sub.Amount = order.Amount
	}
	if sub.Currency == "" {
		sub.Currency = order.Currency
	}
	if err := db.Create(sub).Error; err != nil {
		return nil, err
	}
	return sub, nil
}

// ============ 订阅续费 ============

// HandleSubscriptionRenewal 处理订阅续费事件
// 按 (subscription_id, provider) 定位订阅；会话携带的订阅标识与记录不一致属于
// 数据错账，立即失败并人工介入。续费订单按 (transaction_id, provider) 去重，
// 重投不会二次发放；单事务内完成续费订单落库、积分发放与周期推进。
func (s *Service) HandleSubscriptionRenewal(ctx context.Context, subscriptionID string, session *PaymentSession) (*Order, error) {
	if session == nil || session.PaymentInfo == nil || session.PaymentInfo.TransactionID == "" {
		return nil, fmt.Errorf("%w: 续费事件缺少渠道交易号", ErrInvalidSession)
	}

	sub, err := s.GetSubscriptionByProviderID(ctx, subscriptionID, session.Provider)
	if err != nil {
		return nil, err
	}
	if session.SubscriptionID != "" && session.SubscriptionID != sub.SubscriptionID {
		return nil, fmt.Errorf("%w: 事件=%s 记录=%s",
			ErrSubscriptionMismatch, session.SubscriptionID, sub.SubscriptionID)
	}

	info := session.PaymentInfo

	var order *Order
	var duplicate, granted bool
	err = s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		// 续费去重：同一渠道交易号只入账一次，事务内加锁复查；
		// 并发窗口由 orders 表上的 (transaction_id, provider) 唯一索引兜底
		var existing Order
		err := common.LockForUpdate(db.Model(&Order{})).
			Where("transaction_id = ? AND payment_provider = ? AND payment_type = ?",
				info.TransactionID, session.Provider, PaymentTypeRenew).
			First(&existing).Error
		if err == nil {
			logger.Info("续费交易已入账，忽略重投事件",
				zap.String("transaction_id", info.TransactionID),
				zap.String("order_no", existing.OrderNo),
			)
			order = &existing
			duplicate = true
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		paidAt := time.Now()
		if info.PaidAt != nil {
			paidAt = *info.PaidAt
		}

		order = &Order{
			ID:               uuid.New().String(),
			OrderNo:          common.NewBusinessNo(),
			UserID:           sub.UserID,
			Status:           OrderStatusPaid,
			PaymentProvider:  session.Provider,
			PaymentType:      PaymentTypeRenew,
			PaymentInterval:  sub.Interval,
			ProductID:        sub.ProductID,
			ProductName:      sub.ProductName,
			Amount:           info.Amount,
			Currency:         info.Currency,
			Description:      fmt.Sprintf("订阅 %s 续费", sub.SubscriptionNo),
			CreditsAmount:    sub.CreditsAmount,
			CreditsValidDays: sub.CreditsValidDays,
			PaymentResult:    session.PaymentResult,
			TransactionID:    info.TransactionID,
			PaymentAmount:    info.Amount,
			PaymentCurrency:  info.Currency,
			PaymentEmail:     info.PaymentEmail,
			PaymentUserID:    info.PaymentUserID,
			PaidAt:           &paidAt,
			InvoiceID:        info.InvoiceID,
			InvoiceURL:       info.InvoiceURL,
			SubscriptionNo:   sub.SubscriptionNo,
			SubscriptionID:   sub.SubscriptionID,
		}
		if err := db.Create(order).Error; err != nil {
			return err
		}

		// 续费积分随新周期结束过期
		if sub.CreditsAmount > 0 {
			var periodEnd *time.Time
			if session.SubscriptionInfo != nil {
				periodEnd = session.SubscriptionInfo.CurrentPeriodEnd
			}
			_, g, err := s.credits.GrantForOrderInTx(db, &credits.GrantRequest{
				UserID:         sub.UserID,
				Credits:        sub.CreditsAmount,
				ValidDays:      sub.CreditsValidDays,
				PeriodEnd:      periodEnd,
				Scene:          credits.SceneRenewal,
				OrderNo:        order.OrderNo,
				SubscriptionNo: sub.SubscriptionNo,
				Description:    fmt.Sprintf("订阅 %s 续费发放", sub.SubscriptionNo),
			})
			if err != nil {
				return err
			}
			granted = g
		}

		// 周期推进只接受渠道上报值，缺失则保持原值
		if session.SubscriptionInfo != nil {
			updates := map[string]interface{}{}
			if session.SubscriptionInfo.CurrentPeriodStart != nil {
				updates["current_period_start"] = session.SubscriptionInfo.CurrentPeriodStart
			}
			if session.SubscriptionInfo.CurrentPeriodEnd != nil {
				updates["current_period_end"] = session.SubscriptionInfo.CurrentPeriodEnd
			}
			if session.SubscriptionInfo.Status != "" {
				updates["status"] = session.SubscriptionInfo.Status
			}
			if len(session.SubscriptionResult) > 0 {
				updates["subscription_result"] = session.SubscriptionResult
			}
			if len(updates) > 0 {
				if err := db.Model(&Subscription{}).
					Where("id = ?", sub.ID).
					Updates(updates).Error; err != nil {
					return err
				}
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if !duplicate {
		metrics.OrdersPaidTotal.WithLabelValues(session.Provider, string(PaymentTypeRenew)).Inc()
		if granted {
			metrics.CreditsGrantedTotal.WithLabelValues(string(credits.SceneRenewal)).Add(float64(sub.CreditsAmount))
		}
	}
	return order, nil
}

// ============ 订阅状态同步 ============

// HandleSubscriptionUpdated 处理订阅变更事件
// 周期与状态以渠道上报为准覆盖本地记录。
func (s *Service) HandleSubscriptionUpdated(ctx context.Context, subscriptionID string, session *PaymentSession) (*Subscription, error) {
	if session == nil || session.SubscriptionInfo == nil {
		return nil, fmt.Errorf("%w: 变更事件缺少订阅明细", ErrInvalidSession)
	}

	sub, err := s.GetSubscriptionByProviderID(ctx, subscriptionID, session.Provider)
	if err != nil {
		return nil, err
	}

	info := session.SubscriptionInfo
	updates := map[string]interface{}{}
	if info.Status != "" {
		updates["status"] = info.Status
	}
	if info.CurrentPeriodStart != nil {
		updates["current_period_start"] = info.CurrentPeriodStart
	}
	if info.CurrentPeriodEnd != nil {
		updates["current_period_end"] = info.CurrentPeriodEnd
	}
	if info.CanceledAt != nil {
		updates["canceled_at"] = info.CanceledAt
	}
	if info.CanceledEndAt != nil {
		updates["canceled_end_at"] = info.CanceledEndAt
	}
	if info.CanceledReason != "" {
		updates["canceled_reason"] = info.CanceledReason
	}
	if len(session.SubscriptionResult) > 0 {
		updates["subscription_result"] = session.SubscriptionResult
	}
	if len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(&Subscription{}).
			Where("id = ?", sub.ID).
			Updates(updates).Error; err != nil {
			return nil, err
		}
	}
	return s.GetSubscriptionByNo(ctx, sub.SubscriptionNo)
}

// HandleSubscriptionCanceled 处理订阅取消事件
// 渠道未给出明确状态时默认置 canceled；周期未到期的取消（期末生效）
// 由渠道在状态里区分，本地不推算。
func (s *Service) HandleSubscriptionCanceled(ctx context.Context, subscriptionID string, session *PaymentSession) (*Subscription, error) {
	if session == nil {
		return nil, ErrInvalidSession
	}

	sub, err := s.GetSubscriptionByProviderID(ctx, subscriptionID, session.Provider)
	if err != nil {
		return nil, err
	}

	status := SubscriptionStatusCanceled
	updates := map[string]interface{}{}
	if info := session.SubscriptionInfo; info != nil {
		if info.Status != "" {
			status = info.Status
		}
		if info.CanceledAt != nil {
			updates["canceled_at"] = info.CanceledAt
		}
		if info.CanceledEndAt != nil {
			updates["canceled_end_at"] = info.CanceledEndAt
		}
		if info.CanceledReason != "" {
			updates["canceled_reason"] = info.CanceledReason
		}
	}
	updates["status"] = status
	if _, ok := updates["canceled_at"]; !ok {
		updates["canceled_at"] = time.Now()
	}
	if len(session.SubscriptionResult) > 0 {
		updates["subscription_result"] = session.SubscriptionResult
	}

	if err := s.db.WithContext(ctx).Model(&Subscription{}).
		Where("id = ?", sub.ID).
		Updates(updates).Error; err != nil {
		return nil, err
	}

	logger.Info("订阅已取消",
		zap.String("subscription_no", sub.SubscriptionNo),
		zap.String("status", string(status)),
	)
	return s.GetSubscriptionByNo(ctx, sub.SubscriptionNo)
}

// ============ 查询 ============

// GetOrderByNo 按订单号查询
func (s *Service) GetOrderByNo(ctx context.Context, orderNo string) (*Order, error) {
	var order Order
	if err := s.db.WithContext(ctx).Where("order_no = ?", orderNo).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderNo)
		}
		return nil, err
	}
	return &order, nil
}

// GetOrderByTransaction 按渠道交易号查询
func (s *Service) GetOrderByTransaction(ctx context.Context, transactionID, provider string) (*Order, error) {
	var order Order
	err := s.db.WithContext(ctx).
		Where("transaction_id = ? AND payment_provider = ?", transactionID, provider).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, transactionID)
		}
		return nil, err
	}
	return &order, nil
}

// GetSubscriptionByNo 按订阅号查询
func (s *Service) GetSubscriptionByNo(ctx context.Context, subscriptionNo string) (*Subscription, error) {
	var sub Subscription
	err := s.db.WithContext(ctx).Where("subscription_no = ?", subscriptionNo).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, subscriptionNo)
		}
		return nil, err
	}
	return &sub, nil
}

// GetSubscriptionByProviderID 按渠道订阅标识查询
func (s *Service) GetSubscriptionByProviderID(ctx context.Context, subscriptionID, provider string) (*Subscription, error) {
	var sub Subscription
	err := s.db.WithContext(ctx).
		Where("subscription_id = ? AND payment_provider = ?", subscriptionID, provider).
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s@%s", ErrSubscriptionNotFound, subscriptionID, provider)
		}
		return nil, err
	}
	return &sub, nil
}

// ListOrders 分页查询订单
func (s *Service) ListOrders(ctx context.Context, query *OrderQuery) ([]Order, int64, error) {
	db := s.db.WithContext(ctx).Model(&Order{})
	if query.UserID != "" {
		db = db.Where("user_id = ?", query.UserID)
	}
	if query.Status != "" {
		db = db.Where("status = ?", query.Status)
	}
	if query.PaymentType != "" {
		db = db.Where("payment_type = ?", query.PaymentType)
	}
	if query.PaymentProvider != "" {
		db = db.Where("payment_provider = ?", query.PaymentProvider)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page, limit := common.NormalizePage(query.Page, query.Limit)
	var orders []Order
	err := db.Order("created_at DESC").
		Limit(limit).
		Offset((page - 1) * limit).
		Find(&orders).Error
	return orders, total, err
}
