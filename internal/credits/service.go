package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"backend/internal/common"
	"backend/internal/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidAmount       = errors.New("无效的积分金额")
	ErrInsufficientCredits = errors.New("积分余额不足")
	ErrCreditsFragmented   = errors.New("积分记录过于碎片化，超出单次消费扫描上限")
	ErrCreditNotFound      = errors.New("积分记录不存在")
	ErrNotConsumeRecord    = errors.New("目标不是消费记录")
)

const (
	defaultBatchSize  = 100
	defaultMaxBatches = 10
)

// Options 账本可调参数
type Options struct {
	// 单次消费每批扫描的发放记录数与最大批次数。
	// 超出 BatchSize*MaxBatches 条仍未凑足时按碎片化失败，而不是无界循环。
	BatchSize  int
	MaxBatches int
}

// Service 积分账本服务
// 余额恒等于有效且未过期的发放记录剩余额度之和，消费按到期时间升序逐条扣减。
type Service struct {
	db   *gorm.DB
	opts Options
}

// NewService 创建积分账本服务
func NewService(db *gorm.DB) *Service {
	return NewServiceWithOptions(db, Options{})
}

// NewServiceWithOptions 创建积分账本服务（自定义批量参数）
func NewServiceWithOptions(db *gorm.DB, opts Options) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxBatches <= 0 {
		opts.MaxBatches = defaultMaxBatches
	}
	return &Service{db: db, opts: opts}
}

// eligibleGrants 有效且未过期、仍有余额的发放记录过滤条件
func eligibleGrants(db *gorm.DB, userID string, now time.Time) *gorm.DB {
	return db.Model(&Credit{}).
		Where("user_id = ?", userID).
		Where("transaction_type = ?", TransactionTypeGrant).
		Where("status = ?", StatusActive).
		Where("remaining_credits > 0").
		Where("expires_at IS NULL OR expires_at > ?", now)
}

// ============ 发放 ============

// Grant 发放积分
func (s *Service) Grant(ctx context.Context, req *GrantRequest) (*Credit, error) {
	var entry *Credit
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		var err error
		entry, err = s.GrantInTx(db, req)
		return err
	})
	return entry, err
}

// GrantInTx 在调用方事务内发放积分
// 支付对账引擎在同一事务中完成订单状态迁移与积分发放时使用。
func (s *Service) GrantInTx(db *gorm.DB, req *GrantRequest) (*Credit, error) {
	if req.Credits <= 0 {
		return nil, ErrInvalidAmount
	}

	description := req.Description
	if description == "" {
		description = fmt.Sprintf("发放 %d 积分", req.Credits)
	}

	entry := &Credit{
		ID:               uuid.New().String(),
		TransactionNo:    common.NewBusinessNo(),
		UserID:           req.UserID,
		TransactionType:  TransactionTypeGrant,
		Scene:            req.Scene,
		Status:           StatusActive,
		Credits:          req.Credits,
		RemainingCredits: req.Credits,
		ExpiresAt:        CalculateExpiration(req.ValidDays, req.PeriodEnd),
		OrderNo:          req.OrderNo,
		SubscriptionNo:   req.SubscriptionNo,
		Description:      description,
	}
	if err := db.Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

// GrantForOrderInTx 按订单号幂等发放
// 同一订单号已存在发放记录时直接返回既有记录，不重复入账；
// webhook 重投与多事件（checkout.success / payment.success）竞态都落在这里兜底。
func (s *Service) GrantForOrderInTx(db *gorm.DB, req *GrantRequest) (*Credit, bool, error) {
	if req.OrderNo == "" {
		return nil, false, fmt.Errorf("%w: 订单号为空", ErrInvalidAmount)
	}

	var existing Credit
	err := db.Where("order_no = ? AND transaction_type = ?", req.OrderNo, TransactionTypeGrant).
		First(&existing).Error
	if err == nil {
		logger.Info("订单积分已发放，跳过重复入账",
			zap.String("order_no", req.OrderNo),
			zap.String("transaction_no", existing.TransactionNo),
		)
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	entry, err := s.GrantInTx(db, req)
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

// ============ 消费 ============

// Consume 消费积分
// 单事务内完成余额校验、按到期时间升序的逐条扣减与消费流水落库；
// 余额不足整体回滚，不产生任何扣减。
func (s *Service) Consume(ctx context.Context, req *ConsumeRequest) (*Credit, error) {
	var entry *Credit
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		var err error
		entry, err = s.ConsumeInTx(db, req)
		return err
	})
	return entry, err
}

// ConsumeInTx 在调用方事务内消费积分（任务编排器与消费入口共用）
func (s *Service) ConsumeInTx(db *gorm.DB, req *ConsumeRequest) (*Credit, error) {
	if req.Credits <= 0 {
		return nil, ErrInvalidAmount
	}
	now := time.Now()

	// 1. 余额预检：不足直接失败，避免无谓的行锁
	var balance int64
	if err := eligibleGrants(db, req.UserID, now).
		Select("COALESCE(SUM(remaining_credits), 0)").
		Scan(&balance).Error; err != nil {
		return nil, err
	}
	if balance < req.Credits {
		return nil, fmt.Errorf("%w: %d < %d", ErrInsufficientCredits, balance, req.Credits)
	}

	// 2. 按到期时间升序分批扣减，永不过期的排在最后
	remaining := req.Credits
	consumedItems := make([]ConsumedItem, 0, 4)

	for batchNo := 1; remaining > 0; batchNo++ {
		if batchNo > s.opts.MaxBatches {
			return nil, fmt.Errorf("%w: 已扫描 %d 批 × %d 条", ErrCreditsFragmented, s.opts.MaxBatches, s.opts.BatchSize)
		}

		// 已扣到零的记录会退出过滤条件，直接取下一批即可，无需偏移量
		var batch []Credit
		if err := common.LockForUpdate(eligibleGrants(db, req.UserID, now)).
			Order("expires_at ASC NULLS LAST").
			Order("created_at ASC").
			Limit(s.opts.BatchSize).
			Find(&batch).Error; err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}

		for i := range batch {
			if remaining <= 0 {
				break
			}
			item := &batch[i]
			toConsume := min(remaining, item.RemainingCredits)

			if err := db.Model(&Credit{}).
				Where("id = ?", item.ID).
				Update("remaining_credits", gorm.Expr("remaining_credits - ?", toConsume)).Error; err != nil {
				return nil, err
			}

			consumedItems = append(consumedItems, ConsumedItem{
				CreditID:        item.ID,
				TransactionNo:   item.TransactionNo,
				ExpiresAt:       item.ExpiresAt,
				CreditsConsumed: toConsume,
				CreditsBefore:   item.RemainingCredits,
				CreditsAfter:    item.RemainingCredits - toConsume,
				BatchNo:         batchNo,
			})
			remaining -= toConsume
		}
	}

	// 3. 预检通过但加锁后额度不够（并发消费抢先提交），整体回滚
	if remaining > 0 {
		return nil, fmt.Errorf("%w: 加锁后剩余可扣 %d 不足", ErrInsufficientCredits, req.Credits-remaining)
	}

	detail, err := json.Marshal(consumedItems)
	if err != nil {
		return nil, err
	}

	description := req.Description
	if description == "" {
		description = fmt.Sprintf("消费 %d 积分", req.Credits)
	}

	// 4. 落一条消费流水，金额取负
	entry := &Credit{
		ID:              uuid.New().String(),
		TransactionNo:   common.NewBusinessNo(),
		UserID:          req.UserID,
		TransactionType: TransactionTypeConsume,
		Scene:           req.Scene,
		Status:          StatusActive,
		Credits:         -req.Credits,
		ConsumedDetail:  detail,
		Description:     description,
		Metadata:        req.Metadata,
	}
	if err := db.Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

// ============ 补偿 ============

// Compensate 撤销一笔消费（幂等）
// 将扣减明细逐条加回对应发放记录，并把消费记录软删除；
// 已软删除的消费记录直接返回，不会重复加回。
func (s *Service) Compensate(ctx context.Context, consumeID string) (*Credit, error) {
	var entry *Credit
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		var err error
		entry, err = s.CompensateInTx(db, consumeID)
		return err
	})
	return entry, err
}

// CompensateInTx 在调用方事务内撤销消费
func (s *Service) CompensateInTx(db *gorm.DB, consumeID string) (*Credit, error) {
	var entry Credit
	if err := common.LockForUpdate(db.Model(&Credit{})).
		Where("id = ?", consumeID).
		First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCreditNotFound
		}
		return nil, err
	}
	if entry.TransactionType != TransactionTypeConsume {
		return nil, ErrNotConsumeRecord
	}

	// 幂等：已撤销过的直接返回
	if entry.Status == StatusDeleted {
		logger.Info("消费记录已撤销，跳过补偿",
			zap.String("credit_id", entry.ID),
			zap.String("transaction_no", entry.TransactionNo),
		)
		return &entry, nil
	}

	var items []ConsumedItem
	if len(entry.ConsumedDetail) > 0 {
		if err := json.Unmarshal(entry.ConsumedDetail, &items); err != nil {
			return nil, fmt.Errorf("解析扣减明细失败: %w", err)
		}
	}

	for _, item := range items {
		if item.CreditID == "" || item.CreditsConsumed <= 0 {
			continue
		}
		if err := db.Model(&Credit{}).
			Where("id = ?", item.CreditID).
			Update("remaining_credits", gorm.Expr("remaining_credits + ?", item.CreditsConsumed)).Error; err != nil {
			return nil, err
		}
	}

	// 软删除消费记录，状态条件兜底防止重复加回
	res := db.Model(&Credit{}).
		Where("id = ? AND status = ?", entry.ID, StatusActive).
		Update("status", StatusDeleted)
	if res.Error != nil {
		return nil, res.Error
	}
	entry.Status = StatusDeleted
	return &entry, nil
}

// ============ 查询 ============

// GetBalance 查询用户可用积分余额（无锁读路径）
func (s *Service) GetBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := eligibleGrants(s.db.WithContext(ctx), userID, time.Now()).
		Select("COALESCE(SUM(remaining_credits), 0)").
		Scan(&balance).Error
	return balance, err
}

// GetCredit 按 ID 查询单条流水
func (s *Service) GetCredit(ctx context.Context, id string) (*Credit, error) {
	var entry Credit
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCreditNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// ListCredits 分页查询流水
func (s *Service) ListCredits(ctx context.Context, query *CreditQuery) ([]Credit, int64, error) {
	db := s.db.WithContext(ctx).Model(&Credit{})
	if query.UserID != "" {
		db = db.Where("user_id = ?", query.UserID)
	}
	if query.Status != "" {
		db = db.Where("status = ?", query.Status)
	}
	if query.TransactionType != "" {
		db = db.Where("transaction_type = ?", query.TransactionType)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page, limit := common.NormalizePage(query.Page, query.Limit)
	var entries []Credit
	err := db.Order("created_at DESC").
		Limit(limit).
		Offset((page - 1) * limit).
		Find(&entries).Error
	return entries, total, err
}

// ============ 过期清理 ============

// ExpireDueCredits 将已到期仍标记有效的发放记录置为过期
// 余额查询本身按时间过滤，这里只是收敛状态字段，由后台任务周期触发。
func (s *Service) ExpireDueCredits(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&Credit{}).
		Where("transaction_type = ?", TransactionTypeGrant).
		Where("status = ?", StatusActive).
		Where("expires_at IS NOT NULL AND expires_at <= ?", time.Now()).
		Update("status", StatusExpired)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		logger.Info("过期积分清理完成", zap.Int64("rows", res.RowsAffected))
	}
	return res.RowsAffected, nil
}
