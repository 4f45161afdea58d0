package aitask

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
	ErrInvalidTask  = errors.New("无效的任务参数")
	ErrTaskNotFound = errors.New("任务不存在")
	ErrTaskFinished = errors.New("任务已到达终态")
)

// Service AI 任务编排服务
// 创建任务与扣积分在同一事务内完成：余额不足时任务不落库；
// 任务失败或取消时先补偿扣费再落终态。
type Service struct {
	db      *gorm.DB
	credits *credits.Service
}

// NewService 创建任务编排服务
func NewService(db *gorm.DB, creditService *credits.Service) *Service {
	return &Service{db: db, credits: creditService}
}

// CreateTask 创建任务并扣积分
// 扣费失败（余额不足/碎片化）整体回滚，不会留下无扣费的孤儿任务。
func (s *Service) CreateTask(ctx context.Context, req *CreateTaskRequest) (*AITask, error) {
	if req.UserID == "" || req.MediaType == "" {
		return nil, ErrInvalidTask
	}
	if req.CostCredits < 0 {
		return nil, ErrInvalidTask
	}

	task := &AITask{
		ID:          uuid.New().String(),
		TaskNo:      common.NewBusinessNo(),
		UserID:      req.UserID,
		Status:      TaskStatusPending,
		MediaType:   req.MediaType,
		Provider:    req.Provider,
		Model:       req.Model,
		Prompt:      req.Prompt,
		Params:      req.Params,
		CostCredits: req.CostCredits,
	}

	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if req.CostCredits > 0 {
			entry, err := s.credits.ConsumeInTx(db, &credits.ConsumeRequest{
				UserID:      req.UserID,
				Credits:     req.CostCredits,
				Scene:       credits.SceneAITask,
				Description: fmt.Sprintf("任务 %s 扣费", task.TaskNo),
			})
			if err != nil {
				return err
			}
			task.CreditID = entry.ID
		}
		return db.Create(task).Error
	})
	if err != nil {
		return nil, err
	}

	// 指标在事务提交后计数，回滚不留假数
	if req.CostCredits > 0 {
		metrics.CreditsConsumedTotal.WithLabelValues(string(credits.SceneAITask)).Add(float64(req.CostCredits))
	}
	metrics.AITasksTotal.WithLabelValues(string(TaskStatusPending), string(task.MediaType)).Inc()
	return task, nil
}

// UpdateTask 更新任务状态
// 迁移到 failed/canceled 时先在同一事务内补偿扣费再写终态；
// 补偿幂等，重复上报失败不会二次加回积分。
func (s *Service) UpdateTask(ctx context.Context, taskID string, req *UpdateTaskRequest) (*AITask, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		// 终态不再迁移，重复回调直接返回当前记录
		if req.Status == task.Status {
			return task, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrTaskFinished, task.Status)
	}

	updates := s.buildUpdates(req)
	needsComp := s.needsCompensation(task, req.Status)

	// compensated 区分事务内哪一步失败：补偿本身失败才走仅落终态的兜底，
	// 补偿成功后写终态失败则整体回滚交给上游重试（补偿幂等，重试安全）。
	compensated := false
	err = s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if needsComp {
			if _, err := s.credits.CompensateInTx(db, task.CreditID); err != nil {
				return fmt.Errorf("补偿任务扣费失败: %w", err)
			}
			compensated = true
			logger.Info("任务失败，扣费已补偿",
				zap.String("task_no", task.TaskNo),
				zap.String("credit_id", task.CreditID),
				zap.Int64("credits", task.CostCredits),
			)
		}
		return db.Model(&AITask{}).Where("id = ?", task.ID).Updates(updates).Error
	})
	switch {
	case err == nil:
		if compensated {
			metrics.CreditsCompensatedTotal.Add(float64(task.CostCredits))
		}
	case !needsComp || compensated:
		// 纯状态落库失败，没有需要兜底的补偿，原样返回等待重试
		return nil, err
	default:
		// 补偿失败属于运维事件：终态照常落库，扣费留待人工按流水补偿
		logger.Error("任务扣费补偿失败，仅落终态",
			zap.String("task_no", task.TaskNo),
			zap.String("credit_id", task.CreditID),
			zap.Error(err),
		)
		if err := s.db.WithContext(ctx).Model(&AITask{}).
			Where("id = ?", task.ID).
			Updates(updates).Error; err != nil {
			return nil, err
		}
	}

	if req.Status != "" {
		metrics.AITasksTotal.WithLabelValues(string(req.Status), string(task.MediaType)).Inc()
	}
	return s.GetTask(ctx, taskID)
}

// needsCompensation 迁移到失败/取消且存在扣费流水时需要补偿
func (s *Service) needsCompensation(task *AITask, next TaskStatus) bool {
	if next != TaskStatusFailed && next != TaskStatusCanceled {
		return false
	}
	return task.CreditID != "" && task.CostCredits > 0
}

func (s *Service) buildUpdates(req *UpdateTaskRequest) map[string]interface{} {
	updates := map[string]interface{}{}
	now := time.Now()
	if req.Status != "" {
		updates["status"] = req.Status
		switch req.Status {
		case TaskStatusProcessing:
			updates["started_at"] = now
		case TaskStatusSuccess, TaskStatusFailed, TaskStatusCanceled:
			updates["completed_at"] = now
		}
	}
	if len(req.Result) > 0 {
		updates["result"] = req.Result
	}
	if req.ExternalTaskID != "" {
		updates["external_task_id"] = req.ExternalTaskID
	}
	if req.ErrorMessage != "" {
		updates["error_message"] = req.ErrorMessage
	}
	return updates
}

// GetTask 按 ID 查询任务
func (s *Service) GetTask(ctx context.Context, id string) (*AITask, error) {
	var task AITask
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&task).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}

// GetTaskByNo 按任务号查询
func (s *Service) GetTaskByNo(ctx context.Context, taskNo string) (*AITask, error) {
	var task AITask
	if err := s.db.WithContext(ctx).Where("task_no = ?", taskNo).First(&task).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}

// ListTasks 分页查询任务
func (s *Service) ListTasks(ctx context.Context, query *TaskQuery) ([]AITask, int64, error) {
	db := s.db.WithContext(ctx).Model(&AITask{})
	if query.UserID != "" {
		db = db.Where("user_id = ?", query.UserID)
	}
	if query.Status != "" {
		db = db.Where("status = ?", query.Status)
	}
	if query.MediaType != "" {
		db = db.Where("media_type = ?", query.MediaType)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page, limit := common.NormalizePage(query.Page, query.Limit)
	var tasks []AITask
	err := db.Order("created_at DESC").
		Limit(limit).
		Offset((page - 1) * limit).
		Find(&tasks).Error
	return tasks, total, err
}
