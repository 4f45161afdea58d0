package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"backend/internal/aitask"
	"backend/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type AITaskHandler struct {
	taskService *aitask.Service
	logger      *zap.Logger
}

func NewAITaskHandler(taskService *aitask.Service, logger *zap.Logger) *AITaskHandler {
	return &AITaskHandler{
		taskService: taskService,
		logger:      logger,
	}
}

// HandleSyncTaskStatus 落库模型渠道上报的任务状态
// 终态任务的重复上报由服务层吸收，这里只对真正的落库失败重试。
func (h *AITaskHandler) HandleSyncTaskStatus(ctx context.Context, t *asynq.Task) error {
	var p tasks.SyncTaskStatusPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json unmarshal failed: %w", err)
	}

	h.logger.Info("同步任务状态",
		zap.String("task_id", p.TaskID),
		zap.String("status", p.Status),
	)

	_, err := h.taskService.UpdateTask(ctx, p.TaskID, &aitask.UpdateTaskRequest{
		Status:         aitask.TaskStatus(p.Status),
		Result:         p.Result,
		ExternalTaskID: p.ExternalTaskID,
		ErrorMessage:   p.ErrorMessage,
	})
	if err != nil {
		// 任务不存在或终态冲突不重试
		if errors.Is(err, aitask.ErrTaskNotFound) || errors.Is(err, aitask.ErrTaskFinished) {
			h.logger.Warn("任务状态同步被拒绝",
				zap.String("task_id", p.TaskID),
				zap.Error(err),
			)
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		h.logger.Error("任务状态同步失败", zap.String("task_id", p.TaskID), zap.Error(err))
		return err
	}
	return nil
}
