package handlers

import (
	"context"

	"backend/internal/credits"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type CreditHandler struct {
	creditService *credits.Service
	logger        *zap.Logger
}

func NewCreditHandler(creditService *credits.Service, logger *zap.Logger) *CreditHandler {
	return &CreditHandler{
		creditService: creditService,
		logger:        logger,
	}
}

// HandleExpireCredits 周期性收敛到期发放记录的状态
func (h *CreditHandler) HandleExpireCredits(ctx context.Context, t *asynq.Task) error {
	rows, err := h.creditService.ExpireDueCredits(ctx)
	if err != nil {
		h.logger.Error("过期积分清理失败", zap.Error(err))
		return err
	}
	h.logger.Info("过期积分清理完成", zap.Int64("rows", rows))
	return nil
}
