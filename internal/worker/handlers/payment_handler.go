package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"backend/internal/metrics"
	"backend/internal/payment"
	"backend/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type PaymentHandler struct {
	paymentService *payment.Service
	logger         *zap.Logger
}

func NewPaymentHandler(paymentService *payment.Service, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		paymentService: paymentService,
		logger:         logger,
	}
}

// HandleProcessPaymentEvent 消费归一化支付事件
// 未知事件类型与数据错账（订阅标识不一致）不重试，直接失败并告警。
func (h *PaymentHandler) HandleProcessPaymentEvent(ctx context.Context, t *asynq.Task) error {
	var p tasks.ProcessPaymentEventPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json unmarshal failed: %w", err)
	}
	event := p.Event

	h.logger.Info("开始处理支付事件",
		zap.String("event_id", event.EventID),
		zap.String("event_type", string(event.EventType)),
		zap.String("order_no", event.OrderNo),
		zap.String("provider", event.Session.Provider),
	)

	var err error
	switch event.EventType {
	case payment.EventCheckoutSuccess:
		_, err = h.paymentService.HandleCheckoutSuccess(ctx, event.OrderNo, &event.Session)
	case payment.EventPaymentSuccess:
		_, err = h.paymentService.HandlePaymentSuccess(ctx, event.OrderNo, &event.Session)
	case payment.EventSubscriptionRenew:
		_, err = h.paymentService.HandleSubscriptionRenewal(ctx, event.Session.SubscriptionID, &event.Session)
	case payment.EventSubscriptionUpdate:
		_, err = h.paymentService.HandleSubscriptionUpdated(ctx, event.Session.SubscriptionID, &event.Session)
	case payment.EventSubscriptionCancel:
		_, err = h.paymentService.HandleSubscriptionCanceled(ctx, event.Session.SubscriptionID, &event.Session)
	default:
		err = fmt.Errorf("%w: 未知的支付事件类型 %s", asynq.SkipRetry, event.EventType)
	}

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.WebhookEventsTotal.WithLabelValues(
		event.Session.Provider, string(event.EventType), result,
	).Inc()

	if err != nil {
		h.logger.Error("支付事件处理失败",
			zap.String("event_id", event.EventID),
			zap.String("event_type", string(event.EventType)),
			zap.Error(err),
		)
		// 错账需要人工介入，重试无意义
		if errors.Is(err, payment.ErrSubscriptionMismatch) || errors.Is(err, payment.ErrUnknownPaymentStatus) {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		return err
	}

	h.logger.Info("支付事件处理完成",
		zap.String("event_id", event.EventID),
		zap.String("event_type", string(event.EventType)),
	)
	return nil
}
