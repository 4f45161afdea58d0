package payment

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"backend/api/handlers/common"
	"backend/internal/infra/queue"
	"backend/internal/logger"
	"backend/internal/payment"
	"backend/internal/worker/tasks"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// 渠道事件去重窗口，webhook 重投大多发生在小时级
const eventDedupTTL = 24 * time.Hour

// PaymentHandler 支付 Handler
// webhook 入口只做验签、归一化与入队，对账在 worker 侧完成。
type PaymentHandler struct {
	service     *payment.Service
	providers   *payment.Manager
	queueClient queue.Client
	redisClient *redis.Client
}

// NewPaymentHandler 创建 PaymentHandler 实例
func NewPaymentHandler(
	service *payment.Service,
	providers *payment.Manager,
	queueClient queue.Client,
	redisClient *redis.Client,
) *PaymentHandler {
	return &PaymentHandler{
		service:     service,
		providers:   providers,
		queueClient: queueClient,
		redisClient: redisClient,
	}
}

// CreateOrder 下单
// POST /api/payment/orders
func (h *PaymentHandler) CreateOrder(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, common.ErrorResponse{Message: "未登录"})
		return
	}

	var req payment.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Message: "请求参数错误: " + err.Error()})
		return
	}
	req.UserID = userID

	if req.PaymentProvider == "" {
		p, err := h.providers.Default()
		if err != nil {
			c.JSON(http.StatusBadRequest, common.ErrorResponse{Message: err.Error()})
			return
		}
		req.PaymentProvider = p.Name()
	} else if !h.providers.Enabled(req.PaymentProvider) {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{
			Code:    "PROVIDER_NOT_ENABLED",
			Message: "支付渠道未启用: " + req.PaymentProvider,
		})
		return
	}

	order, err := h.service.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, payment.ErrInvalidOrder) {
			c.JSON(http.StatusBadRequest, common.ErrorResponse{Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Message: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, common.APIResponse{Success: true, Data: order})
}

// GetOrder 查询订单
// GET /api/payment/orders/:orderNo
func (h *PaymentHandler) GetOrder(c *gin.Context) {
	userID := c.GetString("user_id")
	orderNo := c.Param("orderNo")

	order, err := h.service.GetOrderByNo(c.Request.Context(), orderNo)
	if err != nil {
		if errors.Is(err, payment.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, common.ErrorResponse{Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Message: err.Error()})
		return
	}
	if order.UserID != userID {
		c.JSON(http.StatusNotFound, common.ErrorResponse{Message: "订单不存在"})
		return
	}

	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: order})
}

// ListOrders 分页查询订单
// GET /api/payment/orders?status=paid&page=1&limit=20
func (h *PaymentHandler) ListOrders(c *gin.Context) {
	userID := c.GetString("user_id")

	query := &payment.OrderQuery{
		UserID:          userID,
		Status:          payment.OrderStatus(c.Query("status")),
		PaymentType:     payment.PaymentType(c.Query("type")),
		PaymentProvider: c.Query("provider"),
	}
	if page := c.Query("page"); page != "" {
		if p, err := strconv.Atoi(page); err == nil {
			query.Page = p
		}
	}
	if limit := c.Query("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			query.Limit = l
		}
	}

	orders, total, err := h.service.ListOrders(c.Request.Context(), query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, common.APIResponse{
		Success: true,
		Data: common.ListResponse{
			Items: orders,
			Pagination: common.NewPagination(query.Page, query.Limit, total),
		},
	})
}

// GetSubscription 查询订阅
// GET /api/payment/subscriptions/:subscriptionNo
func (h *PaymentHandler) GetSubscription(c *gin.Context) {
	userID := c.GetString("user_id")
	subscriptionNo := c.Param("subscriptionNo")

	sub, err := h.service.GetSubscriptionByNo(c.Request.Context(), subscriptionNo)
	if err != nil {
		if errors.Is(err, payment.ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, common.ErrorResponse{Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Message: err.Error()})
		return
	}
	if sub.UserID != userID {
		c.JSON(http.StatusNotFound, common.ErrorResponse{Message: "订阅不存在"})
		return
	}

	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: sub})
}

// HandleWebhook 支付渠道 webhook 入口（公开，渠道签名验真）
// POST /api/payment/notify/:provider
//
// 验签失败返回 401；入队成功立即 200，入队失败返回 500 让渠道重投，
// 事件带多层去重，重投是安全的。
func (h *PaymentHandler) HandleWebhook(c *gin.Context) {
	providerName := c.Param("provider")

	provider, err := h.providers.Get(providerName)
	if err != nil {
		c.JSON(http.StatusNotFound, common.ErrorResponse{Message: err.Error()})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Message: "读取请求体失败"})
		return
	}
	signature := c.GetHeader("Webhook-Signature")
	if signature == "" {
		signature = c.GetHeader("Stripe-Signature")
	}

	event, err := provider.ParseEvent(body, signature)
	if err != nil {
		logger.Warn("webhook 验签或解析失败",
			zap.String("provider", providerName),
			zap.Error(err),
		)
		c.JSON(http.StatusUnauthorized, common.ErrorResponse{Message: "事件验签失败"})
		return
	}

	// 渠道事件 ID 做尽力去重，漏网事件由对账事务的幂等键兜底
	var dedupKey string
	if event.EventID != "" && h.redisClient != nil {
		dedupKey = "webhook:event:" + providerName + ":" + event.EventID
		ok, err := h.redisClient.SetNX(c.Request.Context(), dedupKey, 1, eventDedupTTL).Result()
		if err != nil {
			logger.Warn("webhook 事件去重检查失败，继续处理", zap.Error(err))
			dedupKey = ""
		} else if !ok {
			logger.Info("webhook 事件重复投递，直接确认",
				zap.String("provider", providerName),
				zap.String("event_id", event.EventID),
			)
			c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": true})
			return
		}
	}

	if err := h.queueClient.EnqueuePaymentEvent(tasks.ProcessPaymentEventPayload{Event: *event}); err != nil {
		logger.Error("支付事件入队失败",
			zap.String("provider", providerName),
			zap.String("event_id", event.EventID),
			zap.Error(err),
		)
		// 释放去重键并让渠道重投，否则重投会被当作重复事件吞掉
		if dedupKey != "" {
			h.redisClient.Del(c.Request.Context(), dedupKey)
		}
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Message: "事件入队失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
