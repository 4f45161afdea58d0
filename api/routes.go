package api

import (
	"backend/internal/auth"
	middlewarepkg "backend/internal/middleware"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes 注册所有 API 路由
func RegisterRoutes(router *gin.Engine, jwtService *auth.JWTService, handlers *Handlers) {
	// 支付渠道回调（公开，渠道签名验真；带端点级限流）
	webhookLimiter := middlewarepkg.NewRateLimiter(nil)
	router.POST("/api/payment/notify/:provider",
		middlewarepkg.RateLimitByEndpoint(webhookLimiter),
		handlers.Payment.HandleWebhook,
	)

	// 主 API 组（向后兼容）
	api := router.Group("/api")
	api.Use(middlewarepkg.RequestIDMiddleware(), auth.AuthMiddleware(jwtService))
	registerAPIRoutes(api, handlers)

	// 版本化 API 组
	apiV1 := router.Group("/api/v1")
	apiV1.Use(middlewarepkg.RequestIDMiddleware(), auth.AuthMiddleware(jwtService))
	registerAPIRoutes(apiV1, handlers)
}

// registerAPIRoutes 注册需要认证的 API 路由
func registerAPIRoutes(apiGroup *gin.RouterGroup, h *Handlers) {
	// 积分账本
	creditsGroup := apiGroup.Group("/credits")
	{
		creditsGroup.GET("/balance", h.Credits.GetBalance)
		creditsGroup.GET("", h.Credits.ListCredits)
		creditsGroup.POST("/consume", h.Credits.ConsumeCredits)

		// 管理端操作
		creditsGroup.POST("/grant", h.Credits.GrantCredits)
		creditsGroup.POST("/:id/compensate", h.Credits.CompensateCredits)
	}

	// 支付与订阅
	paymentGroup := apiGroup.Group("/payment")
	{
		paymentGroup.POST("/orders", h.Payment.CreateOrder)
		paymentGroup.GET("/orders", h.Payment.ListOrders)
		paymentGroup.GET("/orders/:orderNo", h.Payment.GetOrder)
		paymentGroup.GET("/subscriptions/:subscriptionNo", h.Payment.GetSubscription)
	}

	// AI 任务
	tasksGroup := apiGroup.Group("/tasks")
	{
		tasksGroup.POST("", h.AITask.CreateTask)
		tasksGroup.GET("", h.AITask.ListTasks)
		tasksGroup.GET("/:id", h.AITask.GetTask)
		tasksGroup.POST("/:id/cancel", h.AITask.CancelTask)
		tasksGroup.PATCH("/:id/status", h.AITask.UpdateTaskStatus)
	}
}
