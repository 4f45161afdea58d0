package api

import (
	"os"
	"strings"
	"time"

	aitaskHandlers "backend/api/handlers/aitask"
	creditsHandlers "backend/api/handlers/credits"
	paymentHandlers "backend/api/handlers/payment"
	"backend/internal/aitask"
	"backend/internal/auth"
	"backend/internal/config"
	"backend/internal/credits"
	"backend/internal/infra"
	"backend/internal/infra/queue"
	"backend/internal/logger"
	"backend/internal/metrics"
	"backend/internal/payment"
	"backend/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Handlers API Handler 集合
type Handlers struct {
	Credits *creditsHandlers.CreditsHandler
	Payment *paymentHandlers.PaymentHandler
	AITask  *aitaskHandlers.AITaskHandler
}

// SetupRouter 设置并返回 Gin 路由和 Worker 服务器
func SetupRouter(db *gorm.DB, cfg *config.Config) (*gin.Engine, *worker.Server, error) {
	router := gin.New()

	redisCfg := normalizeRedisConfig(cfg.Redis)
	cfg.Redis = redisCfg

	// 队列客户端与 Redis（webhook 事件去重）
	queueClient := queue.NewClient(redisCfg)
	redisClient := infra.GetRedis()

	// JWT 密钥，生产模式必须显式配置
	jwtSecretKey := strings.TrimSpace(os.Getenv("JWT_SECRET_KEY"))
	if jwtSecretKey == "" {
		if strings.EqualFold(cfg.Server.Mode, "release") {
			logger.Fatal("JWT_SECRET_KEY 未配置，生产环境禁止使用默认密钥")
		}
		jwtSecretKey = "default_jwt_secret_key_change_in_production"
		logger.Warn("JWT_SECRET_KEY 未配置，已回退为开发默认值")
	}
	jwtService := auth.NewJWTService(jwtSecretKey, "credit-ledger", 24*time.Hour)

	// 支付渠道注册表：启用的渠道都走标准 webhook 适配器
	factories := make(map[string]payment.ProviderFactory, len(cfg.Payment.Providers))
	for name := range cfg.Payment.Providers {
		factories[name] = payment.WebhookProviderFactory(name)
	}
	providerManager, err := payment.NewManager(&cfg.Payment, factories)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("支付渠道就绪", zap.Strings("providers", providerManager.Names()))

	// 业务服务
	creditService := credits.NewServiceWithOptions(db, credits.Options{
		BatchSize:  cfg.Credit.BatchSize,
		MaxBatches: cfg.Credit.MaxBatches,
	})
	paymentService := payment.NewService(db, creditService)
	taskService := aitask.NewService(db, creditService)

	// 全局中间件
	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(CORS())
	router.Use(metrics.PrometheusMiddleware())

	// 公开端点
	router.GET("/health", HealthCheck(db))
	router.GET("/ready", ReadinessCheck(db))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handlers := &Handlers{
		Credits: creditsHandlers.NewCreditsHandler(creditService),
		Payment: paymentHandlers.NewPaymentHandler(paymentService, providerManager, queueClient, redisClient),
		AITask:  aitaskHandlers.NewAITaskHandler(taskService),
	}

	RegisterRoutes(router, jwtService, handlers)

	// Worker 服务器
	workerServer := worker.NewServer(redisCfg, paymentService, creditService, taskService, logger.Get())

	return router, workerServer, nil
}
