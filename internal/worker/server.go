package worker

import (
	"context"
	"fmt"

	"backend/internal/aitask"
	"backend/internal/config"
	"backend/internal/credits"
	"backend/internal/payment"
	"backend/internal/worker/handlers"
	"backend/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type Server struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	logger    *zap.Logger
}

func NewServer(
	cfg config.RedisConfig,
	paymentService *payment.Service,
	creditService *credits.Service,
	taskService *aitask.Service,
	logger *zap.Logger,
) *Server {
	redisOpt := asynq.RedisClientOpt{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 10, // 并发 worker 数
			Queues: map[string]int{
				"payment": 6, // 资金相关优先级最高
				"aitask":  3,
				"default": 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("任务执行失败",
					zap.String("type", task.Type()),
					zap.Error(err),
				)
			}),
		},
	)

	mux := asynq.NewServeMux()

	// 注册支付事件处理器
	paymentHandler := handlers.NewPaymentHandler(paymentService, logger)
	mux.HandleFunc(tasks.TypeProcessPaymentEvent, paymentHandler.HandleProcessPaymentEvent)

	// 注册任务状态同步处理器
	taskHandler := handlers.NewAITaskHandler(taskService, logger)
	mux.HandleFunc(tasks.TypeSyncTaskStatus, taskHandler.HandleSyncTaskStatus)

	// 注册积分过期清理处理器
	creditHandler := handlers.NewCreditHandler(creditService, logger)
	mux.HandleFunc(tasks.TypeExpireCredits, creditHandler.HandleExpireCredits)

	// 每小时触发一次过期清理
	scheduler := asynq.NewScheduler(redisOpt, nil)
	if _, err := scheduler.Register("@every 1h", asynq.NewTask(tasks.TypeExpireCredits, nil)); err != nil {
		logger.Error("注册过期清理定时任务失败", zap.Error(err))
	}

	return &Server{
		server:    srv,
		scheduler: scheduler,
		mux:       mux,
		logger:    logger,
	}
}

// Run 启动 Worker 服务器
func (s *Server) Run() error {
	s.logger.Info("Worker 服务器启动中...")
	if err := s.scheduler.Start(); err != nil {
		return err
	}
	return s.server.Run(s.mux)
}

// Start 非阻塞启动
func (s *Server) Start() error {
	s.logger.Info("Worker 服务器启动中 (后台)...")
	if err := s.scheduler.Start(); err != nil {
		return err
	}
	return s.server.Start(s.mux)
}

// Shutdown 停止 Worker 服务器
func (s *Server) Shutdown() {
	s.logger.Info("Worker 服务器停止中...")
	s.scheduler.Shutdown()
	s.server.Shutdown()
}
