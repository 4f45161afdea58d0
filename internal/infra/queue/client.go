package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"backend/internal/config"
	"backend/internal/worker/tasks"

	"github.com/hibiken/asynq"
)

// Client 任务队列客户端接口
type Client interface {
	EnqueuePaymentEvent(payload tasks.ProcessPaymentEventPayload) error
	EnqueueSyncTaskStatus(payload tasks.SyncTaskStatusPayload) error
	EnqueueExpireCredits() error
	Close() error
}

type asynqClient struct {
	client *asynq.Client
}

// NewClient 创建任务队列客户端
func NewClient(cfg config.RedisConfig) Client {
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &asynqClient{client: client}
}

func (c *asynqClient) EnqueuePaymentEvent(payload tasks.ProcessPaymentEventPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(tasks.TypeProcessPaymentEvent, data)

	// 对账入口全程幂等，重试放心开；渠道事件 ID 做入队去重兜底
	opts := []asynq.Option{
		asynq.MaxRetry(5),
		asynq.Timeout(2 * time.Minute),
		asynq.Queue("payment"),
	}
	if payload.Event.EventID != "" {
		opts = append(opts, asynq.TaskID("payment:"+payload.Event.EventID))
	}

	if _, err := c.client.Enqueue(task, opts...); err != nil {
		return fmt.Errorf("enqueue task failed: %w", err)
	}
	return nil
}

func (c *asynqClient) EnqueueSyncTaskStatus(payload tasks.SyncTaskStatusPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(tasks.TypeSyncTaskStatus, data)

	if _, err := c.client.Enqueue(task,
		asynq.MaxRetry(3),
		asynq.Timeout(time.Minute),
		asynq.Queue("aitask"),
	); err != nil {
		return fmt.Errorf("enqueue task failed: %w", err)
	}
	return nil
}

func (c *asynqClient) EnqueueExpireCredits() error {
	task := asynq.NewTask(tasks.TypeExpireCredits, nil)

	// 小时级去重窗口，调度器重复触发只保留一个
	if _, err := c.client.Enqueue(task,
		asynq.MaxRetry(1),
		asynq.Timeout(5*time.Minute),
		asynq.Queue("default"),
		asynq.Unique(time.Hour),
	); err != nil {
		return fmt.Errorf("enqueue task failed: %w", err)
	}
	return nil
}

func (c *asynqClient) Close() error {
	return c.client.Close()
}
