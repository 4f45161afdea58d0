package aitask

import (
	"context"
	"os"
	"testing"

	"backend/internal/credits"
	"backend/internal/logger"
	"backend/internal/metrics"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	_ = logger.Init("error", "console", "stderr")
	os.Exit(m.Run())
}

func setupTaskTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:aitask_" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&credits.Credit{}, &AITask{}))
	return db
}

func newTestService(t *testing.T, grantAmount int64) (*Service, *credits.Service) {
	t.Helper()
	db := setupTaskTestDB(t)
	creditService := credits.NewService(db)
	if grantAmount > 0 {
		_, err := creditService.Grant(context.Background(), &credits.GrantRequest{
			UserID:  "user-1",
			Credits: grantAmount,
			Scene:   credits.SceneGift,
		})
		require.NoError(t, err)
	}
	return NewService(db, creditService), creditService
}

func TestCreateTaskConsumesCredits(t *testing.T) {
	ctx := context.Background()
	svc, creditService := newTestService(t, 10)

	task, err := svc.CreateTask(ctx, &CreateTaskRequest{
		UserID:      "user-1",
		MediaType:   MediaTypeImage,
		Provider:    "openai",
		Model:       "dall-e-3",
		Prompt:      "一只在月球上的猫",
		CostCredits: 10,
	})
	require.NoError(t, err)
	require.Equal(t, TaskStatusPending, task.Status)
	require.NotEmpty(t, task.CreditID)

	balance, err := creditService.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), balance)
}

func TestCreateTaskInsufficientLeavesNoOrphan(t *testing.T) {
	ctx := context.Background()
	svc, creditService := newTestService(t, 5)

	_, err := svc.CreateTask(ctx, &CreateTaskRequest{
		UserID:      "user-1",
		MediaType:   MediaTypeImage,
		CostCredits: 6,
	})
	require.ErrorIs(t, err, credits.ErrInsufficientCredits)

	// 整体回滚：没有任务落库，余额不变
	_, total, err := svc.ListTasks(ctx, &TaskQuery{UserID: "user-1"})
	require.NoError(t, err)
	require.Equal(t, int64(0), total)

	balance, err := creditService.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(5), balance)
}

func TestCreateTaskValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 0)

	_, err := svc.CreateTask(ctx, &CreateTaskRequest{MediaType: MediaTypeText})
	require.ErrorIs(t, err, ErrInvalidTask)

	_, err = svc.CreateTask(ctx, &CreateTaskRequest{UserID: "user-1"})
	require.ErrorIs(t, err, ErrInvalidTask)

	_, err = svc.CreateTask(ctx, &CreateTaskRequest{
		UserID: "user-1", MediaType: MediaTypeText, CostCredits: -1,
	})
	require.ErrorIs(t, err, ErrInvalidTask)
}

func TestFreeTaskNeedsNoCredits(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 0)

	task, err := svc.CreateTask(ctx, &CreateTaskRequest{
		UserID:      "user-1",
		MediaType:   MediaTypeText,
		CostCredits: 0,
	})
	require.NoError(t, err)
	require.Empty(t, task.CreditID)
}

func TestFailedTaskCompensatesCredits(t *testing.T) {
	ctx := context.Background()
	svc, creditService := newTestService(t, 10)

	task, err := svc.CreateTask(ctx, &CreateTaskRequest{
		UserID:      "user-1",
		MediaType:   MediaTypeVideo,
		CostCredits: 10,
	})
	require.NoError(t, err)

	got, err := svc.UpdateTask(ctx, task.ID, &UpdateTaskRequest{
		Status:       TaskStatusFailed,
		ErrorMessage: "渠道生成超时",
	})
	require.NoError(t, err)
	require.Equal(t, TaskStatusFailed, got.Status)
	require.NotNil(t, got.CompletedAt)

	// 扣费已补偿
	balance, err := creditService.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(10), balance)
}

func TestDuplicateFailureReportDoesNotDoubleRefund(t *testing.T) {
	ctx := context.Background()
	svc, creditService := newTestService(t, 10)

	task, err := svc.CreateTask(ctx, &CreateTaskRequest{
		UserID:      "user-1",
		MediaType:   MediaTypeImage,
		CostCredits: 10,
	})
	require.NoError(t, err)

	_, err = svc.UpdateTask(ctx, task.ID, &UpdateTaskRequest{Status: TaskStatusFailed})
	require.NoError(t, err)

	// 渠道重复回调同一终态：幂等返回，不二次加回积分
	got, err := svc.UpdateTask(ctx, task.ID, &UpdateTaskRequest{Status: TaskStatusFailed})
	require.NoError(t, err)
	require.Equal(t, TaskStatusFailed, got.Status)

	balance, err := creditService.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(10), balance)

	// 终态之间不允许再迁移
	_, err = svc.UpdateTask(ctx, task.ID, &UpdateTaskRequest{Status: TaskStatusSuccess})
	require.ErrorIs(t, err, ErrTaskFinished)
}

func TestCanceledTaskCompensatesCredits(t *testing.T) {
	ctx := context.Background()
	svc, creditService := newTestService(t, 20)

	task, err := svc.CreateTask(ctx, &CreateTaskRequest{
		UserID:      "user-1",
		MediaType:   MediaTypeAudio,
		CostCredits: 20,
	})
	require.NoError(t, err)

	_, err = svc.UpdateTask(ctx, task.ID, &UpdateTaskRequest{Status: TaskStatusCanceled})
	require.NoError(t, err)

	balance, err := creditService.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(20), balance)
}

func TestCompensationFailureStillMarksTaskFailed(t *testing.T) {
	ctx := context.Background()
	svc, creditService := newTestService(t, 10)

	task, err := svc.CreateTask(ctx, &CreateTaskRequest{
		UserID:      "user-1",
		MediaType:   MediaTypeImage,
		CostCredits: 10,
	})
	require.NoError(t, err)

	// 把扣费流水指向发放记录，补偿必然失败（非消费记录）
	var grant credits.Credit
	require.NoError(t, svc.db.
		Where("transaction_type = ?", credits.TransactionTypeGrant).
		First(&grant).Error)
	require.NoError(t, svc.db.Model(&AITask{}).
		Where("id = ?", task.ID).
		Update("credit_id", grant.ID).Error)

	// 补偿失败不阻塞终态落库，扣费留待人工处理
	got, err := svc.UpdateTask(ctx, task.ID, &UpdateTaskRequest{
		Status:       TaskStatusFailed,
		ErrorMessage: "渠道生成超时",
	})
	require.NoError(t, err)
	require.Equal(t, TaskStatusFailed, got.Status)
	require.NotNil(t, got.CompletedAt)

	balance, err := creditService.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), balance)
}

func TestInsufficientCreateDoesNotBumpConsumedMetric(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 5)

	counter := metrics.CreditsConsumedTotal.WithLabelValues(string(credits.SceneAITask))
	before := testutil.ToFloat64(counter)

	// 扣费回滚时指标不计数
	_, err := svc.CreateTask(ctx, &CreateTaskRequest{
		UserID:      "user-1",
		MediaType:   MediaTypeImage,
		CostCredits: 6,
	})
	require.ErrorIs(t, err, credits.ErrInsufficientCredits)
	require.Equal(t, before, testutil.ToFloat64(counter))

	// 扣费提交后按消费量计数
	_, err = svc.CreateTask(ctx, &CreateTaskRequest{
		UserID:      "user-1",
		MediaType:   MediaTypeImage,
		CostCredits: 5,
	})
	require.NoError(t, err)
	require.Equal(t, before+5, testutil.ToFloat64(counter))
}

func TestSuccessfulTaskKeepsCharge(t *testing.T) {
	ctx := context.Background()
	svc, creditService := newTestService(t, 10)

	task, err := svc.CreateTask(ctx, &CreateTaskRequest{
		UserID:      "user-1",
		MediaType:   MediaTypeImage,
		CostCredits: 10,
	})
	require.NoError(t, err)

	_, err = svc.UpdateTask(ctx, task.ID, &UpdateTaskRequest{Status: TaskStatusProcessing})
	require.NoError(t, err)

	got, err := svc.UpdateTask(ctx, task.ID, &UpdateTaskRequest{
		Status: TaskStatusSuccess,
		Result: []byte(`{"url":"https://cdn.example.com/img.png"}`),
	})
	require.NoError(t, err)
	require.Equal(t, TaskStatusSuccess, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)

	// 成功任务不退费
	balance, err := creditService.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), balance)
}

func TestUpdateMissingTask(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 0)

	_, err := svc.UpdateTask(ctx, "missing-id", &UpdateTaskRequest{Status: TaskStatusFailed})
	require.ErrorIs(t, err, ErrTaskNotFound)
}
