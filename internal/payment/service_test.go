package payment

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"backend/internal/credits"
	"backend/internal/logger"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	_ = logger.Init("error", "console", "stderr")
	os.Exit(m.Run())
}

func setupPaymentTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:payment_" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&credits.Credit{}, &Order{}, &Subscription{}))
	return db
}

func newTestServices(t *testing.T) (*Service, *credits.Service, *gorm.DB) {
	t.Helper()
	db := setupPaymentTestDB(t)
	creditService := credits.NewService(db)
	return NewService(db, creditService), creditService, db
}

func createTestOrder(t *testing.T, svc *Service, creditsAmount int64) *Order {
	t.Helper()
	order, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{
		UserID:           "user-1",
		PaymentProvider:  "gateway",
		PaymentType:      PaymentTypeOneTime,
		ProductID:        "plan_basic",
		ProductName:      "基础套餐",
		Amount:           990,
		Currency:         "usd",
		CreditsAmount:    creditsAmount,
		CreditsValidDays: 30,
	})
	require.NoError(t, err)
	require.Equal(t, OrderStatusPending, order.Status)
	return order
}

func successSession(transactionID string) *PaymentSession {
	paidAt := time.Now()
	return &PaymentSession{
		Provider:      "gateway",
		PaymentStatus: PaymentStatusSuccess,
		PaymentInfo: &PaymentInfo{
			TransactionID: transactionID,
			Amount:        990,
			Currency:      "usd",
			PaymentEmail:  "user@example.com",
			PaidAt:        &paidAt,
		},
	}
}

func TestCreateOrderValidation(t *testing.T) {
	svc, _, _ := newTestServices(t)

	_, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{
		UserID: "", Amount: 100, Currency: "usd",
	})
	require.ErrorIs(t, err, ErrInvalidOrder)

	_, err = svc.CreateOrder(context.Background(), &CreateOrderRequest{
		UserID: "user-1", Amount: -1, Currency: "usd",
	})
	require.ErrorIs(t, err, ErrInvalidOrder)
}

func TestMarkOrderCreated(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestServices(t)
	order := createTestOrder(t, svc, 0)

	require.NoError(t, svc.MarkOrderCreated(ctx, order.OrderNo, []byte(`{"sessionId":"cs_1"}`)))

	got, err := svc.GetOrderByNo(ctx, order.OrderNo)
	require.NoError(t, err)
	require.Equal(t, OrderStatusCreated, got.Status)

	// 重复推进影响行数为 0，不报错也不改状态
	require.NoError(t, svc.MarkOrderCreated(ctx, order.OrderNo, nil))
	got, err = svc.GetOrderByNo(ctx, order.OrderNo)
	require.NoError(t, err)
	require.Equal(t, OrderStatusCreated, got.Status)
}

func TestCheckoutSuccessSettlesOrderAndGrantsCredits(t *testing.T) {
	ctx := context.Background()
	svc, creditService, _ := newTestServices(t)
	order := createTestOrder(t, svc, 500)
	require.NoError(t, svc.MarkOrderCreated(ctx, order.OrderNo, nil))

	got, err := svc.HandleCheckoutSuccess(ctx, order.OrderNo, successSession("txn_1"))
	require.NoError(t, err)
	require.Equal(t, OrderStatusPaid, got.Status)
	require.Equal(t, "txn_1", got.TransactionID)
	require.NotNil(t, got.PaidAt)

	balance, err := creditService.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(500), balance)
}

func TestCheckoutSuccessRedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, creditService, db := newTestServices(t)
	order := createTestOrder(t, svc, 500)

	session := successSession("txn_1")
	_, err := svc.HandleCheckoutSuccess(ctx, order.OrderNo, session)
	require.NoError(t, err)

	// webhook 重投：同一订单号再次处理
	got, err := svc.HandleCheckoutSuccess(ctx, order.OrderNo, session)
	require.NoError(t, err)
	require.Equal(t, OrderStatusPaid, got.Status)

	// 积分只发放一次
	balance, err := creditService.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(500), balance)

	var grantCount int64
	require.NoError(t, db.Model(&credits.Credit{}).
		Where("order_no = ?", order.OrderNo).
		Count(&grantCount).Error)
	require.Equal(t, int64(1), grantCount)
}

func TestCheckoutFailedMarksOrderFailed(t *testing.T) {
	ctx := context.Background()
	svc, creditService, _ := newTestServices(t)
	order := createTestOrder(t, svc, 500)

	got, err := svc.HandleCheckoutSuccess(ctx, order.OrderNo, &PaymentSession{
		Provider:      "gateway",
		PaymentStatus: PaymentStatusFailed,
	})
	require.NoError(t, err)
	require.Equal(t, OrderStatusFailed, got.Status)

	// 失败订单不发放积分
	balance, err := creditService.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), balance)
}

func TestCheckoutProcessingLeavesOrderUntouched(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestServices(t)
	order := createTestOrder(t, svc, 500)

	got, err := svc.HandleCheckoutSuccess(ctx, order.OrderNo, &PaymentSession{
		Provider:      "gateway",
		PaymentStatus: PaymentStatusProcessing,
	})
	require.NoError(t, err)
	require.Equal(t, OrderStatusPending, got.Status)
}

func TestCheckoutUnknownStatusFailsFast(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestServices(t)
	order := createTestOrder(t, svc, 500)

	_, err := svc.HandleCheckoutSuccess(ctx, order.OrderNo, &PaymentSession{
		Provider:      "gateway",
		PaymentStatus: PaymentStatus("mystery"),
	})
	require.ErrorIs(t, err, ErrUnknownPaymentStatus)

	_, err = svc.HandleCheckoutSuccess(ctx, order.OrderNo, nil)
	require.ErrorIs(t, err, ErrInvalidSession)

	_, err = svc.HandleCheckoutSuccess(ctx, "missing-order", successSession("txn_x"))
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCheckoutSuccessAfterFailureIsNoOp(t *testing.T) {
	ctx := context.Background()
	svc, creditService, db := newTestServices(t)
	order := createTestOrder(t, svc, 500)

	// 渠道先投递失败事件，订单进入终态 failed
	_, err := svc.HandleCheckoutSuccess(ctx, order.OrderNo, &PaymentSession{
		Provider:      "gateway",
		PaymentStatus: PaymentStatusFailed,
	})
	require.NoError(t, err)

	// 乱序重投成功事件：failed 为终态，不迁移状态也不发放积分
	got, err := svc.HandleCheckoutSuccess(ctx, order.OrderNo, successSession("txn_late"))
	require.NoError(t, err)
	require.Equal(t, OrderStatusFailed, got.Status)

	balance, err := creditService.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), balance)

	var grantCount int64
	require.NoError(t, db.Model(&credits.Credit{}).
		Where("order_no = ?", order.OrderNo).
		Count(&grantCount).Error)
	require.Equal(t, int64(0), grantCount)
}

func TestDuplicateTransactionRejectedBySchema(t *testing.T) {
	// (transaction_id, provider) 唯一索引兜底并发窗口里的重复入账
	_, _, db := newTestServices(t)

	makeOrder := func(id, orderNo string) *Order {
		return &Order{
			ID:              id,
			OrderNo:         orderNo,
			UserID:          "user-1",
			Status:          OrderStatusPaid,
			PaymentProvider: "gateway",
			PaymentType:     PaymentTypeRenew,
			Amount:          990,
			Currency:        "usd",
			TransactionID:   "txn_dup",
		}
	}
	require.NoError(t, db.Create(makeOrder("order-1", "RN-1")).Error)
	require.Error(t, db.Create(makeOrder("order-2", "RN-2")).Error)

	// 交易号未回填的订单不受唯一索引约束，可同时存在多条
	for i, id := range []string{"order-3", "order-4"} {
		blank := makeOrder(id, fmt.Sprintf("RN-%d", i+3))
		blank.TransactionID = ""
		blank.Status = OrderStatusPending
		require.NoError(t, db.Create(blank).Error)
	}
}

func subscriptionSession(transactionID, subscriptionID string, periodEnd time.Time) *PaymentSession {
	session := successSession(transactionID)
	periodStart := periodEnd.AddDate(0, -1, 0)
	session.SubscriptionID = subscriptionID
	session.SubscriptionInfo = &SubscriptionInfo{
		SubscriptionID:     subscriptionID,
		Status:             SubscriptionStatusActive,
		Amount:             990,
		Currency:           "usd",
		Interval:           IntervalMonth,
		IntervalCount:      1,
		CurrentPeriodStart: &periodStart,
		CurrentPeriodEnd:   &periodEnd,
	}
	return session
}

func TestCheckoutSuccessCreatesSubscription(t *testing.T) {
	ctx := context.Background()
	svc, creditService, db := newTestServices(t)
	order := createTestOrder(t, svc, 1000)

	periodEnd := time.Now().AddDate(0, 1, 0)
	got, err := svc.HandleCheckoutSuccess(ctx, order.OrderNo,
		subscriptionSession("txn_sub_1", "sub_abc", periodEnd))
	require.NoError(t, err)
	require.Equal(t, OrderStatusPaid, got.Status)
	require.NotEmpty(t, got.SubscriptionNo)

	sub, err := svc.GetSubscriptionByProviderID(ctx, "sub_abc", "gateway")
	require.NoError(t, err)
	require.Equal(t, SubscriptionStatusActive, sub.Status)
	require.Equal(t, "user-1", sub.UserID)
	require.Equal(t, got.SubscriptionNo, sub.SubscriptionNo)

	// 订阅发放的积分随周期结束过期
	var grant credits.Credit
	require.NoError(t, db.Where("order_no = ?", order.OrderNo).First(&grant).Error)
	require.NotNil(t, grant.ExpiresAt)
	require.WithinDuration(t, periodEnd, *grant.ExpiresAt, time.Second)

	balance, err := creditService.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(1000), balance)

	// 重投：订阅也只落一条
	_, err = svc.HandleCheckoutSuccess(ctx, order.OrderNo,
		subscriptionSession("txn_sub_1", "sub_abc", periodEnd))
	require.NoError(t, err)

	var subCount int64
	require.NoError(t, db.Model(&Subscription{}).Count(&subCount).Error)
	require.Equal(t, int64(1), subCount)
}

func TestSubscriptionRenewalGrantsAndAdvancesPeriod(t *testing.T) {
	ctx := context.Background()
	svc, creditService, db := newTestServices(t)
	order := createTestOrder(t, svc, 1000)

	firstPeriodEnd := time.Now().AddDate(0, 1, 0)
	_, err := svc.HandleCheckoutSuccess(ctx, order.OrderNo,
		subscriptionSession("txn_sub_1", "sub_abc", firstPeriodEnd))
	require.NoError(t, err)

	// 续费事件：新周期、新渠道交易号
	nextPeriodEnd := firstPeriodEnd.AddDate(0, 1, 0)
	renewOrder, err := svc.HandleSubscriptionRenewal(ctx, "sub_abc",
		subscriptionSession("txn_renew_1", "sub_abc", nextPeriodEnd))
	require.NoError(t, err)
	require.Equal(t, OrderStatusPaid, renewOrder.Status)
	require.Equal(t, PaymentTypeRenew, renewOrder.PaymentType)
	require.Equal(t, "txn_renew_1", renewOrder.TransactionID)

	// 首单 1000 + 续费 1000
	balance, err := creditService.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(2000), balance)

	// 周期推进到渠道上报的新周期
	sub, err := svc.GetSubscriptionByProviderID(ctx, "sub_abc", "gateway")
	require.NoError(t, err)
	require.NotNil(t, sub.CurrentPeriodEnd)
	require.WithinDuration(t, nextPeriodEnd, *sub.CurrentPeriodEnd, time.Second)

	// 重投同一笔续费：不再入账
	again, err := svc.HandleSubscriptionRenewal(ctx, "sub_abc",
		subscriptionSession("txn_renew_1", "sub_abc", nextPeriodEnd))
	require.NoError(t, err)
	require.Equal(t, renewOrder.OrderNo, again.OrderNo)

	var renewCount int64
	require.NoError(t, db.Model(&Order{}).
		Where("payment_type = ?", PaymentTypeRenew).
		Count(&renewCount).Error)
	require.Equal(t, int64(1), renewCount)

	balance, err = creditService.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(2000), balance)
}

func TestSubscriptionRenewalMismatchFailsFast(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestServices(t)
	order := createTestOrder(t, svc, 1000)

	periodEnd := time.Now().AddDate(0, 1, 0)
	_, err := svc.HandleCheckoutSuccess(ctx, order.OrderNo,
		subscriptionSession("txn_sub_1", "sub_abc", periodEnd))
	require.NoError(t, err)

	// 会话里携带的订阅标识与库里记录不一致：数据错账，立即失败
	session := subscriptionSession("txn_renew_1", "sub_abc", periodEnd.AddDate(0, 1, 0))
	session.SubscriptionID = "sub_other"
	_, err = svc.HandleSubscriptionRenewal(ctx, "sub_abc", session)
	require.ErrorIs(t, err, ErrSubscriptionMismatch)

	// 缺少渠道交易号同样拒绝
	bad := subscriptionSession("", "sub_abc", periodEnd)
	bad.PaymentInfo.TransactionID = ""
	_, err = svc.HandleSubscriptionRenewal(ctx, "sub_abc", bad)
	require.ErrorIs(t, err, ErrInvalidSession)

	// 未知订阅
	_, err = svc.HandleSubscriptionRenewal(ctx, "sub_missing",
		subscriptionSession("txn_renew_2", "sub_missing", periodEnd))
	require.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestSubscriptionUpdatedAppliesChannelState(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestServices(t)
	order := createTestOrder(t, svc, 1000)

	periodEnd := time.Now().AddDate(0, 1, 0)
	_, err := svc.HandleCheckoutSuccess(ctx, order.OrderNo,
		subscriptionSession("txn_sub_1", "sub_abc", periodEnd))
	require.NoError(t, err)

	newEnd := periodEnd.AddDate(0, 2, 0)
	sub, err := svc.HandleSubscriptionUpdated(ctx, "sub_abc", &PaymentSession{
		Provider: "gateway",
		SubscriptionInfo: &SubscriptionInfo{
			SubscriptionID:   "sub_abc",
			Status:           SubscriptionStatusActive,
			CurrentPeriodEnd: &newEnd,
		},
	})
	require.NoError(t, err)
	require.WithinDuration(t, newEnd, *sub.CurrentPeriodEnd, time.Second)

	_, err = svc.HandleSubscriptionUpdated(ctx, "sub_abc", &PaymentSession{Provider: "gateway"})
	require.ErrorIs(t, err, ErrInvalidSession)
}

func TestSubscriptionCanceled(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestServices(t)
	order := createTestOrder(t, svc, 1000)

	periodEnd := time.Now().AddDate(0, 1, 0)
	_, err := svc.HandleCheckoutSuccess(ctx, order.OrderNo,
		subscriptionSession("txn_sub_1", "sub_abc", periodEnd))
	require.NoError(t, err)

	// 渠道未给状态时默认 canceled，取消时间兜底为当前时间
	sub, err := svc.HandleSubscriptionCanceled(ctx, "sub_abc", &PaymentSession{
		Provider: "gateway",
	})
	require.NoError(t, err)
	require.Equal(t, SubscriptionStatusCanceled, sub.Status)
	require.NotNil(t, sub.CanceledAt)
}
