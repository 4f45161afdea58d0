package credits

import (
	"context"
	"os"
	"testing"
	"time"

	"backend/internal/logger"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	_ = logger.Init("error", "console", "stderr")
	os.Exit(m.Run())
}

func setupCreditsTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:credits_" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Credit{}))
	return db
}

func grantWithExpiry(t *testing.T, svc *Service, userID string, amount int64, expiresAt *time.Time) *Credit {
	t.Helper()
	entry, err := svc.Grant(context.Background(), &GrantRequest{
		UserID:  userID,
		Credits: amount,
		Scene:   SceneGift,
	})
	require.NoError(t, err)
	if expiresAt != nil {
		require.NoError(t, svc.db.Model(&Credit{}).
			Where("id = ?", entry.ID).
			Update("expires_at", expiresAt).Error)
		entry.ExpiresAt = expiresAt
	}
	return entry
}

func TestGrantAndBalance(t *testing.T) {
	ctx := context.Background()
	svc := NewService(setupCreditsTestDB(t))

	entry, err := svc.Grant(ctx, &GrantRequest{
		UserID:    "user-1",
		Credits:   100,
		ValidDays: 30,
		Scene:     ScenePayment,
		OrderNo:   "ORD-1",
	})
	require.NoError(t, err)
	require.Equal(t, TransactionTypeGrant, entry.TransactionType)
	require.Equal(t, int64(100), entry.RemainingCredits)
	require.NotNil(t, entry.ExpiresAt)

	balance, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(100), balance)
}

func TestGrantRejectsNonPositiveAmount(t *testing.T) {
	ctx := context.Background()
	svc := NewService(setupCreditsTestDB(t))

	_, err := svc.Grant(ctx, &GrantRequest{UserID: "user-1", Credits: 0})
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Grant(ctx, &GrantRequest{UserID: "user-1", Credits: -5})
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestGrantNeverExpires(t *testing.T) {
	ctx := context.Background()
	svc := NewService(setupCreditsTestDB(t))

	entry, err := svc.Grant(ctx, &GrantRequest{UserID: "user-1", Credits: 10, ValidDays: 0})
	require.NoError(t, err)
	require.Nil(t, entry.ExpiresAt)
}

func TestConsumeFIFOByExpiration(t *testing.T) {
	ctx := context.Background()
	svc := NewService(setupCreditsTestDB(t))

	// B 先入库但更晚到期，A 后入库但更早到期：应先扣 A
	laterExpiry := time.Now().Add(48 * time.Hour)
	soonExpiry := time.Now().Add(24 * time.Hour)
	grantB := grantWithExpiry(t, svc, "user-1", 10, &laterExpiry)
	grantA := grantWithExpiry(t, svc, "user-1", 5, &soonExpiry)

	entry, err := svc.Consume(ctx, &ConsumeRequest{
		UserID:  "user-1",
		Credits: 7,
		Scene:   SceneAITask,
	})
	require.NoError(t, err)
	require.Equal(t, int64(-7), entry.Credits)

	var a, b Credit
	require.NoError(t, svc.db.First(&a, "id = ?", grantA.ID).Error)
	require.NoError(t, svc.db.First(&b, "id = ?", grantB.ID).Error)
	require.Equal(t, int64(0), a.RemainingCredits, "先扣更早到期的发放记录")
	require.Equal(t, int64(8), b.RemainingCredits)
}

func TestConsumeNeverExpiringLast(t *testing.T) {
	ctx := context.Background()
	svc := NewService(setupCreditsTestDB(t))

	forever := grantWithExpiry(t, svc, "user-1", 10, nil)
	expiry := time.Now().Add(time.Hour)
	expiring := grantWithExpiry(t, svc, "user-1", 10, &expiry)

	_, err := svc.Consume(ctx, &ConsumeRequest{UserID: "user-1", Credits: 10})
	require.NoError(t, err)

	var f, e Credit
	require.NoError(t, svc.db.First(&f, "id = ?", forever.ID).Error)
	require.NoError(t, svc.db.First(&e, "id = ?", expiring.ID).Error)
	require.Equal(t, int64(10), f.RemainingCredits, "永不过期的记录最后才扣")
	require.Equal(t, int64(0), e.RemainingCredits)
}

func TestConsumeExactBalanceThenInsufficient(t *testing.T) {
	ctx := context.Background()
	svc := NewService(setupCreditsTestDB(t))

	grantWithExpiry(t, svc, "user-1", 20, nil)

	// 恰好等于余额：成功且余额归零
	_, err := svc.Consume(ctx, &ConsumeRequest{UserID: "user-1", Credits: 20})
	require.NoError(t, err)

	balance, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), balance)

	// 余额 + 1：失败且不产生任何扣减
	_, err = svc.Consume(ctx, &ConsumeRequest{UserID: "user-1", Credits: 1})
	require.ErrorIs(t, err, ErrInsufficientCredits)
}

func TestConsumeInsufficientLeavesNoPartialDebit(t *testing.T) {
	ctx := context.Background()
	svc := NewService(setupCreditsTestDB(t))

	grant := grantWithExpiry(t, svc, "user-1", 5, nil)

	_, err := svc.Consume(ctx, &ConsumeRequest{UserID: "user-1", Credits: 6})
	require.ErrorIs(t, err, ErrInsufficientCredits)

	var g Credit
	require.NoError(t, svc.db.First(&g, "id = ?", grant.ID).Error)
	require.Equal(t, int64(5), g.RemainingCredits)

	var consumeCount int64
	require.NoError(t, svc.db.Model(&Credit{}).
		Where("transaction_type = ?", TransactionTypeConsume).
		Count(&consumeCount).Error)
	require.Equal(t, int64(0), consumeCount)
}

func TestConsumeFragmentationCap(t *testing.T) {
	ctx := context.Background()
	svc := NewServiceWithOptions(setupCreditsTestDB(t), Options{BatchSize: 2, MaxBatches: 2})

	// 5 条各 1 分的碎片记录，上限 2×2=4 条，凑 5 分必然超限
	for i := 0; i < 5; i++ {
		grantWithExpiry(t, svc, "user-1", 1, nil)
	}

	_, err := svc.Consume(ctx, &ConsumeRequest{UserID: "user-1", Credits: 5})
	require.ErrorIs(t, err, ErrCreditsFragmented)

	// 整体回滚，余额不变
	balance, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(5), balance)
}

func TestConsumeSkipsExpiredGrants(t *testing.T) {
	ctx := context.Background()
	svc := NewService(setupCreditsTestDB(t))

	expired := time.Now().Add(-time.Hour)
	grantWithExpiry(t, svc, "user-1", 100, &expired)
	grantWithExpiry(t, svc, "user-1", 10, nil)

	balance, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(10), balance)

	_, err = svc.Consume(ctx, &ConsumeRequest{UserID: "user-1", Credits: 11})
	require.ErrorIs(t, err, ErrInsufficientCredits)
}

func TestCompensateRestoresAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := NewService(setupCreditsTestDB(t))

	grantWithExpiry(t, svc, "user-1", 30, nil)
	consume, err := svc.Consume(ctx, &ConsumeRequest{UserID: "user-1", Credits: 12})
	require.NoError(t, err)

	balance, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(18), balance)

	entry, err := svc.Compensate(ctx, consume.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDeleted, entry.Status)

	balance, err = svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(30), balance)

	// 重复补偿不会二次加回
	_, err = svc.Compensate(ctx, consume.ID)
	require.NoError(t, err)
	balance, err = svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(30), balance)
}

func TestCompensateRejectsGrantRecord(t *testing.T) {
	ctx := context.Background()
	svc := NewService(setupCreditsTestDB(t))

	grant := grantWithExpiry(t, svc, "user-1", 10, nil)

	_, err := svc.Compensate(ctx, grant.ID)
	require.ErrorIs(t, err, ErrNotConsumeRecord)

	_, err = svc.Compensate(ctx, "missing-id")
	require.ErrorIs(t, err, ErrCreditNotFound)
}

func TestGrantForOrderDeduplicates(t *testing.T) {
	ctx := context.Background()
	db := setupCreditsTestDB(t)
	svc := NewService(db)

	var first *Credit
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var granted bool
		var err error
		first, granted, err = svc.GrantForOrderInTx(tx, &GrantRequest{
			UserID:  "user-1",
			Credits: 50,
			Scene:   ScenePayment,
			OrderNo: "ORD-42",
		})
		require.True(t, granted)
		return err
	})
	require.NoError(t, err)

	// 同一订单号再次发放：返回既有记录，不重复入账
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, granted, err := svc.GrantForOrderInTx(tx, &GrantRequest{
			UserID:  "user-1",
			Credits: 50,
			Scene:   ScenePayment,
			OrderNo: "ORD-42",
		})
		require.NoError(t, err)
		require.False(t, granted)
		require.Equal(t, first.ID, entry.ID)
		return nil
	})
	require.NoError(t, err)

	balance, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(50), balance)
}

func TestGrantOrderUniqueIndexBackstop(t *testing.T) {
	ctx := context.Background()
	db := setupCreditsTestDB(t)
	svc := NewService(db)

	_, err := svc.Grant(ctx, &GrantRequest{
		UserID:  "user-1",
		Credits: 10,
		Scene:   ScenePayment,
		OrderNo: "ORD-DUP",
	})
	require.NoError(t, err)

	// 绕过按订单号的查重直接二次发放：唯一索引兜底拒绝
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := svc.GrantInTx(tx, &GrantRequest{
			UserID:  "user-1",
			Credits: 10,
			Scene:   ScenePayment,
			OrderNo: "ORD-DUP",
		})
		return err
	})
	require.Error(t, err)

	balance, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(10), balance)
}

func TestExpireDueCredits(t *testing.T) {
	ctx := context.Background()
	svc := NewService(setupCreditsTestDB(t))

	past := time.Now().Add(-time.Minute)
	expired := grantWithExpiry(t, svc, "user-1", 10, &past)
	grantWithExpiry(t, svc, "user-1", 5, nil)

	rows, err := svc.ExpireDueCredits(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), rows)

	var e Credit
	require.NoError(t, svc.db.First(&e, "id = ?", expired.ID).Error)
	require.Equal(t, StatusExpired, e.Status)

	// 再跑一次没有新的记录需要收敛
	rows, err = svc.ExpireDueCredits(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), rows)
}
