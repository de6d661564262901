package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokensale/internal/storage"
)

func seedUser(t *testing.T, m *MemStore, email string) *storage.User {
	t.Helper()
	u := &storage.User{Email: email, SaleAllocated: true}
	require.NoError(t, m.CreateUser(context.Background(), u))
	return u
}

func TestAssignPair_AllOrNothing(t *testing.T) {
	m := New()
	ctx := context.Background()
	u := seedUser(t, m, "a@example.com")

	// 只有BTC地址，ETH池为空：不应分配任何地址
	require.NoError(t, m.AddPoolAddresses(ctx, storage.CurrencyBTC, []string{"1BtcAddr"}))

	res, err := m.AssignPair(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.AssignExhausted, res)

	addrs, err := m.UserAddresses(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, addrs, "池耗尽时不允许部分分配")

	// 补齐ETH后分配成功，两个币种各一个
	require.NoError(t, m.AddPoolAddresses(ctx, storage.CurrencyETH, []string{"0xEthAddr"}))
	res, err = m.AssignPair(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.AssignOK, res)

	addrs, err = m.UserAddresses(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, addrs, 2)

	// 重复请求不再分配
	res, err = m.AssignPair(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.AssignAlreadyAssigned, res)
}

func TestInsertTransaction_Idempotent(t *testing.T) {
	m := New()
	ctx := context.Background()

	tx := &storage.Transaction{TxID: "txhash1", Value: 1.5, Mined: time.Now(), AddressID: 1}
	inserted, err := m.InsertTransaction(ctx, tx)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := &storage.Transaction{TxID: "txhash1", Value: 99, Mined: time.Now(), AddressID: 1}
	inserted, err = m.InsertTransaction(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted, "重复tx_id必须被忽略")
}

func TestWithdrawalLifecycle(t *testing.T) {
	m := New()
	ctx := context.Background()
	u := seedUser(t, m, "w@example.com")

	w := &storage.Withdrawal{Value: 30, To: "0xdest", Created: time.Now(), UserID: u.ID}
	require.NoError(t, m.CreateWithdrawal(ctx, w))
	assert.Equal(t, storage.WithdrawalStatusNotConfirmed, w.Status)

	changed, err := m.ConfirmWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	// 重复确认不再生效
	changed, err = m.ConfirmWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, m.MarkWithdrawalSubmitted(ctx, w.ID, "0xminttx"))

	// 已有交易号后禁止再次提交
	err = m.MarkWithdrawalSubmitted(ctx, w.ID, "0xother")
	assert.Error(t, err)

	require.NoError(t, m.FinishWithdrawal(ctx, w.ID, storage.WithdrawalStatusSuccess))

	got, err := m.GetWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.WithdrawalStatusSuccess, got.Status)
	assert.Equal(t, "0xminttx", got.TxID)

	// 终态后不可回退
	err = m.FinishWithdrawal(ctx, w.ID, storage.WithdrawalStatusFail)
	assert.Error(t, err)
}

func TestWithdrawableBalance_CountsAllWithdrawals(t *testing.T) {
	m := New()
	ctx := context.Background()
	u := seedUser(t, m, "b@example.com")

	require.NoError(t, m.CreatePresaleGrant(ctx, &storage.PresaleGrant{
		TokenValue: 100, SaleAllocated: true, UserID: u.ID,
	}))

	balance, err := m.WithdrawableBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.InDelta(t, 100, balance, 1e-9)

	w := &storage.Withdrawal{Value: 100, To: "0xdest", Created: time.Now(), UserID: u.ID}
	require.NoError(t, m.CreateWithdrawal(ctx, w))

	balance, err = m.WithdrawableBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0, balance, 1e-9, "提取创建即占用余额")

	_, err = m.ConfirmWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	require.NoError(t, m.MarkWithdrawalSubmitted(ctx, w.ID, "0xtx"))
	require.NoError(t, m.FinishWithdrawal(ctx, w.ID, storage.WithdrawalStatusFail))

	// 失败的提取同样计入扣减，余额不自动返还
	balance, err = m.WithdrawableBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0, balance, 1e-9, "失败的提取不释放余额")
}

func TestPriceAt_Window(t *testing.T) {
	m := New()
	ctx := context.Background()
	at := time.Date(2018, 1, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.InsertPriceTick(ctx, &storage.PriceTick{
		FixedCurrency: storage.CurrencyBTC, QuoteCurrency: storage.CurrencyUSD,
		Value: 14000, Created: at.Add(-4 * time.Minute),
	}))
	require.NoError(t, m.InsertPriceTick(ctx, &storage.PriceTick{
		FixedCurrency: storage.CurrencyBTC, QuoteCurrency: storage.CurrencyUSD,
		Value: 14200, Created: at.Add(-1 * time.Minute),
	}))
	require.NoError(t, m.InsertPriceTick(ctx, &storage.PriceTick{
		FixedCurrency: storage.CurrencyBTC, QuoteCurrency: storage.CurrencyUSD,
		Value: 15000, Created: at.Add(-10 * time.Minute),
	}))

	price, err := m.PriceAt(ctx, storage.CurrencyBTC, storage.CurrencyUSD, at, 5*time.Minute)
	require.NoError(t, err)
	assert.InDelta(t, 14200, price, 1e-9, "取窗口内最新一条")

	// 窗口外没有数据
	_, err = m.PriceAt(ctx, storage.CurrencyETH, storage.CurrencyUSD, at, 5*time.Minute)
	assert.Error(t, err)
}

func TestWithLock_SkipsWhenHeld(t *testing.T) {
	m := New()
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		m.WithLock(ctx, "job", func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()

	<-entered
	skipped, err := m.WithLock(ctx, "job", func(ctx context.Context) error {
		t.Fatal("锁被占用时不应执行")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, skipped)
	close(release)
}
