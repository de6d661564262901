package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokensale/internal/analytics"
	"tokensale/internal/pricing"
	"tokensale/internal/storage"
	"tokensale/internal/storage/memstore"
)

var (
	saleEnd  = time.Date(2018, 1, 26, 0, 0, 0, 0, time.UTC)
	testTime = time.Date(2018, 1, 10, 12, 0, 0, 0, time.UTC)
)

type recordingPublisher struct {
	purchases []analytics.PurchaseEvent
}

func (r *recordingPublisher) PurchaseCreated(_ context.Context, e analytics.PurchaseEvent) error {
	r.purchases = append(r.purchases, e)
	return nil
}

func (r *recordingPublisher) WithdrawalFinished(context.Context, analytics.WithdrawalEvent) error {
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

type fixture struct {
	store     *memstore.MemStore
	svc       *Service
	publisher *recordingPublisher
}

func newFixture(t *testing.T, totalSupply float64) *fixture {
	t.Helper()
	m := memstore.New()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	pub := &recordingPublisher{}
	svc := NewService(m, pricing.NewOracle(m), pub, Config{
		TokenPriceUSD: 0.25,
		TotalSupply:   totalSupply,
		EndDate:       saleEnd,
		SupportEmail:  "support@example.com",
	}, logger)
	return &fixture{store: m, svc: svc, publisher: pub}
}

// seedTx 建用户、挂地址、落一笔入账交易
func (f *fixture) seedTx(t *testing.T, txID string, value float64, mined time.Time, saleAllocated bool) int64 {
	t.Helper()
	ctx := context.Background()

	u := &storage.User{Email: txID + "@example.com", SaleAllocated: saleAllocated}
	require.NoError(t, f.store.CreateUser(ctx, u))

	addr := fmt.Sprintf("0x%040d", u.ID)
	require.NoError(t, f.store.AddPoolAddresses(ctx, storage.CurrencyETH, []string{addr}))
	var addrID int64
	for id, a := range f.store.Addresses {
		if a.Address == addr {
			uid := u.ID
			a.UserID = &uid
			addrID = id
		}
	}

	tx := &storage.Transaction{TxID: txID, Value: value, Mined: mined, AddressID: addrID}
	inserted, err := f.store.InsertTransaction(ctx, tx)
	require.NoError(t, err)
	require.True(t, inserted)
	return u.ID
}

func (f *fixture) seedPrice(t *testing.T, value float64, at time.Time) {
	t.Helper()
	require.NoError(t, f.store.InsertPriceTick(context.Background(), &storage.PriceTick{
		FixedCurrency: storage.CurrencyETH,
		QuoteCurrency: storage.CurrencyUSD,
		Value:         value,
		Created:       at,
	}))
}

func TestCalculatePurchases_Basic(t *testing.T) {
	f := newFixture(t, 200_000_000)
	ctx := context.Background()

	f.seedTx(t, "tx1", 2, testTime, true)
	f.seedPrice(t, 1000, testTime)

	require.NoError(t, f.svc.CalculatePurchases(ctx))

	require.Len(t, f.store.Purchases, 1)
	for _, p := range f.store.Purchases {
		assert.InDelta(t, 2000, p.USDValue, 1e-9) // 2 ETH × 1000 USD
		assert.InDelta(t, 8000, p.TokenValue, 1e-9) // 2000 / 0.25
		assert.InDelta(t, 1000, p.CurrencyRate, 1e-9)
		assert.InDelta(t, 0.25, p.TokenRate, 1e-9)
		assert.True(t, p.SaleAllocated)
		assert.NotEmpty(t, p.PurchaseID)
	}

	require.Len(t, f.publisher.purchases, 1)
	assert.Equal(t, "tx1", f.publisher.purchases[0].TxID)

	// 重跑不产生第二条购买：交易与购买严格1:1
	require.NoError(t, f.svc.CalculatePurchases(ctx))
	assert.Len(t, f.store.Purchases, 1)
}

func TestCalculatePurchases_MissingPriceLeavesPending(t *testing.T) {
	f := newFixture(t, 200_000_000)
	ctx := context.Background()

	f.seedTx(t, "tx1", 1, testTime, true)
	// 行情在窗口外
	f.seedPrice(t, 1000, testTime.Add(-time.Hour))

	require.NoError(t, f.svc.CalculatePurchases(ctx))
	assert.Empty(t, f.store.Purchases)

	pending, err := f.store.PendingTransactions(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "缺行情的交易留在队列里")

	// 行情补齐后下一轮换算成功
	f.seedPrice(t, 1000, testTime)
	require.NoError(t, f.svc.CalculatePurchases(ctx))
	assert.Len(t, f.store.Purchases, 1)
}

func TestCalculatePurchases_SoldOut(t *testing.T) {
	// 总量1000，第一笔换算800，第二笔500超限
	f := newFixture(t, 1000)
	ctx := context.Background()

	f.seedTx(t, "tx1", 0.2, testTime, true)                    // 200 USD → 800 tokens
	f.seedTx(t, "tx2", 0.125, testTime.Add(time.Minute), true) // 125 USD → 500 tokens
	f.seedPrice(t, 1000, testTime)

	require.NoError(t, f.svc.CalculatePurchases(ctx))

	raised, err := f.svc.Raised(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 800, raised, 1e-9, "超限交易绝不计入已售总量")
	assert.Len(t, f.store.Purchases, 1)

	// 超限交易被跳过，不再回到队列
	pending, err := f.store.PendingTransactions(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// 用户与运营各一条售罄通知
	notes := f.store.NotificationsOfType(storage.NotifySoldOut)
	require.Len(t, notes, 2)
	var userNotes, supportNotes int
	for _, n := range notes {
		if n.Email == "support@example.com" {
			supportNotes++
		} else {
			userNotes++
			assert.Equal(t, "tx2", n.Params["tx_id"])
		}
	}
	assert.Equal(t, 1, userNotes)
	assert.Equal(t, 1, supportNotes)
}

func TestCalculatePurchases_AfterEndDate(t *testing.T) {
	f := newFixture(t, 200_000_000)
	ctx := context.Background()

	late := saleEnd.Add(time.Hour)
	f.seedTx(t, "tx1", 1, late, true)
	f.seedPrice(t, 1000, late)

	require.NoError(t, f.svc.CalculatePurchases(ctx))

	assert.Empty(t, f.store.Purchases)
	pending, err := f.store.PendingTransactions(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "晚于结束时间的交易被跳过")
	assert.Len(t, f.store.NotificationsOfType(storage.NotifySoldOut), 2)
}

func TestCalculatePurchases_NonAllocatedBypassesCap(t *testing.T) {
	// 非计入额度的用户不受上限约束，购买也不推高已售总量
	f := newFixture(t, 100)
	ctx := context.Background()

	f.seedTx(t, "tx1", 1, testTime, false) // 1000 USD → 4000 tokens，远超总量100
	f.seedPrice(t, 1000, testTime)

	require.NoError(t, f.svc.CalculatePurchases(ctx))
	assert.Len(t, f.store.Purchases, 1)

	raised, err := f.svc.Raised(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0, raised, 1e-9)
}

func TestCalculatePurchases_PresaleCountsTowardCap(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()

	u := &storage.User{Email: "presale@example.com", SaleAllocated: true}
	require.NoError(t, f.store.CreateUser(ctx, u))
	require.NoError(t, f.store.CreatePresaleGrant(ctx, &storage.PresaleGrant{
		TokenValue: 900, SaleAllocated: true, UserID: u.ID,
	}))

	// 500 tokens的购买会把总量推到1400，超限
	f.seedTx(t, "tx1", 0.125, testTime, true)
	f.seedPrice(t, 1000, testTime)

	require.NoError(t, f.svc.CalculatePurchases(ctx))
	assert.Empty(t, f.store.Purchases, "预售额度计入上限口径")
}
