package withdrawal

import (
	"context"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokensale/internal/analytics"
	saleerrors "tokensale/internal/errors"
	"tokensale/internal/operations"
	"tokensale/internal/storage"
	"tokensale/internal/storage/memstore"
)

type stubMinter struct {
	mintErr   error
	minted    []string // 目标地址
	nextTxSeq int
	statuses  map[string]string // txID → "0x1"/"0x0"/""(pending)
}

func (s *stubMinter) Mint(_ context.Context, to string, _ float64) (string, error) {
	if s.mintErr != nil {
		return "", s.mintErr
	}
	s.nextTxSeq++
	s.minted = append(s.minted, to)
	return fmt.Sprintf("0xtx%d", s.nextTxSeq), nil
}

func (s *stubMinter) TransactionStatus(_ context.Context, txID string) (string, bool, error) {
	status, ok := s.statuses[txID]
	if !ok || status == "" {
		return "", true, nil
	}
	return status, false, nil
}

type recordingPublisher struct {
	withdrawals []analytics.WithdrawalEvent
}

func (r *recordingPublisher) PurchaseCreated(context.Context, analytics.PurchaseEvent) error {
	return nil
}

func (r *recordingPublisher) WithdrawalFinished(_ context.Context, e analytics.WithdrawalEvent) error {
	r.withdrawals = append(r.withdrawals, e)
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

type fixture struct {
	store     *memstore.MemStore
	minter    *stubMinter
	publisher *recordingPublisher
	ops       *operations.Service
	mgr       *Manager
}

func newFixture(t *testing.T, maxPending int) *fixture {
	t.Helper()
	m := memstore.New()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	minter := &stubMinter{statuses: map[string]string{}}
	pub := &recordingPublisher{}
	ops := operations.NewService(m, logger)
	return &fixture{
		store:     m,
		minter:    minter,
		publisher: pub,
		ops:       ops,
		mgr:       NewManager(m, minter, ops, pub, Config{MaxPendingCount: maxPending}, logger),
	}
}

func (f *fixture) seedUser(t *testing.T, email string, grant float64) *storage.User {
	t.Helper()
	ctx := context.Background()
	u := &storage.User{
		Email:           email,
		WithdrawAddress: "0x8ba1f109551bD432803012645Ac136ddd64DBA72",
		SaleAllocated:   true,
	}
	require.NoError(t, f.store.CreateUser(ctx, u))
	if grant > 0 {
		require.NoError(t, f.store.CreatePresaleGrant(ctx, &storage.PresaleGrant{
			TokenValue: grant, SaleAllocated: true, UserID: u.ID,
		}))
	}
	return u
}

func TestRequest_FreezesFullBalance(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	u := f.seedUser(t, "w@example.com", 30)

	w, err := f.mgr.Request(ctx, u.ID)
	require.NoError(t, err)
	assert.InDelta(t, 30, w.Value, 1e-9)
	assert.Equal(t, storage.WithdrawalStatusNotConfirmed, w.Status)
	assert.Equal(t, u.WithdrawAddress, w.To)

	// 确认邮件通知已落库
	assert.Len(t, f.store.NotificationsOfType(storage.NotifyWithdrawalRequest), 1)

	// 余额已被占用，第二次发起被拒
	_, err = f.mgr.Request(ctx, u.ID)
	assert.ErrorIs(t, err, saleerrors.ErrInsufficientBalance)
}

func TestRequest_RequiresWithdrawAddress(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()

	u := &storage.User{Email: "noaddr@example.com", SaleAllocated: true}
	require.NoError(t, f.store.CreateUser(ctx, u))
	require.NoError(t, f.store.CreatePresaleGrant(ctx, &storage.PresaleGrant{
		TokenValue: 10, SaleAllocated: true, UserID: u.ID,
	}))

	_, err := f.mgr.Request(ctx, u.ID)
	assert.Error(t, err)
}

// 完整场景：30代币余额 → 发起 → 确认 → 上链 → 回执成功 → 再次发起被拒
func TestWithdrawal_EndToEnd(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	u := f.seedUser(t, "e2e@example.com", 30)

	w, err := f.mgr.Request(ctx, u.ID)
	require.NoError(t, err)

	// 邮件口令确认
	notes := f.store.NotificationsOfType(storage.NotifyWithdrawalRequest)
	require.Len(t, notes, 1)
	token := notes[0].Params["token"]
	require.NotEmpty(t, token)
	require.NoError(t, f.ops.Confirm(ctx, storage.OperationWithdrawToken, token))

	// 上链
	require.NoError(t, f.mgr.ProcessConfirmed(ctx))
	got, err := f.store.GetWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.WithdrawalStatusPending, got.Status)
	assert.Equal(t, "0xtx1", got.TxID)

	// 回执成功 → 定稿
	f.minter.statuses["0xtx1"] = "0x1"
	require.NoError(t, f.mgr.CheckSubmitted(ctx))

	got, err = f.store.GetWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.WithdrawalStatusSuccess, got.Status)

	assert.Len(t, f.store.NotificationsOfType(storage.NotifyWithdrawalSucceeded), 1)
	require.Len(t, f.publisher.withdrawals, 1)
	assert.Equal(t, storage.WithdrawalStatusSuccess, f.publisher.withdrawals[0].Status)

	// 全部余额已提走
	_, err = f.mgr.Request(ctx, u.ID)
	assert.ErrorIs(t, err, saleerrors.ErrInsufficientBalance)
}

func TestCheckSubmitted_FailedReceiptIsTerminal(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	u := f.seedUser(t, "fail@example.com", 30)

	w, err := f.mgr.Request(ctx, u.ID)
	require.NoError(t, err)
	_, err = f.store.ConfirmWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	require.NoError(t, f.mgr.ProcessConfirmed(ctx))

	f.minter.statuses["0xtx1"] = "0x0"
	require.NoError(t, f.mgr.CheckSubmitted(ctx))

	got, err := f.store.GetWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.WithdrawalStatusFail, got.Status)

	// 失败不发成功邮件
	assert.Empty(t, f.store.NotificationsOfType(storage.NotifyWithdrawalSucceeded))

	// 失败不返还余额，再次发起被拒
	balance, err := f.store.WithdrawableBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0, balance, 1e-9)
	_, err = f.mgr.Request(ctx, u.ID)
	assert.ErrorIs(t, err, saleerrors.ErrInsufficientBalance)
}

func TestProcessConfirmed_Backpressure(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	// 三个用户各确认一笔提取，上限2：第一轮只提交两笔
	for i := 0; i < 3; i++ {
		u := f.seedUser(t, fmt.Sprintf("bp%d@example.com", i), 10)
		w, err := f.mgr.Request(ctx, u.ID)
		require.NoError(t, err)
		_, err = f.store.ConfirmWithdrawal(ctx, w.ID)
		require.NoError(t, err)
	}

	require.NoError(t, f.mgr.ProcessConfirmed(ctx))
	assert.Len(t, f.minter.minted, 2)

	// 回执未出，第二轮不提交新的
	require.NoError(t, f.mgr.ProcessConfirmed(ctx))
	assert.Len(t, f.minter.minted, 2)

	// 一笔定稿后腾出名额
	f.minter.statuses["0xtx1"] = "0x1"
	require.NoError(t, f.mgr.CheckSubmitted(ctx))
	require.NoError(t, f.mgr.ProcessConfirmed(ctx))
	assert.Len(t, f.minter.minted, 3)
}

func TestProcessConfirmed_MintFailureRetriesNextRound(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	u := f.seedUser(t, "retry@example.com", 10)

	w, err := f.mgr.Request(ctx, u.ID)
	require.NoError(t, err)
	_, err = f.store.ConfirmWithdrawal(ctx, w.ID)
	require.NoError(t, err)

	// 铸币失败：没有交易号，停留在confirmed
	f.minter.mintErr = assert.AnError
	require.NoError(t, f.mgr.ProcessConfirmed(ctx))

	got, err := f.store.GetWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.WithdrawalStatusConfirmed, got.Status)
	assert.Empty(t, got.TxID)

	// 故障恢复后下一轮提交成功
	f.minter.mintErr = nil
	require.NoError(t, f.mgr.ProcessConfirmed(ctx))

	got, err = f.store.GetWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.WithdrawalStatusPending, got.Status)
	assert.Equal(t, "0xtx1", got.TxID)
}

func TestCheckSubmitted_PendingReceiptWaits(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	u := f.seedUser(t, "wait@example.com", 10)

	w, err := f.mgr.Request(ctx, u.ID)
	require.NoError(t, err)
	_, err = f.store.ConfirmWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	require.NoError(t, f.mgr.ProcessConfirmed(ctx))

	// 回执未出：保持pending
	require.NoError(t, f.mgr.CheckSubmitted(ctx))
	got, err := f.store.GetWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.WithdrawalStatusPending, got.Status)
}
