package operations

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	saleerrors "tokensale/internal/errors"
	"tokensale/internal/storage"
	"tokensale/internal/storage/memstore"
)

func testService(t *testing.T) (*Service, *memstore.MemStore, *storage.User) {
	t.Helper()
	m := memstore.New()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	u := &storage.User{Email: "op@example.com", SaleAllocated: true}
	require.NoError(t, m.CreateUser(context.Background(), u))
	return NewService(m, logger), m, u
}

func TestChangeAddress_FullFlow(t *testing.T) {
	svc, m, u := testService(t)
	ctx := context.Background()

	op, err := svc.Create(ctx, u.ID, ChangeAddress{NewAddress: "0x8ba1f109551bD432803012645Ac136ddd64DBA72"})
	require.NoError(t, err)
	assert.NotEmpty(t, op.Token)

	// 确认请求邮件已落库，带口令
	notes := m.NotificationsOfType(storage.NotifyAddressChangeRequest)
	require.Len(t, notes, 1)
	assert.Equal(t, op.Token, notes[0].Params["token"])

	require.NoError(t, svc.Confirm(ctx, storage.OperationChangeAddress, op.Token))

	got, err := m.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "0x8ba1f109551bD432803012645Ac136ddd64DBA72", got.WithdrawAddress)

	assert.Len(t, m.NotificationsOfType(storage.NotifyAddressChanged), 1)
}

func TestConfirm_InvalidToken(t *testing.T) {
	svc, _, u := testService(t)
	ctx := context.Background()

	op, err := svc.Create(ctx, u.ID, ChangeAddress{NewAddress: "0x8ba1f109551bD432803012645Ac136ddd64DBA72"})
	require.NoError(t, err)

	// 口令必须整串相等
	err = svc.Confirm(ctx, storage.OperationChangeAddress, op.Token[:len(op.Token)-1])
	assert.ErrorIs(t, err, saleerrors.ErrInvalidToken)

	// 种类不匹配同样拒绝
	err = svc.Confirm(ctx, storage.OperationWithdrawToken, op.Token)
	assert.ErrorIs(t, err, saleerrors.ErrInvalidToken)
}

func TestConfirm_AlreadyCompleted(t *testing.T) {
	svc, _, u := testService(t)
	ctx := context.Background()

	op, err := svc.Create(ctx, u.ID, ChangeAddress{NewAddress: "0x8ba1f109551bD432803012645Ac136ddd64DBA72"})
	require.NoError(t, err)

	require.NoError(t, svc.Confirm(ctx, storage.OperationChangeAddress, op.Token))

	err = svc.Confirm(ctx, storage.OperationChangeAddress, op.Token)
	assert.ErrorIs(t, err, saleerrors.ErrAlreadyCompleted)
}

func TestWithdrawToken_ConfirmAdvancesWithdrawal(t *testing.T) {
	svc, m, u := testService(t)
	ctx := context.Background()

	w := &storage.Withdrawal{Value: 30, To: "0xdest", Created: time.Now(), UserID: u.ID}
	require.NoError(t, m.CreateWithdrawal(ctx, w))

	op, err := svc.Create(ctx, u.ID, WithdrawToken{WithdrawalID: w.ID, Amount: 30, To: "0xdest"})
	require.NoError(t, err)

	require.NoError(t, svc.Confirm(ctx, storage.OperationWithdrawToken, op.Token))

	got, err := m.GetWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.WithdrawalStatusConfirmed, got.Status)
}

// flakyStore 第一次写提取地址时失败，之后恢复正常
type flakyStore struct {
	*memstore.MemStore
	failures int
}

func (f *flakyStore) SetWithdrawAddress(ctx context.Context, userID int64, address string) error {
	if f.failures > 0 {
		f.failures--
		return saleerrors.NewStorageError("连接中断", nil)
	}
	return f.MemStore.SetWithdrawAddress(ctx, userID, address)
}

func TestConfirm_TransientFailureKeepsTokenUsable(t *testing.T) {
	m := memstore.New()
	store := &flakyStore{MemStore: m, failures: 1}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	svc := NewService(store, logger)
	ctx := context.Background()

	u := &storage.User{Email: "op@example.com", SaleAllocated: true}
	require.NoError(t, m.CreateUser(ctx, u))

	op, err := svc.Create(ctx, u.ID, ChangeAddress{NewAddress: "0x8ba1f109551bD432803012645Ac136ddd64DBA72"})
	require.NoError(t, err)

	// 本体执行失败时不落confirmed_at，口令保持可用
	err = svc.Confirm(ctx, storage.OperationChangeAddress, op.Token)
	require.Error(t, err)
	assert.NotErrorIs(t, err, saleerrors.ErrAlreadyCompleted)

	got, err := m.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, got.WithdrawAddress)

	// 同一口令重试成功
	require.NoError(t, svc.Confirm(ctx, storage.OperationChangeAddress, op.Token))
	got, err = m.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "0x8ba1f109551bD432803012645Ac136ddd64DBA72", got.WithdrawAddress)
}

func TestResendUnconfirmed(t *testing.T) {
	svc, m, u := testService(t)
	ctx := context.Background()

	op, err := svc.Create(ctx, u.ID, ChangeAddress{NewAddress: "0x8ba1f109551bD432803012645Ac136ddd64DBA72"})
	require.NoError(t, err)

	// 把最近发送时间拨回过去
	require.NoError(t, m.TouchOperationNotification(ctx, op.ID, time.Now().Add(-2*time.Hour)))

	require.NoError(t, svc.ResendUnconfirmed(ctx, time.Hour))
	assert.Len(t, m.NotificationsOfType(storage.NotifyAddressChangeRequest), 2)

	// 刚重发过的不再重发
	require.NoError(t, svc.ResendUnconfirmed(ctx, time.Hour))
	assert.Len(t, m.NotificationsOfType(storage.NotifyAddressChangeRequest), 2)

	// 已确认的不再重发
	require.NoError(t, svc.Confirm(ctx, storage.OperationChangeAddress, op.Token))
	require.NoError(t, m.TouchOperationNotification(ctx, op.ID, time.Now().Add(-2*time.Hour)))
	require.NoError(t, svc.ResendUnconfirmed(ctx, time.Hour))
	assert.Len(t, m.NotificationsOfType(storage.NotifyAddressChangeRequest), 2)
}
