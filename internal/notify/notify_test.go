package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokensale/internal/storage"
	"tokensale/internal/storage/memstore"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type stubMailer struct {
	sent    []Message
	sendErr error
	nextID  int
	failed  map[string]bool
}

func (s *stubMailer) Send(_ context.Context, msg Message) (string, error) {
	if s.sendErr != nil {
		return "", s.sendErr
	}
	s.nextID++
	s.sent = append(s.sent, msg)
	return fmt.Sprintf("msg-%d", s.nextID), nil
}

func (s *stubMailer) FailedMessageIDs(context.Context, time.Time) (map[string]bool, error) {
	if s.failed == nil {
		return map[string]bool{}, nil
	}
	return s.failed, nil
}

func newService(m *memstore.MemStore, mailer Mailer) *Service {
	return NewService(m, mailer, Config{
		MaxAttempts:       3,
		ConfirmBaseURL:    "https://sale.example.com/confirm",
		DeliveryDaysDepth: 3,
	}, testLogger())
}

func TestSendPending(t *testing.T) {
	m := memstore.New()
	ctx := context.Background()
	mailer := &stubMailer{}
	svc := newService(m, mailer)

	n := &storage.Notification{
		Type:    storage.NotifyWithdrawalRequest,
		Email:   "user@example.com",
		Created: time.Now(),
		Params: map[string]string{
			"kind":  storage.OperationWithdrawToken,
			"token": "secret-token",
		},
	}
	require.NoError(t, m.CreateNotification(ctx, n))

	require.NoError(t, svc.SendPending(ctx))
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "user@example.com", mailer.sent[0].To)
	assert.Contains(t, mailer.sent[0].Text,
		"https://sale.example.com/confirm/withdraw_token/secret-token")

	// 已发送的通知不再重发，message-id已记录
	require.NoError(t, svc.SendPending(ctx))
	assert.Len(t, mailer.sent, 1)
	got := m.Notifications[n.ID]
	assert.True(t, got.IsSent)
	assert.NotEmpty(t, got.MessageID)
}

func TestSendPending_FailureCountsAttempts(t *testing.T) {
	m := memstore.New()
	ctx := context.Background()
	mailer := &stubMailer{sendErr: assert.AnError}
	svc := newService(m, mailer)

	n := &storage.Notification{
		Type:    storage.NotifyAddressChanged,
		Email:   "user@example.com",
		Created: time.Now(),
	}
	require.NoError(t, m.CreateNotification(ctx, n))

	// 三轮失败后达到上限，不再尝试
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.SendPending(ctx))
	}
	assert.Equal(t, 3, m.Notifications[n.ID].FailedAttempts)

	pending, err := m.UnsentNotifications(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, pending, "超限通知留给人工处理")
}

func TestNotifyPurchases(t *testing.T) {
	m := memstore.New()
	ctx := context.Background()
	mailer := &stubMailer{}
	svc := newService(m, mailer)

	u := &storage.User{Email: "buyer@example.com", SaleAllocated: true}
	require.NoError(t, m.CreateUser(ctx, u))
	require.NoError(t, m.AddPoolAddresses(ctx, storage.CurrencyETH, []string{"0xabc"}))
	var addrID int64
	for id, a := range m.Addresses {
		uid := u.ID
		a.UserID = &uid
		addrID = id
	}

	tx := &storage.Transaction{TxID: "0xdeadbeef", Value: 2, Mined: time.Now(), AddressID: addrID}
	_, err := m.InsertTransaction(ctx, tx)
	require.NoError(t, err)

	// 未换算成购买的交易不通知
	require.NoError(t, svc.NotifyPurchases(ctx))
	assert.Empty(t, mailer.sent)

	require.NoError(t, m.CreatePurchase(ctx, &storage.Purchase{
		PurchaseID: "p1", TokenValue: 8000, SaleAllocated: true,
		Created: time.Now(), TransactionID: tx.ID,
	}))

	require.NoError(t, svc.NotifyPurchases(ctx))
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "buyer@example.com", mailer.sent[0].To)
	assert.Contains(t, mailer.sent[0].Text, "8000")

	assert.True(t, m.Transactions[tx.ID].Notified)
	assert.NotEmpty(t, m.Transactions[tx.ID].MessageID)

	// 不重复通知
	require.NoError(t, svc.NotifyPurchases(ctx))
	assert.Len(t, mailer.sent, 1)
}

func TestCheckDeliveries(t *testing.T) {
	m := memstore.New()
	ctx := context.Background()
	mailer := &stubMailer{}
	svc := newService(m, mailer)

	n := &storage.Notification{
		Type:    storage.NotifyAddressChanged,
		Email:   "user@example.com",
		Created: time.Now(),
	}
	require.NoError(t, m.CreateNotification(ctx, n))
	require.NoError(t, m.MarkNotificationSent(ctx, n.ID, "bounced-id", time.Now()))

	mailer.failed = map[string]bool{"bounced-id": true}
	require.NoError(t, svc.CheckDeliveries(ctx))
	assert.True(t, m.Notifications[n.ID].DeliveryFailed)
}

func TestMailgunSender(t *testing.T) {
	var gotForm map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/messages"):
			user, pass, ok := r.BasicAuth()
			require.True(t, ok)
			assert.Equal(t, "api", user)
			assert.Equal(t, "key-test", pass)
			require.NoError(t, r.ParseForm())
			gotForm = r.PostForm
			w.Write([]byte(`{"id":"<20180110.12345@mg.example.com>","message":"Queued. Thank you."}`))
		case strings.HasSuffix(r.URL.Path, "/events"):
			w.Write([]byte(`{"items":[{"message":{"headers":{"message-id":"bad@mg.example.com"}}}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	sender := NewMailgunSender(srv.URL, "mg.example.com", "key-test",
		"Sale <no-reply@mg.example.com>", 0, testLogger())

	id, err := sender.Send(context.Background(), Message{
		To: "user@example.com", Subject: "hello", Text: "body",
	})
	require.NoError(t, err)
	assert.Equal(t, "20180110.12345@mg.example.com", id, "message-id去掉尖括号存储")
	assert.Equal(t, []string{"user@example.com"}, gotForm["to"])
	assert.Equal(t, []string{"hello"}, gotForm["subject"])

	failed, err := sender.FailedMessageIDs(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, failed["bad@mg.example.com"])
}

func TestRender_UnknownType(t *testing.T) {
	_, err := render("no_such_type", nil)
	assert.Error(t, err)
}
