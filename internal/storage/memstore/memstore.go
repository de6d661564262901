// Package memstore 提供Storage接口的内存实现，供服务层测试使用。
// 行为与PostgreSQL实现对齐：幂等写入、状态只向前推进、业务错误同款。
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"tokensale/internal/errors"
	"tokensale/internal/storage"
)

var (
	_ storage.Storage = (*MemStore)(nil)
	_ storage.Locker  = (*MemStore)(nil)
)

// MemStore Storage接口的内存实现
type MemStore struct {
	mu sync.Mutex

	nextID        int64
	Users         map[int64]*storage.User
	Addresses     map[int64]*storage.Address
	Transactions  map[int64]*storage.Transaction
	Purchases     map[int64]*storage.Purchase
	PresaleGrants map[int64]*storage.PresaleGrant
	PriceTicks    []*storage.PriceTick
	Withdrawals   map[int64]*storage.Withdrawal
	Operations    map[int64]*storage.Operation
	Notifications map[int64]*storage.Notification

	locks map[string]bool
}

// New 创建空的内存存储
func New() *MemStore {
	return &MemStore{
		Users:         make(map[int64]*storage.User),
		Addresses:     make(map[int64]*storage.Address),
		Transactions:  make(map[int64]*storage.Transaction),
		Purchases:     make(map[int64]*storage.Purchase),
		PresaleGrants: make(map[int64]*storage.PresaleGrant),
		Withdrawals:   make(map[int64]*storage.Withdrawal),
		Operations:    make(map[int64]*storage.Operation),
		Notifications: make(map[int64]*storage.Notification),
		locks:         make(map[string]bool),
	}
}

func (m *MemStore) id() int64 {
	m.nextID++
	return m.nextID
}

// ---- 用户 ----

func (m *MemStore) GetUser(_ context.Context, id int64) (*storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return nil, errors.NewStorageError("用户不存在", nil)
	}
	c := *u
	return &c, nil
}

func (m *MemStore) GetUserByEmail(_ context.Context, email string) (*storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if u.Email == email {
			c := *u
			return &c, nil
		}
	}
	return nil, errors.NewStorageError("用户不存在", nil)
}

func (m *MemStore) CreateUser(_ context.Context, u *storage.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u.ID = m.id()
	c := *u
	m.Users[u.ID] = &c
	return nil
}

func (m *MemStore) SetWithdrawAddress(_ context.Context, userID int64, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[userID]
	if !ok {
		return errors.NewStorageError("用户不存在", nil)
	}
	u.WithdrawAddress = address
	return nil
}

// ---- 地址池 ----

func (m *MemStore) AssignPair(_ context.Context, userID int64) (storage.AssignResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.Addresses {
		if a.UserID != nil && *a.UserID == userID {
			return storage.AssignAlreadyAssigned, nil
		}
	}

	picked := make(map[string]*storage.Address)
	for _, currency := range []string{storage.CurrencyBTC, storage.CurrencyETH} {
		var found *storage.Address
		for _, id := range m.sortedAddressIDs() {
			a := m.Addresses[id]
			if a.Currency == currency && a.UserID == nil && a.IsUsable {
				found = a
				break
			}
		}
		if found == nil {
			return storage.AssignExhausted, nil
		}
		picked[currency] = found
	}
	for _, a := range picked {
		uid := userID
		a.UserID = &uid
	}
	return storage.AssignOK, nil
}

func (m *MemStore) sortedAddressIDs() []int64 {
	ids := make([]int64, 0, len(m.Addresses))
	for id := range m.Addresses {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *MemStore) UserAddresses(_ context.Context, userID int64) ([]storage.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Address
	for _, id := range m.sortedAddressIDs() {
		a := m.Addresses[id]
		if a.UserID != nil && *a.UserID == userID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *MemStore) ScannableAddresses(_ context.Context, currency string) ([]storage.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Address
	for _, id := range m.sortedAddressIDs() {
		a := m.Addresses[id]
		if a.Currency == currency && (a.UserID != nil || a.ForceScanning) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *MemStore) AddPoolAddresses(_ context.Context, currency string, addrs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, addr := range addrs {
		exists := false
		for _, a := range m.Addresses {
			if a.Address == addr {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		id := m.id()
		m.Addresses[id] = &storage.Address{ID: id, Address: addr, Currency: currency, IsUsable: true}
	}
	return nil
}

// ---- 交易 ----

func (m *MemStore) InsertTransaction(_ context.Context, t *storage.Transaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.Transactions {
		if existing.TxID == t.TxID {
			return false, nil
		}
	}
	t.ID = m.id()
	t.Status = storage.TxStatusSuccess
	c := *t
	m.Transactions[t.ID] = &c
	return true, nil
}

func (m *MemStore) pendingLocked(predicate func(*storage.Transaction) bool) []storage.PendingTransaction {
	ids := make([]int64, 0, len(m.Transactions))
	for id := range m.Transactions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := m.Transactions[ids[i]], m.Transactions[ids[j]]
		if !a.Mined.Equal(b.Mined) {
			return a.Mined.Before(b.Mined)
		}
		return a.ID < b.ID
	})

	var out []storage.PendingTransaction
	for _, id := range ids {
		t := m.Transactions[id]
		if !predicate(t) {
			continue
		}
		addr, ok := m.Addresses[t.AddressID]
		if !ok || addr.UserID == nil {
			continue
		}
		user, ok := m.Users[*addr.UserID]
		if !ok {
			continue
		}
		var tokenValue float64
		for _, p := range m.Purchases {
			if p.TransactionID == t.ID {
				tokenValue = p.TokenValue
				break
			}
		}
		out = append(out, storage.PendingTransaction{
			Transaction:   *t,
			Currency:      addr.Currency,
			UserID:        user.ID,
			UserEmail:     user.Email,
			SaleAllocated: user.SaleAllocated,
			TokenValue:    tokenValue,
		})
	}
	return out
}

func (m *MemStore) PendingTransactions(_ context.Context) ([]storage.PendingTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	calculated := make(map[int64]bool)
	for _, p := range m.Purchases {
		calculated[p.TransactionID] = true
	}
	return m.pendingLocked(func(t *storage.Transaction) bool {
		return !t.SkipCalculation && !calculated[t.ID]
	}), nil
}

func (m *MemStore) SkipTransaction(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.Transactions[id]; ok {
		t.SkipCalculation = true
	}
	return nil
}

func (m *MemStore) UnnotifiedTransactions(_ context.Context, maxFailures int) ([]storage.PendingTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	calculated := make(map[int64]bool)
	for _, p := range m.Purchases {
		calculated[p.TransactionID] = true
	}
	return m.pendingLocked(func(t *storage.Transaction) bool {
		return calculated[t.ID] && !t.Notified && t.FailedNotifications < maxFailures
	}), nil
}

func (m *MemStore) MarkTransactionNotified(_ context.Context, id int64, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.Transactions[id]; ok {
		t.Notified = true
		t.MessageID = messageID
	}
	return nil
}

func (m *MemStore) BumpTransactionNotifyFailure(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.Transactions[id]; ok {
		t.FailedNotifications++
	}
	return nil
}

// ---- 购买与额度 ----

func (m *MemStore) CreatePurchase(_ context.Context, p *storage.Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.Purchases {
		if existing.TransactionID == p.TransactionID {
			return errors.NewStorageError("交易已存在购买记录", nil)
		}
	}
	p.ID = m.id()
	c := *p
	m.Purchases[p.ID] = &c
	return nil
}

func (m *MemStore) RaisedTokens(_ context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, p := range m.Purchases {
		if p.SaleAllocated {
			total += p.TokenValue
		}
	}
	for _, g := range m.PresaleGrants {
		if g.SaleAllocated {
			total += g.TokenValue
		}
	}
	return total, nil
}

func (m *MemStore) CreatePresaleGrant(_ context.Context, g *storage.PresaleGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.ID = m.id()
	c := *g
	m.PresaleGrants[g.ID] = &c
	return nil
}

// ---- 行情 ----

func (m *MemStore) InsertPriceTick(_ context.Context, tick *storage.PriceTick) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tick.ID = m.id()
	c := *tick
	m.PriceTicks = append(m.PriceTicks, &c)
	return nil
}

func (m *MemStore) PriceAt(_ context.Context, fixed, quote string, at time.Time, window time.Duration) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *storage.PriceTick
	for _, tick := range m.PriceTicks {
		if tick.FixedCurrency != fixed || tick.QuoteCurrency != quote {
			continue
		}
		if tick.Created.Before(at.Add(-window)) || tick.Created.After(at.Add(window)) {
			continue
		}
		if best == nil || tick.Created.After(best.Created) {
			best = tick
		}
	}
	if best == nil {
		return 0, errors.ErrPriceNotFound
	}
	return best.Value, nil
}

// ---- 提取 ----

func (m *MemStore) WithdrawableBalance(_ context.Context, userID int64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var balance float64
	for _, p := range m.Purchases {
		t, ok := m.Transactions[p.TransactionID]
		if !ok {
			continue
		}
		a, ok := m.Addresses[t.AddressID]
		if !ok || a.UserID == nil || *a.UserID != userID {
			continue
		}
		balance += p.TokenValue
	}
	for _, g := range m.PresaleGrants {
		if g.UserID == userID {
			balance += g.TokenValue
		}
	}
	for _, w := range m.Withdrawals {
		if w.UserID == userID {
			balance -= w.Value
		}
	}
	return balance, nil
}

func (m *MemStore) CreateWithdrawal(_ context.Context, w *storage.Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w.ID = m.id()
	w.Status = storage.WithdrawalStatusNotConfirmed
	c := *w
	m.Withdrawals[w.ID] = &c
	return nil
}

func (m *MemStore) GetWithdrawal(_ context.Context, id int64) (*storage.Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.Withdrawals[id]
	if !ok {
		return nil, errors.ErrWithdrawalNotFound
	}
	c := *w
	return &c, nil
}

func (m *MemStore) withdrawalsByStatusLocked(status string, limit int) []storage.Withdrawal {
	ids := make([]int64, 0, len(m.Withdrawals))
	for id := range m.Withdrawals {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := m.Withdrawals[ids[i]], m.Withdrawals[ids[j]]
		if !a.Created.Equal(b.Created) {
			return a.Created.Before(b.Created)
		}
		return a.ID < b.ID
	})
	var out []storage.Withdrawal
	for _, id := range ids {
		w := m.Withdrawals[id]
		if w.Status != status {
			continue
		}
		out = append(out, *w)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (m *MemStore) ConfirmedWithdrawals(_ context.Context, limit int) ([]storage.Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.withdrawalsByStatusLocked(storage.WithdrawalStatusConfirmed, limit), nil
}

func (m *MemStore) SubmittedWithdrawals(_ context.Context) ([]storage.Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.withdrawalsByStatusLocked(storage.WithdrawalStatusPending, 0), nil
}

func (m *MemStore) ConfirmWithdrawal(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.Withdrawals[id]
	if !ok || w.Status != storage.WithdrawalStatusNotConfirmed {
		return false, nil
	}
	w.Status = storage.WithdrawalStatusConfirmed
	return true, nil
}

func (m *MemStore) MarkWithdrawalSubmitted(_ context.Context, id int64, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.Withdrawals[id]
	if !ok || w.Status != storage.WithdrawalStatusConfirmed || w.TxID != "" {
		return errors.NewStorageError("提取状态推进被拒绝", nil)
	}
	w.Status = storage.WithdrawalStatusPending
	w.TxID = txID
	return nil
}

func (m *MemStore) FinishWithdrawal(_ context.Context, id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.Withdrawals[id]
	if !ok || w.Status != storage.WithdrawalStatusPending {
		return errors.NewStorageError("提取状态推进被拒绝", nil)
	}
	if status != storage.WithdrawalStatusSuccess && status != storage.WithdrawalStatusFail {
		return errors.NewValidationError("非法的提取终态", nil)
	}
	w.Status = status
	return nil
}

// ---- 敏感操作 ----

func (m *MemStore) CreateOperation(_ context.Context, op *storage.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op.ID = m.id()
	c := *op
	m.Operations[op.ID] = &c
	return nil
}

func (m *MemStore) GetOperationByToken(_ context.Context, kind, token string) (*storage.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range m.Operations {
		if op.Kind == kind && op.Token == token {
			c := *op
			return &c, nil
		}
	}
	return nil, errors.ErrOperationNotFound
}

func (m *MemStore) CompleteOperation(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.Operations[id]
	if !ok {
		return errors.ErrOperationNotFound
	}
	if op.ConfirmedAt != nil {
		return errors.ErrAlreadyCompleted
	}
	op.ConfirmedAt = &at
	return nil
}

func (m *MemStore) TouchOperationNotification(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if op, ok := m.Operations[id]; ok {
		op.LastNotificationSentAt = at
	}
	return nil
}

func (m *MemStore) UnconfirmedOperations(_ context.Context, olderThan time.Duration) ([]storage.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	ids := make([]int64, 0, len(m.Operations))
	for id := range m.Operations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var out []storage.Operation
	for _, id := range ids {
		op := m.Operations[id]
		if op.ConfirmedAt == nil && op.LastNotificationSentAt.Before(cutoff) {
			out = append(out, *op)
		}
	}
	return out, nil
}

// ---- 通知 ----

func (m *MemStore) CreateNotification(_ context.Context, n *storage.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.ID = m.id()
	c := *n
	m.Notifications[n.ID] = &c
	return nil
}

func (m *MemStore) sortedNotificationIDs() []int64 {
	ids := make([]int64, 0, len(m.Notifications))
	for id := range m.Notifications {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *MemStore) UnsentNotifications(_ context.Context, maxAttempts int) ([]storage.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Notification
	for _, id := range m.sortedNotificationIDs() {
		n := m.Notifications[id]
		if !n.IsSent && n.FailedAttempts < maxAttempts {
			out = append(out, *n)
		}
	}
	return out, nil
}

func (m *MemStore) MarkNotificationSent(_ context.Context, id int64, messageID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.Notifications[id]; ok {
		n.IsSent = true
		n.Sent = &at
		n.MessageID = messageID
	}
	return nil
}

func (m *MemStore) BumpNotificationFailure(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.Notifications[id]; ok {
		n.FailedAttempts++
	}
	return nil
}

func (m *MemStore) SentNotificationsSince(_ context.Context, since time.Time) ([]storage.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Notification
	for _, id := range m.sortedNotificationIDs() {
		n := m.Notifications[id]
		if n.IsSent && !n.DeliveryFailed && n.MessageID != "" && n.Sent != nil && !n.Sent.Before(since) {
			out = append(out, *n)
		}
	}
	return out, nil
}

func (m *MemStore) MarkNotificationDeliveryFailed(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.Notifications[id]; ok {
		n.DeliveryFailed = true
	}
	return nil
}

// ---- 运维 ----

func (m *MemStore) Ping(_ context.Context) error { return nil }
func (m *MemStore) Close() error                 { return nil }

// WithLock Locker接口的内存实现：同名锁不可重入，占用时跳过
func (m *MemStore) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) (bool, error) {
	m.mu.Lock()
	if m.locks[name] {
		m.mu.Unlock()
		return true, nil
	}
	m.locks[name] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.locks, name)
		m.mu.Unlock()
	}()
	return false, fn(ctx)
}

// NotificationsOfType 测试辅助：按类型过滤通知
func (m *MemStore) NotificationsOfType(t string) []storage.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Notification
	for _, id := range m.sortedNotificationIDs() {
		if m.Notifications[id].Type == t {
			out = append(out, *m.Notifications[id])
		}
	}
	return out
}
