package storage

import (
	"context"
	"time"
)

// Storage 结算引擎的持久化接口。所有实现必须保证单个方法内的原子性，
// 跨方法的一致性由调用方通过协调锁保证。
type Storage interface {
	// 用户
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	CreateUser(ctx context.Context, u *User) error
	SetWithdrawAddress(ctx context.Context, userID int64, address string) error

	// 充值地址池
	AssignPair(ctx context.Context, userID int64) (AssignResult, error)
	UserAddresses(ctx context.Context, userID int64) ([]Address, error)
	ScannableAddresses(ctx context.Context, currency string) ([]Address, error)
	AddPoolAddresses(ctx context.Context, currency string, addrs []string) error

	// 交易
	InsertTransaction(ctx context.Context, tx *Transaction) (bool, error)
	PendingTransactions(ctx context.Context) ([]PendingTransaction, error)
	SkipTransaction(ctx context.Context, id int64) error
	UnnotifiedTransactions(ctx context.Context, maxFailures int) ([]PendingTransaction, error)
	MarkTransactionNotified(ctx context.Context, id int64, messageID string) error
	BumpTransactionNotifyFailure(ctx context.Context, id int64) error

	// 购买与额度
	CreatePurchase(ctx context.Context, p *Purchase) error
	RaisedTokens(ctx context.Context) (float64, error)
	CreatePresaleGrant(ctx context.Context, g *PresaleGrant) error

	// 行情
	InsertPriceTick(ctx context.Context, tick *PriceTick) error
	PriceAt(ctx context.Context, fixed, quote string, at time.Time, window time.Duration) (float64, error)

	// 提取
	WithdrawableBalance(ctx context.Context, userID int64) (float64, error)
	CreateWithdrawal(ctx context.Context, w *Withdrawal) error
	GetWithdrawal(ctx context.Context, id int64) (*Withdrawal, error)
	ConfirmedWithdrawals(ctx context.Context, limit int) ([]Withdrawal, error)
	SubmittedWithdrawals(ctx context.Context) ([]Withdrawal, error)
	ConfirmWithdrawal(ctx context.Context, id int64) (bool, error)
	MarkWithdrawalSubmitted(ctx context.Context, id int64, txID string) error
	FinishWithdrawal(ctx context.Context, id int64, status string) error

	// 敏感操作
	CreateOperation(ctx context.Context, op *Operation) error
	GetOperationByToken(ctx context.Context, kind, token string) (*Operation, error)
	CompleteOperation(ctx context.Context, id int64, at time.Time) error
	TouchOperationNotification(ctx context.Context, id int64, at time.Time) error
	UnconfirmedOperations(ctx context.Context, olderThan time.Duration) ([]Operation, error)

	// 通知
	CreateNotification(ctx context.Context, n *Notification) error
	UnsentNotifications(ctx context.Context, maxAttempts int) ([]Notification, error)
	MarkNotificationSent(ctx context.Context, id int64, messageID string, at time.Time) error
	BumpNotificationFailure(ctx context.Context, id int64) error
	SentNotificationsSince(ctx context.Context, since time.Time) ([]Notification, error)
	MarkNotificationDeliveryFailed(ctx context.Context, id int64) error

	// 运维
	Ping(ctx context.Context) error
	Close() error
}

// Locker 基于命名协调锁的互斥执行。锁被占用时返回skipped=true且不执行fn。
type Locker interface {
	WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) (skipped bool, err error)
}
