// Package withdrawal 代币提取的全生命周期：余额定格、邮件确认、链上铸币、
// 回执定稿。状态机只向前走；fail是终态，占用的余额不返还，需人工处理。
package withdrawal

import (
	"context"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"tokensale/internal/analytics"
	saleerrors "tokensale/internal/errors"
	"tokensale/internal/operations"
	"tokensale/internal/storage"
)

// Minter 链上铸币能力
type Minter interface {
	Mint(ctx context.Context, to string, tokens float64) (string, error)
	TransactionStatus(ctx context.Context, txID string) (status string, pending bool, err error)
}

// 回执状态字面量与链包保持一致
const (
	receiptSuccess = "0x1"
	receiptFailed  = "0x0"
)

// Config 提取处理参数
type Config struct {
	// 同时在链上等待回执的提取上限，超过后暂停提交新的铸币交易
	MaxPendingCount int
}

// Manager 提取管理器
type Manager struct {
	store     storage.Storage
	minter    Minter
	ops       *operations.Service
	publisher analytics.Publisher
	cfg       Config
	logger    *logrus.Logger
}

// NewManager 创建提取管理器
func NewManager(store storage.Storage, minter Minter, ops *operations.Service,
	publisher analytics.Publisher, cfg Config, logger *logrus.Logger) *Manager {
	return &Manager{
		store:     store,
		minter:    minter,
		ops:       ops,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// Request 发起提取。金额定格为当前全部可提取余额，同时创建待确认的
// 敏感操作并给用户发确认邮件。
func (m *Manager) Request(ctx context.Context, userID int64) (*storage.Withdrawal, error) {
	user, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.WithdrawAddress == "" {
		return nil, saleerrors.NewValidationError("用户未设置提取地址", nil)
	}

	balance, err := m.store.WithdrawableBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance <= 0 {
		return nil, saleerrors.ErrInsufficientBalance.WithContext("user_id", userID)
	}

	w := &storage.Withdrawal{
		Value:   balance,
		To:      user.WithdrawAddress,
		Created: time.Now().UTC(),
		UserID:  userID,
	}
	if err := m.store.CreateWithdrawal(ctx, w); err != nil {
		return nil, err
	}

	if _, err := m.ops.Create(ctx, userID, operations.WithdrawToken{
		WithdrawalID: w.ID,
		Amount:       w.Value,
		To:           w.To,
	}); err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"withdrawal_id": w.ID,
		"user_id":       userID,
		"tokens":        w.Value,
	}).Info("提取已发起，等待邮件确认")
	return w, nil
}

// ProcessConfirmed 把已确认的提取提交上链。必须在协调锁内调用。
// 在链上等待回执的提取达到上限时本轮不提交；铸币失败的提取没有交易号，
// 留在confirmed状态下一轮重试——有交易号的提取绝不会被再次提交。
func (m *Manager) ProcessConfirmed(ctx context.Context) error {
	pending, err := m.countOnChain(ctx)
	if err != nil {
		return err
	}
	budget := m.cfg.MaxPendingCount - pending
	if budget <= 0 {
		m.logger.WithField("pending", pending).Debug("链上等待回执的提取已达上限，本轮不提交")
		return nil
	}

	confirmed, err := m.store.ConfirmedWithdrawals(ctx, budget)
	if err != nil {
		return err
	}

	for _, w := range confirmed {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		txID, err := m.minter.Mint(ctx, w.To, w.Value)
		if err != nil {
			m.logger.WithField("withdrawal_id", w.ID).Warnf("铸币提交失败: %v", err)
			continue
		}
		if err := m.store.MarkWithdrawalSubmitted(ctx, w.ID, txID); err != nil {
			// 状态推进失败但交易已广播，必须人工介入，绝不能自动重提
			m.logger.WithFields(logrus.Fields{
				"withdrawal_id": w.ID,
				"tx_id":         txID,
			}).Errorf("铸币交易已广播但状态推进失败，需要人工核对: %v", err)
			return err
		}
	}
	return nil
}

func (m *Manager) countOnChain(ctx context.Context) (int, error) {
	submitted, err := m.store.SubmittedWithdrawals(ctx)
	if err != nil {
		return 0, err
	}
	return len(submitted), nil
}

// CheckSubmitted 轮询链上回执并定稿。0x1成功、0x0失败，两者都是终态；
// 回执未出继续等。
func (m *Manager) CheckSubmitted(ctx context.Context) error {
	submitted, err := m.store.SubmittedWithdrawals(ctx)
	if err != nil {
		return err
	}

	for _, w := range submitted {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		status, pending, err := m.minter.TransactionStatus(ctx, w.TxID)
		if err != nil {
			m.logger.WithField("withdrawal_id", w.ID).Warnf("查询回执失败: %v", err)
			continue
		}
		if pending {
			continue
		}

		switch status {
		case receiptSuccess:
			if err := m.finish(ctx, w, storage.WithdrawalStatusSuccess); err != nil {
				return err
			}
		case receiptFailed:
			if err := m.finish(ctx, w, storage.WithdrawalStatusFail); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) finish(ctx context.Context, w storage.Withdrawal, status string) error {
	if err := m.store.FinishWithdrawal(ctx, w.ID, status); err != nil {
		return err
	}

	log := m.logger.WithFields(logrus.Fields{
		"withdrawal_id": w.ID,
		"tx_id":         w.TxID,
		"status":        status,
	})

	if status == storage.WithdrawalStatusSuccess {
		log.Info("提取已完成")
		user, err := m.store.GetUser(ctx, w.UserID)
		if err != nil {
			return err
		}
		userID := w.UserID
		if err := m.store.CreateNotification(ctx, &storage.Notification{
			UserID:  &userID,
			Type:    storage.NotifyWithdrawalSucceeded,
			Email:   user.Email,
			Created: time.Now().UTC(),
			Params: map[string]string{
				"tx_id":  w.TxID,
				"tokens": formatTokens(w.Value),
			},
		}); err != nil {
			return err
		}
	} else {
		// 失败是终态：不发成功邮件，余额不自动返还
		log.Warn("铸币交易在链上失败，提取需人工处理")
	}

	if err := m.publisher.WithdrawalFinished(ctx, analytics.WithdrawalEvent{
		WithdrawalID: w.ID,
		UserID:       w.UserID,
		TokenValue:   w.Value,
		TxID:         w.TxID,
		Status:       status,
		FinishedAt:   time.Now().UTC(),
	}); err != nil {
		log.Warnf("发布提取事件失败: %v", err)
	}
	return nil
}

func formatTokens(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
