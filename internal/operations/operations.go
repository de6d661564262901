// Package operations 需要邮件口令确认的敏感操作。每种操作是一个独立的
// 变体类型：创建时生成一次性口令并给用户发确认邮件，口令整串匹配后执行
// 操作本体。确认只会生效一次。
package operations

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	saleerrors "tokensale/internal/errors"
	"tokensale/internal/storage"
)

// Action 敏感操作变体。Run在确认成功后执行操作本体。
type Action interface {
	Kind() string
	Params() storage.OperationParams
	RequestNotification() string
	CompletedNotification() string
	Run(ctx context.Context, store storage.Storage, op *storage.Operation) error
}

// WithdrawToken 提取代币：确认后把提取记录推进到confirmed，
// 等待结算worker上链。
type WithdrawToken struct {
	WithdrawalID int64
	Amount       float64
	To           string
}

func (a WithdrawToken) Kind() string { return storage.OperationWithdrawToken }

func (a WithdrawToken) Params() storage.OperationParams {
	return storage.OperationParams{
		WithdrawalID: a.WithdrawalID,
		Amount:       a.Amount,
		Address:      a.To,
	}
}

func (a WithdrawToken) RequestNotification() string   { return storage.NotifyWithdrawalRequest }
func (a WithdrawToken) CompletedNotification() string { return storage.NotifyOperationCompleted }

func (a WithdrawToken) Run(ctx context.Context, store storage.Storage, op *storage.Operation) error {
	changed, err := store.ConfirmWithdrawal(ctx, op.Params.WithdrawalID)
	if err != nil {
		return err
	}
	if !changed {
		// 提取已经不在not_confirmed状态，视作重复确认
		return saleerrors.ErrAlreadyCompleted.WithContext("withdrawal_id", op.Params.WithdrawalID)
	}
	return nil
}

// ChangeAddress 变更提取地址：确认后直接写入用户记录
type ChangeAddress struct {
	NewAddress string
}

func (a ChangeAddress) Kind() string { return storage.OperationChangeAddress }

func (a ChangeAddress) Params() storage.OperationParams {
	return storage.OperationParams{Address: a.NewAddress}
}

func (a ChangeAddress) RequestNotification() string   { return storage.NotifyAddressChangeRequest }
func (a ChangeAddress) CompletedNotification() string { return storage.NotifyAddressChanged }

func (a ChangeAddress) Run(ctx context.Context, store storage.Storage, op *storage.Operation) error {
	return store.SetWithdrawAddress(ctx, op.UserID, op.Params.Address)
}

// actionFor 把落库的操作记录还原成变体
func actionFor(op *storage.Operation) (Action, error) {
	switch op.Kind {
	case storage.OperationWithdrawToken:
		return WithdrawToken{
			WithdrawalID: op.Params.WithdrawalID,
			Amount:       op.Params.Amount,
			To:           op.Params.Address,
		}, nil
	case storage.OperationChangeAddress:
		return ChangeAddress{NewAddress: op.Params.Address}, nil
	default:
		return nil, saleerrors.NewValidationError("未知的操作种类: "+op.Kind, nil)
	}
}

// Service 敏感操作服务
type Service struct {
	store  storage.Storage
	logger *logrus.Logger
}

// NewService 创建敏感操作服务
func NewService(store storage.Storage, logger *logrus.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Create 创建操作并给用户落一条确认邮件通知
func (s *Service) Create(ctx context.Context, userID int64, action Action) (*storage.Operation, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	op := &storage.Operation{
		Kind:                   action.Kind(),
		Token:                  uuid.NewString(),
		Params:                 action.Params(),
		LastNotificationSentAt: now,
		Created:                now,
		UserID:                 userID,
	}
	if err := s.store.CreateOperation(ctx, op); err != nil {
		return nil, err
	}

	if err := s.createConfirmNotification(ctx, op, action, user.Email); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"operation_id": op.ID,
		"kind":         op.Kind,
		"user_id":      userID,
	}).Info("敏感操作已创建")
	return op, nil
}

// Confirm 用口令确认操作并执行本体。口令不匹配返回ErrInvalidToken，
// 重复确认返回ErrAlreadyCompleted。
func (s *Service) Confirm(ctx context.Context, kind, token string) error {
	op, err := s.store.GetOperationByToken(ctx, kind, token)
	if err != nil {
		if saleerrors.IsBusiness(err) {
			return saleerrors.ErrInvalidToken
		}
		return err
	}
	if op.Confirmed() {
		return saleerrors.ErrAlreadyCompleted.WithContext("operation_id", op.ID)
	}

	action, err := actionFor(op)
	if err != nil {
		return err
	}
	// 先执行操作本体，成功后才落confirmed_at。顺序不能反：口令是一次性的，
	// 本体失败时保持未确认，用户可以用同一口令重试。
	if err := action.Run(ctx, s.store, op); err != nil {
		return err
	}
	if err := s.store.CompleteOperation(ctx, op.ID, time.Now().UTC()); err != nil {
		return err
	}

	user, err := s.store.GetUser(ctx, op.UserID)
	if err != nil {
		return err
	}
	userID := op.UserID
	if err := s.store.CreateNotification(ctx, &storage.Notification{
		UserID:  &userID,
		Type:    action.CompletedNotification(),
		Email:   user.Email,
		Created: time.Now().UTC(),
		Params:  map[string]string{"kind": op.Kind},
	}); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"operation_id": op.ID,
		"kind":         op.Kind,
	}).Info("敏感操作已确认并执行")
	return nil
}

// ResendUnconfirmed 给超过间隔仍未确认的操作重发确认邮件
func (s *Service) ResendUnconfirmed(ctx context.Context, olderThan time.Duration) error {
	ops, err := s.store.UnconfirmedOperations(ctx, olderThan)
	if err != nil {
		return err
	}
	for i := range ops {
		op := &ops[i]
		action, err := actionFor(op)
		if err != nil {
			s.logger.Warnf("无法还原操作%d: %v", op.ID, err)
			continue
		}
		user, err := s.store.GetUser(ctx, op.UserID)
		if err != nil {
			s.logger.Warnf("查询操作%d的用户失败: %v", op.ID, err)
			continue
		}
		if err := s.createConfirmNotification(ctx, op, action, user.Email); err != nil {
			s.logger.Warnf("重发操作%d确认邮件失败: %v", op.ID, err)
			continue
		}
	}
	return nil
}

func (s *Service) createConfirmNotification(ctx context.Context, op *storage.Operation, action Action, email string) error {
	userID := op.UserID
	if err := s.store.CreateNotification(ctx, &storage.Notification{
		UserID:  &userID,
		Type:    action.RequestNotification(),
		Email:   email,
		Created: time.Now().UTC(),
		Params: map[string]string{
			"kind":  op.Kind,
			"token": op.Token,
		},
	}); err != nil {
		return err
	}
	return s.store.TouchOperationNotification(ctx, op.ID, time.Now().UTC())
}
