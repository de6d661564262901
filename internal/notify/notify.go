// Package notify 通知投递。通知先落库成待发记录，由worker异步发送：
// 发送失败累加计数，超限后留给人工处理。投递核查job事后比对邮件服务商的
// 失败事件，标记没有真正送达的邮件。
package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"tokensale/internal/storage"
)

// Config 通知投递参数
type Config struct {
	// 单条通知的最大发送尝试次数
	MaxAttempts int
	// 敏感操作确认链接的前缀
	ConfirmBaseURL string
	// 投递核查回溯天数
	DeliveryDaysDepth int
}

// Service 通知投递服务
type Service struct {
	store  storage.Storage
	mailer Mailer
	cfg    Config
	logger *logrus.Logger
}

// NewService 创建通知投递服务
func NewService(store storage.Storage, mailer Mailer, cfg Config, logger *logrus.Logger) *Service {
	return &Service{store: store, mailer: mailer, cfg: cfg, logger: logger}
}

// SendPending 发送全部待投递通知。单条失败只累加它自己的计数。
func (s *Service) SendPending(ctx context.Context) error {
	pending, err := s.store.UnsentNotifications(ctx, s.cfg.MaxAttempts)
	if err != nil {
		return err
	}

	for _, n := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		params := make(map[string]string, len(n.Params)+1)
		for k, v := range n.Params {
			params[k] = v
		}
		// 带口令的通知渲染成确认链接
		if token, ok := params["token"]; ok {
			params["confirm_url"] = fmt.Sprintf("%s/%s/%s",
				s.cfg.ConfirmBaseURL, params["kind"], token)
		}

		msg, err := render(n.Type, params)
		if err != nil {
			s.logger.WithField("notification_id", n.ID).Errorf("渲染通知失败: %v", err)
			if err := s.store.BumpNotificationFailure(ctx, n.ID); err != nil {
				return err
			}
			continue
		}
		msg.To = n.Email

		messageID, err := s.mailer.Send(ctx, msg)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"notification_id": n.ID,
				"type":            n.Type,
			}).Warnf("发送通知失败: %v", err)
			if err := s.store.BumpNotificationFailure(ctx, n.ID); err != nil {
				return err
			}
			continue
		}

		if err := s.store.MarkNotificationSent(ctx, n.ID, messageID, time.Now().UTC()); err != nil {
			return err
		}
		s.logger.WithFields(logrus.Fields{
			"notification_id": n.ID,
			"type":            n.Type,
			"message_id":      messageID,
		}).Info("通知已发送")
	}
	return nil
}

// NotifyPurchases 给已换算成购买、尚未通知的交易发确认邮件。
// message-id记在交易上，供投递核查使用。
func (s *Service) NotifyPurchases(ctx context.Context) error {
	unnotified, err := s.store.UnnotifiedTransactions(ctx, s.cfg.MaxAttempts)
	if err != nil {
		return err
	}

	for _, tx := range unnotified {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msg, err := render(storage.NotifyPurchaseConfirmed, map[string]string{
			"currency": tx.Currency,
			"tx_id":    tx.TxID,
			"tokens":   strconv.FormatFloat(tx.TokenValue, 'f', -1, 64),
		})
		if err != nil {
			return err
		}
		msg.To = tx.UserEmail

		messageID, err := s.mailer.Send(ctx, msg)
		if err != nil {
			s.logger.WithField("tx_id", tx.TxID).Warnf("发送购买确认失败: %v", err)
			if err := s.store.BumpTransactionNotifyFailure(ctx, tx.ID); err != nil {
				return err
			}
			continue
		}

		if err := s.store.MarkTransactionNotified(ctx, tx.ID, messageID); err != nil {
			return err
		}
	}
	return nil
}

// CheckDeliveries 比对邮件服务商的失败事件，标记投递失败的通知
func (s *Service) CheckDeliveries(ctx context.Context) error {
	since := time.Now().AddDate(0, 0, -s.cfg.DeliveryDaysDepth)

	failed, err := s.mailer.FailedMessageIDs(ctx, since)
	if err != nil {
		return err
	}
	if len(failed) == 0 {
		return nil
	}

	sent, err := s.store.SentNotificationsSince(ctx, since)
	if err != nil {
		return err
	}
	for _, n := range sent {
		if failed[n.MessageID] {
			s.logger.WithFields(logrus.Fields{
				"notification_id": n.ID,
				"message_id":      n.MessageID,
			}).Warn("邮件投递失败")
			if err := s.store.MarkNotificationDeliveryFailed(ctx, n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
