// Package ledger 入账交易到代币购买的换算。换算逐笔独立提交：一笔出错
// 不影响已换算的笔，留在队列里的下一轮重试。
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tokensale/internal/analytics"
	saleerrors "tokensale/internal/errors"
	"tokensale/internal/pricing"
	"tokensale/internal/storage"
)

// Config 售卖参数
type Config struct {
	TokenPriceUSD float64
	TotalSupply   float64
	EndDate       time.Time
	SupportEmail  string
}

// Service 购买换算服务
type Service struct {
	store     storage.Storage
	oracle    *pricing.Oracle
	publisher analytics.Publisher
	cfg       Config
	logger    *logrus.Logger
}

// NewService 创建购买换算服务
func NewService(store storage.Storage, oracle *pricing.Oracle, publisher analytics.Publisher,
	cfg Config, logger *logrus.Logger) *Service {
	return &Service{
		store:     store,
		oracle:    oracle,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// CalculatePurchases 把全部待换算交易逐笔换算成购买。必须在协调锁内
// 调用：上限检查是读后写，锁是它唯一的并发保护。
func (s *Service) CalculatePurchases(ctx context.Context) error {
	pending, err := s.store.PendingTransactions(ctx)
	if err != nil {
		return err
	}

	for _, tx := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.calculateOne(ctx, tx); err != nil {
			s.logger.WithFields(logrus.Fields{
				"tx_id":    tx.TxID,
				"currency": tx.Currency,
			}).Warnf("换算交易失败: %v", err)
		}
	}
	return nil
}

func (s *Service) calculateOne(ctx context.Context, tx storage.PendingTransaction) error {
	log := s.logger.WithFields(logrus.Fields{
		"tx_id":    tx.TxID,
		"currency": tx.Currency,
		"value":    tx.Value,
	})

	// 售卖结束后到账的交易不再换算，直接告知售罄
	if tx.Mined.After(s.cfg.EndDate) {
		log.Info("交易晚于售卖结束时间，跳过换算")
		if err := s.store.SkipTransaction(ctx, tx.ID); err != nil {
			return err
		}
		return s.notifySoldOut(ctx, tx)
	}

	rate, err := s.oracle.PriceAt(ctx, tx.Currency, tx.Mined)
	if err != nil {
		// 窗口内没有行情：留在队列里，等行情补齐后下一轮再算
		if saleerrors.IsBusiness(err) {
			log.Warn("挖出时刻附近没有汇率数据，留待下一轮")
			return nil
		}
		return err
	}

	usdValue := tx.Value * rate
	tokenValue := usdValue / s.cfg.TokenPriceUSD

	// 上限检查只约束计入售卖额度的购买
	if tx.SaleAllocated {
		raised, err := s.store.RaisedTokens(ctx)
		if err != nil {
			return err
		}
		if raised+tokenValue > s.cfg.TotalSupply {
			log.WithFields(logrus.Fields{
				"raised": raised,
				"tokens": tokenValue,
			}).Info("超出发行上限，交易不换算")
			if err := s.store.SkipTransaction(ctx, tx.ID); err != nil {
				return err
			}
			return s.notifySoldOut(ctx, tx)
		}
	}

	purchase := &storage.Purchase{
		PurchaseID:    uuid.NewString(),
		CurrencyRate:  rate,
		USDValue:      usdValue,
		TokenRate:     s.cfg.TokenPriceUSD,
		TokenValue:    tokenValue,
		SaleAllocated: tx.SaleAllocated,
		Created:       time.Now().UTC(),
		TransactionID: tx.ID,
	}
	if err := s.store.CreatePurchase(ctx, purchase); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"purchase_id": purchase.PurchaseID,
		"usd_value":   usdValue,
		"tokens":      tokenValue,
	}).Info("购买已入账")

	// 分析事件尽力而为
	if err := s.publisher.PurchaseCreated(ctx, analytics.PurchaseEvent{
		PurchaseID: purchase.PurchaseID,
		UserID:     tx.UserID,
		Currency:   tx.Currency,
		TxID:       tx.TxID,
		Value:      tx.Value,
		USDValue:   usdValue,
		TokenValue: tokenValue,
		Mined:      tx.Mined,
	}); err != nil {
		log.Warnf("发布购买事件失败: %v", err)
	}
	return nil
}

// notifySoldOut 给用户和运营各落一条售罄通知
func (s *Service) notifySoldOut(ctx context.Context, tx storage.PendingTransaction) error {
	now := time.Now().UTC()
	userID := tx.UserID
	userNote := &storage.Notification{
		UserID:  &userID,
		Type:    storage.NotifySoldOut,
		Email:   tx.UserEmail,
		Created: now,
		Params: map[string]string{
			"tx_id":    tx.TxID,
			"currency": tx.Currency,
		},
	}
	if err := s.store.CreateNotification(ctx, userNote); err != nil {
		return err
	}

	if s.cfg.SupportEmail == "" {
		return nil
	}
	supportNote := &storage.Notification{
		Type:    storage.NotifySoldOut,
		Email:   s.cfg.SupportEmail,
		Created: now,
		Params: map[string]string{
			"tx_id":      tx.TxID,
			"currency":   tx.Currency,
			"user_email": tx.UserEmail,
		},
	}
	return s.store.CreateNotification(ctx, supportNote)
}

// Raised 已售出代币总量
func (s *Service) Raised(ctx context.Context) (float64, error) {
	return s.store.RaisedTokens(ctx)
}
