// Package pricing 行情采集与汇率查询。行情只追加不修改，换算时按
// 交易挖出时刻在时间窗口内取最新一条。
package pricing

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"tokensale/internal/storage"
)

// 换算取价的时间窗口：目标时刻前后各5分钟
const PriceWindow = 5 * time.Minute

// Ticker 行情源。返回交易对的最新成交价（USD计价）。
type Ticker interface {
	LastPrice(ctx context.Context, fixed string) (float64, error)
}

// Service 行情采集服务
type Service struct {
	store  storage.Storage
	ticker Ticker
	logger *logrus.Logger
}

// NewService 创建行情采集服务
func NewService(store storage.Storage, ticker Ticker, logger *logrus.Logger) *Service {
	return &Service{store: store, ticker: ticker, logger: logger}
}

// FetchOnce 采集一轮BTC与ETH的USD报价并落库。单个币种失败不影响另一个。
func (s *Service) FetchOnce(ctx context.Context) error {
	var firstErr error
	for _, currency := range []string{storage.CurrencyBTC, storage.CurrencyETH} {
		price, err := s.ticker.LastPrice(ctx, currency)
		if err != nil {
			s.logger.WithField("currency", currency).Warnf("拉取行情失败: %v", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		tick := &storage.PriceTick{
			FixedCurrency: currency,
			QuoteCurrency: storage.CurrencyUSD,
			Value:         price,
			Created:       time.Now().UTC(),
		}
		if err := s.store.InsertPriceTick(ctx, tick); err != nil {
			s.logger.WithField("currency", currency).Errorf("行情落库失败: %v", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.logger.WithFields(logrus.Fields{
			"currency": currency,
			"price":    price,
		}).Debug("行情已落库")
	}
	return firstErr
}

// Oracle 汇率查询。PriceAt返回目标时刻窗口内最新的报价，
// 窗口内无数据返回ErrPriceNotFound。
type Oracle struct {
	store  storage.Storage
	window time.Duration
}

// NewOracle 创建汇率查询器
func NewOracle(store storage.Storage) *Oracle {
	return &Oracle{store: store, window: PriceWindow}
}

// PriceAt 查询币种在目标时刻的USD汇率
func (o *Oracle) PriceAt(ctx context.Context, currency string, at time.Time) (float64, error) {
	return o.store.PriceAt(ctx, currency, storage.CurrencyUSD, at, o.window)
}
