package scanner

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"tokensale/internal/progress"
	"tokensale/internal/storage"
	"tokensale/internal/validation"
)

// Scanner 充值地址扫描器。对每个币种独立运行：取出需要扫描的地址，
// 逐个拉取入账交易并幂等落库。单个地址出错只影响它自己。
type Scanner struct {
	store    storage.Storage
	progress *progress.Manager
	explorer Explorer
	logger   *logrus.Logger
}

// New 创建扫描器
func New(store storage.Storage, pm *progress.Manager, explorer Explorer, logger *logrus.Logger) *Scanner {
	return &Scanner{
		store:    store,
		progress: pm,
		explorer: explorer,
		logger:   logger,
	}
}

// ScanOnce 扫描本币种的全部地址一轮，返回新入库的交易数
func (s *Scanner) ScanOnce(ctx context.Context) (int, error) {
	currency := s.explorer.Currency()
	addrs, err := s.store.ScannableAddresses(ctx, currency)
	if err != nil {
		return 0, err
	}

	inserted := 0
	for _, addr := range addrs {
		n, err := s.scanAddress(ctx, addr)
		if err != nil {
			if ctx.Err() != nil {
				return inserted, ctx.Err()
			}
			s.logger.WithFields(logrus.Fields{
				"currency": currency,
				"address":  addr.Address,
			}).Warnf("扫描地址失败: %v", err)
			continue
		}
		inserted += n
	}
	return inserted, nil
}

func (s *Scanner) scanAddress(ctx context.Context, addr storage.Address) (int, error) {
	if err := validation.CheckAddress(addr.Currency, addr.Address); err != nil {
		return 0, err
	}

	txs, err := s.explorer.Transactions(ctx, addr.Address)
	if err != nil {
		return 0, err
	}

	inserted := 0
	var lastSeen int64
	for _, tx := range txs {
		// 浏览器返回的交易号也要过格式校验，坏数据不入库
		if err := validation.CheckTxID(addr.Currency, tx.TxID); err != nil {
			s.logger.WithFields(logrus.Fields{
				"currency": addr.Currency,
				"address":  addr.Address,
				"tx_id":    tx.TxID,
			}).Warnf("交易号格式异常，跳过: %v", err)
			continue
		}
		record := &storage.Transaction{
			TxID:        tx.TxID,
			Value:       tx.Value,
			Mined:       tx.Mined,
			BlockHeight: tx.BlockHeight,
			AddressID:   addr.ID,
		}
		isNew, err := s.store.InsertTransaction(ctx, record)
		if err != nil {
			return inserted, err
		}
		if tx.BlockHeight > lastSeen {
			lastSeen = tx.BlockHeight
		}
		if !isNew {
			continue
		}
		inserted++
		s.logger.WithFields(logrus.Fields{
			"currency": addr.Currency,
			"address":  addr.Address,
			"tx_id":    tx.TxID,
			"value":    tx.Value,
		}).Info("入账交易已落库")
	}

	if s.progress != nil {
		if err := s.progress.SaveCheckpoint(&progress.Checkpoint{
			Currency:     addr.Currency,
			Address:      addr.Address,
			LastSeen:     lastSeen,
			SeenTxs:      uint64(len(txs)),
			LastScanTime: time.Now(),
		}); err != nil {
			s.logger.Warnf("保存扫描检查点失败: %v", err)
		}
	}
	return inserted, nil
}
