package postgres

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"tokensale/internal/errors"
	"tokensale/internal/storage"
)

// CreatePurchase 写入购买记录。transaction_id的唯一约束兜底保证同一笔交易
// 不会被换算两次。
func (s *PostgresStorage) CreatePurchase(ctx context.Context, p *storage.Purchase) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO purchases
		 (purchase_id, currency_rate, usd_value, token_rate, token_value, sale_allocated, created, transaction_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		p.PurchaseID, p.CurrencyRate, p.USDValue, p.TokenRate, p.TokenValue,
		p.SaleAllocated, p.Created, p.TransactionID,
	).Scan(&p.ID)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
			return errors.NewStorageError(
				fmt.Sprintf("交易已存在购买记录: %d", p.TransactionID), err)
		}
		return errors.NewStorageError(fmt.Sprintf("写入购买记录失败: %v", err), err)
	}
	return nil
}

// RaisedTokens 已售出代币总量：计入额度的购买记录加上预售额度
func (s *PostgresStorage) RaisedTokens(ctx context.Context) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE((SELECT SUM(token_value) FROM purchases WHERE sale_allocated), 0)
		      + COALESCE((SELECT SUM(token_value) FROM presale_grants WHERE sale_allocated), 0)`,
	).Scan(&total)
	if err != nil {
		return 0, errors.NewStorageError(fmt.Sprintf("统计已售代币总量失败: %v", err), err)
	}
	return total, nil
}

// CreatePresaleGrant 录入预售额度
func (s *PostgresStorage) CreatePresaleGrant(ctx context.Context, g *storage.PresaleGrant) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO presale_grants (token_value, sale_allocated, is_presale_round, user_id)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		g.TokenValue, g.SaleAllocated, g.IsPresaleRound, g.UserID,
	).Scan(&g.ID)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("录入预售额度失败: %v", err), err)
	}
	return nil
}
