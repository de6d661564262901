package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tokensale/internal/errors"
	"tokensale/internal/storage"
)

// InsertPriceTick 写入行情快照
func (s *PostgresStorage) InsertPriceTick(ctx context.Context, tick *storage.PriceTick) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO price_ticks (fixed_currency, quote_currency, value, created)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		tick.FixedCurrency, tick.QuoteCurrency, tick.Value, tick.Created,
	).Scan(&tick.ID)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("写入行情快照失败: %v", err), err)
	}
	return nil
}

// PriceAt 查询目标时刻附近窗口内最新的汇率。窗口内无数据返回ErrPriceNotFound。
func (s *PostgresStorage) PriceAt(ctx context.Context, fixed, quote string, at time.Time, window time.Duration) (float64, error) {
	var value float64
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM price_ticks
		 WHERE fixed_currency = $1 AND quote_currency = $2
		   AND created BETWEEN $3 AND $4
		 ORDER BY created DESC
		 LIMIT 1`,
		fixed, quote, at.Add(-window), at.Add(window),
	).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, errors.ErrPriceNotFound.
			WithContext("fixed", fixed).
			WithContext("quote", quote).
			WithContext("at", at.Format(time.RFC3339))
	}
	if err != nil {
		return 0, errors.NewStorageError(fmt.Sprintf("查询汇率失败: %v", err), err)
	}
	return value, nil
}
