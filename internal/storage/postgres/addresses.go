package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"tokensale/internal/errors"
	"tokensale/internal/storage"
)

// AssignPair 为用户分配一组充值地址（每个币种各一个）。
// 整个分配在单事务内完成并用FOR UPDATE锁定候选行：要么两个币种都分配成功，
// 要么一个都不分配。已分配过的用户直接返回AssignAlreadyAssigned。
func (s *PostgresStorage) AssignPair(ctx context.Context, userID int64) (storage.AssignResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.NewStorageError(fmt.Sprintf("开启事务失败: %v", err), err)
	}
	defer tx.Rollback()

	var have int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM addresses WHERE user_id = $1`, userID,
	).Scan(&have)
	if err != nil {
		return 0, errors.NewStorageError(fmt.Sprintf("查询用户已分配地址失败: %v", err), err)
	}
	if have > 0 {
		return storage.AssignAlreadyAssigned, nil
	}

	for _, currency := range []string{storage.CurrencyBTC, storage.CurrencyETH} {
		var addrID int64
		err = tx.QueryRowContext(ctx,
			`SELECT id FROM addresses
			 WHERE currency = $1 AND user_id IS NULL AND is_usable
			 ORDER BY id
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED`, currency,
		).Scan(&addrID)
		if err == sql.ErrNoRows {
			s.logger.WithField("currency", currency).Warn("地址池已耗尽")
			return storage.AssignExhausted, nil
		}
		if err != nil {
			return 0, errors.NewStorageError(fmt.Sprintf("查询%s空闲地址失败: %v", currency, err), err)
		}

		if _, err = tx.ExecContext(ctx,
			`UPDATE addresses SET user_id = $1 WHERE id = $2`, userID, addrID,
		); err != nil {
			return 0, errors.NewStorageError(fmt.Sprintf("分配%s地址失败: %v", currency, err), err)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, errors.NewStorageError(fmt.Sprintf("提交地址分配事务失败: %v", err), err)
	}
	return storage.AssignOK, nil
}

// UserAddresses 查询用户名下的全部充值地址
func (s *PostgresStorage) UserAddresses(ctx context.Context, userID int64) ([]storage.Address, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, address, currency, is_usable, force_scanning, user_id
		 FROM addresses WHERE user_id = $1 ORDER BY currency`, userID)
	if err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("查询用户地址失败: %v", err), err)
	}
	defer rows.Close()
	return scanAddresses(rows)
}

// ScannableAddresses 查询指定币种需要扫描的地址：已分配给用户的，
// 加上标记了force_scanning的未分配地址。
func (s *PostgresStorage) ScannableAddresses(ctx context.Context, currency string) ([]storage.Address, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, address, currency, is_usable, force_scanning, user_id
		 FROM addresses
		 WHERE currency = $1 AND (user_id IS NOT NULL OR force_scanning)
		 ORDER BY id`, currency)
	if err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("查询待扫描地址失败: %v", err), err)
	}
	defer rows.Close()
	return scanAddresses(rows)
}

// AddPoolAddresses 批量导入空闲地址到池中，重复地址忽略
func (s *PostgresStorage) AddPoolAddresses(ctx context.Context, currency string, addrs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("开启事务失败: %v", err), err)
	}
	defer tx.Rollback()

	for _, a := range addrs {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO addresses (address, currency) VALUES ($1, $2)
			 ON CONFLICT (address) DO NOTHING`, a, currency,
		); err != nil {
			return errors.NewStorageError(fmt.Sprintf("导入地址失败: %v", err), err)
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.NewStorageError(fmt.Sprintf("提交地址导入失败: %v", err), err)
	}
	return nil
}

func scanAddresses(rows *sql.Rows) ([]storage.Address, error) {
	var out []storage.Address
	for rows.Next() {
		var a storage.Address
		if err := rows.Scan(&a.ID, &a.Address, &a.Currency, &a.IsUsable, &a.ForceScanning, &a.UserID); err != nil {
			return nil, errors.NewStorageError(fmt.Sprintf("读取地址记录失败: %v", err), err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("遍历地址记录失败: %v", err), err)
	}
	return out, nil
}
