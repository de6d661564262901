package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"tokensale/internal/errors"
	"tokensale/internal/storage"
)

// pq唯一约束冲突错误码
const uniqueViolation = "23505"

// InsertTransaction 幂等写入入账交易。tx_id已存在时返回false且不报错，
// 金额与ID一经写入不再更新。
func (s *PostgresStorage) InsertTransaction(ctx context.Context, t *storage.Transaction) (bool, error) {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO transactions (tx_id, value, mined, block_height, address_id, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		t.TxID, t.Value, t.Mined, t.BlockHeight, t.AddressID, storage.TxStatusSuccess,
	).Scan(&t.ID)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
			return false, nil
		}
		return false, errors.NewStorageError(fmt.Sprintf("写入交易失败: %v", err), err)
	}
	return true, nil
}

// PendingTransactions 查询尚未换算成购买、且未被跳过的交易，
// 按挖出时间升序返回，带上归属地址与用户信息。
func (s *PostgresStorage) PendingTransactions(ctx context.Context) ([]storage.PendingTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.tx_id, t.value, t.mined, t.block_height, t.address_id,
		        t.status, t.skip_calculation, t.notified, t.failed_notifications, t.message_id,
		        a.currency, u.id, u.email, u.sale_allocated, COALESCE(p.token_value, 0)
		 FROM transactions t
		 JOIN addresses a ON a.id = t.address_id
		 JOIN users u ON u.id = a.user_id
		 LEFT JOIN purchases p ON p.transaction_id = t.id
		 WHERE p.id IS NULL AND NOT t.skip_calculation
		 ORDER BY t.mined ASC, t.id ASC`)
	if err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("查询待换算交易失败: %v", err), err)
	}
	defer rows.Close()
	return scanPendingTransactions(rows)
}

// SkipTransaction 标记交易不再参与换算
func (s *PostgresStorage) SkipTransaction(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET skip_calculation = TRUE WHERE id = $1`, id,
	); err != nil {
		return errors.NewStorageError(fmt.Sprintf("标记交易跳过失败: %v", err), err)
	}
	return nil
}

// UnnotifiedTransactions 查询已换算成购买、尚未通知用户且失败次数
// 未超限的交易。未产生购买的交易不通知。
func (s *PostgresStorage) UnnotifiedTransactions(ctx context.Context, maxFailures int) ([]storage.PendingTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.tx_id, t.value, t.mined, t.block_height, t.address_id,
		        t.status, t.skip_calculation, t.notified, t.failed_notifications, t.message_id,
		        a.currency, u.id, u.email, u.sale_allocated, p.token_value
		 FROM transactions t
		 JOIN addresses a ON a.id = t.address_id
		 JOIN users u ON u.id = a.user_id
		 JOIN purchases p ON p.transaction_id = t.id
		 WHERE NOT t.notified AND t.failed_notifications < $1
		 ORDER BY t.mined ASC`, maxFailures)
	if err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("查询未通知交易失败: %v", err), err)
	}
	defer rows.Close()
	return scanPendingTransactions(rows)
}

// MarkTransactionNotified 记录交易通知已发出与投递标识
func (s *PostgresStorage) MarkTransactionNotified(ctx context.Context, id int64, messageID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET notified = TRUE, message_id = $1 WHERE id = $2`,
		messageID, id,
	); err != nil {
		return errors.NewStorageError(fmt.Sprintf("标记交易已通知失败: %v", err), err)
	}
	return nil
}

// BumpTransactionNotifyFailure 累加交易通知失败次数
func (s *PostgresStorage) BumpTransactionNotifyFailure(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET failed_notifications = failed_notifications + 1 WHERE id = $1`, id,
	); err != nil {
		return errors.NewStorageError(fmt.Sprintf("累加通知失败次数失败: %v", err), err)
	}
	return nil
}

func scanPendingTransactions(rows *sql.Rows) ([]storage.PendingTransaction, error) {
	var out []storage.PendingTransaction
	for rows.Next() {
		var t storage.PendingTransaction
		err := rows.Scan(
			&t.ID, &t.TxID, &t.Value, &t.Mined, &t.BlockHeight, &t.AddressID,
			&t.Status, &t.SkipCalculation, &t.Notified, &t.FailedNotifications, &t.MessageID,
			&t.Currency, &t.UserID, &t.UserEmail, &t.SaleAllocated, &t.TokenValue,
		)
		if err != nil {
			return nil, errors.NewStorageError(fmt.Sprintf("读取交易记录失败: %v", err), err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("遍历交易记录失败: %v", err), err)
	}
	return out, nil
}
