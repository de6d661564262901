package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"tokensale/internal/errors"
	"tokensale/internal/storage"
)

// WithdrawableBalance 用户可提取余额：购买加预售额度，减去全部提取记录。
// 不区分提取状态，fail的提取同样占用余额，需人工处理。
func (s *PostgresStorage) WithdrawableBalance(ctx context.Context, userID int64) (float64, error) {
	var balance float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE((
		           SELECT SUM(p.token_value)
		           FROM purchases p
		           JOIN transactions t ON t.id = p.transaction_id
		           JOIN addresses a ON a.id = t.address_id
		           WHERE a.user_id = $1), 0)
		      + COALESCE((SELECT SUM(token_value) FROM presale_grants WHERE user_id = $1), 0)
		      - COALESCE((SELECT SUM(value) FROM withdrawals WHERE user_id = $1), 0)`,
		userID,
	).Scan(&balance)
	if err != nil {
		return 0, errors.NewStorageError(fmt.Sprintf("计算可提取余额失败: %v", err), err)
	}
	return balance, nil
}

// CreateWithdrawal 创建提取记录，初始状态not_confirmed
func (s *PostgresStorage) CreateWithdrawal(ctx context.Context, w *storage.Withdrawal) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO withdrawals (value, to_address, status, created, user_id)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		w.Value, w.To, storage.WithdrawalStatusNotConfirmed, w.Created, w.UserID,
	).Scan(&w.ID)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("创建提取记录失败: %v", err), err)
	}
	w.Status = storage.WithdrawalStatusNotConfirmed
	return nil
}

// GetWithdrawal 按ID查询提取记录
func (s *PostgresStorage) GetWithdrawal(ctx context.Context, id int64) (*storage.Withdrawal, error) {
	w := &storage.Withdrawal{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, value, to_address, tx_id, status, created, user_id
		 FROM withdrawals WHERE id = $1`, id,
	).Scan(&w.ID, &w.Value, &w.To, &w.TxID, &w.Status, &w.Created, &w.UserID)
	if err == sql.ErrNoRows {
		return nil, errors.ErrWithdrawalNotFound.WithContext("withdrawal_id", id)
	}
	if err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("查询提取记录失败: %v", err), err)
	}
	return w, nil
}

// ConfirmedWithdrawals 查询已确认待上链的提取，按创建时间升序
func (s *PostgresStorage) ConfirmedWithdrawals(ctx context.Context, limit int) ([]storage.Withdrawal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, value, to_address, tx_id, status, created, user_id
		 FROM withdrawals WHERE status = $1
		 ORDER BY created ASC LIMIT $2`,
		storage.WithdrawalStatusConfirmed, limit)
	if err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("查询已确认提取失败: %v", err), err)
	}
	defer rows.Close()
	return scanWithdrawals(rows)
}

// SubmittedWithdrawals 查询已上链等待回执的提取
func (s *PostgresStorage) SubmittedWithdrawals(ctx context.Context) ([]storage.Withdrawal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, value, to_address, tx_id, status, created, user_id
		 FROM withdrawals WHERE status = $1
		 ORDER BY created ASC`,
		storage.WithdrawalStatusPending)
	if err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("查询上链中提取失败: %v", err), err)
	}
	defer rows.Close()
	return scanWithdrawals(rows)
}

// ConfirmWithdrawal not_confirmed到confirmed的状态推进。
// 返回false表示记录不在not_confirmed状态，推进未发生。
func (s *PostgresStorage) ConfirmWithdrawal(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE withdrawals SET status = $1 WHERE id = $2 AND status = $3`,
		storage.WithdrawalStatusConfirmed, id, storage.WithdrawalStatusNotConfirmed)
	if err != nil {
		return false, errors.NewStorageError(fmt.Sprintf("确认提取失败: %v", err), err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkWithdrawalSubmitted confirmed到pending的状态推进并记录链上交易号。
// 条件限定当前状态且tx_id为空：同一笔提取绝不会被提交两次。
func (s *PostgresStorage) MarkWithdrawalSubmitted(ctx context.Context, id int64, txID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE withdrawals SET status = $1, tx_id = $2
		 WHERE id = $3 AND status = $4 AND tx_id = ''`,
		storage.WithdrawalStatusPending, txID, id, storage.WithdrawalStatusConfirmed)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("标记提取已上链失败: %v", err), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewStorageError(
			fmt.Sprintf("提取状态推进被拒绝: id=%d 不在confirmed状态或已有交易号", id), nil)
	}
	return nil
}

// FinishWithdrawal pending到终态（success或fail）的状态推进
func (s *PostgresStorage) FinishWithdrawal(ctx context.Context, id int64, status string) error {
	if status != storage.WithdrawalStatusSuccess && status != storage.WithdrawalStatusFail {
		return errors.NewValidationError(fmt.Sprintf("非法的提取终态: %s", status), nil)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE withdrawals SET status = $1 WHERE id = $2 AND status = $3`,
		status, id, storage.WithdrawalStatusPending)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("定稿提取状态失败: %v", err), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewStorageError(
			fmt.Sprintf("提取状态推进被拒绝: id=%d 不在pending状态", id), nil)
	}
	return nil
}

func scanWithdrawals(rows *sql.Rows) ([]storage.Withdrawal, error) {
	var out []storage.Withdrawal
	for rows.Next() {
		var w storage.Withdrawal
		if err := rows.Scan(&w.ID, &w.Value, &w.To, &w.TxID, &w.Status, &w.Created, &w.UserID); err != nil {
			return nil, errors.NewStorageError(fmt.Sprintf("读取提取记录失败: %v", err), err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("遍历提取记录失败: %v", err), err)
	}
	return out, nil
}
