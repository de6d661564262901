package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"tokensale/internal/errors"
	"tokensale/internal/storage"
)

// GetUser 按ID查询用户
func (s *PostgresStorage) GetUser(ctx context.Context, id int64) (*storage.User, error) {
	u := &storage.User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, withdraw_address, sale_allocated FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.WithdrawAddress, &u.SaleAllocated)
	if err == sql.ErrNoRows {
		return nil, errors.NewStorageError(fmt.Sprintf("用户不存在: %d", id), err)
	}
	if err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("查询用户失败: %v", err), err)
	}
	return u, nil
}

// GetUserByEmail 按邮箱查询用户
func (s *PostgresStorage) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	u := &storage.User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, withdraw_address, sale_allocated FROM users WHERE email = $1`, email,
	).Scan(&u.ID, &u.Email, &u.WithdrawAddress, &u.SaleAllocated)
	if err == sql.ErrNoRows {
		return nil, errors.NewStorageError(fmt.Sprintf("用户不存在: %s", email), err)
	}
	if err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("查询用户失败: %v", err), err)
	}
	return u, nil
}

// CreateUser 创建用户并回填ID
func (s *PostgresStorage) CreateUser(ctx context.Context, u *storage.User) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (email, withdraw_address, sale_allocated)
		 VALUES ($1, $2, $3) RETURNING id`,
		u.Email, u.WithdrawAddress, u.SaleAllocated,
	).Scan(&u.ID)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("创建用户失败: %v", err), err)
	}
	return nil
}

// SetWithdrawAddress 更新用户的提取地址
func (s *PostgresStorage) SetWithdrawAddress(ctx context.Context, userID int64, address string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET withdraw_address = $1 WHERE id = $2`, address, userID)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("更新提取地址失败: %v", err), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewStorageError(fmt.Sprintf("用户不存在: %d", userID), nil)
	}
	return nil
}
