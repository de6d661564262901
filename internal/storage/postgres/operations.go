package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tokensale/internal/errors"
	"tokensale/internal/storage"
)

// CreateOperation 创建敏感操作记录
func (s *PostgresStorage) CreateOperation(ctx context.Context, op *storage.Operation) error {
	params, err := json.Marshal(op.Params)
	if err != nil {
		return errors.NewSerializationError(fmt.Sprintf("序列化操作参数失败: %v", err), err)
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO operations (kind, token, params, last_notification_sent_at, created, user_id)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		op.Kind, op.Token, params, op.LastNotificationSentAt, op.Created, op.UserID,
	).Scan(&op.ID)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("创建操作记录失败: %v", err), err)
	}
	return nil
}

// GetOperationByToken 按种类与口令查询操作记录。口令必须整串相等。
func (s *PostgresStorage) GetOperationByToken(ctx context.Context, kind, token string) (*storage.Operation, error) {
	return s.queryOperation(ctx,
		`SELECT id, kind, token, params, confirmed_at, last_notification_sent_at, created, user_id
		 FROM operations WHERE kind = $1 AND token = $2`, kind, token)
}

func (s *PostgresStorage) queryOperation(ctx context.Context, query string, args ...interface{}) (*storage.Operation, error) {
	op := &storage.Operation{}
	var params []byte
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&op.ID, &op.Kind, &op.Token, &params,
		&op.ConfirmedAt, &op.LastNotificationSentAt, &op.Created, &op.UserID,
	)
	if err == sql.ErrNoRows {
		return nil, errors.ErrOperationNotFound
	}
	if err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("查询操作记录失败: %v", err), err)
	}
	if err := json.Unmarshal(params, &op.Params); err != nil {
		return nil, errors.NewSerializationError(fmt.Sprintf("解析操作参数失败: %v", err), err)
	}
	return op, nil
}

// CompleteOperation 写入确认时间。仅允许写一次，已确认的操作拒绝推进。
func (s *PostgresStorage) CompleteOperation(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE operations SET confirmed_at = $1 WHERE id = $2 AND confirmed_at IS NULL`,
		at, id)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("确认操作失败: %v", err), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.ErrAlreadyCompleted.WithContext("operation_id", id)
	}
	return nil
}

// TouchOperationNotification 刷新操作确认邮件的最近发送时间
func (s *PostgresStorage) TouchOperationNotification(ctx context.Context, id int64, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE operations SET last_notification_sent_at = $1 WHERE id = $2`, at, id,
	); err != nil {
		return errors.NewStorageError(fmt.Sprintf("刷新操作通知时间失败: %v", err), err)
	}
	return nil
}

// UnconfirmedOperations 查询未确认且确认邮件超过间隔未重发的操作
func (s *PostgresStorage) UnconfirmedOperations(ctx context.Context, olderThan time.Duration) ([]storage.Operation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, token, params, confirmed_at, last_notification_sent_at, created, user_id
		 FROM operations
		 WHERE confirmed_at IS NULL AND last_notification_sent_at < $1
		 ORDER BY created ASC`,
		time.Now().Add(-olderThan))
	if err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("查询未确认操作失败: %v", err), err)
	}
	defer rows.Close()

	var out []storage.Operation
	for rows.Next() {
		var op storage.Operation
		var params []byte
		if err := rows.Scan(
			&op.ID, &op.Kind, &op.Token, &params,
			&op.ConfirmedAt, &op.LastNotificationSentAt, &op.Created, &op.UserID,
		); err != nil {
			return nil, errors.NewStorageError(fmt.Sprintf("读取操作记录失败: %v", err), err)
		}
		if err := json.Unmarshal(params, &op.Params); err != nil {
			return nil, errors.NewSerializationError(fmt.Sprintf("解析操作参数失败: %v", err), err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("遍历操作记录失败: %v", err), err)
	}
	return out, nil
}
