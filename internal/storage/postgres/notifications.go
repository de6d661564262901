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

// CreateNotification 落库一条待投递通知
func (s *PostgresStorage) CreateNotification(ctx context.Context, n *storage.Notification) error {
	params := n.Params
	if params == nil {
		params = map[string]string{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return errors.NewSerializationError(fmt.Sprintf("序列化通知参数失败: %v", err), err)
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO notifications (user_id, type, email, created, params)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		n.UserID, n.Type, n.Email, n.Created, raw,
	).Scan(&n.ID)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("写入通知失败: %v", err), err)
	}
	return nil
}

// UnsentNotifications 查询未发送且失败次数未超限的通知，按创建时间升序
func (s *PostgresStorage) UnsentNotifications(ctx context.Context, maxAttempts int) ([]storage.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, type, email, created, sent, is_sent,
		        failed_attempts, message_id, delivery_failed, params
		 FROM notifications
		 WHERE NOT is_sent AND failed_attempts < $1
		 ORDER BY created ASC`, maxAttempts)
	if err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("查询待发送通知失败: %v", err), err)
	}
	defer rows.Close()
	return s.scanNotifications(rows)
}

// MarkNotificationSent 标记通知已发送并记录投递标识
func (s *PostgresStorage) MarkNotificationSent(ctx context.Context, id int64, messageID string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_sent = TRUE, sent = $1, message_id = $2 WHERE id = $3`,
		at, messageID, id,
	); err != nil {
		return errors.NewStorageError(fmt.Sprintf("标记通知已发送失败: %v", err), err)
	}
	return nil
}

// BumpNotificationFailure 累加通知发送失败次数
func (s *PostgresStorage) BumpNotificationFailure(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET failed_attempts = failed_attempts + 1 WHERE id = $1`, id,
	); err != nil {
		return errors.NewStorageError(fmt.Sprintf("累加通知失败次数失败: %v", err), err)
	}
	return nil
}

// SentNotificationsSince 查询指定时间后已发送的通知，供投递核查job使用
func (s *PostgresStorage) SentNotificationsSince(ctx context.Context, since time.Time) ([]storage.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, type, email, created, sent, is_sent,
		        failed_attempts, message_id, delivery_failed, params
		 FROM notifications
		 WHERE is_sent AND NOT delivery_failed AND message_id <> '' AND sent >= $1
		 ORDER BY sent ASC`, since)
	if err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("查询已发送通知失败: %v", err), err)
	}
	defer rows.Close()
	return s.scanNotifications(rows)
}

// MarkNotificationDeliveryFailed 标记投递失败，供人工排查
func (s *PostgresStorage) MarkNotificationDeliveryFailed(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET delivery_failed = TRUE WHERE id = $1`, id,
	); err != nil {
		return errors.NewStorageError(fmt.Sprintf("标记通知投递失败失败: %v", err), err)
	}
	return nil
}

func (s *PostgresStorage) scanNotifications(rows *sql.Rows) ([]storage.Notification, error) {
	var out []storage.Notification
	for rows.Next() {
		var n storage.Notification
		var raw []byte
		if err := rows.Scan(
			&n.ID, &n.UserID, &n.Type, &n.Email, &n.Created, &n.Sent, &n.IsSent,
			&n.FailedAttempts, &n.MessageID, &n.DeliveryFailed, &raw,
		); err != nil {
			return nil, errors.NewStorageError(fmt.Sprintf("读取通知记录失败: %v", err), err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &n.Params); err != nil {
				return nil, errors.NewSerializationError(fmt.Sprintf("解析通知参数失败: %v", err), err)
			}
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("遍历通知记录失败: %v", err), err)
	}
	return out, nil
}
