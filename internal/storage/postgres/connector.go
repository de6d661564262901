package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"tokensale/internal/errors"
	"tokensale/internal/storage"
)

// PostgresStorage Storage接口的PostgreSQL实现
type PostgresStorage struct {
	db     *sql.DB
	logger *logrus.Logger
}

var (
	_ storage.Storage = (*PostgresStorage)(nil)
	_ storage.Locker  = (*PostgresStorage)(nil)
)

// Pool 连接池参数，零值回退到内置默认
type Pool struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// New 建立数据库连接并初始化表结构
func New(dsn string, pool Pool, logger *logrus.Logger) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("打开数据库连接失败: %v", err), err)
	}

	if pool.MaxOpenConns <= 0 {
		pool.MaxOpenConns = 25
	}
	if pool.MaxIdleConns <= 0 {
		pool.MaxIdleConns = 5
	}
	if pool.ConnMaxLifetime <= 0 {
		pool.ConnMaxLifetime = time.Hour
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.NewStorageError(fmt.Sprintf("数据库连接检测失败: %v", err), err)
	}

	s := &PostgresStorage{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("数据库连接已建立")
	return s, nil
}

// initSchema 创建缺失的表与索引
func (s *PostgresStorage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		withdraw_address TEXT NOT NULL DEFAULT '',
		sale_allocated BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS addresses (
		id BIGSERIAL PRIMARY KEY,
		address TEXT NOT NULL UNIQUE,
		currency TEXT NOT NULL,
		is_usable BOOLEAN NOT NULL DEFAULT TRUE,
		force_scanning BOOLEAN NOT NULL DEFAULT FALSE,
		user_id BIGINT REFERENCES users(id)
	);
	CREATE INDEX IF NOT EXISTS idx_addresses_pool
		ON addresses (currency) WHERE user_id IS NULL AND is_usable;

	CREATE TABLE IF NOT EXISTS transactions (
		id BIGSERIAL PRIMARY KEY,
		tx_id TEXT NOT NULL UNIQUE,
		value DOUBLE PRECISION NOT NULL,
		mined TIMESTAMPTZ NOT NULL,
		block_height BIGINT NOT NULL DEFAULT 0,
		address_id BIGINT NOT NULL REFERENCES addresses(id),
		status TEXT NOT NULL DEFAULT 'success',
		skip_calculation BOOLEAN NOT NULL DEFAULT FALSE,
		notified BOOLEAN NOT NULL DEFAULT FALSE,
		failed_notifications INT NOT NULL DEFAULT 0,
		message_id TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS purchases (
		id BIGSERIAL PRIMARY KEY,
		purchase_id TEXT NOT NULL UNIQUE,
		currency_rate DOUBLE PRECISION NOT NULL,
		usd_value DOUBLE PRECISION NOT NULL,
		token_rate DOUBLE PRECISION NOT NULL,
		token_value DOUBLE PRECISION NOT NULL,
		sale_allocated BOOLEAN NOT NULL DEFAULT TRUE,
		created TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		transaction_id BIGINT NOT NULL UNIQUE REFERENCES transactions(id)
	);

	CREATE TABLE IF NOT EXISTS presale_grants (
		id BIGSERIAL PRIMARY KEY,
		token_value DOUBLE PRECISION NOT NULL,
		sale_allocated BOOLEAN NOT NULL DEFAULT TRUE,
		is_presale_round BOOLEAN NOT NULL DEFAULT TRUE,
		user_id BIGINT NOT NULL REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS price_ticks (
		id BIGSERIAL PRIMARY KEY,
		fixed_currency TEXT NOT NULL,
		quote_currency TEXT NOT NULL,
		value DOUBLE PRECISION NOT NULL,
		created TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_price_ticks_lookup
		ON price_ticks (fixed_currency, quote_currency, created DESC);

	CREATE TABLE IF NOT EXISTS withdrawals (
		id BIGSERIAL PRIMARY KEY,
		value DOUBLE PRECISION NOT NULL,
		to_address TEXT NOT NULL,
		tx_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'not_confirmed',
		created TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		user_id BIGINT NOT NULL REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS operations (
		id BIGSERIAL PRIMARY KEY,
		kind TEXT NOT NULL,
		token TEXT NOT NULL,
		params JSONB NOT NULL DEFAULT '{}',
		confirmed_at TIMESTAMPTZ,
		last_notification_sent_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		user_id BIGINT NOT NULL REFERENCES users(id)
	);
	CREATE INDEX IF NOT EXISTS idx_operations_token ON operations (kind, token);

	CREATE TABLE IF NOT EXISTS notifications (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT REFERENCES users(id),
		type TEXT NOT NULL,
		email TEXT NOT NULL,
		created TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		sent TIMESTAMPTZ,
		is_sent BOOLEAN NOT NULL DEFAULT FALSE,
		failed_attempts INT NOT NULL DEFAULT 0,
		message_id TEXT NOT NULL DEFAULT '',
		delivery_failed BOOLEAN NOT NULL DEFAULT FALSE,
		params JSONB NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_notifications_unsent
		ON notifications (created) WHERE NOT is_sent;
	`

	if _, err := s.db.Exec(schema); err != nil {
		return errors.NewStorageError(fmt.Sprintf("初始化表结构失败: %v", err), err)
	}
	return nil
}

// DB 暴露底层连接，供测试与迁移工具使用
func (s *PostgresStorage) DB() *sql.DB {
	return s.db
}

// Ping 数据库连通性检测
func (s *PostgresStorage) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.NewStorageError(fmt.Sprintf("数据库连通性检测失败: %v", err), err)
	}
	return nil
}

// Close 关闭数据库连接
func (s *PostgresStorage) Close() error {
	s.logger.Info("关闭数据库连接")
	return s.db.Close()
}
