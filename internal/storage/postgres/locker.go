package postgres

import (
	"context"
	"fmt"
	"hash/fnv"

	"tokensale/internal/errors"
)

// lockKey 把命名锁映射成advisory lock的64位键
func lockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

// WithLock 在命名协调锁的保护下执行fn。锁是事务级advisory lock：
// 在独占连接上开启事务并尝试pg_try_advisory_xact_lock，拿不到锁立即
// 返回skipped=true且不执行fn；fn执行完毕后事务提交，锁随之释放。
// 同名job在多实例间因此同一时刻最多运行一个。
func (s *PostgresStorage) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) (bool, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return false, errors.NewStorageError(fmt.Sprintf("获取锁连接失败: %v", err), err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.NewStorageError(fmt.Sprintf("开启锁事务失败: %v", err), err)
	}
	defer tx.Rollback()

	var acquired bool
	if err = tx.QueryRowContext(ctx,
		`SELECT pg_try_advisory_xact_lock($1)`, lockKey(name),
	).Scan(&acquired); err != nil {
		return false, errors.NewStorageError(fmt.Sprintf("获取协调锁失败: %v", err), err)
	}
	if !acquired {
		s.logger.WithField("lock", name).Debug("协调锁被占用，跳过本轮")
		return true, nil
	}

	if err = fn(ctx); err != nil {
		return false, err
	}

	if err = tx.Commit(); err != nil {
		return false, errors.NewStorageError(fmt.Sprintf("释放协调锁失败: %v", err), err)
	}
	return false, nil
}
