package progress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 默认数据库路径
	DefaultDBPath = "./data/scan_progress.db"

	// 存储桶名称
	CheckpointBucket = "checkpoints"
	StatsBucket      = "stats"

	// 统计键
	StartTimeKey = "start_time"
)

// Checkpoint 单个充值地址的扫描检查点。扫描是幂等的，检查点只用于
// 观测与排障，丢失后重扫不会产生重复入账。
type Checkpoint struct {
	Currency     string    `json:"currency"`
	Address      string    `json:"address"`
	LastSeen     int64     `json:"last_seen_block"`
	SeenTxs      uint64    `json:"seen_txs"`
	LastScanTime time.Time `json:"last_scan_time"`
}

// Manager 扫描进度管理器，基于本地BoltDB
type Manager struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
	mu     sync.RWMutex

	// 内存统计
	totalScans uint64
	totalTxs   uint64
	startTime  time.Time
}

// NewManager 创建进度管理器
func NewManager(dbPath string, logger *logrus.Logger) (*Manager, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开进度数据库失败: %w", err)
	}

	manager := &Manager{
		db:        db,
		logger:    logger,
		dbPath:    dbPath,
		startTime: time.Now(),
	}

	if err := manager.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	logger.Infof("扫描进度管理器已初始化，数据库路径: %s", dbPath)
	return manager, nil
}

// initDB 初始化数据库结构
func (m *Manager) initDB() error {
	return m.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(CheckpointBucket)); err != nil {
			return fmt.Errorf("创建检查点存储桶失败: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(StatsBucket)); err != nil {
			return fmt.Errorf("创建统计存储桶失败: %w", err)
		}
		return nil
	})
}

func checkpointKey(currency, address string) []byte {
	return []byte(currency + "/" + address)
}

// GetCheckpoint 读取地址的扫描检查点，不存在时返回nil
func (m *Manager) GetCheckpoint(currency, address string) (*Checkpoint, error) {
	var cp *Checkpoint
	err := m.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(CheckpointBucket))
		if bucket == nil {
			return nil
		}
		data := bucket.Get(checkpointKey(currency, address))
		if data == nil {
			return nil
		}
		cp = &Checkpoint{}
		if err := json.Unmarshal(data, cp); err != nil {
			return fmt.Errorf("解析检查点失败: %w", err)
		}
		return nil
	})
	return cp, err
}

// SaveCheckpoint 保存地址的扫描检查点并累加统计
func (m *Manager) SaveCheckpoint(cp *Checkpoint) error {
	m.mu.Lock()
	m.totalScans++
	m.totalTxs += cp.SeenTxs
	m.mu.Unlock()

	return m.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(CheckpointBucket))
		if bucket == nil {
			return fmt.Errorf("检查点存储桶不存在")
		}
		data, err := json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("序列化检查点失败: %w", err)
		}
		return bucket.Put(checkpointKey(cp.Currency, cp.Address), data)
	})
}

// ListCheckpoints 列出全部检查点
func (m *Manager) ListCheckpoints() ([]Checkpoint, error) {
	var out []Checkpoint
	err := m.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(CheckpointBucket))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var cp Checkpoint
			if err := json.Unmarshal(v, &cp); err != nil {
				return fmt.Errorf("解析检查点失败: %w", err)
			}
			out = append(out, cp)
			return nil
		})
	})
	return out, err
}

// Reset 清空全部检查点
func (m *Manager) Reset() error {
	m.mu.Lock()
	m.totalScans = 0
	m.totalTxs = 0
	m.mu.Unlock()

	return m.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(CheckpointBucket))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			return bucket.Delete(k)
		})
	})
}

// GetStats 获取本进程的扫描统计
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := map[string]interface{}{
		"total_scans":      m.totalScans,
		"total_seen_txs":   m.totalTxs,
		"start_time":       m.startTime.Format(time.RFC3339),
		"running_duration": time.Since(m.startTime).String(),
	}

	duration := time.Since(m.startTime).Seconds()
	if duration > 0 {
		stats["scan_rate"] = fmt.Sprintf("%.2f scans/sec", float64(m.totalScans)/duration)
	}
	return stats
}

// GetDBPath 获取数据库路径
func (m *Manager) GetDBPath() string {
	return m.dbPath
}

// Close 关闭进度管理器
func (m *Manager) Close() error {
	if m.db != nil {
		m.logger.Info("关闭进度管理器")
		return m.db.Close()
	}
	return nil
}
