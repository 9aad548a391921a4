package progress

import (
	"encoding/binary"
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
	// DefaultDBPath 默认数据库路径
	DefaultDBPath = "./data/progress.db"

	// ProductionBucket 出块进度存储桶
	ProductionBucket = "production"

	lastProducedHeightKey = "last_produced_height"
	startTimeKey          = "start_time"
	lastBlockTimeKey      = "last_block_time"
)

// ProductionInfo 出块进度信息
type ProductionInfo struct {
	LastProducedHeight uint64    `json:"last_produced_height"`
	StartTime          time.Time `json:"start_time"`
	LastBlockTime      time.Time `json:"last_block_time"`
	TotalBlocks        uint64    `json:"total_blocks"`
	TotalTransactions  uint64    `json:"total_transactions"`
	ProductionRate     float64   `json:"production_rate"` // 区块/秒
}

// Manager 出块进度管理器
//
// 出块高度的权威来源是账本数据库的blocks表；这里是本地的
// 快速只读缓存，重启后无需扫表即可恢复出块位置和速率统计。
type Manager struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
	mu     sync.RWMutex

	cache *ProductionInfo
}

// NewManager 创建出块进度管理器
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
		db:     db,
		logger: logger,
		dbPath: dbPath,
		cache:  &ProductionInfo{},
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(ProductionBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("创建出块进度桶失败: %w", err)
	}

	if err := manager.loadCache(); err != nil {
		logger.Warnf("加载出块进度缓存失败: %v", err)
	}

	logger.Infof("出块进度管理器已初始化，数据库路径: %s", dbPath)
	return manager, nil
}

// loadCache 从数据库恢复缓存
func (m *Manager) loadCache() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(ProductionBucket))
		if bucket == nil {
			return nil
		}

		if data := bucket.Get([]byte(lastProducedHeightKey)); data != nil {
			m.cache.LastProducedHeight = binary.BigEndian.Uint64(data)
		}
		if data := bucket.Get([]byte(startTimeKey)); data != nil {
			var startTime time.Time
			if err := json.Unmarshal(data, &startTime); err == nil {
				m.cache.StartTime = startTime
			}
		}
		if data := bucket.Get([]byte(lastBlockTimeKey)); data != nil {
			var lastBlockTime time.Time
			if err := json.Unmarshal(data, &lastBlockTime); err == nil {
				m.cache.LastBlockTime = lastBlockTime
			}
		}
		return nil
	})
}

// LastProducedHeight 最近一次出块的高度
func (m *Manager) LastProducedHeight() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache.LastProducedHeight
}

// RecordBlock 记录一次成功出块
func (m *Manager) RecordBlock(height uint64, txCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.cache.LastProducedHeight = height
	m.cache.LastBlockTime = now
	m.cache.TotalBlocks++
	m.cache.TotalTransactions += uint64(txCount)

	if m.cache.StartTime.IsZero() {
		m.cache.StartTime = now
	}
	if duration := now.Sub(m.cache.StartTime).Seconds(); duration > 0 {
		m.cache.ProductionRate = float64(m.cache.TotalBlocks) / duration
	}

	return m.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(ProductionBucket))
		if bucket == nil {
			return fmt.Errorf("出块进度桶不存在")
		}

		heightData := make([]byte, 8)
		binary.BigEndian.PutUint64(heightData, height)
		if err := bucket.Put([]byte(lastProducedHeightKey), heightData); err != nil {
			return fmt.Errorf("保存出块高度失败: %w", err)
		}

		if startTimeData, err := json.Marshal(m.cache.StartTime); err == nil {
			bucket.Put([]byte(startTimeKey), startTimeData)
		}
		if blockTimeData, err := json.Marshal(now); err == nil {
			bucket.Put([]byte(lastBlockTimeKey), blockTimeData)
		}
		return nil
	})
}

// Snapshot 当前进度信息的副本
func (m *Manager) Snapshot() *ProductionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := *m.cache
	return &info
}

// Stats 统计信息（供状态API输出）
func (m *Manager) Stats() map[string]interface{} {
	info := m.Snapshot()

	stats := map[string]interface{}{
		"last_produced_height": info.LastProducedHeight,
		"total_blocks":         info.TotalBlocks,
		"total_transactions":   info.TotalTransactions,
		"production_rate":      fmt.Sprintf("%.2f blocks/sec", info.ProductionRate),
	}
	if !info.StartTime.IsZero() {
		stats["running_duration"] = time.Since(info.StartTime).String()
		stats["last_block_time"] = info.LastBlockTime.Format(time.RFC3339)
	}
	return stats
}

// Close 关闭进度管理器
func (m *Manager) Close() error {
	if m.db != nil {
		m.logger.Info("关闭出块进度管理器")
		return m.db.Close()
	}
	return nil
}
