package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bageyalu160/universal-scraper-auto-sub000/internal/shared/logger"
	"github.com/bageyalu160/universal-scraper-auto-sub000/proxypool/model"
)

// Storage 接口定义了池快照持久化的行为。
type Storage interface {
	Load() (*model.PoolSnapshot, error)
	Save(snapshot *model.PoolSnapshot) error
}

// JSONStorage 实现了 Storage 接口，把快照写成状态目录下的一个
// JSON 文档。写入是尽力而为的：调用方把写失败当作可恢复错误，
// 数据丢失上限是"到下一次成功写入为止"。
type JSONStorage struct {
	filePath string
	mu       sync.Mutex
}

// NewJSONStorage 创建一个 JSONStorage，快照写到 dir/proxy_pool.json。
func NewJSONStorage(dir string) *JSONStorage {
	return &JSONStorage{
		filePath: filepath.Join(dir, "proxy_pool.json"),
	}
}

// Load 从磁盘读取上一次运行留下的快照。文件不存在时返回空快照，
// 不算错误——冷启动是正常路径。
func (s *JSONStorage) Load() (*model.PoolSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := logger.WithComponent("ProxyPool/Storage")

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", s.filePath).Msg("Snapshot file not found, starting with an empty pool.")
			return model.NewPoolSnapshot(), nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	snapshot := model.NewPoolSnapshot()
	if err := json.Unmarshal(data, snapshot); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}

	l.Info().Int("proxies", len(snapshot.Proxies)).Int("failed", len(snapshot.FailedProxies)).Msg("Snapshot loaded from disk.")
	return snapshot, nil
}

// Save 将快照整体写入磁盘，覆盖旧文件。
func (s *JSONStorage) Save(snapshot *model.PoolSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(s.filePath, data, 0644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}
