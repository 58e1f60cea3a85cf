package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 💾 进程内缓存
// =============================================================================

// Memory 是 Cache 的进程内实现, 用于未配置 Redis 的默认部署。
// 过期键由后台清理协程定期回收。
type Memory struct {
	mu         sync.RWMutex
	entries    map[string]memoryEntry
	defaultTTL time.Duration
	logger     *zap.Logger
	stop       chan struct{}
	closed     bool
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemory 创建进程内缓存
func NewMemory(defaultTTL time.Duration, logger *zap.Logger) *Memory {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	m := &Memory{
		entries:    make(map[string]memoryEntry),
		defaultTTL: defaultTTL,
		logger:     logger.With(zap.String("component", "cache")),
		stop:       make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// Get 获取缓存值
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return "", ErrCacheMiss
	}
	return entry.value, nil
}

// Set 设置缓存值
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Delete 删除缓存值
func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

// Ping 进程内实现永远可用
func (m *Memory) Ping(context.Context) error {
	return nil
}

// Close 停止清理协程
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.stop)
	return nil
}

// Len 返回当前键数量(测试用)
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// cleanupLoop 定期回收过期键
func (m *Memory) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for key, entry := range m.entries {
				if now.After(entry.expiresAt) {
					delete(m.entries, key)
				}
			}
			m.mu.Unlock()
		}
	}
}
