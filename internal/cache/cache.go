package cache

import (
	"context"
	"time"
)

// =============================================================================
// 💾 缓存接口
// =============================================================================

// Cache 是两种后端共同实现的最小缓存接口。
// Redis 未启用时使用进程内 Memory 实现, 语义一致:
// 未命中返回 ErrCacheMiss, ttl 为零使用默认过期时间。
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Cache = (*Manager)(nil)
	_ Cache = (*Memory)(nil)
)
