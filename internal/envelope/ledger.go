package envelope

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger 记录每个密钥下已经封装过、已经打开过的 nonce。
// MarkSealed 返回 false 表示 nonce 重复，属于致命的安全缺陷；
// MarkOpened 返回 false 表示信封已被消费过一次。
type Ledger interface {
	MarkSealed(ctx context.Context, keyID string, nonce []byte) (bool, error)
	MarkOpened(ctx context.Context, keyID string, nonce []byte) (bool, error)
}

// DefaultLedgerRetention 是账本条目的默认保留时长。超过保留期的 nonce
// 会被遗忘，重放保护只在保留期内有效。
const DefaultLedgerRetention = 7 * 24 * time.Hour

// MemoryLedger 是进程内的 nonce 账本，适用于单实例部署和测试。
// 条目按写入时间在保留期后清理，与 RedisLedger 的 TTL 语义一致。
type MemoryLedger struct {
	mu        sync.Mutex
	sealed    map[string]time.Time
	opened    map[string]time.Time
	retention time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewMemoryLedger 创建内存账本，retention <= 0 时使用 DefaultLedgerRetention。
func NewMemoryLedger(retention time.Duration) *MemoryLedger {
	if retention <= 0 {
		retention = DefaultLedgerRetention
	}
	return &MemoryLedger{
		sealed:    make(map[string]time.Time),
		opened:    make(map[string]time.Time),
		retention: retention,
		now:       time.Now,
	}
}

// MarkSealed 实现 Ledger。
func (l *MemoryLedger) MarkSealed(_ context.Context, keyID string, nonce []byte) (bool, error) {
	return l.mark(l.sealed, keyID, nonce), nil
}

// MarkOpened 实现 Ledger。
func (l *MemoryLedger) MarkOpened(_ context.Context, keyID string, nonce []byte) (bool, error) {
	return l.mark(l.opened, keyID, nonce), nil
}

// Len 返回当前保留的已封装与已打开条目数。
func (l *MemoryLedger) Len() (sealed, opened int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sealed), len(l.opened)
}

func (l *MemoryLedger) mark(set map[string]time.Time, keyID string, nonce []byte) bool {
	key := keyID + ":" + hex.EncodeToString(nonce)
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.sweep(now)
	if at, exists := set[key]; exists && now.Sub(at) < l.retention {
		return false
	}
	set[key] = now
	return true
}

// sweep 每隔四分之一保留期清理一次过期条目，调用方须持有锁。
func (l *MemoryLedger) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.retention/4 {
		return
	}
	l.lastSweep = now
	for _, set := range []map[string]time.Time{l.sealed, l.opened} {
		for key, at := range set {
			if now.Sub(at) >= l.retention {
				delete(set, key)
			}
		}
	}
}

// redisSetNX 是 RedisLedger 依赖的最小 Redis 能力。
type redisSetNX interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisLedgerConfig 描述共享 nonce 账本的参数。
type RedisLedgerConfig struct {
	Prefix    string
	Retention time.Duration
}

// RedisLedger 通过 SETNX 在多个守护进程之间共享 nonce 账本。
type RedisLedger struct {
	client    redisSetNX
	prefix    string
	retention time.Duration
}

// NewRedisLedger 基于已有的 Redis 客户端构建账本。
func NewRedisLedger(client redisSetNX, cfg RedisLedgerConfig) (*RedisLedger, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "agentmatrix:nonce"
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultLedgerRetention
	}
	return &RedisLedger{client: client, prefix: prefix, retention: retention}, nil
}

// MarkSealed 实现 Ledger。
func (l *RedisLedger) MarkSealed(ctx context.Context, keyID string, nonce []byte) (bool, error) {
	return l.mark(ctx, "sealed", keyID, nonce)
}

// MarkOpened 实现 Ledger。
func (l *RedisLedger) MarkOpened(ctx context.Context, keyID string, nonce []byte) (bool, error) {
	return l.mark(ctx, "opened", keyID, nonce)
}

func (l *RedisLedger) mark(ctx context.Context, stage, keyID string, nonce []byte) (bool, error) {
	key := l.prefix + ":" + stage + ":" + keyID + ":" + hex.EncodeToString(nonce)
	ok, err := l.client.SetNX(ctx, key, time.Now().UTC().Unix(), l.retention).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}
