// Package cache はAI呼び出し結果のTTLキャッシュとレート制限を提供します。
// シングルトンではなく、利用側のコンストラクタへ明示的に注入して使います。
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// TTL定数
const (
	TTLShort    = 5 * time.Minute
	TTLMedium   = 30 * time.Minute
	TTLLong     = time.Hour
	TTLVeryLong = 24 * time.Hour
)

// DefaultMaxEntries はデフォルトのキャッシュ容量
const DefaultMaxEntries = 1000

// entry はキャッシュの1エントリ
type entry struct {
	value     any
	expiresAt time.Time
	hits      int
}

// Cache はTTL付きのインメモリキャッシュです。
// 有効期限切れのエントリは読み取り時に遅延削除され、容量超過時は
// ヒット数が少なく有効期限が近いものから追い出されます。
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	maxEntries int
	logger     *slog.Logger
}

// Option はCacheのオプション設定
type Option func(*Cache)

// WithMaxEntries はキャッシュ容量を上書きする
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New は新しいCacheを作成します
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:    make(map[string]*entry),
		maxEntries: DefaultMaxEntries,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key は名前空間と引数列からキャッシュキーを導出します。
// 引数はソートせず与えられた順序で連結されます（呼び出しシグネチャの一部）。
func Key(namespace string, args ...string) string {
	h := sha256.Sum256([]byte(strings.Join(args, "\x1f")))
	return namespace + ":" + hex.EncodeToString(h[:16])
}

// Get はキーに対応する値を返します。期限切れのエントリは存在しない扱いです
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	e.hits++
	return e.value, true
}

// Set は値をTTL付きで格納します
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &entry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}

	if len(c.entries) > c.maxEntries {
		c.evictLocked()
	}
}

// Delete はキーを削除します
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len は現在のエントリ数を返します（期限切れ含む）
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLocked は容量超過分のエントリを追い出します。
// ヒット数昇順、同数なら有効期限が近い順に削除します。呼び出し側でロック必須。
func (c *Cache) evictLocked() {
	type candidate struct {
		key string
		e   *entry
	}

	now := time.Now()
	candidates := make([]candidate, 0, len(c.entries))
	for k, e := range c.entries {
		// 期限切れは無条件で削除
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			continue
		}
		candidates = append(candidates, candidate{key: k, e: e})
	}

	excess := len(c.entries) - c.maxEntries
	if excess <= 0 {
		return
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].e.hits != candidates[j].e.hits {
			return candidates[i].e.hits < candidates[j].e.hits
		}
		return candidates[i].e.expiresAt.Before(candidates[j].e.expiresAt)
	})

	for i := 0; i < excess && i < len(candidates); i++ {
		delete(c.entries, candidates[i].key)
	}
}

// Cleanup は期限切れエントリを即時に削除し、削除数を返します
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// StartJanitor は定期クリーンアップを行うゴルーチンを起動します。
// contextのキャンセルで停止します。正確性には不要な補助的処理です
func (c *Cache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = TTLShort
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := c.Cleanup(); removed > 0 {
					c.logger.Debug("cache janitor removed expired entries", "removed", removed)
				}
			}
		}
	}()
}

// GetOrCompute はキャッシュヒット時はその値を、ミス時はcomputeの結果を格納して返します
func GetOrCompute[T any](c *Cache, key string, ttl time.Duration, compute func() (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		if typed, ok := v.(T); ok {
			return typed, nil
		}
	}

	var zero T
	v, err := compute()
	if err != nil {
		return zero, fmt.Errorf("failed to compute cache value: %w", err)
	}
	c.Set(key, v, ttl)
	return v, nil
}
