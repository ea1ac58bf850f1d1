package cache

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCacheGetSet は基本的な格納と取得を確認します
func TestCacheGetSet(t *testing.T) {
	c := New()

	c.Set("k1", "value", TTLShort)

	v, ok := c.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "value", v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

// TestCacheExpiry は期限切れエントリが存在しない扱いになることを確認します
func TestCacheExpiry(t *testing.T) {
	c := New()

	c.Set("k1", "value", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("k1")
	assert.False(t, ok)
}

// TestCacheKeyDeterminism は同一引数から同一キーが導出されることを確認します
func TestCacheKeyDeterminism(t *testing.T) {
	k1 := Key("embedding", "voyage-3", "hello world")
	k2 := Key("embedding", "voyage-3", "hello world")
	assert.Equal(t, k1, k2)

	// 引数の順序はキーの一部
	k3 := Key("embedding", "hello world", "voyage-3")
	assert.NotEqual(t, k1, k3)

	// 名前空間もキーの一部
	k4 := Key("summary", "voyage-3", "hello world")
	assert.NotEqual(t, k1, k4)
}

// TestCacheCapacityEviction は容量超過時にヒット数の少ないエントリから
// 追い出されることを確認します
func TestCacheCapacityEviction(t *testing.T) {
	c := New(WithMaxEntries(3))

	c.Set("a", 1, TTLLong)
	c.Set("b", 2, TTLLong)
	c.Set("c", 3, TTLLong)

	// aとbにヒットを付ける
	c.Get("a")
	c.Get("a")
	c.Get("b")

	// 容量超過を引き起こす
	c.Set("d", 4, TTLLong)

	// ヒット0のcが追い出される
	_, ok := c.Get("c")
	assert.False(t, ok)

	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("d")
	assert.True(t, ok)
}

// TestCacheCleanup は明示的なクリーンアップが期限切れのみを削除することを確認します
func TestCacheCleanup(t *testing.T) {
	c := New()

	c.Set("expired", 1, 5*time.Millisecond)
	c.Set("alive", 2, TTLLong)
	time.Sleep(10 * time.Millisecond)

	removed := c.Cleanup()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.Len())
}

// TestGetOrComputeIdempotence はTTL内の再呼び出しで計算が1回しか
// 実行されないことを確認します
func TestGetOrComputeIdempotence(t *testing.T) {
	c := New()
	calls := 0
	compute := func() (string, error) {
		calls++
		return fmt.Sprintf("result-%d", calls), nil
	}

	key := Key("test", "arg")

	v1, err := GetOrCompute(c, key, TTLShort, compute)
	require.NoError(t, err)
	v2, err := GetOrCompute(c, key, TTLShort, compute)
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, calls)
}

// TestGetOrComputeAfterExpiry はTTL経過後に再計算されることを確認します
func TestGetOrComputeAfterExpiry(t *testing.T) {
	c := New()
	calls := 0
	compute := func() (int, error) {
		calls++
		return calls, nil
	}

	key := Key("test", "arg")

	_, err := GetOrCompute(c, key, 5*time.Millisecond, compute)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = GetOrCompute(c, key, 5*time.Millisecond, compute)
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
}

// TestGetOrComputeError は計算エラー時に何も格納されないことを確認します
func TestGetOrComputeError(t *testing.T) {
	c := New()

	_, err := GetOrCompute(c, "k", TTLShort, func() (string, error) {
		return "", errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())
}
