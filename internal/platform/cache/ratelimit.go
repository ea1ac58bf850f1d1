package cache

import (
	"sync"
	"time"
)

// SlidingWindowLimiter はキーごとのスライディングウィンドウ式レート制限です。
// ウィンドウ内のリクエスト時刻を保持し、上限超過の呼び出しを拒否します。
type SlidingWindowLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	limit    int
	requests map[string][]time.Time
}

// NewSlidingWindowLimiter は新しいSlidingWindowLimiterを作成します
func NewSlidingWindowLimiter(limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		window:   window,
		limit:    limit,
		requests: make(map[string][]time.Time),
	}
}

// Allow はキーに対するリクエストを許可するかを判定します。
// 許可した場合は現在時刻をウィンドウに記録します
func (l *SlidingWindowLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)

	// ウィンドウ外のリクエストを刈り取る
	recent := l.requests[key][:0]
	for _, t := range l.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= l.limit {
		l.requests[key] = recent
		return false
	}

	l.requests[key] = append(recent, now)
	return true
}

// Remaining はウィンドウ内の残り許可数を返します
func (l *SlidingWindowLimiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.window)
	count := 0
	for _, t := range l.requests[key] {
		if t.After(cutoff) {
			count++
		}
	}

	if remaining := l.limit - count; remaining > 0 {
		return remaining
	}
	return 0
}

// Cleanup はウィンドウ外のエントリのみになったキーを削除します
func (l *SlidingWindowLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.window)
	for key, times := range l.requests {
		active := false
		for _, t := range times {
			if t.After(cutoff) {
				active = true
				break
			}
		}
		if !active {
			delete(l.requests, key)
		}
	}
}
