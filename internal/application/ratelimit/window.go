package ratelimit

import (
	"context"
	"sync"
	"time"
)

// WindowStore 共享的滑动窗口存储（如 Redis 有序集合）
type WindowStore interface {
	// Count 清理 windowStart 之前的记录并返回窗口内请求数
	Count(ctx context.Context, key string, windowStart time.Time) (int64, error)
	// Add 记录一次请求，并将键的过期时间设为 ttl
	Add(ctx context.Context, key string, at time.Time, ttl time.Duration) error
}

// WindowKey 构建共享窗口键
func WindowKey(caller string) string {
	return "rate_limit:" + caller
}

// WindowCounter 进程内按调用方记录请求时间戳
type WindowCounter struct {
	mu      sync.Mutex
	window  time.Duration
	history map[string][]time.Time
}

// NewWindowCounter 创建滑动窗口计数器
func NewWindowCounter(window time.Duration) *WindowCounter {
	return &WindowCounter{
		window:  window,
		history: make(map[string][]time.Time),
	}
}

// Count 返回 [now-window, now] 内的请求数
func (w *WindowCounter) Count(key string, now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.prune(key, now))
}

// Add 记录一次请求
func (w *WindowCounter) Add(key string, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.history[key] = append(w.prune(key, at), at)
}

// prune 丢弃早于 now-window 的时间戳，调用方需持锁
func (w *WindowCounter) prune(key string, now time.Time) []time.Time {
	entries, ok := w.history[key]
	if !ok {
		return nil
	}

	cutoff := now.Add(-w.window)
	i := 0
	for i < len(entries) && entries[i].Before(cutoff) {
		i++
	}
	if i == len(entries) {
		delete(w.history, key)
		return nil
	}
	if i > 0 {
		entries = append(entries[:0:0], entries[i:]...)
		w.history[key] = entries
	}
	return entries
}
