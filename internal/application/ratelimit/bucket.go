// Package ratelimit 提供出站请求的准入控制：令牌桶、滑动窗口与日配额
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTokenWait 单次等待令牌的最长睡眠
const maxTokenWait = time.Second

// TokenBucket 连续补充的令牌桶，容量即突发上限
type TokenBucket struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	capacity int
	rate     float64
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewTokenBucket 创建令牌桶，初始为满
func NewTokenBucket(capacity int, refillPerSecond float64) *TokenBucket {
	return &TokenBucket{
		limiter:  rate.NewLimiter(rate.Limit(refillPerSecond), capacity),
		capacity: capacity,
		rate:     refillPerSecond,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Capacity 返回桶容量
func (b *TokenBucket) Capacity() int {
	return b.capacity
}

// RefillRate 返回每秒补充的令牌数
func (b *TokenBucket) RefillRate() float64 {
	return b.rate
}

// Consume 尝试取走 n 个令牌
func (b *TokenBucket) Consume(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limiter.AllowN(b.now(), n)
}

// Tokens 返回当前可用令牌数
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokensAt(b.now())
}

func (b *TokenBucket) tokensAt(t time.Time) float64 {
	tokens := b.limiter.TokensAt(t)
	if tokens < 0 {
		return 0
	}
	if tokens > float64(b.capacity) {
		return float64(b.capacity)
	}
	return tokens
}

// take 在 at 时刻取走 n 个令牌，返回可退还令牌的函数
func (b *TokenBucket) take(at time.Time, n int) (refund func(), ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.limiter.ReserveN(at, n)
	if !r.OK() {
		return nil, false
	}
	if r.DelayFrom(at) > 0 {
		r.CancelAt(at)
		return nil, false
	}
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		r.CancelAt(at)
	}, true
}

// WaitForTokens 轮询直到取得 n 个令牌，每次睡眠 min(n/rate, 1s)
func (b *TokenBucket) WaitForTokens(ctx context.Context, n int) error {
	if n > b.capacity {
		return fmt.Errorf("requested %d tokens exceeds bucket capacity %d", n, b.capacity)
	}

	wait := maxTokenWait
	if b.rate > 0 {
		if d := time.Duration(float64(n) / b.rate * float64(time.Second)); d < wait {
			wait = d
		}
	}

	for !b.Consume(n) {
		if err := b.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return nil
}

// sleepContext 可被 ctx 取消的睡眠
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
