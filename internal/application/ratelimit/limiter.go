package ratelimit

import (
	"context"
	"sync"
	"time"

	"content-pipeline-api/internal/config"
	"content-pipeline-api/pkg/logger"
	"content-pipeline-api/pkg/metrics"
)

// 拒绝原因
const (
	ReasonDailyQuota        = "daily quota exceeded"
	ReasonDistributedWindow = "distributed rate limit exceeded"
	ReasonBurst             = "rate limit exceeded: too many requests per second"
	ReasonWindow            = "rate limit exceeded: too many requests in time window"
)

const (
	// DefaultCaller 未指定调用方时使用的键
	DefaultCaller = "default"

	defaultRetryAfter = time.Second
	maxQuotaWait      = time.Hour
)

// Decision 准入判定结果
type Decision struct {
	Allowed bool
	Reason  string
	// RetryAfter 建议的重试等待时长
	RetryAfter time.Duration
}

// UsageStats 限流器用量快照
type UsageStats struct {
	DailyRequests   int       `json:"daily_requests"`
	DailyQuota      int       `json:"daily_quota"`
	QuotaRemaining  int       `json:"quota_remaining"`
	QuotaResetAt    time.Time `json:"quota_reset_at"`
	RecentRequests  int       `json:"recent_requests"`
	WindowLimit     int       `json:"window_limit"`
	TokensAvailable float64   `json:"tokens_available"`
	TokenCapacity   int       `json:"token_capacity"`
}

// Option 限流器选项
type Option func(*RateLimiter)

// WithWindowStore 启用共享滑动窗口
func WithWindowStore(store WindowStore) Option {
	return func(l *RateLimiter) {
		l.store = store
	}
}

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(l *RateLimiter) {
		l.now = now
		l.bucket.now = now
	}
}

// WithSleep 注入睡眠函数
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *RateLimiter) {
		l.sleep = sleep
		l.bucket.sleep = sleep
	}
}

// RateLimiter 组合日配额、共享窗口、令牌桶与本地窗口的准入控制器
type RateLimiter struct {
	cfg    config.RateLimitConfig
	bucket *TokenBucket
	window *WindowCounter
	store  WindowStore
	locks  *keyedMutex

	mu           sync.Mutex
	dailyCount   int
	dailyPending int
	resetAt      time.Time
	pending      map[string]int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter 创建限流器
func NewRateLimiter(cfg config.RateLimitConfig, opts ...Option) *RateLimiter {
	l := &RateLimiter{
		cfg:     cfg,
		bucket:  NewTokenBucket(cfg.BurstCapacity, float64(cfg.RequestsPerSecond)),
		window:  NewWindowCounter(cfg.WindowSize()),
		locks:   newKeyedMutex(),
		pending: make(map[string]int),
		now:     time.Now,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.resetAt = nextMidnight(l.now())

	logger.Info(context.Background(), "rate limiter initialized",
		"requests_per_second", cfg.RequestsPerSecond,
		"burst", cfg.BurstCapacity,
		"daily_quota", cfg.DailyQuota,
		"window_seconds", cfg.WindowSizeSeconds,
		"distributed", l.store != nil,
	)
	return l
}

// WindowLimit 窗口内允许的请求数
func (l *RateLimiter) WindowLimit() int {
	return l.cfg.RequestsPerSecond * l.cfg.WindowSizeSeconds
}

// CanMakeRequest 执行准入检查，通过时消耗一个令牌但不保留额度
func (l *RateLimiter) CanMakeRequest(ctx context.Context, caller string) Decision {
	caller = normalizeCaller(caller)

	unlock := l.locks.Lock(caller)
	defer unlock()

	d := l.admit(ctx, caller, l.now())
	if d.Allowed {
		l.release(caller)
	}
	return d
}

// RecordRequest 在请求实际发出后记账
func (l *RateLimiter) RecordRequest(ctx context.Context, caller string) {
	caller = normalizeCaller(caller)

	unlock := l.locks.Lock(caller)
	defer unlock()

	l.record(ctx, caller, l.now())
}

// Reserve 检查准入并占用额度，直到 Commit 或 Cancel
func (l *RateLimiter) Reserve(ctx context.Context, caller string) (*Reservation, Decision) {
	caller = normalizeCaller(caller)

	unlock := l.locks.Lock(caller)
	defer unlock()

	d := l.admit(ctx, caller, l.now())
	if !d.Allowed {
		return nil, d
	}
	return &Reservation{limiter: l, caller: caller}, d
}

// WaitForAvailability 阻塞直到获得准入；日配额耗尽时等待至重置（最长 1 小时），否则每次等待 1 秒
func (l *RateLimiter) WaitForAvailability(ctx context.Context, caller string) (*Reservation, error) {
	for {
		r, d := l.Reserve(ctx, caller)
		if d.Allowed {
			return r, nil
		}

		logger.Info(ctx, "outbound request rate limited, waiting",
			"caller", normalizeCaller(caller),
			"reason", d.Reason,
			"retry_after", d.RetryAfter.String(),
		)

		if err := l.sleep(ctx, d.RetryAfter); err != nil {
			return nil, err
		}
	}
}

// Stats 返回用量快照
func (l *RateLimiter) Stats(caller string) UsageStats {
	caller = normalizeCaller(caller)
	now := l.now()

	l.mu.Lock()
	l.maybeResetLocked(now)
	daily := l.dailyCount
	resetAt := l.resetAt
	l.mu.Unlock()

	remaining := l.cfg.DailyQuota - daily
	if remaining < 0 {
		remaining = 0
	}

	return UsageStats{
		DailyRequests:   daily,
		DailyQuota:      l.cfg.DailyQuota,
		QuotaRemaining:  remaining,
		QuotaResetAt:    resetAt,
		RecentRequests:  l.window.Count(caller, now),
		WindowLimit:     l.WindowLimit(),
		TokensAvailable: l.bucket.tokensAt(now),
		TokenCapacity:   l.bucket.Capacity(),
	}
}

// admit 按顺序检查：日配额 -> 共享窗口 -> 令牌桶 -> 本地窗口，调用方需持有 caller 锁。
// 日配额在同一临界区内检查并占用，通过时额度保持占用，由调用方 release 或记账。
func (l *RateLimiter) admit(ctx context.Context, caller string, now time.Time) Decision {
	l.mu.Lock()
	l.maybeResetLocked(now)
	if l.dailyCount+l.dailyPending >= l.cfg.DailyQuota {
		wait := l.resetAt.Sub(now)
		l.mu.Unlock()
		if wait > maxQuotaWait {
			wait = maxQuotaWait
		}
		return l.deny(ReasonDailyQuota, wait)
	}
	pending := l.pending[caller]
	l.dailyPending++
	l.pending[caller]++
	l.mu.Unlock()

	d := l.checkRate(ctx, caller, now, pending)
	if !d.Allowed {
		l.release(caller)
	}
	return d
}

// checkRate 检查共享窗口、令牌桶与本地窗口，pending 为该调用方此前未记账的占用数
func (l *RateLimiter) checkRate(ctx context.Context, caller string, now time.Time, pending int) Decision {

	limit := l.WindowLimit()

	if l.store != nil {
		count, err := l.store.Count(ctx, WindowKey(caller), now.Add(-l.cfg.WindowSize()))
		if err != nil {
			metrics.RateLimitStoreErrors.Inc()
			logger.Warn(ctx, "distributed rate limit check failed, allowing request",
				"caller", caller,
				"error", err.Error(),
			)
		} else if int(count)+pending >= limit {
			return l.deny(ReasonDistributedWindow, defaultRetryAfter)
		}
	}

	refund, ok := l.bucket.take(now, 1)
	if !ok {
		return l.deny(ReasonBurst, defaultRetryAfter)
	}

	if l.window.Count(caller, now)+pending >= limit {
		refund()
		return l.deny(ReasonWindow, defaultRetryAfter)
	}

	return Decision{Allowed: true}
}

func (l *RateLimiter) deny(reason string, retryAfter time.Duration) Decision {
	metrics.AdmissionDeniedTotal.WithLabelValues(reason).Inc()
	return Decision{Allowed: false, Reason: reason, RetryAfter: retryAfter}
}

// record 记账，调用方需持有 caller 锁
func (l *RateLimiter) record(ctx context.Context, caller string, now time.Time) {
	l.mu.Lock()
	l.maybeResetLocked(now)
	l.dailyCount++
	l.mu.Unlock()

	l.window.Add(caller, now)

	if l.store != nil {
		if err := l.store.Add(ctx, WindowKey(caller), now, 2*l.cfg.WindowSize()); err != nil {
			metrics.RateLimitStoreErrors.Inc()
			logger.Warn(ctx, "distributed rate limit record failed",
				"caller", caller,
				"error", err.Error(),
			)
		}
	}
}

// release 释放一次占用，调用方需持有 caller 锁
func (l *RateLimiter) release(caller string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.dailyPending > 0 {
		l.dailyPending--
	}
	if l.pending[caller] <= 1 {
		delete(l.pending, caller)
	} else {
		l.pending[caller]--
	}
}

// maybeResetLocked 过了重置时刻则清零日计数，调用方需持有 l.mu
func (l *RateLimiter) maybeResetLocked(now time.Time) {
	if now.Before(l.resetAt) {
		return
	}
	l.dailyCount = 0
	l.resetAt = nextMidnight(now)
}

// Reservation 已通过准入但尚未记账的请求额度
type Reservation struct {
	limiter *RateLimiter
	caller  string
	once    sync.Once
}

// Caller 返回占用额度的调用方
func (r *Reservation) Caller() string {
	return r.caller
}

// Commit 请求已发出：释放占用并记账
func (r *Reservation) Commit(ctx context.Context) {
	if r == nil {
		return
	}
	r.once.Do(func() {
		l := r.limiter
		unlock := l.locks.Lock(r.caller)
		defer unlock()

		l.release(r.caller)
		l.record(ctx, r.caller, l.now())
	})
}

// Cancel 请求未发出：仅释放占用
func (r *Reservation) Cancel() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		l := r.limiter
		unlock := l.locks.Lock(r.caller)
		defer unlock()

		l.release(r.caller)
	})
}

func normalizeCaller(caller string) string {
	if caller == "" {
		return DefaultCaller
	}
	return caller
}

// nextMidnight 返回 t 之后的下一个本地零点
func nextMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}

// keyedMutex 按键加锁，无持有者时回收
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock 获取 key 的锁，返回解锁函数
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
