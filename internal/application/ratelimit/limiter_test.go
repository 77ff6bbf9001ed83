package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content-pipeline-api/internal/config"
)

type stubWindowStore struct {
	mu       sync.Mutex
	count    int64
	countErr error
	addErr   error
	adds     []string
	ttls     []time.Duration
	// delay 模拟一次 Redis 往返
	delay time.Duration
}

func (s *stubWindowStore) Count(_ context.Context, _ string, _ time.Time) (int64, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count, s.countErr
}

func (s *stubWindowStore) Add(_ context.Context, key string, _ time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adds = append(s.adds, key)
	s.ttls = append(s.ttls, ttl)
	return s.addErr
}

func newTestLimiter(cfg config.RateLimitConfig, clock *fakeClock, opts ...Option) *RateLimiter {
	opts = append([]Option{WithClock(clock.Now), WithSleep(clock.Sleep)}, opts...)
	return NewRateLimiter(cfg, opts...)
}

func smallConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		RequestsPerSecond: 2,
		BurstCapacity:     2,
		DailyQuota:        5,
		WindowSizeSeconds: 1,
	}
}

func TestRateLimiter_BurstThenDailyQuota(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local))
	l := newTestLimiter(smallConfig(), clock)

	for i := 0; i < 2; i++ {
		d := l.CanMakeRequest(ctx, "alice")
		require.True(t, d.Allowed, "request %d", i+1)
		l.RecordRequest(ctx, "alice")
	}

	d := l.CanMakeRequest(ctx, "alice")
	assert.False(t, d.Allowed)
	assert.Contains(t, []string{ReasonBurst, ReasonWindow}, d.Reason)

	for i := 2; i < 5; i++ {
		clock.Advance(1100 * time.Millisecond)
		d := l.CanMakeRequest(ctx, "alice")
		require.True(t, d.Allowed, "request %d: %s", i+1, d.Reason)
		l.RecordRequest(ctx, "alice")
	}

	clock.Advance(1100 * time.Millisecond)
	d = l.CanMakeRequest(ctx, "alice")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDailyQuota, d.Reason)
}

func TestRateLimiter_WindowDeniesAndRefundsToken(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local))
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 1,
		BurstCapacity:     5,
		DailyQuota:        100,
		WindowSizeSeconds: 2,
	}
	l := newTestLimiter(cfg, clock)

	for i := 0; i < 2; i++ {
		require.True(t, l.CanMakeRequest(ctx, "bob").Allowed)
		l.RecordRequest(ctx, "bob")
	}

	before := l.Stats("bob").TokensAvailable
	d := l.CanMakeRequest(ctx, "bob")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonWindow, d.Reason)
	assert.InDelta(t, before, l.Stats("bob").TokensAvailable, 1e-9)

	// 其他调用方不受 bob 的窗口影响
	assert.True(t, l.CanMakeRequest(ctx, "carol").Allowed)
}

func TestRateLimiter_QuotaResetsAtMidnight(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2024, 3, 1, 23, 59, 59, 0, time.Local))
	cfg := smallConfig()
	cfg.DailyQuota = 1
	l := newTestLimiter(cfg, clock)

	require.True(t, l.CanMakeRequest(ctx, "").Allowed)
	l.RecordRequest(ctx, "")

	d := l.CanMakeRequest(ctx, "")
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonDailyQuota, d.Reason)
	assert.Equal(t, time.Second, d.RetryAfter)

	clock.Advance(2 * time.Second)
	assert.True(t, l.CanMakeRequest(ctx, "").Allowed)

	stats := l.Stats("")
	assert.Equal(t, 0, stats.DailyRequests)
	assert.Equal(t, time.Date(2024, 3, 3, 0, 0, 0, 0, time.Local), stats.QuotaResetAt)
}

func TestRateLimiter_DistributedWindow(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local))
	store := &stubWindowStore{count: 2}
	l := newTestLimiter(smallConfig(), clock, WithWindowStore(store))

	d := l.CanMakeRequest(ctx, "alice")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDistributedWindow, d.Reason)

	store.count = 0
	require.True(t, l.CanMakeRequest(ctx, "alice").Allowed)
	l.RecordRequest(ctx, "alice")

	require.Len(t, store.adds, 1)
	assert.Equal(t, "rate_limit:alice", store.adds[0])
	assert.Equal(t, 2*time.Second, store.ttls[0])
}

func TestRateLimiter_DistributedStoreFailsOpen(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local))
	store := &stubWindowStore{countErr: errors.New("connection refused"), addErr: errors.New("connection refused")}
	l := newTestLimiter(smallConfig(), clock, WithWindowStore(store))

	d := l.CanMakeRequest(ctx, "alice")
	assert.True(t, d.Allowed)

	l.RecordRequest(ctx, "alice")
	assert.Equal(t, 1, l.Stats("alice").DailyRequests)
}

func TestRateLimiter_ReservationHoldsQuota(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local))
	cfg := config.RateLimitConfig{RequestsPerSecond: 100, BurstCapacity: 100, DailyQuota: 2, WindowSizeSeconds: 1}
	l := newTestLimiter(cfg, clock)

	r1, d := l.Reserve(ctx, "a")
	require.True(t, d.Allowed)
	r2, d := l.Reserve(ctx, "b")
	require.True(t, d.Allowed)

	_, d = l.Reserve(ctx, "c")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDailyQuota, d.Reason)

	r2.Cancel()
	r2.Cancel()
	r3, d := l.Reserve(ctx, "c")
	require.True(t, d.Allowed)

	r1.Commit(ctx)
	r1.Commit(ctx)
	r3.Commit(ctx)

	stats := l.Stats("a")
	assert.Equal(t, 2, stats.DailyRequests)
	assert.Equal(t, 0, stats.QuotaRemaining)
	assert.Equal(t, 1, stats.RecentRequests)
}

func TestRateLimiter_ConcurrentReservationsNeverExceedQuota(t *testing.T) {
	ctx := context.Background()
	cfg := config.RateLimitConfig{RequestsPerSecond: 1000, BurstCapacity: 1000, DailyQuota: 50, WindowSizeSeconds: 1}
	l := NewRateLimiter(cfg)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, d := l.Reserve(ctx, "shared")
			if d.Allowed {
				admitted.Add(1)
				r.Commit(ctx)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), admitted.Load())
	assert.Equal(t, 50, l.Stats("shared").DailyRequests)
}

func TestRateLimiter_ConcurrentCallersShareDailyQuota(t *testing.T) {
	ctx := context.Background()
	cfg := config.RateLimitConfig{RequestsPerSecond: 1000, BurstCapacity: 1000, DailyQuota: 5, WindowSizeSeconds: 1}
	l := NewRateLimiter(cfg, WithWindowStore(&stubWindowStore{delay: 2 * time.Millisecond}))

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, d := l.Reserve(ctx, fmt.Sprintf("caller-%d", i))
			if d.Allowed {
				admitted.Add(1)
				r.Commit(ctx)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(5), admitted.Load())
	stats := l.Stats("caller-0")
	assert.Equal(t, 5, stats.DailyRequests)
	assert.Equal(t, 0, stats.QuotaRemaining)

	_, d := l.Reserve(ctx, "caller-late")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDailyQuota, d.Reason)
}

func TestRateLimiter_DeniedAdmissionReturnsQuotaSlot(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local))
	store := &stubWindowStore{count: 100}
	cfg := config.RateLimitConfig{RequestsPerSecond: 100, BurstCapacity: 100, DailyQuota: 1, WindowSizeSeconds: 1}
	l := newTestLimiter(cfg, clock, WithWindowStore(store))

	for i := 0; i < 3; i++ {
		_, d := l.Reserve(ctx, "alice")
		require.False(t, d.Allowed)
		assert.Equal(t, ReasonDistributedWindow, d.Reason)
	}

	store.mu.Lock()
	store.count = 0
	store.mu.Unlock()

	r, d := l.Reserve(ctx, "bob")
	require.True(t, d.Allowed)
	r.Commit(ctx)
	assert.Equal(t, 1, l.Stats("bob").DailyRequests)
}

func TestRateLimiter_WaitForAvailabilitySleepsUntilReset(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2024, 3, 1, 23, 59, 0, 0, time.Local))
	cfg := smallConfig()
	cfg.DailyQuota = 1
	l := newTestLimiter(cfg, clock)

	l.RecordRequest(ctx, "alice")

	r, err := l.WaitForAvailability(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "alice", r.Caller())
	assert.Equal(t, []time.Duration{time.Minute}, clock.Sleeps())
	r.Cancel()
}

func TestRateLimiter_WaitForAvailabilityCapsQuotaWait(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.Local))
	cfg := smallConfig()
	cfg.DailyQuota = 1
	l := newTestLimiter(cfg, clock)
	l.RecordRequest(ctx, "alice")

	r, err := l.WaitForAvailability(ctx, "alice")
	require.NoError(t, err)
	r.Cancel()

	sleeps := clock.Sleeps()
	require.Len(t, sleeps, 15)
	for _, d := range sleeps {
		assert.Equal(t, time.Hour, d)
	}
}

func TestRateLimiter_WaitForAvailabilityHonorsCancel(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local))
	cfg := smallConfig()
	cfg.DailyQuota = 1
	l := newTestLimiter(cfg, clock)
	l.RecordRequest(context.Background(), "alice")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.WaitForAvailability(ctx, "alice")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRateLimiter_Stats(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local))
	cfg := config.RateLimitConfig{RequestsPerSecond: 45, BurstCapacity: 10, DailyQuota: 10000, WindowSizeSeconds: 5}
	l := newTestLimiter(cfg, clock)

	require.True(t, l.CanMakeRequest(ctx, "x").Allowed)
	l.RecordRequest(ctx, "x")

	stats := l.Stats("x")
	assert.Equal(t, 1, stats.DailyRequests)
	assert.Equal(t, 10000, stats.DailyQuota)
	assert.Equal(t, 9999, stats.QuotaRemaining)
	assert.Equal(t, 1, stats.RecentRequests)
	assert.Equal(t, 225, stats.WindowLimit)
	assert.Equal(t, 10, stats.TokenCapacity)
	assert.InDelta(t, 9, stats.TokensAvailable, 1e-9)

	clock.Advance(6 * time.Second)
	assert.Equal(t, 0, l.Stats("x").RecentRequests)
}

func TestWindowCounter_CountsWithinWindow(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local)
	w := NewWindowCounter(5 * time.Second)

	for i := 0; i < 10; i++ {
		w.Add("k", base.Add(time.Duration(i)*time.Second))
	}

	now := base.Add(9 * time.Second)
	assert.Equal(t, 6, w.Count("k", now))
	assert.Equal(t, 0, w.Count("other", now))
	assert.Equal(t, 0, w.Count("k", base.Add(time.Minute)))
}
