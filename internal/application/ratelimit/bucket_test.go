package ratelimit

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBucket(capacity int, rate float64, clock *fakeClock) *TokenBucket {
	b := NewTokenBucket(capacity, rate)
	b.now = clock.Now
	b.sleep = clock.Sleep
	return b
}

func TestTokenBucket_ConsumeAndRefill(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local))
	b := newTestBucket(2, 1, clock)

	assert.True(t, b.Consume(1))
	assert.True(t, b.Consume(1))
	assert.False(t, b.Consume(1))

	clock.Advance(500 * time.Millisecond)
	assert.False(t, b.Consume(1))
	assert.InDelta(t, 0.5, b.Tokens(), 1e-6)

	clock.Advance(500 * time.Millisecond)
	assert.True(t, b.Consume(1))

	clock.Advance(time.Hour)
	assert.InDelta(t, 2, b.Tokens(), 1e-6)
}

func TestTokenBucket_ConsumeMoreThanCapacity(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local))
	b := newTestBucket(3, 1, clock)

	assert.False(t, b.Consume(4))
	assert.InDelta(t, 3, b.Tokens(), 1e-6)
}

func TestTokenBucket_TokensStayWithinBounds(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local))
	b := newTestBucket(5, 2, clock)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		if rng.Intn(2) == 0 {
			b.Consume(rng.Intn(3) + 1)
		} else {
			clock.Advance(time.Duration(rng.Intn(1500)) * time.Millisecond)
		}
		tokens := b.Tokens()
		require.GreaterOrEqual(t, tokens, 0.0)
		require.LessOrEqual(t, tokens, 5.0)
	}
}

func TestTokenBucket_TakeRefund(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local))
	b := newTestBucket(1, 1, clock)

	refund, ok := b.take(clock.Now(), 1)
	require.True(t, ok)
	assert.InDelta(t, 0, b.Tokens(), 1e-6)

	refund()
	assert.InDelta(t, 1, b.Tokens(), 1e-6)

	_, ok = b.take(clock.Now(), 1)
	require.True(t, ok)
	_, ok = b.take(clock.Now(), 1)
	assert.False(t, ok)
	assert.InDelta(t, 0, b.Tokens(), 1e-6)
}

func TestTokenBucket_WaitForTokens(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local))
	b := newTestBucket(1, 10, clock)
	require.True(t, b.Consume(1))

	require.NoError(t, b.WaitForTokens(context.Background(), 1))

	sleeps := clock.Sleeps()
	require.NotEmpty(t, sleeps)
	for _, d := range sleeps {
		assert.Equal(t, 100*time.Millisecond, d)
	}
}

func TestTokenBucket_WaitForTokensCapsSleep(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local))
	b := newTestBucket(1, 0.25, clock)
	require.True(t, b.Consume(1))

	require.NoError(t, b.WaitForTokens(context.Background(), 1))

	sleeps := clock.Sleeps()
	assert.Len(t, sleeps, 4)
	for _, d := range sleeps {
		assert.Equal(t, time.Second, d)
	}
}

func TestTokenBucket_WaitForTokensErrors(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local))
	b := newTestBucket(2, 1, clock)

	assert.Error(t, b.WaitForTokens(context.Background(), 3))

	require.True(t, b.Consume(2))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.WaitForTokens(ctx, 1), context.Canceled)
}
