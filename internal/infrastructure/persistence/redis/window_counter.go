package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
)

// WindowCounter 基于有序集合的分布式滑动窗口，分数为毫秒时间戳
type WindowCounter struct {
	client *Client
}

// NewWindowCounter 创建分布式窗口计数器
func NewWindowCounter(client *Client) *WindowCounter {
	return &WindowCounter{client: client}
}

// Count 移除窗口起点之前的请求并返回剩余数量
func (w *WindowCounter) Count(ctx context.Context, key string, windowStart time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "ratelimit.Count")
	span.SetAttributes(attribute.String("ratelimit.key", key))
	defer span.End()

	pipe := w.client.rdb.Pipeline()
	// 左开区间：恰好落在窗口起点的请求仍然计入
	pipe.ZRemRangeByScore(ctx, key, "0", "("+strconv.FormatInt(windowStart.UnixMilli(), 10))
	countCmd := pipe.ZCard(ctx, key)

	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return 0, err
	}

	count := countCmd.Val()
	span.SetAttributes(attribute.Int64("ratelimit.current_count", count))
	return count, nil
}

// Add 记录一次请求并刷新过期时间
func (w *WindowCounter) Add(ctx context.Context, key string, at time.Time, ttl time.Duration) error {
	ctx, span := tracer.Start(ctx, "ratelimit.Add")
	span.SetAttributes(
		attribute.String("ratelimit.key", key),
		attribute.Int64("ratelimit.ttl_ms", ttl.Milliseconds()),
	)
	defer span.End()

	pipe := w.client.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: fmt.Sprintf("%d-%s", at.UnixNano(), uuid.NewString()),
	})
	pipe.Expire(ctx, key, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Reset 清空某个键的窗口
func (w *WindowCounter) Reset(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "ratelimit.Reset")
	span.SetAttributes(attribute.String("ratelimit.key", key))
	defer span.End()

	return w.client.rdb.Del(ctx, key).Err()
}
