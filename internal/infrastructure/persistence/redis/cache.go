package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var cacheTracer = otel.Tracer("redis.cache")

// scanBatch 单次 SCAN 的建议数量
const scanBatch = 500

// SharedCache 缓存共享层，值为 JSON 字节
type SharedCache struct {
	client *Client
}

// NewSharedCache 创建共享缓存层
func NewSharedCache(client *Client) *SharedCache {
	return &SharedCache{client: client}
}

// Get 获取缓存值，未命中返回 ok=false
func (c *SharedCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, span := cacheTracer.Start(ctx, "cache.Get",
		trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	val, err := c.client.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			span.SetAttributes(attribute.Bool("cache.hit", false))
			return nil, false, nil
		}
		span.RecordError(err)
		return nil, false, err
	}

	span.SetAttributes(attribute.Bool("cache.hit", true))
	return val, true, nil
}

// Set 写入缓存值
func (c *SharedCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span := cacheTracer.Start(ctx, "cache.Set",
		trace.WithAttributes(
			attribute.String("cache.key", key),
			attribute.Int64("cache.ttl_ms", ttl.Milliseconds()),
		))
	defer span.End()

	if err := c.client.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Delete 删除单个键
func (c *SharedCache) Delete(ctx context.Context, key string) (bool, error) {
	ctx, span := cacheTracer.Start(ctx, "cache.Delete",
		trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	n, err := c.client.rdb.Del(ctx, key).Result()
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	return n > 0, nil
}

// DeletePrefix 用 SCAN 找出前缀匹配的键并分批删除
func (c *SharedCache) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	ctx, span := cacheTracer.Start(ctx, "cache.DeletePrefix",
		trace.WithAttributes(attribute.String("cache.prefix", prefix)))
	defer span.End()

	iter := c.client.rdb.Scan(ctx, 0, escapePattern(prefix)+"*", scanBatch).Iterator()

	var deleted int64
	batch := make([]string, 0, scanBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.client.rdb.Del(ctx, batch...).Result()
		deleted += n
		batch = batch[:0]
		return err
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= scanBatch {
			if err := flush(); err != nil {
				span.RecordError(err)
				return deleted, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		span.RecordError(err)
		return deleted, err
	}
	if err := flush(); err != nil {
		span.RecordError(err)
		return deleted, err
	}

	span.SetAttributes(attribute.Int64("cache.invalidated_count", deleted))
	return deleted, nil
}

// escapePattern 转义 glob 特殊字符
func escapePattern(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
