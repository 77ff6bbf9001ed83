package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"content-pipeline-api/internal/domain/entity"
)

// usageRetention 用量流水列表的保留时长
const usageRetention = 31 * 24 * time.Hour

// UsageLedger 按日写入 usage_record:<YYYY-MM-DD> 列表
type UsageLedger struct {
	client *Client
}

// NewUsageLedger 创建 Redis 用量流水
func NewUsageLedger(client *Client) *UsageLedger {
	return &UsageLedger{client: client}
}

// UsageKey 返回某日的流水键
func UsageKey(date string) string {
	return "usage_record:" + date
}

// Persist 追加一条流水
func (l *UsageLedger) Persist(ctx context.Context, record *entity.UsageRecord) error {
	key := UsageKey(record.DateKey())

	ctx, span := tracer.Start(ctx, "usage.Persist")
	span.SetAttributes(attribute.String("usage.key", key))
	defer span.End()

	data, err := json.Marshal(record)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal usage record: %w", err)
	}

	pipe := l.client.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.Expire(ctx, key, usageRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to persist usage record: %w", err)
	}
	return nil
}

// List 读取某日最近的 limit 条流水（新记录在前）
func (l *UsageLedger) List(ctx context.Context, date string, limit int64) ([]*entity.UsageRecord, error) {
	ctx, span := tracer.Start(ctx, "usage.List")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	raw, err := l.client.rdb.LRange(ctx, UsageKey(date), 0, limit-1).Result()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	out := make([]*entity.UsageRecord, 0, len(raw))
	for _, item := range raw {
		var r entity.UsageRecord
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, fmt.Errorf("failed to decode usage record: %w", err)
		}
		out = append(out, &r)
	}
	return out, nil
}
