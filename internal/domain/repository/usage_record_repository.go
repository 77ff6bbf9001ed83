// Package repository 定义数据访问层接口
package repository

import (
	"context"
	"time"

	"content-pipeline-api/internal/domain/entity"
)

// UsageRecordRepository 用量流水持久化
type UsageRecordRepository interface {
	Create(ctx context.Context, record *entity.UsageRecord) error
	// SumCost 统计 [start, end) 内的花费，callerID 为空时统计全部
	SumCost(ctx context.Context, callerID string, startInclusive, endExclusive time.Time) (float64, error)
	ListByRange(ctx context.Context, startInclusive, endExclusive time.Time, limit int) ([]*entity.UsageRecord, error)
}
