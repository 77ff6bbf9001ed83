package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"content-pipeline-api/internal/domain/entity"
)

// UsageRecordRepository 用量流水仓储，同时作为 UsageSink 使用
type UsageRecordRepository struct {
	client *Client
}

// NewUsageRecordRepository 创建用量流水仓储
func NewUsageRecordRepository(client *Client) *UsageRecordRepository {
	return &UsageRecordRepository{client: client}
}

// Create 写入一条流水
func (r *UsageRecordRepository) Create(ctx context.Context, record *entity.UsageRecord) error {
	ctx, span := tracer.Start(ctx, "postgres.UsageRecordRepository.Create")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Create(record).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create usage record: %w", err)
	}
	return nil
}

// Persist 实现 service.UsageSink
func (r *UsageRecordRepository) Persist(ctx context.Context, record *entity.UsageRecord) error {
	return r.Create(ctx, record)
}

func (r *UsageRecordRepository) SumCost(ctx context.Context, callerID string, startInclusive, endExclusive time.Time) (float64, error) {
	ctx, span := tracer.Start(ctx, "postgres.UsageRecordRepository.SumCost")
	defer span.End()

	var total float64
	if err := sumCostQuery(getDB(ctx, r.client.db), callerID, startInclusive, endExclusive).
		Scan(&total).Error; err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to sum usage cost: %w", err)
	}
	return total, nil
}

func (r *UsageRecordRepository) ListByRange(ctx context.Context, startInclusive, endExclusive time.Time, limit int) ([]*entity.UsageRecord, error) {
	ctx, span := tracer.Start(ctx, "postgres.UsageRecordRepository.ListByRange")
	defer span.End()

	var records []*entity.UsageRecord
	if err := listQuery(getDB(ctx, r.client.db), startInclusive, endExclusive, limit).
		Find(&records).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	return records, nil
}

func sumCostQuery(db *gorm.DB, callerID string, start, end time.Time) *gorm.DB {
	q := db.Model(&entity.UsageRecord{}).
		Where("timestamp >= ? AND timestamp < ?", start, end)
	if callerID != "" {
		q = q.Where("caller_id = ?", callerID)
	}
	return q.Select("COALESCE(SUM(cost),0)")
}

func listQuery(db *gorm.DB, start, end time.Time, limit int) *gorm.DB {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	return db.Model(&entity.UsageRecord{}).
		Where("timestamp >= ? AND timestamp < ?", start, end).
		Order("timestamp DESC").
		Limit(limit)
}
