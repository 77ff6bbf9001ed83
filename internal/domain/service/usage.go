// Package service 定义跨层的稳定契约（port）
package service

import (
	"context"

	"content-pipeline-api/internal/domain/entity"
)

// UsageSink 接收用量流水的外部存储（Redis 列表、Postgres 表等）。
// 约定：实现应为 best-effort，失败由调用方记录告警日志，不影响主流程。
type UsageSink interface {
	Persist(ctx context.Context, record *entity.UsageRecord) error
}

// AlertEvent 预算告警事件
type AlertEvent struct {
	Kind      string             `json:"kind"`
	Threshold float64            `json:"threshold"`
	Message   string             `json:"message"`
	DailyCost float64            `json:"daily_cost"`
	Snapshot  map[string]float64 `json:"snapshot,omitempty"`
	FiredAt   int64              `json:"fired_at"`
}

// AlertPublisher 将告警投递到外部（如消息流）
type AlertPublisher interface {
	PublishAlert(ctx context.Context, event AlertEvent) error
}
