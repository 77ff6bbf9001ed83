package cost

import (
	"context"
	"fmt"
	"runtime/debug"

	"content-pipeline-api/internal/config"
	"content-pipeline-api/internal/domain/service"
	"content-pipeline-api/pkg/logger"
)

// 告警类型
const (
	AlertBudgetWarning  = "budget_warning"
	AlertBudgetCritical = "budget_critical"
	AlertDailyLimit     = "daily_limit"
)

// Alert 针对当日花费的阈值告警
type Alert struct {
	Kind      string  `json:"kind"`
	Threshold float64 `json:"threshold"`
	Enabled   bool    `json:"enabled"`
	Message   string  `json:"message"`

	// fired 已触发且当日花费仍在阈值之上
	fired bool
}

// AlertCallback 告警回调
type AlertCallback func(ctx context.Context, event service.AlertEvent) error

// DefaultAlerts 根据预算配置生成默认告警
func DefaultAlerts(cfg config.BudgetConfig) []Alert {
	return []Alert{
		{
			Kind:      AlertBudgetWarning,
			Threshold: cfg.DailyBudget * cfg.WarningThreshold,
			Enabled:   true,
			Message:   fmt.Sprintf("daily budget warning: %.0f%% reached", cfg.WarningThreshold*100),
		},
		{
			Kind:      AlertBudgetCritical,
			Threshold: cfg.DailyBudget * cfg.CriticalThreshold,
			Enabled:   true,
			Message:   fmt.Sprintf("daily budget critical: %.0f%% reached", cfg.CriticalThreshold*100),
		},
		{
			Kind:      AlertDailyLimit,
			Threshold: cfg.DailyBudget,
			Enabled:   true,
			Message:   "daily budget limit reached",
		},
	}
}

// PublisherCallback 将告警转发给外部发布器
func PublisherCallback(p service.AlertPublisher) AlertCallback {
	return func(ctx context.Context, event service.AlertEvent) error {
		return p.PublishAlert(ctx, event)
	}
}

// invokeCallback 执行单个回调，panic 与错误只记录日志
func invokeCallback(ctx context.Context, cb AlertCallback, event service.AlertEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "alert callback panicked", fmt.Errorf("%v", r),
				"alert_kind", event.Kind,
				"stack", string(debug.Stack()),
			)
		}
	}()

	if err := cb(ctx, event); err != nil {
		logger.Error(ctx, "alert callback failed", err, "alert_kind", event.Kind)
	}
}
