// Package cost 提供出站调用的成本记账、预算检查与告警
package cost

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"content-pipeline-api/internal/config"
	"content-pipeline-api/internal/domain/entity"
	"content-pipeline-api/internal/domain/service"
	"content-pipeline-api/pkg/logger"
	"content-pipeline-api/pkg/metrics"
)

// 预算拒绝原因
const (
	ReasonDailyBudget   = "daily budget would be exceeded"
	ReasonMonthlyBudget = "monthly budget would be exceeded"
)

const maxErrorSummary = 200

// UsageInput 一次调用的记账输入
type UsageInput struct {
	Endpoint      string
	Method        string
	CallerID      string
	CorrelationID string
	// Cost 为 nil 时使用默认单价，显式传 0 表示免费调用
	Cost         *float64
	Success      bool
	StatusCode   int
	ResponseSize int64
	ErrorSummary string
}

// Option 记账器选项
type Option func(*Tracker)

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithSinks 追加用量流水持久化目标
func WithSinks(sinks ...service.UsageSink) Option {
	return func(t *Tracker) {
		t.sinks = append(t.sinks, sinks...)
	}
}

// WithAlerts 替换默认告警
func WithAlerts(alerts ...Alert) Option {
	return func(t *Tracker) {
		t.alerts = append([]Alert(nil), alerts...)
	}
}

// Tracker 维护 24 小时与当月两份流水
type Tracker struct {
	cfg   config.BudgetConfig
	sinks []service.UsageSink
	now   func() time.Time

	mu        sync.Mutex
	daily     []*entity.UsageRecord
	monthly   []*entity.UsageRecord
	alerts    []Alert
	callbacks []AlertCallback
}

// NewTracker 创建成本记账器
func NewTracker(cfg config.BudgetConfig, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:    cfg,
		now:    time.Now,
		alerts: DefaultAlerts(cfg),
	}
	for _, opt := range opts {
		opt(t)
	}

	logger.Info(context.Background(), "cost tracker initialized",
		"daily_budget", cfg.DailyBudget,
		"monthly_budget", cfg.MonthlyBudget,
		"cost_per_request", cfg.CostPerRequest,
	)
	return t
}

// Config 返回预算配置
func (t *Tracker) Config() config.BudgetConfig {
	return t.cfg
}

// AddAlertCallback 注册告警回调
func (t *Tracker) AddAlertCallback(cb AlertCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}

// AddAlert 追加告警
func (t *Tracker) AddAlert(alert Alert) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.alerts = append(t.alerts, alert)
}

// Alerts 返回告警配置副本
func (t *Tracker) Alerts() []Alert {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Alert(nil), t.alerts...)
}

// Record 记录一次已执行的调用，并检查告警
func (t *Tracker) Record(ctx context.Context, in UsageInput) *entity.UsageRecord {
	cost := t.cfg.CostPerRequest
	if in.Cost != nil {
		cost = *in.Cost
	}
	method := in.Method
	if method == "" {
		method = "GET"
	}
	correlationID := in.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	now := t.now()
	record := &entity.UsageRecord{
		ID:            uuid.NewString(),
		Timestamp:     now,
		Endpoint:      in.Endpoint,
		Method:        method,
		Cost:          cost,
		CallerID:      in.CallerID,
		CorrelationID: correlationID,
		Success:       in.Success,
		StatusCode:    in.StatusCode,
		ResponseSize:  in.ResponseSize,
		ErrorSummary:  truncate(in.ErrorSummary, maxErrorSummary),
	}

	t.mu.Lock()
	t.daily = append(t.daily, record)
	t.monthly = append(t.monthly, record)
	t.pruneLocked(now)
	events, callbacks := t.evaluateAlertsLocked(now)
	t.mu.Unlock()

	metrics.SpendTotal.WithLabelValues(record.Endpoint, strconv.FormatBool(record.Success)).Add(cost)

	for _, sink := range t.sinks {
		if err := sink.Persist(ctx, record); err != nil {
			logger.Warn(ctx, "failed to persist usage record",
				"endpoint", record.Endpoint,
				"correlation_id", record.CorrelationID,
				"error", err.Error(),
			)
		}
	}

	for _, event := range events {
		metrics.BudgetAlertsTotal.WithLabelValues(event.Kind).Inc()
		logger.Warn(ctx, "cost alert triggered",
			"alert_kind", event.Kind,
			"threshold", event.Threshold,
			"daily_cost", event.DailyCost,
		)
		for _, cb := range callbacks {
			invokeCallback(ctx, cb, event)
		}
	}

	logger.Debug(ctx, "recorded usage",
		"endpoint", record.Endpoint,
		"caller_id", record.CallerID,
		"cost", cost,
		"success", record.Success,
	)
	return record
}

// CanMakeRequest 检查预计花费是否仍在日/月预算内（等于预算视为允许）。
// 与 Record 一致，显式 0 表示免费调用，只有负数才回落到默认单价
func (t *Tracker) CanMakeRequest(callerID string, estimatedCost float64) (bool, string) {
	if estimatedCost < 0 {
		estimatedCost = t.cfg.CostPerRequest
	}

	now := t.now()

	t.mu.Lock()
	daily := sumCost(t.todayLocked(now, ""))
	monthly := sumCost(t.monthLocked(now, ""))
	t.mu.Unlock()

	if daily+estimatedCost > t.cfg.DailyBudget {
		return false, ReasonDailyBudget
	}
	if monthly+estimatedCost > t.cfg.MonthlyBudget {
		return false, ReasonMonthlyBudget
	}
	return true, ""
}

// pruneLocked 丢弃 24 小时前的日流水与上月的月流水，调用方需持锁
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	t.daily = keepAfter(t.daily, func(r *entity.UsageRecord) bool {
		return r.Timestamp.After(cutoff)
	})

	monthStart := startOfMonth(now)
	t.monthly = keepAfter(t.monthly, func(r *entity.UsageRecord) bool {
		return !r.Timestamp.Before(monthStart)
	})
}

// evaluateAlertsLocked 比较当日花费与告警阈值，返回本次新越过的告警
func (t *Tracker) evaluateAlertsLocked(now time.Time) ([]service.AlertEvent, []AlertCallback) {
	today := t.todayLocked(now, "")
	total := sumCost(today)

	var events []service.AlertEvent
	for i := range t.alerts {
		a := &t.alerts[i]
		if !a.Enabled {
			continue
		}
		if total < a.Threshold {
			a.fired = false
			continue
		}
		if a.fired {
			continue
		}
		a.fired = true

		events = append(events, service.AlertEvent{
			Kind:      a.Kind,
			Threshold: a.Threshold,
			Message:   a.Message,
			DailyCost: total,
			Snapshot: map[string]float64{
				"total_cost":             total,
				"total_requests":         float64(len(today)),
				"remaining_budget":       maxFloat(0, t.cfg.DailyBudget-total),
				"budget_used_percentage": percentage(total, t.cfg.DailyBudget),
			},
			FiredAt: now.Unix(),
		})
	}

	if len(events) == 0 {
		return nil, nil
	}
	return events, append([]AlertCallback(nil), t.callbacks...)
}

// todayLocked 返回本地自然日内的流水
func (t *Tracker) todayLocked(now time.Time, callerID string) []*entity.UsageRecord {
	y, m, d := now.Date()
	var out []*entity.UsageRecord
	for _, r := range t.daily {
		ry, rm, rd := r.Timestamp.Date()
		if ry != y || rm != m || rd != d {
			continue
		}
		if callerID != "" && r.CallerID != callerID {
			continue
		}
		out = append(out, r)
	}
	return out
}

// monthLocked 返回当月流水
func (t *Tracker) monthLocked(now time.Time, callerID string) []*entity.UsageRecord {
	monthStart := startOfMonth(now)
	var out []*entity.UsageRecord
	for _, r := range t.monthly {
		if r.Timestamp.Before(monthStart) {
			continue
		}
		if callerID != "" && r.CallerID != callerID {
			continue
		}
		out = append(out, r)
	}
	return out
}

func keepAfter(records []*entity.UsageRecord, keep func(*entity.UsageRecord) bool) []*entity.UsageRecord {
	out := records[:0]
	for _, r := range records {
		if keep(r) {
			out = append(out, r)
		}
	}
	for i := len(out); i < len(records); i++ {
		records[i] = nil
	}
	return out
}

func sumCost(records []*entity.UsageRecord) float64 {
	var total float64
	for _, r := range records {
		total += r.Cost
	}
	return total
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

func daysInMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}

func percentage(part, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	return part / whole * 100
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
