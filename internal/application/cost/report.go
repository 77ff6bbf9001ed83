package cost

import (
	"fmt"
	"sort"
	"time"

	"content-pipeline-api/internal/domain/entity"
)

// EndpointUsage 单个端点的当日用量
type EndpointUsage struct {
	Requests    int     `json:"requests"`
	Cost        float64 `json:"cost"`
	SuccessRate float64 `json:"success_rate"`
}

// DayUsage 单日用量
type DayUsage struct {
	Date     string  `json:"date"`
	Cost     float64 `json:"cost"`
	Requests int     `json:"requests"`
}

// DailyReport 当日用量统计
type DailyReport struct {
	Date                  string                   `json:"date"`
	TotalCost             float64                  `json:"total_cost"`
	BudgetUsedPercentage  float64                  `json:"budget_used_percentage"`
	RemainingBudget       float64                  `json:"remaining_budget"`
	TotalRequests         int                      `json:"total_requests"`
	SuccessfulRequests    int                      `json:"successful_requests"`
	FailedRequests        int                      `json:"failed_requests"`
	SuccessRate           float64                  `json:"success_rate"`
	EndpointBreakdown     map[string]EndpointUsage `json:"endpoint_breakdown"`
	AverageCostPerRequest float64                  `json:"average_cost_per_request"`
}

// MonthlyReport 当月用量统计
type MonthlyReport struct {
	Month                string     `json:"month"`
	TotalCost            float64    `json:"total_cost"`
	BudgetUsedPercentage float64    `json:"budget_used_percentage"`
	RemainingBudget      float64    `json:"remaining_budget"`
	TotalRequests        int        `json:"total_requests"`
	AverageDailyCost     float64    `json:"average_daily_cost"`
	DailyBreakdown       []DayUsage `json:"daily_breakdown"`
	ProjectedMonthlyCost float64    `json:"projected_monthly_cost"`
}

// Projection 线性成本预测
type Projection struct {
	DailyProjection         float64 `json:"daily_projection"`
	MonthlyProjection       float64 `json:"monthly_projection"`
	WillExceedDailyBudget   bool    `json:"will_exceed_daily_budget"`
	WillExceedMonthlyBudget bool    `json:"will_exceed_monthly_budget"`
	// DaysUntilMonthlyBudgetExceeded 当前无花费时为 nil
	DaysUntilMonthlyBudgetExceeded *float64 `json:"days_until_monthly_budget_exceeded"`
	RecommendedDailyLimit          float64  `json:"recommended_daily_limit"`
}

// DailyUsage 返回本地自然日的用量，callerID 为空时统计全部调用方
func (t *Tracker) DailyUsage(callerID string) DailyReport {
	now := t.now()

	t.mu.Lock()
	records := t.todayLocked(now, callerID)
	t.mu.Unlock()

	return buildDailyReport(now, records, t.cfg.DailyBudget)
}

// MonthlyUsage 返回当月用量
func (t *Tracker) MonthlyUsage(callerID string) MonthlyReport {
	now := t.now()

	t.mu.Lock()
	records := t.monthLocked(now, callerID)
	t.mu.Unlock()

	total := sumCost(records)
	day := float64(now.Day())

	byDay := make(map[string]*DayUsage)
	for _, r := range records {
		key := r.DateKey()
		du, ok := byDay[key]
		if !ok {
			du = &DayUsage{Date: key}
			byDay[key] = du
		}
		du.Cost += r.Cost
		du.Requests++
	}
	breakdown := make([]DayUsage, 0, len(byDay))
	for _, du := range byDay {
		breakdown = append(breakdown, *du)
	}
	sort.Slice(breakdown, func(i, j int) bool { return breakdown[i].Date < breakdown[j].Date })

	return MonthlyReport{
		Month:                fmt.Sprintf("%d-%02d", now.Year(), now.Month()),
		TotalCost:            total,
		BudgetUsedPercentage: percentage(total, t.cfg.MonthlyBudget),
		RemainingBudget:      maxFloat(0, t.cfg.MonthlyBudget-total),
		TotalRequests:        len(records),
		AverageDailyCost:     total / day,
		DailyBreakdown:       breakdown,
		ProjectedMonthlyCost: total / day * float64(daysInMonth(now)),
	}
}

// Projections 基于近 24 小时与月初至今的线性预测
func (t *Tracker) Projections() Projection {
	now := t.now()

	t.mu.Lock()
	cutoff := now.Add(-24 * time.Hour)
	var trailing float64
	for _, r := range t.daily {
		if r.Timestamp.After(cutoff) {
			trailing += r.Cost
		}
	}
	monthTotal := sumCost(t.monthLocked(now, ""))
	t.mu.Unlock()

	days := daysInMonth(now)
	day := now.Day()
	dailyAvg := monthTotal / float64(day)
	monthly := dailyAvg * float64(days)

	remaining := maxFloat(0, t.cfg.MonthlyBudget-monthTotal)
	remainingDays := days - day + 1

	p := Projection{
		DailyProjection:         trailing,
		MonthlyProjection:       monthly,
		WillExceedDailyBudget:   trailing > t.cfg.DailyBudget,
		WillExceedMonthlyBudget: monthly > t.cfg.MonthlyBudget,
		RecommendedDailyLimit:   remaining / float64(remainingDays),
	}
	if dailyAvg > 0 {
		d := remaining / dailyAvg
		p.DaysUntilMonthlyBudgetExceeded = &d
	}
	return p
}

func buildDailyReport(now time.Time, records []*entity.UsageRecord, budget float64) DailyReport {
	report := DailyReport{
		Date:              now.Format(time.DateOnly),
		EndpointBreakdown: make(map[string]EndpointUsage),
	}

	successByEndpoint := make(map[string]int)
	for _, r := range records {
		report.TotalCost += r.Cost
		report.TotalRequests++
		if r.Success {
			report.SuccessfulRequests++
			successByEndpoint[r.Endpoint]++
		} else {
			report.FailedRequests++
		}

		eu := report.EndpointBreakdown[r.Endpoint]
		eu.Requests++
		eu.Cost += r.Cost
		report.EndpointBreakdown[r.Endpoint] = eu
	}

	for endpoint, eu := range report.EndpointBreakdown {
		eu.SuccessRate = float64(successByEndpoint[endpoint]) / float64(eu.Requests)
		report.EndpointBreakdown[endpoint] = eu
	}

	report.BudgetUsedPercentage = percentage(report.TotalCost, budget)
	report.RemainingBudget = maxFloat(0, budget-report.TotalCost)
	if report.TotalRequests > 0 {
		report.SuccessRate = float64(report.SuccessfulRequests) / float64(report.TotalRequests)
		report.AverageCostPerRequest = report.TotalCost / float64(report.TotalRequests)
	}
	return report
}
