package cost

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content-pipeline-api/internal/config"
	"content-pipeline-api/internal/domain/entity"
	"content-pipeline-api/internal/domain/service"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingSink struct {
	mu      sync.Mutex
	records []*entity.UsageRecord
	err     error
}

func (s *recordingSink) Persist(_ context.Context, r *entity.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return s.err
}

func budget(daily, monthly, perRequest float64) config.BudgetConfig {
	return config.BudgetConfig{
		DailyBudget:       daily,
		MonthlyBudget:     monthly,
		CostPerRequest:    perRequest,
		WarningThreshold:  0.5,
		CriticalThreshold: 0.75,
	}
}

func costOf(v float64) *float64 {
	return &v
}

func TestTracker_CanMakeRequestDailyBoundary(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2024, 4, 10, 12, 0, 0, 0, time.Local)}
	tr := NewTracker(budget(1.0, 100, 0.25), WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		tr.Record(ctx, UsageInput{Endpoint: "/resources", Success: true})
	}

	ok, reason := tr.CanMakeRequest("alice", 0.25)
	assert.True(t, ok, "total + estimated == budget is allowed")
	assert.Empty(t, reason)

	tr.Record(ctx, UsageInput{Endpoint: "/resources", Success: true})

	ok, reason = tr.CanMakeRequest("alice", 0.25)
	assert.False(t, ok)
	assert.Equal(t, ReasonDailyBudget, reason)

	ok, reason = tr.CanMakeRequest("alice", 0)
	assert.True(t, ok, "a free call fits an exactly exhausted budget")
	assert.Empty(t, reason)

	ok, reason = tr.CanMakeRequest("alice", -1)
	assert.False(t, ok, "negative estimate falls back to the default cost")
	assert.Equal(t, ReasonDailyBudget, reason)
}

func TestTracker_CanMakeRequestMonthly(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2024, 4, 1, 12, 0, 0, 0, time.Local)}
	tr := NewTracker(budget(100, 1.0, 0.01), WithClock(clock.Now))

	tr.Record(ctx, UsageInput{Endpoint: "/resources", Cost: costOf(0.5), Success: true})
	clock.Advance(24 * time.Hour)
	tr.Record(ctx, UsageInput{Endpoint: "/resources", Cost: costOf(0.5), Success: true})

	ok, reason := tr.CanMakeRequest("", 0.01)
	assert.False(t, ok)
	assert.Equal(t, ReasonMonthlyBudget, reason)

	clock.Advance(30 * 24 * time.Hour)
	ok, _ = tr.CanMakeRequest("", 0.01)
	assert.True(t, ok, "a new month starts with an empty ledger")
}

func TestTracker_AlertsFireOncePerCrossing(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2024, 4, 10, 9, 0, 0, 0, time.Local)}
	tr := NewTracker(budget(1.0, 100, 0.25), WithClock(clock.Now))

	var mu sync.Mutex
	var fired []string
	tr.AddAlertCallback(func(_ context.Context, e service.AlertEvent) error {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, e.Kind)
		return nil
	})

	tr.Record(ctx, UsageInput{Endpoint: "/a", Success: true})
	assert.Empty(t, fired)

	tr.Record(ctx, UsageInput{Endpoint: "/a", Success: true})
	assert.Equal(t, []string{AlertBudgetWarning}, fired)

	tr.Record(ctx, UsageInput{Endpoint: "/a", Success: true})
	assert.Equal(t, []string{AlertBudgetWarning, AlertBudgetCritical}, fired)

	// 次日总额回落到阈值以下，告警重新武装
	clock.Advance(24 * time.Hour)
	tr.Record(ctx, UsageInput{Endpoint: "/a", Success: true})
	assert.Len(t, fired, 2)

	tr.Record(ctx, UsageInput{Endpoint: "/a", Success: true})
	assert.Equal(t, []string{AlertBudgetWarning, AlertBudgetCritical, AlertBudgetWarning}, fired)
}

func TestTracker_DisabledAlertNeverFires(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2024, 4, 10, 9, 0, 0, 0, time.Local)}
	tr := NewTracker(budget(1.0, 100, 1.0), WithClock(clock.Now),
		WithAlerts(Alert{Kind: "custom", Threshold: 0.1, Enabled: false}))

	called := false
	tr.AddAlertCallback(func(context.Context, service.AlertEvent) error {
		called = true
		return nil
	})
	tr.Record(ctx, UsageInput{Endpoint: "/a", Success: true})
	assert.False(t, called)
}

func TestTracker_CallbackFailuresAreIsolated(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2024, 4, 10, 9, 0, 0, 0, time.Local)}
	tr := NewTracker(budget(1.0, 100, 1.0), WithClock(clock.Now),
		WithAlerts(Alert{Kind: AlertDailyLimit, Threshold: 1.0, Enabled: true, Message: "limit"}))

	var got []service.AlertEvent
	tr.AddAlertCallback(func(context.Context, service.AlertEvent) error {
		panic("boom")
	})
	tr.AddAlertCallback(func(context.Context, service.AlertEvent) error {
		return errors.New("webhook down")
	})
	tr.AddAlertCallback(func(_ context.Context, e service.AlertEvent) error {
		got = append(got, e)
		return nil
	})

	require.NotPanics(t, func() {
		tr.Record(ctx, UsageInput{Endpoint: "/a", Success: true})
	})
	require.Len(t, got, 1)
	assert.Equal(t, AlertDailyLimit, got[0].Kind)
	assert.InDelta(t, 1.0, got[0].DailyCost, 1e-9)
	assert.InDelta(t, 100.0, got[0].Snapshot["budget_used_percentage"], 1e-9)
}

func TestTracker_RecordPersistsToSinks(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2024, 4, 10, 9, 0, 0, 0, time.Local)}
	failing := &recordingSink{err: errors.New("redis unavailable")}
	ok := &recordingSink{}
	tr := NewTracker(budget(10, 100, 0.01), WithClock(clock.Now), WithSinks(failing, ok))

	rec := tr.Record(ctx, UsageInput{
		Endpoint:     "/resources/1",
		CallerID:     "bob",
		Success:      false,
		StatusCode:   500,
		ErrorSummary: "server error",
	})

	require.Len(t, ok.records, 1)
	assert.Same(t, rec, ok.records[0])
	assert.Len(t, failing.records, 1)
	assert.Equal(t, "GET", rec.Method)
	assert.NotEmpty(t, rec.ID)
	assert.NotEmpty(t, rec.CorrelationID)
	assert.InDelta(t, 0.01, rec.Cost, 1e-9)
	assert.Equal(t, "2024-04-10", rec.DateKey())
}

func TestTracker_ZeroCostOverride(t *testing.T) {
	clock := &testClock{t: time.Date(2024, 4, 10, 9, 0, 0, 0, time.Local)}
	tr := NewTracker(budget(10, 100, 0.01), WithClock(clock.Now))

	rec := tr.Record(context.Background(), UsageInput{Endpoint: "/free", Cost: costOf(0), Success: true})
	assert.Zero(t, rec.Cost)
	assert.Zero(t, tr.DailyUsage("").TotalCost)
}

func TestTracker_DailyUsage(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2024, 4, 10, 1, 0, 0, 0, time.Local)}
	tr := NewTracker(budget(1.0, 100, 0.1), WithClock(clock.Now))

	// 前一天的记录在 24 小时内但不属于今天
	clock.Advance(-2 * time.Hour)
	tr.Record(ctx, UsageInput{Endpoint: "/search", CallerID: "alice", Success: true})
	clock.Advance(2 * time.Hour)

	tr.Record(ctx, UsageInput{Endpoint: "/search", CallerID: "alice", Success: true})
	tr.Record(ctx, UsageInput{Endpoint: "/search", CallerID: "bob", Success: false})
	tr.Record(ctx, UsageInput{Endpoint: "/detail", CallerID: "alice", Success: true})

	report := tr.DailyUsage("")
	assert.Equal(t, "2024-04-10", report.Date)
	assert.Equal(t, 3, report.TotalRequests)
	assert.Equal(t, 2, report.SuccessfulRequests)
	assert.Equal(t, 1, report.FailedRequests)
	assert.InDelta(t, 0.3, report.TotalCost, 1e-9)
	assert.InDelta(t, 30.0, report.BudgetUsedPercentage, 1e-6)
	assert.InDelta(t, 0.7, report.RemainingBudget, 1e-9)
	assert.InDelta(t, 2.0/3.0, report.SuccessRate, 1e-9)
	assert.InDelta(t, 0.1, report.AverageCostPerRequest, 1e-9)
	assert.Equal(t, 2, report.EndpointBreakdown["/search"].Requests)
	assert.InDelta(t, 0.5, report.EndpointBreakdown["/search"].SuccessRate, 1e-9)
	assert.InDelta(t, 1.0, report.EndpointBreakdown["/detail"].SuccessRate, 1e-9)

	alice := tr.DailyUsage("alice")
	assert.Equal(t, 2, alice.TotalRequests)
	assert.InDelta(t, 1.0, alice.SuccessRate, 1e-9)
}

func TestTracker_MonthlyUsage(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2024, 4, 1, 12, 0, 0, 0, time.Local)}
	tr := NewTracker(budget(100, 10, 1.0), WithClock(clock.Now))

	tr.Record(ctx, UsageInput{Endpoint: "/a", Success: true})
	clock.Advance(24 * time.Hour)
	tr.Record(ctx, UsageInput{Endpoint: "/a", Success: true})
	tr.Record(ctx, UsageInput{Endpoint: "/a", Success: true})

	report := tr.MonthlyUsage("")
	assert.Equal(t, "2024-04", report.Month)
	assert.InDelta(t, 3.0, report.TotalCost, 1e-9)
	assert.InDelta(t, 30.0, report.BudgetUsedPercentage, 1e-9)
	assert.InDelta(t, 7.0, report.RemainingBudget, 1e-9)
	assert.Equal(t, 3, report.TotalRequests)
	assert.InDelta(t, 1.5, report.AverageDailyCost, 1e-9)
	assert.InDelta(t, 45.0, report.ProjectedMonthlyCost, 1e-9)
	require.Len(t, report.DailyBreakdown, 2)
	assert.Equal(t, DayUsage{Date: "2024-04-01", Cost: 1, Requests: 1}, report.DailyBreakdown[0])
	assert.Equal(t, DayUsage{Date: "2024-04-02", Cost: 2, Requests: 2}, report.DailyBreakdown[1])
}

func TestTracker_Projections(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2024, 4, 10, 12, 0, 0, 0, time.Local)}
	tr := NewTracker(budget(5, 100, 0.01), WithClock(clock.Now),
		WithAlerts())

	empty := tr.Projections()
	assert.Nil(t, empty.DaysUntilMonthlyBudgetExceeded)
	assert.InDelta(t, 100.0/21.0, empty.RecommendedDailyLimit, 1e-9)

	tr.Record(ctx, UsageInput{Endpoint: "/a", Cost: costOf(10), Success: true})

	p := tr.Projections()
	assert.InDelta(t, 10, p.DailyProjection, 1e-9)
	assert.InDelta(t, 30, p.MonthlyProjection, 1e-9)
	assert.True(t, p.WillExceedDailyBudget)
	assert.False(t, p.WillExceedMonthlyBudget)
	require.NotNil(t, p.DaysUntilMonthlyBudgetExceeded)
	assert.InDelta(t, 90, *p.DaysUntilMonthlyBudgetExceeded, 1e-9)
	assert.InDelta(t, 90.0/21.0, p.RecommendedDailyLimit, 1e-9)

	// 超过 24 小时的记录移出日流水
	clock.Advance(25 * time.Hour)
	tr.Record(ctx, UsageInput{Endpoint: "/a", Cost: costOf(1), Success: true})
	assert.InDelta(t, 1, tr.Projections().DailyProjection, 1e-9)
}

func TestTrack(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2024, 4, 10, 12, 0, 0, 0, time.Local)}
	sink := &recordingSink{}
	tr := NewTracker(budget(10, 100, 0.01), WithClock(clock.Now), WithSinks(sink))

	got, err := Track(ctx, tr, UsageInput{Endpoint: "/ok", CallerID: "svc"}, func(_ context.Context, in *UsageInput) (int, error) {
		in.StatusCode = 200
		in.ResponseSize = 128
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	_, err = Track(ctx, tr, UsageInput{Endpoint: "/fail"}, func(context.Context, *UsageInput) (string, error) {
		return "", errors.New("upstream exploded")
	})
	require.EqualError(t, err, "upstream exploded")

	require.Len(t, sink.records, 2)
	assert.True(t, sink.records[0].Success)
	assert.Equal(t, "svc", sink.records[0].CallerID)
	assert.Equal(t, 200, sink.records[0].StatusCode)
	assert.Equal(t, int64(128), sink.records[0].ResponseSize)
	assert.NotEmpty(t, sink.records[1].CorrelationID)
	assert.False(t, sink.records[1].Success)
	assert.Equal(t, "upstream exploded", sink.records[1].ErrorSummary)

	got, err = Track(ctx, nil, UsageInput{Endpoint: "/untracked"}, func(context.Context, *UsageInput) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, got)
	assert.Len(t, sink.records, 2)
}
