package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"content-pipeline-api/pkg/logger"
)

// Sweeper 按 cron 表达式定期清理进程内过期条目
type Sweeper struct {
	service  *Service
	schedule string
	cron     *cron.Cron

	mu      sync.Mutex
	running bool
}

// NewSweeper 创建清理调度器，schedule 支持标准 cron 与 @every 描述符
func NewSweeper(service *Service, schedule string) *Sweeper {
	return &Sweeper{
		service:  service,
		schedule: schedule,
		cron:     cron.New(),
	}
}

// Start 启动调度，ctx 取消时自动停止；schedule 为空时不做任何事
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		logger.Info(ctx, "cache cleanup schedule not configured, skipping sweeper")
		return nil
	}
	if s.running {
		return nil
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule cache cleanup: %w", err)
	}

	s.cron.Start()
	s.running = true
	logger.Info(ctx, "cache sweeper started", "schedule", s.schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Sweep 执行一次清理
func (s *Sweeper) Sweep(ctx context.Context) int {
	removed := s.service.CleanupExpired()
	if removed > 0 {
		logger.Info(ctx, "expired cache entries removed", "removed", removed)
	} else {
		logger.Debug(ctx, "cache sweep completed, nothing expired")
	}
	return removed
}

// Stop 停止调度并等待正在执行的清理结束
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	logger.Info(context.Background(), "cache sweeper stopped")
}

// Running 是否在运行
func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
