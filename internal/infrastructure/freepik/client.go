// Package freepik 提供受限流、预算与重试治理的 Freepik API 客户端
package freepik

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"content-pipeline-api/internal/application/cost"
	"content-pipeline-api/internal/application/ratelimit"
	"content-pipeline-api/internal/config"
	apperrors "content-pipeline-api/pkg/errors"
	"content-pipeline-api/pkg/logger"
	"content-pipeline-api/pkg/metrics"
	"content-pipeline-api/pkg/tracer"
)

const (
	headerAPIKey    = "x-freepik-api-key"
	headerRequestID = "X-Request-ID"

	defaultUserAgent = "content-pipeline-api/1.0"
	maxResponseBytes = 10 << 20
)

// Option 客户端选项
type Option func(*Client)

// WithHTTPClient 替换底层 HTTP 客户端
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithRateLimiter 启用出站准入
func WithRateLimiter(l *ratelimit.RateLimiter) Option {
	return func(c *Client) {
		c.limiter = l
	}
}

// WithCostTracker 启用成本记账与预算预检
func WithCostTracker(t *cost.Tracker) Option {
	return func(c *Client) {
		c.tracker = t
	}
}

// WithBackOff 替换重试间隔策略
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Client) {
		c.newBackOff = newBackOff
	}
}

// Client Freepik API 客户端
type Client struct {
	cfg        config.FreepikConfig
	baseURL    string
	http       *http.Client
	limiter    *ratelimit.RateLimiter
	tracker    *cost.Tracker
	newBackOff func() backoff.BackOff
}

// New 创建客户端
func New(cfg config.FreepikConfig, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	c := &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		// 超时由每次尝试的 context 控制，默认客户端会跟随重定向
		http: &http.Client{},
	}
	c.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		if cfg.RetryBackoff.Initial > 0 {
			b.InitialInterval = cfg.RetryBackoff.Initial
		}
		if cfg.RetryBackoff.Max > 0 {
			b.MaxInterval = cfg.RetryBackoff.Max
		}
		if cfg.RetryBackoff.Multiplier >= 1 {
			b.Multiplier = cfg.RetryBackoff.Multiplier
		}
		return b
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// call 一次逻辑调用
type call struct {
	// name 指标标签，避免把资源 ID 带入标签
	name     string
	method   string
	path     string
	query    url.Values
	body     any
	callerID string
}

// do 执行调用：可重试错误按指数退避重试，最多 MaxAttempts 次
func (c *Client) do(ctx context.Context, req call) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "freepik."+req.name,
		trace.WithAttributes(
			attribute.String("http.method", req.method),
			attribute.String("freepik.path", req.path),
			attribute.String("caller_id", req.callerID),
		))
	defer span.End()

	attempt := 0
	op := func() ([]byte, error) {
		attempt++
		data, err := c.attempt(ctx, req, attempt)
		if err == nil {
			return data, nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Retryable() {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	data, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			metrics.OutboundRetryTotal.WithLabelValues(req.name).Inc()
			logger.Warn(ctx, "freepik call failed, retrying",
				"endpoint", req.name,
				"attempt", attempt,
				"wait", wait.String(),
				"error", err.Error(),
			)
		}),
	)
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.Int("freepik.attempts", attempt))
		return nil, err
	}
	return data, nil
}

// attempt 单次尝试：预算预检、等待准入、带超时执行、记账
func (c *Client) attempt(ctx context.Context, req call, n int) ([]byte, error) {
	if c.tracker != nil {
		if ok, reason := c.tracker.CanMakeRequest(req.callerID, c.tracker.Config().CostPerRequest); !ok {
			return nil, apperrors.ErrBudgetExceeded.WithDetail(reason)
		}
	}

	var reservation *ratelimit.Reservation
	if c.limiter != nil {
		r, err := c.limiter.WaitForAvailability(ctx, req.callerID)
		if err != nil {
			return nil, fmt.Errorf("waiting for rate limit admission: %w", err)
		}
		reservation = r
	}
	// 未真正发出的请求归还额度；Commit 之后 Cancel 为空操作
	defer reservation.Cancel()

	requestID := uuid.NewString()
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := c.newRequest(attemptCtx, req, requestID)
	if err != nil {
		return nil, err
	}

	logger.Debug(ctx, "freepik request",
		"method", req.method,
		"path", req.path,
		"request_id", requestID,
		"attempt", n,
	)

	usage := cost.UsageInput{
		Endpoint:      req.path,
		Method:        req.method,
		CallerID:      req.callerID,
		CorrelationID: requestID,
	}
	return cost.Track(ctx, c.tracker, usage, func(ctx context.Context, usage *cost.UsageInput) ([]byte, error) {
		return c.exchange(ctx, req, httpReq, reservation, usage)
	})
}

// exchange 发出请求并分类响应，状态码与响应大小回填到 usage
func (c *Client) exchange(ctx context.Context, req call, httpReq *http.Request, reservation *ratelimit.Reservation, usage *cost.UsageInput) ([]byte, error) {
	start := time.Now()
	resp, err := c.http.Do(httpReq)
	reservation.Commit(ctx)
	metrics.OutboundCallDuration.WithLabelValues(req.name).Observe(time.Since(start).Seconds())

	if err != nil {
		c.countOutcome(req.name, string(KindTransport))
		return nil, &APIError{Kind: KindTransport, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	usage.StatusCode = resp.StatusCode
	usage.ResponseSize = int64(len(body))
	if err != nil {
		c.countOutcome(req.name, string(KindTransport))
		return nil, &APIError{Kind: KindTransport, Message: "failed to read response body", Err: err}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := classify(resp, body)
		c.countOutcome(req.name, string(apiErr.Kind))
		if apiErr.Kind == KindRateLimited {
			logger.Warn(ctx, "freepik rate limit exceeded", "path", req.path, "retry_after", apiErr.RetryAfter.String())
		} else if apiErr.StatusCode != http.StatusNotFound {
			logger.Error(ctx, "freepik api error", apiErr, "path", req.path, "request_id", usage.CorrelationID)
		}
		return nil, apiErr
	}

	c.countOutcome(req.name, "success")
	return body, nil
}

func (c *Client) newRequest(ctx context.Context, req call, requestID string) (*http.Request, error) {
	target := c.baseURL + "/" + strings.TrimLeft(req.path, "/")
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	httpReq.Header.Set(headerAPIKey, c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	httpReq.Header.Set(headerRequestID, requestID)
	tracer.InjectHTTPHeaders(ctx, httpReq.Header)
	return httpReq, nil
}

func (c *Client) countOutcome(name, outcome string) {
	metrics.OutboundCallTotal.WithLabelValues(name, outcome).Inc()
}

// UsageStatistics 限流与成本的合并快照
type UsageStatistics struct {
	RateLimiting *ratelimit.UsageStats `json:"rate_limiting,omitempty"`
	CostTracking *CostStatistics       `json:"cost_tracking,omitempty"`
}

// CostStatistics 成本部分
type CostStatistics struct {
	Daily       cost.DailyReport   `json:"daily"`
	Monthly     cost.MonthlyReport `json:"monthly"`
	Projections cost.Projection    `json:"projections"`
}

// UsageStatistics 返回调用方的用量快照
func (c *Client) UsageStatistics(callerID string) UsageStatistics {
	var stats UsageStatistics
	if c.limiter != nil {
		s := c.limiter.Stats(callerID)
		stats.RateLimiting = &s
	}
	if c.tracker != nil {
		stats.CostTracking = &CostStatistics{
			Daily:       c.tracker.DailyUsage(""),
			Monthly:     c.tracker.MonthlyUsage(""),
			Projections: c.tracker.Projections(),
		}
	}
	return stats
}
