package freepik

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	apperrors "content-pipeline-api/pkg/errors"
)

// ErrorKind 上游错误分类
type ErrorKind string

const (
	KindTransport   ErrorKind = "transport"
	KindAuth        ErrorKind = "authentication"
	KindQuota       ErrorKind = "quota_exceeded"
	KindRateLimited ErrorKind = "rate_limited"
	KindServer      ErrorKind = "server_error"
	KindClient      ErrorKind = "client_error"
)

// ErrNoDownloadURL 上游没有返回下载地址
var ErrNoDownloadURL = errors.New("no download url provided")

// APIError 上游调用失败
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Body       []byte
	// RetryAfter 仅 429 时有意义
	RetryAfter time.Duration
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("freepik %s (%d): %s", e.Kind, e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("freepik %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("freepik %s: %s", e.Kind, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Retryable 传输错误与服务端错误可以重试
func (e *APIError) Retryable() bool {
	return e.Kind == KindTransport || e.Kind == KindServer
}

// IsKind 判断 err 链中是否有指定分类的 APIError
func IsKind(err error, kind ErrorKind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// IsNotFound 上游 404
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// classify 把非 2xx 响应映射为 APIError
func classify(resp *http.Response, body []byte) *APIError {
	e := &APIError{StatusCode: resp.StatusCode, Body: body}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		e.Kind = KindAuth
		e.Message = "invalid API key or authentication failed"
	case resp.StatusCode == http.StatusForbidden:
		e.Kind = KindQuota
		e.Message = "API quota exceeded or insufficient permissions"
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.Message = "rate limit exceeded"
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	case resp.StatusCode >= 500:
		e.Kind = KindServer
		e.Message = fmt.Sprintf("server error: %d", resp.StatusCode)
	default:
		e.Kind = KindClient
		e.Message = upstreamMessage(body, resp.StatusCode)
	}
	return e
}

// parseRetryAfter 支持秒数与 HTTP 日期两种格式
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// ToAppError 转换为对外的应用错误
func ToAppError(err error) *apperrors.AppError {
	if err == nil {
		return nil
	}
	if apperrors.IsAppError(err) {
		return apperrors.AsAppError(err)
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		if errors.Is(err, ErrNoDownloadURL) {
			return apperrors.Wrap(err, apperrors.CodeNotFound, "download url not available")
		}
		return apperrors.Wrap(err, apperrors.CodeInternalError, "upstream call failed")
	}

	var code apperrors.ErrorCode
	switch apiErr.Kind {
	case KindAuth:
		code = apperrors.CodeUpstreamAuth
	case KindQuota:
		code = apperrors.CodeUpstreamQuota
	case KindRateLimited:
		code = apperrors.CodeUpstreamRateLimited
	case KindServer:
		code = apperrors.CodeUpstreamUnavailable
	case KindTransport:
		code = apperrors.CodeUpstreamTransport
	default:
		if apiErr.StatusCode == http.StatusNotFound {
			code = apperrors.CodeNotFound
		} else {
			code = apperrors.CodeUpstreamClientError
		}
	}

	appErr := apperrors.Wrap(err, code, apiErr.Message)
	if apiErr.RetryAfter > 0 {
		appErr = appErr.WithDetail("retry after " + apiErr.RetryAfter.String())
	}
	return appErr
}
