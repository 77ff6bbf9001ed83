package cost

import (
	"context"

	"github.com/google/uuid"
)

// Track 执行 fn 并无论成败都记账一次。fn 可以在返回前补充状态码、响应大小等字段；
// t 为 nil 时只执行 fn
func Track[T any](ctx context.Context, t *Tracker, in UsageInput, fn func(ctx context.Context, in *UsageInput) (T, error)) (T, error) {
	if t == nil {
		return fn(ctx, &in)
	}
	if in.CorrelationID == "" {
		in.CorrelationID = uuid.NewString()
	}

	result, err := fn(ctx, &in)

	in.Success = err == nil
	if err != nil && in.ErrorSummary == "" {
		in.ErrorSummary = err.Error()
	}
	t.Record(ctx, in)

	return result, err
}
