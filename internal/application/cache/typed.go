package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"content-pipeline-api/pkg/logger"
)

// GetAs 读取并解码为 T
func GetAs[T any](ctx context.Context, s *Service, k Key) (T, bool, error) {
	var zero T

	v, ok := s.Get(ctx, k)
	if !ok {
		return zero, false, nil
	}
	out, err := decode[T](v)
	if err != nil {
		return zero, false, err
	}
	return out, true, nil
}

// Cached 读穿缓存：命中直接返回，未命中时合并并发加载并写回缓存
func Cached[T any](ctx context.Context, s *Service, k Key, load func(ctx context.Context) (T, error), opts ...SetOption) (T, error) {
	var zero T

	v, ok, err := GetAs[T](ctx, s, k)
	if err != nil {
		logger.Warn(ctx, "cached value could not be decoded, reloading", "key", k.String(), "error", err.Error())
	} else if ok {
		return v, nil
	}

	res, err, _ := s.group.Do(k.String(), func() (any, error) {
		loaded, err := load(ctx)
		if err != nil {
			return nil, err
		}
		s.Set(ctx, k, loaded, opts...)
		return loaded, nil
	})
	if err != nil {
		return zero, err
	}
	out, _ := res.(T)
	return out, nil
}

func decode[T any](v any) (T, error) {
	var out T

	if typed, ok := v.(T); ok {
		return typed, nil
	}

	raw, ok := v.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(v)
		if err != nil {
			return out, fmt.Errorf("failed to re-encode cached value: %w", err)
		}
		raw = b
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to decode cached value: %w", err)
	}
	return out, nil
}
