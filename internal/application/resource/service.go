// Package resource 提供带缓存的素材查询
package resource

import (
	"context"
	"errors"

	"content-pipeline-api/internal/application/cache"
	"content-pipeline-api/internal/domain/entity"
)

// Catalog 上游素材目录
type Catalog interface {
	SearchResources(ctx context.Context, callerID string, filters entity.SearchFilters) (*entity.SearchResult, error)
	GetResourceDetails(ctx context.Context, callerID, resourceID string) (*entity.Resource, error)
	GetDownloadURL(ctx context.Context, callerID, resourceID string) (*entity.DownloadInfo, error)
}

// errNotFound 内部哨兵，避免把 404 写入缓存
var errNotFound = errors.New("resource not found")

// Service 缓存优先的素材服务
type Service struct {
	catalog Catalog
	cache   *cache.Service
}

// NewService 创建素材服务
func NewService(catalog Catalog, cacheSvc *cache.Service) *Service {
	return &Service{catalog: catalog, cache: cacheSvc}
}

// Search 搜索素材，相同条件的结果按 search TTL 缓存
func (s *Service) Search(ctx context.Context, callerID string, filters entity.SearchFilters) (*entity.SearchResult, error) {
	filters = filters.Normalize()
	if err := filters.Validate(); err != nil {
		return nil, err
	}

	key := cache.NewKey(cache.TypeSearch, filters.Query, filters.Params())
	return cache.Cached(ctx, s.cache, key, func(ctx context.Context) (*entity.SearchResult, error) {
		return s.catalog.SearchResources(ctx, callerID, filters)
	})
}

// Details 获取素材详情，不存在时返回 nil, nil
func (s *Service) Details(ctx context.Context, callerID, resourceID string) (*entity.Resource, error) {
	key := cache.NewKey(cache.TypeResource, resourceID, nil)
	res, err := cache.Cached(ctx, s.cache, key, func(ctx context.Context) (*entity.Resource, error) {
		r, err := s.catalog.GetResourceDetails(ctx, callerID, resourceID)
		if err == nil && r == nil {
			return nil, errNotFound
		}
		return r, err
	}, cache.InFile())
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	return res, err
}

// DownloadURL 获取下载地址
func (s *Service) DownloadURL(ctx context.Context, callerID, resourceID string) (*entity.DownloadInfo, error) {
	key := cache.NewKey(cache.TypeDownload, resourceID, nil)
	return cache.Cached(ctx, s.cache, key, func(ctx context.Context) (*entity.DownloadInfo, error) {
		return s.catalog.GetDownloadURL(ctx, callerID, resourceID)
	}, cache.InFile())
}
