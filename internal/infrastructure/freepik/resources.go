package freepik

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"content-pipeline-api/internal/domain/entity"
	"content-pipeline-api/pkg/logger"
)

// SearchResources 按条件搜索素材
func (c *Client) SearchResources(ctx context.Context, callerID string, filters entity.SearchFilters) (*entity.SearchResult, error) {
	filters = filters.Normalize()
	if err := filters.Validate(); err != nil {
		return nil, err
	}

	query := filters.Values()
	data, err := c.do(ctx, call{
		name:     "resources.search",
		method:   http.MethodGet,
		path:     "resources",
		query:    query,
		callerID: callerID,
	})
	if err != nil {
		return nil, err
	}

	var resp searchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	now := time.Now()
	resources := make([]entity.Resource, 0, len(resp.Data))
	for _, raw := range resp.Data {
		var item apiResource
		if err := json.Unmarshal(raw, &item); err != nil {
			logger.Warn(ctx, "skipping unparsable resource", "error", err.Error())
			continue
		}
		resources = append(resources, item.toEntity(now))
	}

	applied := make(map[string]string, len(query))
	for k := range query {
		applied[k] = query.Get(k)
	}

	return &entity.SearchResult{
		Resources: resources,
		Pagination: entity.Pagination{
			Page:         firstPositive(resp.Page, resp.Meta.CurrentPage, filters.Page),
			TotalPages:   firstPositive(resp.TotalPages, resp.Meta.LastPage, 1),
			TotalResults: firstPositive(resp.Total, resp.Meta.Total, len(resources)),
			PerPage:      firstPositive(resp.PerPage, resp.Meta.PerPage, filters.Limit),
		},
		Query:          filters.Query,
		FiltersApplied: applied,
		Timestamp:      now,
	}, nil
}

// GetResourceDetails 获取素材详情，上游 404 时返回 nil, nil
func (c *Client) GetResourceDetails(ctx context.Context, callerID, resourceID string) (*entity.Resource, error) {
	data, err := c.do(ctx, call{
		name:     "resources.details",
		method:   http.MethodGet,
		path:     "resources/" + url.PathEscape(resourceID),
		callerID: callerID,
	})
	if err != nil {
		if IsNotFound(err) {
			logger.Warn(ctx, "resource not found", "resource_id", resourceID)
			return nil, nil
		}
		return nil, err
	}

	var resp detailResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode resource: %w", err)
	}
	r := resp.Data.toEntity(time.Now())
	if r.ID == "" {
		r.ID = resourceID
	}
	return &r, nil
}

// GetDownloadURL 获取素材的下载地址
func (c *Client) GetDownloadURL(ctx context.Context, callerID, resourceID string) (*entity.DownloadInfo, error) {
	data, err := c.do(ctx, call{
		name:     "resources.download",
		method:   http.MethodGet,
		path:     "resources/" + url.PathEscape(resourceID) + "/download",
		callerID: callerID,
	})
	if err != nil {
		return nil, err
	}

	var resp downloadResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode download response: %w", err)
	}

	info := &entity.DownloadInfo{ResourceID: resourceID, URL: resp.URL, Filename: resp.Filename}
	if info.URL == "" {
		info.URL = resp.Data.URL
		info.Filename = resp.Data.Filename
	}
	if info.URL == "" {
		return nil, ErrNoDownloadURL
	}
	return info, nil
}
