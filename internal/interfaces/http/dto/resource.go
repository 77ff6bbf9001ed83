package dto

import (
	"content-pipeline-api/internal/domain/entity"
)

// SearchResourcesRequest 素材搜索查询参数
type SearchResourcesRequest struct {
	Query       string `form:"query" binding:"required"`
	ContentType string `form:"content_type" binding:"omitempty,oneof=photo vector psd video ai"`
	Orientation string `form:"orientation" binding:"omitempty,oneof=all horizontal vertical square"`
	License     string `form:"license" binding:"omitempty,oneof=free premium all"`
	Limit       int    `form:"limit" binding:"omitempty,min=1"`
	Page        int    `form:"page" binding:"omitempty,min=1"`
	Order       string `form:"order" binding:"omitempty,oneof=relevance popular latest"`
	MinWidth    int    `form:"min_width" binding:"omitempty,min=0"`
	MinHeight   int    `form:"min_height" binding:"omitempty,min=0"`
	Color       string `form:"color"`
	Exclude     string `form:"exclude"`
}

// ToFilters 转换为领域搜索条件
func (r SearchResourcesRequest) ToFilters() entity.SearchFilters {
	return entity.SearchFilters{
		Query:       r.Query,
		ContentType: entity.ContentType(r.ContentType),
		Orientation: entity.Orientation(r.Orientation),
		License:     entity.LicenseType(r.License),
		Limit:       r.Limit,
		Page:        r.Page,
		OrderBy:     r.Order,
		MinWidth:    r.MinWidth,
		MinHeight:   r.MinHeight,
		Color:       r.Color,
		Exclude:     r.Exclude,
	}
}

// ClearCacheResponse 清理缓存结果
type ClearCacheResponse struct {
	Type    string `json:"type"`
	Removed int    `json:"removed"`
}
