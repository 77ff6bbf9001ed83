package entity

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ContentType 素材类型
type ContentType string

const (
	ContentTypePhoto  ContentType = "photo"
	ContentTypeVector ContentType = "vector"
	ContentTypePSD    ContentType = "psd"
	ContentTypeVideo  ContentType = "video"
	ContentTypeAI     ContentType = "ai"
)

// Orientation 画面方向
type Orientation string

const (
	OrientationAll        Orientation = "all"
	OrientationHorizontal Orientation = "horizontal"
	OrientationVertical   Orientation = "vertical"
	OrientationSquare     Orientation = "square"
)

// LicenseType 授权类型
type LicenseType string

const (
	LicenseFree    LicenseType = "free"
	LicensePremium LicenseType = "premium"
	LicenseAll     LicenseType = "all"
)

// 搜索分页限制
const (
	DefaultSearchLimit = 20
	MaxSearchLimit     = 200
)

// ErrEmptyQuery 搜索词为空
var ErrEmptyQuery = errors.New("search query is required")

// SearchFilters 素材搜索条件
type SearchFilters struct {
	Query       string      `json:"query"`
	ContentType ContentType `json:"content_type,omitempty"`
	Orientation Orientation `json:"orientation,omitempty"`
	License     LicenseType `json:"license,omitempty"`
	Limit       int         `json:"limit,omitempty"`
	Page        int         `json:"page,omitempty"`
	OrderBy     string      `json:"order,omitempty"`
	MinWidth    int         `json:"min_width,omitempty"`
	MinHeight   int         `json:"min_height,omitempty"`
	Color       string      `json:"color,omitempty"`
	Exclude     string      `json:"exclude,omitempty"`
}

// Normalize 补全默认值并把 limit 限制在上游允许的范围内
func (f SearchFilters) Normalize() SearchFilters {
	f.Query = strings.TrimSpace(f.Query)
	if f.ContentType == "" {
		f.ContentType = ContentTypePhoto
	}
	if f.Orientation == "" {
		f.Orientation = OrientationAll
	}
	if f.License == "" {
		f.License = LicenseAll
	}
	if f.Limit <= 0 {
		f.Limit = DefaultSearchLimit
	}
	if f.Limit > MaxSearchLimit {
		f.Limit = MaxSearchLimit
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.OrderBy == "" {
		f.OrderBy = "relevance"
	}
	return f
}

// Validate 校验必填项
func (f SearchFilters) Validate() error {
	if strings.TrimSpace(f.Query) == "" {
		return ErrEmptyQuery
	}
	return nil
}

// Values 转为上游查询参数，零值的可选项不发送
func (f SearchFilters) Values() url.Values {
	v := url.Values{}
	v.Set("query", f.Query)
	v.Set("content_type", string(f.ContentType))
	v.Set("orientation", string(f.Orientation))
	v.Set("license", string(f.License))
	v.Set("limit", strconv.Itoa(f.Limit))
	v.Set("page", strconv.Itoa(f.Page))
	v.Set("order", f.OrderBy)
	if f.MinWidth > 0 {
		v.Set("min_width", strconv.Itoa(f.MinWidth))
	}
	if f.MinHeight > 0 {
		v.Set("min_height", strconv.Itoa(f.MinHeight))
	}
	if f.Color != "" {
		v.Set("color", f.Color)
	}
	if f.Exclude != "" {
		v.Set("exclude", f.Exclude)
	}
	return v
}

// Params 作为缓存键参数
func (f SearchFilters) Params() map[string]any {
	params := make(map[string]any)
	for k, vs := range f.Values() {
		params[k] = vs[0]
	}
	return params
}

// Resource 素材
type Resource struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	URL          string         `json:"url"`
	PreviewURL   string         `json:"preview_url,omitempty"`
	DownloadURL  string         `json:"download_url,omitempty"`
	ThumbnailURL string         `json:"thumbnail_url,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	ContentType  string         `json:"content_type,omitempty"`
	Orientation  string         `json:"orientation,omitempty"`
	Width        int            `json:"width,omitempty"`
	Height       int            `json:"height,omitempty"`
	FileSize     int64          `json:"file_size,omitempty"`
	License      string         `json:"license,omitempty"`
	Author       map[string]any `json:"author,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Pagination 搜索分页信息
type Pagination struct {
	Page         int `json:"page"`
	TotalPages   int `json:"total_pages"`
	TotalResults int `json:"total_results"`
	PerPage      int `json:"per_page"`
}

// SearchResult 搜索结果
type SearchResult struct {
	Resources      []Resource        `json:"resources"`
	Pagination     Pagination        `json:"pagination"`
	Query          string            `json:"query"`
	FiltersApplied map[string]string `json:"filters_applied"`
	Timestamp      time.Time         `json:"timestamp"`
}

// DownloadInfo 下载地址
type DownloadInfo struct {
	ResourceID string `json:"resource_id"`
	URL        string `json:"url"`
	Filename   string `json:"filename,omitempty"`
}
