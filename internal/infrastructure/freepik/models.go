package freepik

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"content-pipeline-api/internal/domain/entity"
)

// flexID 上游 id 可能是数字也可能是字符串
type flexID string

func (id *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid resource id: %w", err)
	}
	*id = flexID(n.String())
	return nil
}

type urlRef struct {
	URL string `json:"url"`
}

type apiResource struct {
	ID          flexID         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	URL         string         `json:"url"`
	Preview     urlRef         `json:"preview"`
	Download    urlRef         `json:"download"`
	Thumbnail   urlRef         `json:"thumbnail"`
	Tags        []string       `json:"tags"`
	ContentType string         `json:"content_type"`
	Orientation string         `json:"orientation"`
	Image       struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"image"`
	FileSize  int64          `json:"file_size"`
	License   string         `json:"license"`
	Author    map[string]any `json:"author"`
	CreatedAt string         `json:"created_at"`
}

func (r apiResource) toEntity(now time.Time) entity.Resource {
	created := now
	if r.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, r.CreatedAt); err == nil {
			created = t
		} else if t, err := time.ParseInLocation("2006-01-02T15:04:05", r.CreatedAt, time.UTC); err == nil {
			created = t
		}
	}

	return entity.Resource{
		ID:           string(r.ID),
		Title:        r.Title,
		Description:  r.Description,
		URL:          r.URL,
		PreviewURL:   r.Preview.URL,
		DownloadURL:  r.Download.URL,
		ThumbnailURL: r.Thumbnail.URL,
		Tags:         r.Tags,
		ContentType:  r.ContentType,
		Orientation:  r.Orientation,
		Width:        r.Image.Width,
		Height:       r.Image.Height,
		FileSize:     r.FileSize,
		License:      r.License,
		Author:       r.Author,
		CreatedAt:    created,
	}
}

type searchResponse struct {
	Data       []json.RawMessage `json:"data"`
	Page       int               `json:"page"`
	TotalPages int               `json:"total_pages"`
	Total      int               `json:"total"`
	PerPage    int               `json:"per_page"`
	Meta       struct {
		CurrentPage int `json:"current_page"`
		LastPage    int `json:"last_page"`
		Total       int `json:"total"`
		PerPage     int `json:"per_page"`
	} `json:"meta"`
}

type detailResponse struct {
	Data apiResource `json:"data"`
}

type downloadResponse struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Data     struct {
		URL      string `json:"url"`
		Filename string `json:"filename"`
	} `json:"data"`
}

// upstreamMessage 取响应体中的 message 字段
func upstreamMessage(body []byte, status int) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return fmt.Sprintf("HTTP %d %s", status, http.StatusText(status))
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
