package handler

import (
	"github.com/gin-gonic/gin"

	"content-pipeline-api/internal/application/cache"
	"content-pipeline-api/internal/interfaces/http/dto"
	"content-pipeline-api/pkg/logger"
)

// CacheHandler 缓存管理
type CacheHandler struct {
	cache *cache.Service
}

// NewCacheHandler 创建缓存处理器
func NewCacheHandler(cacheSvc *cache.Service) *CacheHandler {
	return &CacheHandler{cache: cacheSvc}
}

// Clear 按类型清理所有层的缓存
func (h *CacheHandler) Clear(c *gin.Context) {
	t, ok := cache.ParseType(c.Param("type"))
	if !ok {
		dto.BadRequest(c, "unknown cache type: "+c.Param("type"))
		return
	}

	removed := h.cache.ClearType(c.Request.Context(), t)
	logger.Info(c.Request.Context(), "cache cleared", "type", string(t), "removed", removed)
	dto.Success(c, dto.ClearCacheResponse{Type: string(t), Removed: removed})
}
