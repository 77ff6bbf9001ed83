package handler

import (
	"github.com/gin-gonic/gin"

	"content-pipeline-api/internal/application/resource"
	"content-pipeline-api/internal/interfaces/http/dto"
	"content-pipeline-api/internal/interfaces/http/middleware"
)

// ResourceHandler 素材查询处理器
type ResourceHandler struct {
	svc *resource.Service
}

// NewResourceHandler 创建素材处理器
func NewResourceHandler(svc *resource.Service) *ResourceHandler {
	return &ResourceHandler{svc: svc}
}

// Search 搜索素材
func (h *ResourceHandler) Search(c *gin.Context) {
	var req dto.SearchResourcesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		dto.BadRequest(c, "invalid search parameters: "+err.Error())
		return
	}

	result, err := h.svc.Search(c.Request.Context(), middleware.GetCallerID(c), req.ToFilters())
	if err != nil {
		respondError(c, err)
		return
	}
	dto.Success(c, result)
}

// Get 获取素材详情
func (h *ResourceHandler) Get(c *gin.Context) {
	id := c.Param("id")
	res, err := h.svc.Details(c.Request.Context(), middleware.GetCallerID(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if res == nil {
		dto.NotFound(c, "resource not found")
		return
	}
	dto.Success(c, res)
}

// Download 获取素材下载地址
func (h *ResourceHandler) Download(c *gin.Context) {
	info, err := h.svc.DownloadURL(c.Request.Context(), middleware.GetCallerID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	dto.Success(c, info)
}
