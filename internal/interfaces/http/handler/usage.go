package handler

import (
	"github.com/gin-gonic/gin"

	"content-pipeline-api/internal/application/cache"
	"content-pipeline-api/internal/application/cost"
	"content-pipeline-api/internal/infrastructure/freepik"
	"content-pipeline-api/internal/interfaces/http/dto"
	"content-pipeline-api/internal/interfaces/http/middleware"
)

// UsageHandler 用量与成本观测
type UsageHandler struct {
	client  *freepik.Client
	tracker *cost.Tracker
	cache   *cache.Service
}

// NewUsageHandler 创建用量处理器
func NewUsageHandler(client *freepik.Client, tracker *cost.Tracker, cacheSvc *cache.Service) *UsageHandler {
	return &UsageHandler{client: client, tracker: tracker, cache: cacheSvc}
}

// UsageResponse 观测快照
type UsageResponse struct {
	CallerID string                  `json:"caller_id"`
	Usage    freepik.UsageStatistics `json:"usage"`
	Cache    cache.Stats             `json:"cache"`
}

// Usage 返回限流、成本与缓存的快照
func (h *UsageHandler) Usage(c *gin.Context) {
	callerID := middleware.GetCallerID(c)
	dto.Success(c, UsageResponse{
		CallerID: callerID,
		Usage:    h.client.UsageStatistics(callerID),
		Cache:    h.cache.Stats(),
	})
}

// Projections 返回成本预测
func (h *UsageHandler) Projections(c *gin.Context) {
	dto.Success(c, h.tracker.Projections())
}
