package router

import (
	"github.com/gin-gonic/gin"
)

// RegisterV1Routes 注册 v1 版本路由
func RegisterV1Routes(v1 *gin.RouterGroup, h Handlers) {
	// 素材
	if h.Resource != nil {
		resources := v1.Group("/resources")
		{
			resources.GET("", h.Resource.Search)
			resources.GET("/:id", h.Resource.Get)
			resources.GET("/:id/download", h.Resource.Download)
		}
	}

	// 用量与成本
	if h.Usage != nil {
		usage := v1.Group("/usage")
		{
			usage.GET("", h.Usage.Usage)
			usage.GET("/projections", h.Usage.Projections)
		}
	}

	// 缓存管理
	if h.Cache != nil {
		v1.DELETE("/cache/:type", h.Cache.Clear)
	}
}
