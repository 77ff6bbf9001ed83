package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"content-pipeline-api/pkg/logger"
)

const (
	// CallerIDHeader 调用方标识头
	CallerIDHeader = "X-Caller-ID"
	// DefaultCallerID 未携带调用方标识时使用
	DefaultCallerID = "default"

	maxCallerIDLen = 128
)

// CallerID 解析调用方标识，作为限流与记账的维度
func CallerID() gin.HandlerFunc {
	return func(c *gin.Context) {
		callerID := strings.TrimSpace(c.GetHeader(CallerIDHeader))
		if callerID == "" {
			callerID = DefaultCallerID
		}
		if len(callerID) > maxCallerIDLen {
			callerID = callerID[:maxCallerIDLen]
		}

		c.Set("caller_id", callerID)
		ctx := logger.WithContext(c.Request.Context(), logger.CallerIDKey, callerID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// GetCallerID 从 Gin Context 读取调用方标识
func GetCallerID(c *gin.Context) string {
	if id := c.GetString("caller_id"); id != "" {
		return id
	}
	return DefaultCallerID
}
