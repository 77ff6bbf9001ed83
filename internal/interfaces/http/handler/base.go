// Package handler 提供 HTTP 请求处理器
package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"content-pipeline-api/internal/domain/entity"
	"content-pipeline-api/internal/infrastructure/freepik"
	"content-pipeline-api/internal/interfaces/http/dto"
	apperrors "content-pipeline-api/pkg/errors"
	"content-pipeline-api/pkg/logger"
)

// respondError 把领域与上游错误统一转换为 HTTP 响应
func respondError(c *gin.Context, err error) {
	if errors.Is(err, entity.ErrEmptyQuery) {
		dto.AppError(c, apperrors.ErrInvalidParam.WithDetail(err.Error()))
		return
	}

	var apiErr *freepik.APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		dto.RetryAfter(c, apiErr.RetryAfter.Seconds())
	}

	appErr := freepik.ToAppError(err)
	if appErr.HTTPStatus >= 500 {
		logger.Error(c.Request.Context(), "request failed", err, "path", c.FullPath())
	} else {
		logger.Warn(c.Request.Context(), "request rejected", "path", c.FullPath(), "error", err.Error())
	}
	dto.AppError(c, appErr)
}
