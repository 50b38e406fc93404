// Package api 工作站 REST 接口
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	apperrors "github.com/wfunc/phstat/internal/errors"
	"github.com/wfunc/phstat/internal/middleware"
	"go.uber.org/zap"
)

// SuccessResponse 成功响应
type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
}

// PageResponse 分页响应
type PageResponse struct {
	Success  bool        `json:"success"`
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page,omitempty"`
	PageSize int         `json:"page_size,omitempty"`
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: data})
}

func badRequest(c *gin.Context, err error) {
	respondError(c, nil, apperrors.Wrap(err, apperrors.ErrInvalidParam, "请求参数错误"))
}

// respondError 按错误码决定状态码，5xx 才记日志
func respondError(c *gin.Context, log *zap.Logger, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.Wrap(err, apperrors.ErrUnknown)
	}
	status := appErr.HTTPStatus()
	if log != nil && status >= http.StatusInternalServerError {
		log.Error("请求失败",
			zap.String("path", c.FullPath()),
			zap.Int("code", int(appErr.Code)),
			zap.Error(err))
	}

	c.JSON(status, apperrors.NewErrorResponse(appErr, middleware.GetRequestID(c)))
}
