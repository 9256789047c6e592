package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/pipeerr"
)

// errorResponse 返回错误响应
func errorResponse(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{
		"success": false,
		"error":   message,
	})
}

// successResponse 返回成功响应
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

// acceptedResponse 返回 202，表示任务已进入队列
func acceptedResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"data":    data,
	})
}

// notFoundResponse 返回 404 响应
func notFoundResponse(c *gin.Context, resource string) {
	errorResponse(c, http.StatusNotFound, resource+" not found")
}

// badRequestResponse 返回 400 响应
func badRequestResponse(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success":    false,
		"error":      message,
		"error_kind": pipeerr.InvalidInput,
	})
}

// pipelineErrorResponse 按错误类型映射 HTTP 状态码
func pipelineErrorResponse(c *gin.Context, err error) {
	kind := pipeerr.KindOf(err)
	message := err.Error()
	var pe *pipeerr.Error
	if errors.As(err, &pe) {
		message = pe.Message
	}
	c.JSON(statusForKind(kind), gin.H{
		"success":    false,
		"error":      message,
		"error_kind": kind,
	})
}

// statusForKind 错误类型到 HTTP 状态码
func statusForKind(kind pipeerr.Kind) int {
	switch kind {
	case pipeerr.InvalidInput:
		return http.StatusBadRequest
	case pipeerr.UnsupportedFormat, pipeerr.EncodingMismatch:
		return http.StatusUnsupportedMediaType
	case pipeerr.PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case pipeerr.Authentication:
		return http.StatusUnauthorized
	case pipeerr.Permission:
		return http.StatusForbidden
	case pipeerr.Quota:
		return http.StatusTooManyRequests
	case pipeerr.Cancelled:
		return http.StatusConflict
	case pipeerr.Timeout:
		return http.StatusGatewayTimeout
	case pipeerr.NoUsableTranscript:
		return http.StatusUnprocessableEntity
	case pipeerr.TransientNetwork, pipeerr.Server:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
