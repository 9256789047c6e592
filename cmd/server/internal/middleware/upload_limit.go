package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// MaxUploadSize 限制请求体大小；声明的 Content-Length 超限时直接返回 413
func MaxUploadSize(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit <= 0 {
			c.Next()
			return
		}
		if c.Request.ContentLength > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"success":    false,
				"error":      "upload exceeds size limit",
				"error_kind": "PayloadTooLarge",
				"limit":      limit,
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}
