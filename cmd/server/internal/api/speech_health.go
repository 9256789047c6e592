package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/degradation"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/health"
)

// HandleSpeechHealthCheck 创建语音识别服务健康检查的HTTP处理函数
//
// 响应格式:
//
//	{
//	  "success": true,
//	  "data": {
//	    "active_endpoint": "primary",
//	    "is_healthy": true,
//	    "is_degraded": false,
//	    "last_check_time": "2026-10-11T02:20:00Z",
//	    "consecutive_fails": 0,
//	    "error_message": ""
//	  }
//	}
func HandleSpeechHealthCheck(
	degradationCtrl *degradation.DegradationController,
	healthChecker *health.HealthChecker,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 服务未启动或未初始化
		if degradationCtrl == nil || healthChecker == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"success": false,
				"error":   "speech service not initialized",
			})
			return
		}

		status, active := degradationCtrl.Status()

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"data": gin.H{
				"active_endpoint":   active,
				"is_healthy":        status.IsHealthy,
				"is_degraded":       degradationCtrl.IsDegraded(),
				"last_check_time":   status.LastCheckTime,
				"consecutive_fails": status.ConsecutiveFails,
				"error_message":     status.ErrorMessage,
			},
		})
	}
}
