package api

import (
	"github.com/gin-gonic/gin"

	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/audioformat"
)

// Inspector previews how a file would be split. *orchestrator.Orchestrator implements it.
type Inspector interface {
	Inspect(src audioformat.AudioSource) (*orchestrator.Inspection, error)
}

// HandleInspect POST /api/v1/inspect
// 只做格式识别与切片规划，不调用语音服务，也不需要凭证
func HandleInspect(inspector Inspector) gin.HandlerFunc {
	return func(c *gin.Context) {
		src, ok := readUpload(c)
		if !ok {
			return
		}
		ins, err := inspector.Inspect(src)
		if err != nil {
			pipelineErrorResponse(c, err)
			return
		}
		successResponse(c, ins)
	}
}
