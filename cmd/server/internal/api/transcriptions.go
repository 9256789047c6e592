package api

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/houzhh15/lexscribe/cmd/server/internal/audit"
	"github.com/houzhh15/lexscribe/cmd/server/internal/batches"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/audioformat"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/pipeerr"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/transcript"
	"github.com/houzhh15/lexscribe/pkg/logger"
)

// CredentialHeader carries the per-request speech API key.
const CredentialHeader = "X-Speech-API-Key"

// TranscriptionHandler 转写任务相关接口
type TranscriptionHandler struct {
	batches           *batches.Manager
	defaultCredential string
	audit             *audit.ChunkLogger
	log               *slog.Logger
}

// NewTranscriptionHandler creates the handler. defaultCredential is used when a request
// carries none; auditLog may be nil.
func NewTranscriptionHandler(m *batches.Manager, defaultCredential string, auditLog *audit.ChunkLogger, log *slog.Logger) *TranscriptionHandler {
	if log == nil {
		log = logger.L()
	}
	return &TranscriptionHandler{
		batches:           m,
		defaultCredential: defaultCredential,
		audit:             auditLog,
		log:               log.With("component", "api"),
	}
}

// Register 注册路由
func (h *TranscriptionHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/transcriptions", h.Create)
	rg.GET("/transcriptions", h.List)
	rg.GET("/transcriptions/:id", h.Get)
	rg.GET("/transcriptions/:id/transcript", h.Transcript)
	rg.GET("/transcriptions/:id/events", h.Events)
	rg.GET("/transcriptions/:id/audit", h.Audit)
	rg.GET("/transcriptions/:id/raw", h.Raw)
	rg.DELETE("/transcriptions/:id", h.Cancel)
}

// Create POST /api/v1/transcriptions
// multipart 字段: file (必填), language, model, punctuate, diarize, min_speakers, max_speakers,
// profanity_filter, phrases, smart_format, utterances
func (h *TranscriptionHandler) Create(c *gin.Context) {
	credential := h.credential(c)
	if credential == "" {
		badRequestResponse(c, "missing speech API credential")
		return
	}

	opts := orchestrator.DefaultOptions()
	if err := c.ShouldBind(&opts); err != nil {
		if isTooLarge(err) {
			pipelineErrorResponse(c, pipeerr.Wrap(pipeerr.PayloadTooLarge, "upload exceeds size limit", err))
			return
		}
		badRequestResponse(c, "invalid options: "+err.Error())
		return
	}

	src, ok := readUpload(c)
	if !ok {
		return
	}
	snap, err := h.batches.Submit(src, credential, opts)
	if err != nil {
		if errors.Is(err, batches.ErrShuttingDown) {
			errorResponse(c, http.StatusServiceUnavailable, err.Error())
			return
		}
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	h.log.Info("transcription submitted", "batch", snap.ID, "file", snap.FileName, "size", snap.Size,
		"request_id", c.GetString("request_id"))
	c.Header("Location", "/api/v1/transcriptions/"+snap.ID)
	acceptedResponse(c, snap)
}

// List GET /api/v1/transcriptions
func (h *TranscriptionHandler) List(c *gin.Context) {
	successResponse(c, h.batches.List())
}

// Get GET /api/v1/transcriptions/:id
func (h *TranscriptionHandler) Get(c *gin.Context) {
	snap, ok := h.batches.Get(c.Param("id"))
	if !ok {
		notFoundResponse(c, "transcription")
		return
	}
	successResponse(c, snap)
}

// Transcript GET /api/v1/transcriptions/:id/transcript?format=json|text|srt|vtt
func (h *TranscriptionHandler) Transcript(c *gin.Context) {
	format := strings.ToLower(c.DefaultQuery("format", transcript.FormatJSON))
	if !transcript.ValidFormat(format) {
		badRequestResponse(c, "format must be one of json, text, srt, vtt")
		return
	}

	out, err := h.batches.Outcome(c.Param("id"))
	if err != nil {
		notFoundResponse(c, "transcription")
		return
	}
	if out == nil {
		errorResponse(c, http.StatusConflict, "transcription still in progress")
		return
	}
	if out.Transcript == nil {
		if out.Error != nil {
			pipelineErrorResponse(c, out.Error)
			return
		}
		pipelineErrorResponse(c, pipeerr.New(pipeerr.NoUsableTranscript, "no transcript produced"))
		return
	}

	if format == transcript.FormatJSON {
		successResponse(c, gin.H{
			"status":        out.Status,
			"failed_chunks": out.FailedChunks,
			"transcript":    out.Transcript,
			"segments":      transcript.Segments(out.Transcript),
		})
		return
	}

	var body bytes.Buffer
	if err := transcript.Render(&body, out.Transcript, format); err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.Header("X-Transcription-Status", string(out.Status))
	c.Data(http.StatusOK, contentTypeFor(format), body.Bytes())
}

// Audit GET /api/v1/transcriptions/:id/audit
func (h *TranscriptionHandler) Audit(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.batches.Get(id); !ok {
		notFoundResponse(c, "transcription")
		return
	}
	if h.audit == nil {
		errorResponse(c, http.StatusNotImplemented, "audit log disabled")
		return
	}
	entries, err := h.audit.Entries(id)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, entries)
}

// Raw GET /api/v1/transcriptions/:id/raw
func (h *TranscriptionHandler) Raw(c *gin.Context) {
	out, err := h.batches.Outcome(c.Param("id"))
	if err != nil {
		notFoundResponse(c, "transcription")
		return
	}
	if out == nil {
		errorResponse(c, http.StatusConflict, "transcription still in progress")
		return
	}
	responses := out.RawResponses
	if responses == nil {
		responses = []orchestrator.RawResponse{}
	}
	successResponse(c, responses)
}

// Cancel DELETE /api/v1/transcriptions/:id
func (h *TranscriptionHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	switch err := h.batches.Cancel(id); {
	case errors.Is(err, batches.ErrNotFound):
		notFoundResponse(c, "transcription")
	case errors.Is(err, batches.ErrFinished):
		errorResponse(c, http.StatusConflict, err.Error())
	case err != nil:
		errorResponse(c, http.StatusInternalServerError, err.Error())
	default:
		c.JSON(http.StatusAccepted, gin.H{"success": true, "message": "cancellation requested"})
	}
}

// credential 优先读取请求头，其次 Bearer token，最后使用配置的默认值
func (h *TranscriptionHandler) credential(c *gin.Context) string {
	if v := strings.TrimSpace(c.GetHeader(CredentialHeader)); v != "" {
		return v
	}
	if v, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return h.defaultCredential
}

// readUpload 读取 multipart 字段 file；失败时已写入响应
func readUpload(c *gin.Context) (audioformat.AudioSource, bool) {
	fh, err := c.FormFile("file")
	if err != nil {
		if isTooLarge(err) {
			pipelineErrorResponse(c, pipeerr.Wrap(pipeerr.PayloadTooLarge, "upload exceeds size limit", err))
			return audioformat.AudioSource{}, false
		}
		badRequestResponse(c, "missing multipart field 'file'")
		return audioformat.AudioSource{}, false
	}

	f, err := fh.Open()
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to open upload")
		return audioformat.AudioSource{}, false
	}
	defer f.Close()

	var buf bytes.Buffer
	buf.Grow(int(fh.Size))
	if _, err := io.Copy(&buf, f); err != nil {
		if isTooLarge(err) {
			pipelineErrorResponse(c, pipeerr.Wrap(pipeerr.PayloadTooLarge, "upload exceeds size limit", err))
			return audioformat.AudioSource{}, false
		}
		errorResponse(c, http.StatusInternalServerError, "failed to read upload")
		return audioformat.AudioSource{}, false
	}
	if buf.Len() == 0 {
		badRequestResponse(c, "uploaded file is empty")
		return audioformat.AudioSource{}, false
	}

	return audioformat.AudioSource{
		Data:     buf.Bytes(),
		MIMEType: fh.Header.Get("Content-Type"),
		FileName: fh.Filename,
	}, true
}

func contentTypeFor(format string) string {
	switch format {
	case transcript.FormatSRT:
		return "application/x-subrip; charset=utf-8"
	case transcript.FormatVTT:
		return "text/vtt; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe) || strings.Contains(err.Error(), "request body too large")
}

// parseSeq reads the "since" query parameter.
func parseSeq(c *gin.Context) (int64, bool) {
	raw := c.Query("since")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
