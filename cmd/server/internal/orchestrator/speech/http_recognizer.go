package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/pipeerr"
	"github.com/houzhh15/lexscribe/pkg/logger"
)

const (
	// DefaultSyncPayloadLimit is the largest payload sent to the synchronous endpoint unless Request.Sync is set.
	DefaultSyncPayloadLimit = 1 << 20

	recognizePath     = "/v1/speech:recognize"
	longRecognizePath = "/v1/speech:longrunningrecognize"
	operationsPath    = "/v1/operations/"
	healthPath        = "/v1/health"

	maxResponseBytes = 64 << 20
)

// HTTPConfig configures an HTTPRecognizer.
type HTTPConfig struct {
	// Name identifies the endpoint in logs, e.g. "primary" or "fallback"
	Name string

	// BaseURL is the service root, e.g. "https://speech.example.com"
	BaseURL string

	// SyncPayloadLimit switches to the long-running endpoint above this many payload bytes
	SyncPayloadLimit int

	// Timeout bounds a single HTTP round trip; polling is bounded separately
	Timeout time.Duration

	Client *http.Client
	Logger *slog.Logger
}

// HTTPRecognizer implements Recognizer over the JSON REST API of the speech service.
// The audio travels base64-encoded inside the JSON body, which is why chunk sizes are
// planned against the encoded size rather than the raw size.
type HTTPRecognizer struct {
	name       string
	baseURL    string
	syncLimit  int
	httpClient *http.Client
	log        *slog.Logger
}

// NewHTTPRecognizer creates a recognizer for cfg.BaseURL.
// Without an explicit client, a client with a 5-minute timeout is used: a synchronous
// request for a full 1 MiB payload can take as long as the audio it carries.
func NewHTTPRecognizer(cfg HTTPConfig) *HTTPRecognizer {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}
	limit := cfg.SyncPayloadLimit
	if limit <= 0 {
		limit = DefaultSyncPayloadLimit
	}
	name := cfg.Name
	if name == "" {
		name = "speech-http"
	}
	log := cfg.Logger
	if log == nil {
		log = logger.L()
	}
	return &HTTPRecognizer{
		name:       name,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		syncLimit:  limit,
		httpClient: client,
		log:        log,
	}
}

// Recognize posts one payload. Payloads above the sync limit go to the long-running
// endpoint and come back as an operation handle, unless req.Sync is set.
func (r *HTTPRecognizer) Recognize(ctx context.Context, req Request) (*Submission, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	body, err := json.Marshal(buildWireRequest(req.Payload, req.Config))
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.InvalidInput, "failed to encode recognition request", err)
	}

	path := recognizePath
	if len(req.Payload) > r.syncLimit && !req.Sync {
		path = longRecognizePath
	}

	reader := &countingReader{r: bytes.NewReader(body), total: int64(len(body)), report: req.OnUpload}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, reader)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.InvalidInput, "failed to create HTTP request", err)
	}
	httpReq.ContentLength = int64(len(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.Credential)

	r.log.Debug("submitting recognition request",
		"recognizer", r.name, "endpoint", path, "payload_bytes", len(req.Payload),
		"encoding", req.Config.EncodingCode, "language", req.Config.LanguageCode)

	raw, err := r.do(ctx, httpReq)
	if err != nil {
		return nil, err
	}

	var wr wireResponse
	if err := json.Unmarshal(raw, &wr); err != nil {
		return nil, pipeerr.Wrap(pipeerr.Server, "malformed recognition response", err)
	}
	if wr.Name != "" {
		return &Submission{Operation: wr.Name, Raw: raw}, nil
	}
	return &Submission{Result: convertResults(wr.Results), Raw: raw}, nil
}

// GetOperation fetches GET /v1/operations/{handle}.
func (r *HTTPRecognizer) GetOperation(ctx context.Context, credential, handle string) (*OperationStatus, error) {
	if strings.TrimSpace(credential) == "" {
		return nil, pipeerr.New(pipeerr.InvalidInput, "missing API credential")
	}
	handle = strings.TrimPrefix(handle, "operations/")
	if handle == "" {
		return nil, pipeerr.New(pipeerr.InvalidInput, "empty operation handle")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+operationsPath+url.PathEscape(handle), nil)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.InvalidInput, "failed to create HTTP request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+credential)

	raw, err := r.do(ctx, httpReq)
	if err != nil {
		return nil, err
	}
	var op wireOperation
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, pipeerr.Wrap(pipeerr.Server, "malformed operation response", err)
	}
	return op.toStatus(raw), nil
}

// HealthCheck calls GET /v1/health and reports true only on 200.
func (r *HTTPRecognizer) HealthCheck(ctx context.Context) (bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+healthPath, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusOK {
		return true, nil
	}
	return false, fmt.Errorf("health check failed: status %d", resp.StatusCode)
}

// Name returns the configured endpoint name.
func (r *HTTPRecognizer) Name() string { return r.name }

func (r *HTTPRecognizer) do(ctx context.Context, httpReq *http.Request) ([]byte, error) {
	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.log.Warn("speech API error response",
			"recognizer", r.name, "status", resp.StatusCode, "body_bytes", len(raw))
		return nil, ClassifyStatus(resp.StatusCode, raw)
	}
	return raw, nil
}

// ValidateRequest checks everything that can be rejected without a network call.
func ValidateRequest(req Request) error {
	if strings.TrimSpace(req.Credential) == "" {
		return pipeerr.New(pipeerr.InvalidInput, "missing API credential")
	}
	if len(req.Payload) == 0 {
		return pipeerr.New(pipeerr.InvalidInput, "empty audio payload")
	}
	return ValidateConfig(req.Config)
}

// ValidateConfig checks the language tag and speaker bounds.
func ValidateConfig(cfg Config) error {
	if cfg.LanguageCode == "" {
		return pipeerr.New(pipeerr.InvalidInput, "missing language code")
	}
	if _, err := language.Parse(cfg.LanguageCode); err != nil {
		return pipeerr.Wrap(pipeerr.InvalidInput, fmt.Sprintf("invalid language code %q", cfg.LanguageCode), err)
	}
	if cfg.MinSpeakers < 0 || cfg.MaxSpeakers < 0 {
		return pipeerr.New(pipeerr.InvalidInput, "speaker counts must not be negative")
	}
	if cfg.MaxSpeakers > 0 && cfg.MinSpeakers > cfg.MaxSpeakers {
		return pipeerr.New(pipeerr.InvalidInput,
			fmt.Sprintf("min speakers %d exceeds max speakers %d", cfg.MinSpeakers, cfg.MaxSpeakers))
	}
	return nil
}

// countingReader reports how much of the request body has been handed to the transport.
type countingReader struct {
	r      io.Reader
	total  int64
	read   int64
	report ProgressFunc
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.report != nil && c.total > 0 && n > 0 {
		c.report(float64(c.read) / float64(c.total) * 100)
	}
	return n, err
}
