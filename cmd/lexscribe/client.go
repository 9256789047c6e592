package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// APIClient 封装 HTTP 客户端
type APIClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client

	// PollInterval 是 WebSocket 不可用时轮询事件的间隔
	PollInterval time.Duration
}

// NewAPIClient 创建新的 API 客户端
// 上传大文件可能较慢，超时由调用方 context 控制
func NewAPIClient(cfg *Config) *APIClient {
	return &APIClient{
		BaseURL:      strings.TrimRight(cfg.ServerURL, "/"),
		APIKey:       cfg.APIKey,
		HTTPClient:   &http.Client{},
		PollInterval: time.Second,
	}
}

// APIError 服务端返回的错误
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("HTTP %d [%s]: %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// envelope 是服务端统一响应格式 {"success":..,"data":..,"error":..}
type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	ErrorKind string          `json:"error_kind"`
}

// Get 发送 GET 请求
func (c *APIClient) Get(ctx context.Context, path string) ([]byte, error) {
	return c.doRequest(ctx, http.MethodGet, path, nil, "")
}

// Delete 发送 DELETE 请求
func (c *APIClient) Delete(ctx context.Context, path string) ([]byte, error) {
	return c.doRequest(ctx, http.MethodDelete, path, nil, "")
}

// GetData 请求并解出 data 字段
func (c *APIClient) GetData(ctx context.Context, path string, v interface{}) error {
	raw, err := c.Get(ctx, path)
	if err != nil {
		return err
	}
	return decodeData(raw, v)
}

// Upload 以 multipart 上传文件，fields 为附加表单字段
func (c *APIClient) Upload(ctx context.Context, path, filePath string, fields url.Values) ([]byte, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filePath, err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			for key, values := range fields {
				for _, v := range values {
					if err := mw.WriteField(key, v); err != nil {
						return err
					}
				}
			}
			part, err := mw.CreateFormFile("file", filepath.Base(filePath))
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, f); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	return c.doRequest(ctx, http.MethodPost, path, pr, mw.FormDataContentType())
}

// doRequest 执行 HTTP 请求
func (c *APIClient) doRequest(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.APIKey != "" {
		req.Header.Set("X-Speech-API-Key", c.APIKey)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed (check LEXSCRIBE_SERVER_URL=%s): %w", c.BaseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var env envelope
		if json.Unmarshal(data, &env) == nil && env.Error != "" {
			apiErr.Message = env.Error
			apiErr.Kind = env.ErrorKind
		}
		return nil, apiErr
	}

	return data, nil
}

func decodeData(raw []byte, v interface{}) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("parse response data: %w", err)
	}
	return nil
}

// Event 服务端推送的批处理事件
type Event struct {
	Seq           int64   `json:"seq"`
	Type          string  `json:"type"`
	Stage         string  `json:"stage,omitempty"`
	ChunkIndex    int     `json:"chunk_index"`
	State         string  `json:"state,omitempty"`
	ChunkProgress float64 `json:"chunk_progress,omitempty"`
	Overall       float64 `json:"overall,omitempty"`
	Kind          string  `json:"kind,omitempty"`
	Message       string  `json:"message,omitempty"`
	From          string  `json:"from,omitempty"`
	To            string  `json:"to,omitempty"`
	Status        string  `json:"status,omitempty"`
}

// Follow 订阅批次事件直到批次结束；WebSocket 不可用时退回轮询
func (c *APIClient) Follow(ctx context.Context, id string, onEvent func(Event)) error {
	err := c.followWS(ctx, id, onEvent)
	if err == nil || ctx.Err() != nil {
		return err
	}
	var dialErr *wsDialError
	if !errors.As(err, &dialErr) {
		return err
	}
	return c.followPoll(ctx, id, onEvent)
}

type wsDialError struct{ err error }

func (e *wsDialError) Error() string { return "websocket dial: " + e.err.Error() }

func (c *APIClient) followWS(ctx context.Context, id string, onEvent func(Event)) error {
	u, err := url.Parse(c.BaseURL + "/api/v1/transcriptions/" + id + "/events")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return &wsDialError{err: err}
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("event stream: %w", err)
		}
		onEvent(ev)
	}
}

func (c *APIClient) followPoll(ctx context.Context, id string, onEvent func(Event)) error {
	var since int64
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()
	for {
		var page struct {
			Events  []Event `json:"events"`
			LastSeq int64   `json:"last_seq"`
		}
		if err := c.GetData(ctx, "/api/v1/transcriptions/"+id+"/events?since="+strconv.FormatInt(since, 10), &page); err != nil {
			return err
		}
		for _, ev := range page.Events {
			onEvent(ev)
			if ev.Type == "outcome" {
				return nil
			}
		}
		since = page.LastSeq

		var snap Snapshot
		if err := c.GetData(ctx, "/api/v1/transcriptions/"+id, &snap); err != nil {
			return err
		}
		if snap.State == "done" && len(page.Events) == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Snapshot 批次状态
type Snapshot struct {
	ID        string   `json:"id"`
	FileName  string   `json:"file_name"`
	Size      int64    `json:"size"`
	State     string   `json:"state"`
	Status    string   `json:"status"`
	ErrorKind string   `json:"error_kind"`
	Error     string   `json:"error"`
	Progress  float64  `json:"progress"`
	Outcome   *Outcome `json:"outcome"`
}

// Outcome 批次结果摘要
type Outcome struct {
	Status       string `json:"status"`
	FailedChunks []int  `json:"failed_chunks"`
	Plan         struct {
		Strategy   string `json:"strategy"`
		ChunkCount int    `json:"chunk_count"`
	} `json:"plan"`
	Format struct {
		Container string `json:"container"`
	} `json:"format"`
	Error *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
	Chunks     []json.RawMessage `json:"chunks"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Transcript *struct {
		SpeakerCount int     `json:"speaker_count"`
		DurationSec  float64 `json:"duration_sec"`
	} `json:"transcript"`
}
