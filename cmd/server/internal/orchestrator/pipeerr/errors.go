// Package pipeerr defines the classified error type shared by every stage of the
// transcription pipeline.
package pipeerr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind 表示流水线错误类型
type Kind string

const (
	// InvalidInput 空文件、缺少凭据、非法参数
	InvalidInput Kind = "InvalidInput"

	// UnsupportedFormat 无法识别的容器或没有可解码的音频帧
	UnsupportedFormat Kind = "UnsupportedFormat"

	// PayloadTooLarge 分片后仍超过远端负载上限
	PayloadTooLarge Kind = "PayloadTooLarge"

	// EncodingMismatch 远端拒绝声明的编码或采样率（本地自动重试一次）
	EncodingMismatch Kind = "EncodingMismatch"

	// TransientNetwork 连接错误或超时（退避重试）
	TransientNetwork Kind = "TransientNetwork"

	// Authentication 凭据无效
	Authentication Kind = "Authentication"

	// Quota 配额或限流
	Quota Kind = "Quota"

	// Permission 无权限
	Permission Kind = "Permission"

	// Server 远端 5xx 错误
	Server Kind = "Server"

	// Cancelled 调用方取消（不是错误）
	Cancelled Kind = "Cancelled"

	// Timeout 轮询次数或时间预算耗尽
	Timeout Kind = "Timeout"

	// NoUsableTranscript 所有分片均失败
	NoUsableTranscript Kind = "NoUsableTranscript"

	// Unknown 未分类错误
	Unknown Kind = "Unknown"
)

// Error is a classified pipeline error.
type Error struct {
	Kind       Kind      `json:"kind"`
	Message    string    `json:"message"`
	ChunkIndex int       `json:"chunk_index"`
	StatusCode int       `json:"status_code,omitempty"`
	Cause      error     `json:"-"`
	Timestamp  time.Time `json:"timestamp"`
}

// Error 实现 error 接口
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Kind)
	if e.ChunkIndex >= 0 {
		prefix = fmt.Sprintf("[%s chunk=%d]", e.Kind, e.ChunkIndex)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

// Unwrap 实现错误链支持
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same kind, so errors.Is(err, pipeerr.New(pipeerr.Timeout, "")) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a file-level error (no chunk index).
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, ChunkIndex: -1, Timestamp: time.Now()}
}

// Wrap creates a file-level error with a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.Cause = cause
	return e
}

// ForChunk returns a copy of err bound to the given chunk index. Non-pipeline errors are classified first.
func ForChunk(err error, chunkIndex int) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		cp := *pe
		cp.ChunkIndex = chunkIndex
		return &cp
	}
	e := Wrap(KindOf(err), "chunk processing failed", err)
	e.ChunkIndex = chunkIndex
	return e
}

// KindOf classifies any error. Context cancellation maps to Cancelled and deadline expiry to Timeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	}
	return Unknown
}

// IsFatal reports whether an error kind must abort the whole batch rather than only its chunk.
// A poller Timeout stays chunk-local; the batch deadline is enforced by the orchestrator.
func IsFatal(kind Kind) bool {
	switch kind {
	case InvalidInput, Authentication, Permission, Quota, Cancelled:
		return true
	}
	return false
}

// IsTransient reports whether an error kind is worth retrying after a backoff.
func IsTransient(kind Kind) bool {
	return kind == TransientNetwork || kind == Server
}
