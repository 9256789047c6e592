package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator"
	"github.com/houzhh15/lexscribe/pkg/logger"
)

// ChunkLogger 切片审计日志，每次识别尝试一行 JSON（JSONL）
// 文件由 lumberjack 负责滚动，凭证从不写入
type ChunkLogger struct {
	path string
	w    io.Writer
	c    io.Closer
	mu   sync.Mutex
	log  *slog.Logger
}

// NewChunkLogger 创建写入 path 的审计日志，按 100MB 滚动，保留 10 个备份 30 天
func NewChunkLogger(path string, log *slog.Logger) (*ChunkLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit logs directory: %w", err)
	}
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100,
		MaxBackups: 10,
		MaxAge:     30,
		Compress:   true,
	}
	l := NewWriterLogger(lj, log)
	l.path = path
	l.c = lj
	return l, nil
}

// NewWriterLogger 写入任意 io.Writer，主要用于测试
func NewWriterLogger(w io.Writer, log *slog.Logger) *ChunkLogger {
	if log == nil {
		log = logger.L()
	}
	return &ChunkLogger{w: w, log: log.With("component", "audit")}
}

// RecordChunk 实现 orchestrator.AuditSink；写入失败只记录日志，不影响批处理
func (l *ChunkLogger) RecordChunk(rec orchestrator.ChunkAudit) {
	data, err := json.Marshal(rec)
	if err != nil {
		l.log.Error("failed to marshal audit entry", "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(append(data, '\n')); err != nil {
		l.log.Error("failed to write audit entry", "batch", rec.BatchID, "chunk", rec.ChunkIndex, "error", err)
	}
}

// Entries 读取当前日志文件中某批次的记录；batchID 为空时返回全部
func (l *ChunkLogger) Entries(batchID string) ([]orchestrator.ChunkAudit, error) {
	if l.path == "" {
		return nil, errors.New("audit log is not file backed")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()
	return ReadEntries(f, batchID)
}

// ReadEntries 逐行解析 JSONL
func ReadEntries(r io.Reader, batchID string) ([]orchestrator.ChunkAudit, error) {
	var entries []orchestrator.ChunkAudit
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec orchestrator.ChunkAudit
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit entry at line %d: %w", line, err)
		}
		if batchID == "" || rec.BatchID == batchID {
			entries = append(entries, rec)
		}
	}
	return entries, sc.Err()
}

// Close 关闭底层文件
func (l *ChunkLogger) Close() error {
	if l.c == nil {
		return nil
	}
	return l.c.Close()
}
