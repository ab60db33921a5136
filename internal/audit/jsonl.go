package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"hyperfleet/internal/agent"
)

// JSONLConfig 描述 JSONL 审计文件。MaxSizeMB 为 0 时文件只追加不轮转。
type JSONLConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// JSONLSink 以每行一个 JSON 对象的方式追加写入终态交易。
type JSONLSink struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// NewJSONLSink 打开（必要时创建）审计文件。
func NewJSONLSink(cfg JSONLConfig) (*JSONLSink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("审计文件路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("创建审计目录失败: %w", err)
	}
	if cfg.MaxSizeMB > 0 {
		return &JSONLSink{w: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}}, nil
	}
	file, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("打开审计文件失败: %w", err)
	}
	return &JSONLSink{w: file}, nil
}

// NewJSONLWriter 基于任意 writer 创建 sink，主要用于测试。
func NewJSONLWriter(w io.WriteCloser) *JSONLSink {
	return &JSONLSink{w: w}
}

// Record 追加一行记录。
func (s *JSONLSink) Record(_ context.Context, rec agent.TransactionRecord) error {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化交易记录失败: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入审计文件失败: %w", err)
	}
	return nil
}

// Close 关闭文件。
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}
