package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"

	"hyperfleet/internal/agent"
)

// History 在内存中保留最近的交易记录，供状态接口查询。
type History struct {
	mu       sync.RWMutex
	capacity int
	records  []agent.TransactionRecord
}

// NewHistory 创建容量为 capacity 的历史，capacity <= 0 时使用 1000。
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1000
	}
	return &History{capacity: capacity}
}

// Record 追加记录，超出容量时丢弃最旧的记录。
func (h *History) Record(_ context.Context, rec agent.TransactionRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	if over := len(h.records) - h.capacity; over > 0 {
		h.records = append(h.records[:0:0], h.records[over:]...)
	}
	return nil
}

// List 按提交时间倒序返回满足条件的记录。
func (h *History) List(_ context.Context, opts ...ListOption) ([]agent.TransactionRecord, error) {
	options := BuildListOptions(opts...)
	h.mu.RLock()
	matched := make([]agent.TransactionRecord, 0, len(h.records))
	for _, rec := range h.records {
		if options.Matches(rec) {
			matched = append(matched, rec)
		}
	}
	h.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].SubmittedAt.After(matched[j].SubmittedAt)
	})
	if options.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[options.Offset:]
	if len(matched) > options.Limit {
		matched = matched[:options.Limit]
	}
	return matched, nil
}

// Counts 返回各状态的记录数。
func (h *History) Counts() map[agent.TxStatus]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[agent.TxStatus]int)
	for _, rec := range h.records {
		out[rec.Status]++
	}
	return out
}

// Restore 从 JSONL 审计文件恢复历史，文件不存在时不做任何事。无法解析的行被跳过。
func (h *History) Restore(path string) error {
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("读取审计日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec agent.TransactionRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil || rec.TxHash == "" {
			continue
		}
		_ = h.Record(context.Background(), rec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析审计日志失败: %w", err)
	}
	return nil
}
