package audit

import (
	"strings"
	"time"

	"hyperfleet/internal/agent"
)

// ListOptions 控制交易记录的查询条件，结果按提交时间倒序。
type ListOptions struct {
	Limit    int
	Offset   int
	AgentID  string
	Statuses []agent.TxStatus
	Since    time.Time
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 500 {
		opts.Limit = 500
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	opts.AgentID = strings.TrimSpace(opts.AgentID)
	opts.Statuses = normalizeStatuses(opts.Statuses)
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 限制返回条数。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset 跳过前 n 条匹配记录。
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithAgent 只返回指定代理的记录。
func WithAgent(id string) ListOption {
	return func(opts *ListOptions) { opts.AgentID = id }
}

// WithStatuses 按状态过滤。
func WithStatuses(statuses ...agent.TxStatus) ListOption {
	return func(opts *ListOptions) { opts.Statuses = append(opts.Statuses[:0], statuses...) }
}

// WithSince 只返回在 ts 之后（含）提交的记录。
func WithSince(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.Since = ts }
}

// BuildListOptions 在默认值之上应用选项。
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

// Matches 判断记录是否满足过滤条件（不含分页）。
func (opts ListOptions) Matches(rec agent.TransactionRecord) bool {
	if opts.AgentID != "" && rec.AgentID != opts.AgentID {
		return false
	}
	if !opts.Since.IsZero() && rec.SubmittedAt.Before(opts.Since) {
		return false
	}
	if len(opts.Statuses) == 0 {
		return true
	}
	for _, s := range opts.Statuses {
		if rec.Status == s {
			return true
		}
	}
	return false
}

func normalizeStatuses(input []agent.TxStatus) []agent.TxStatus {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[agent.TxStatus]struct{}, len(input))
	result := make([]agent.TxStatus, 0, len(input))
	for _, status := range input {
		status = agent.TxStatus(strings.ToUpper(strings.TrimSpace(string(status))))
		switch status {
		case agent.TxPending, agent.TxConfirmed, agent.TxReverted, agent.TxTimedOut:
		default:
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
