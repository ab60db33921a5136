// Package audit 记录进入终态的交易与注资请求。记录同时扇出到 JSONL 文件、
// 内存历史（供状态接口查询）、MySQL 与 RabbitMQ，任一目标失败不影响其他目标。
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"hyperfleet/internal/agent"
	"hyperfleet/pkg/logger"
)

// Sink 接收进入终态的交易记录。
type Sink interface {
	Record(ctx context.Context, rec agent.TransactionRecord) error
}

// FundingSink 接收注资请求的状态变化。
type FundingSink interface {
	RecordFunding(ctx context.Context, req agent.FundingRequest) error
}

// Event 是发往消息队列的审计事件。
type Event struct {
	Kind        string                   `json:"kind"`
	RunID       string                   `json:"run_id,omitempty"`
	At          time.Time                `json:"at"`
	Transaction *agent.TransactionRecord `json:"transaction,omitempty"`
	Funding     *agent.FundingRequest    `json:"funding,omitempty"`
}

const (
	EventTransaction = "transaction"
	EventFunding     = "funding"
)

// Multi 把记录扇出到多个目标。实现了 FundingSink 的成员同时接收注资请求。
type Multi struct {
	sinks []Sink
}

// NewMulti 组合多个目标，nil 会被忽略。
func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Record 写入所有目标，返回合并后的错误。
func (m *Multi) Record(ctx context.Context, rec agent.TransactionRecord) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Record(ctx, rec); err != nil {
			logger.Named("audit").Error("写入审计目标失败",
				slog.String("tx_hash", rec.TxHash), slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordFunding 写入所有支持注资记录的目标。
func (m *Multi) RecordFunding(ctx context.Context, req agent.FundingRequest) error {
	var errs []error
	for _, s := range m.sinks {
		fs, ok := s.(FundingSink)
		if !ok {
			continue
		}
		if err := fs.RecordFunding(ctx, req); err != nil {
			logger.Named("audit").Error("写入注资审计失败",
				slog.String("agent", req.AgentID), slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
