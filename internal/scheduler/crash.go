package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"hyperfleet/internal/agent"
	xerrors "hyperfleet/internal/errors"
	"hyperfleet/internal/hyperdrive"
	"hyperfleet/internal/snapshot"
)

// cycleTrace 记录一个周期内已知的现场，供崩溃报告使用。
type cycleTrace struct {
	snap   *snapshot.MarketSnapshot
	intent *agent.TradeIntent
	record *agent.TransactionRecord
}

// CrashReport 描述代理进入 ERRORED 时的现场：代理状态、触发的意图与交易、
// 所依据的行情快照。
type CrashReport struct {
	RunID       string                   `json:"run_id"`
	AgentID     string                   `json:"agent_id"`
	Address     string                   `json:"address"`
	Policy      string                   `json:"policy"`
	Code        xerrors.Code             `json:"code"`
	Error       string                   `json:"error"`
	Metadata    map[string]string        `json:"metadata,omitempty"`
	Intent      *agent.TradeIntent       `json:"intent,omitempty"`
	Transaction *agent.TransactionRecord `json:"transaction,omitempty"`
	State       agent.State              `json:"state"`
	Budget      agent.Budget             `json:"budget"`
	BlockNumber uint64                   `json:"block_number,omitempty"`
	BlockTime   uint64                   `json:"block_time,omitempty"`
	FixedRate   string                   `json:"fixed_rate,omitempty"`
	Pool        *hyperdrive.PoolInfo     `json:"pool,omitempty"`
	Checkpoint  *hyperdrive.Checkpoint   `json:"checkpoint,omitempty"`
	Host        string                   `json:"host,omitempty"`
	At          time.Time                `json:"at"`
}

func (s *Scheduler) crashReport(a *agent.Agent, trace cycleTrace, err error) CrashReport {
	report := CrashReport{
		RunID:       s.runID,
		AgentID:     a.ID,
		Address:     a.Address.Hex(),
		Policy:      a.Spec.PolicyKind,
		Code:        xerrors.CodeOf(err),
		Intent:      trace.intent,
		Transaction: trace.record,
		State:       a.State(),
		Budget:      a.Budget(),
		At:          time.Now().UTC(),
	}
	if err != nil {
		report.Error = err.Error()
	}
	if e, ok := xerrors.From(err); ok {
		report.Metadata = e.Metadata()
	}
	if snap := trace.snap; snap != nil {
		report.BlockNumber = snap.BlockNumber
		report.BlockTime = snap.BlockTime
		report.Pool = snap.Pool
		report.Checkpoint = snap.Checkpoint
		if rate, ok := snap.FixedRate(); ok {
			report.FixedRate = rate.StringFixed(6)
		}
	}
	report.Host, _ = os.Hostname()
	return report
}

// AlertMetadata 返回附加到告警事件上的摘要字段。
func (r CrashReport) AlertMetadata() map[string]string {
	meta := map[string]string{
		"policy": r.Policy,
		"trades": strconv.Itoa(r.State.Trades),
	}
	if r.BlockNumber > 0 {
		meta["block"] = strconv.FormatUint(r.BlockNumber, 10)
	}
	if r.FixedRate != "" {
		meta["fixed_rate"] = r.FixedRate
	}
	if r.Intent != nil {
		meta["intent"] = string(r.Intent.Action)
	}
	if r.Transaction != nil {
		meta["tx_hash"] = r.Transaction.TxHash
		meta["tx_status"] = string(r.Transaction.Status)
	}
	return meta
}

// writeCrashReport 把报告写成 dir 下的一个 JSON 文件并返回路径。
func writeCrashReport(dir string, r CrashReport) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("创建崩溃报告目录失败: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("序列化崩溃报告失败: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("crash-%s-%s-%d.json", r.RunID, r.AgentID, r.At.UnixMilli()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("写入崩溃报告失败: %w", err)
	}
	return path, nil
}
