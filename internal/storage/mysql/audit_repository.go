package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"hyperfleet/internal/agent"
	"hyperfleet/internal/audit"
)

const transactionColumns = `id, agent_id, from_address, action, intent, tx_hash, nonce, gas_fee_cap, gas_tip_cap, status, attempt, replaces, error_kind, error, block_number, gas_used, position, submitted_at, resolved_at`

const upsertTransactionSQL = `INSERT INTO transaction_records
    (` + transactionColumns + `)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE status = VALUES(status), error_kind = VALUES(error_kind), error = VALUES(error),
    block_number = VALUES(block_number), gas_used = VALUES(gas_used), position = VALUES(position), resolved_at = VALUES(resolved_at)`

const upsertFundingSQL = `INSERT INTO funding_requests
    (id, epoch, agent_id, asset, amount, nonce, tx_hash, status, error_kind, error, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE amount = VALUES(amount), nonce = VALUES(nonce), tx_hash = VALUES(tx_hash), status = VALUES(status),
    error_kind = VALUES(error_kind), error = VALUES(error), updated_at = VALUES(updated_at)`

// AuditRepository 把交易与注资审计写入 MySQL，满足 audit.Sink 与 audit.FundingSink。
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository 建立连接并执行迁移。
func NewAuditRepository(ctx context.Context, cfg Config) (*AuditRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	repo := &AuditRepository{db: db}
	if err := repo.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// Close 释放连接池。
func (s *AuditRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record 写入交易记录；同一 ID 的终态覆盖先前的 PENDING 行。
func (s *AuditRepository) Record(ctx context.Context, rec agent.TransactionRecord) error {
	intent, err := json.Marshal(rec.Intent)
	if err != nil {
		return fmt.Errorf("序列化交易意图失败: %w", err)
	}
	position := ""
	if rec.Position != nil {
		raw, err := json.Marshal(rec.Position)
		if err != nil {
			return fmt.Errorf("序列化仓位失败: %w", err)
		}
		position = string(raw)
	}
	_, err = s.db.ExecContext(ctx, upsertTransactionSQL,
		rec.ID, rec.AgentID, rec.From, string(rec.Intent.Action), string(intent), rec.TxHash, rec.Nonce,
		bigString(rec.GasFeeCap), bigString(rec.GasTipCap), string(rec.Status), rec.Attempt, rec.Replaces,
		rec.ErrorKind, rec.Error, rec.BlockNumber, rec.GasUsed, position,
		millis(rec.SubmittedAt), millis(rec.ResolvedAt))
	if err != nil {
		return fmt.Errorf("写入交易记录失败: %w", err)
	}
	return nil
}

// RecordFunding 按 ID 写入或更新注资请求。
func (s *AuditRepository) RecordFunding(ctx context.Context, req agent.FundingRequest) error {
	_, err := s.db.ExecContext(ctx, upsertFundingSQL,
		req.ID, req.Epoch, req.AgentID, string(req.Asset), bigString(req.Amount), req.Nonce, req.TxHash,
		string(req.Status), req.ErrorKind, req.Error, millis(req.CreatedAt), millis(req.UpdatedAt))
	if err != nil {
		return fmt.Errorf("写入注资请求失败: %w", err)
	}
	return nil
}

// ListTransactions 按提交时间倒序返回满足条件的交易记录。
func (s *AuditRepository) ListTransactions(ctx context.Context, opts ...audit.ListOption) ([]agent.TransactionRecord, error) {
	query, args := buildListQuery(audit.BuildListOptions(opts...))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询交易记录失败: %w", err)
	}
	defer rows.Close()

	var records []agent.TransactionRecord
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历交易记录失败: %w", err)
	}
	return records, nil
}

func buildListQuery(opts audit.ListOptions) (string, []any) {
	var (
		where []string
		args  []any
	)
	if opts.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if len(opts.Statuses) > 0 {
		marks := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			marks[i] = "?"
			args = append(args, string(status))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if !opts.Since.IsZero() {
		where = append(where, "submitted_at >= ?")
		args = append(args, millis(opts.Since))
	}

	var b strings.Builder
	b.WriteString("SELECT " + transactionColumns + " FROM transaction_records")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY submitted_at DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, opts.Limit, opts.Offset)
	return b.String(), args
}

func scanTransaction(rows *sql.Rows) (agent.TransactionRecord, error) {
	var (
		rec                agent.TransactionRecord
		action, intent     string
		feeCap, tipCap     string
		status, position   string
		submitted, resolve int64
	)
	if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.From, &action, &intent, &rec.TxHash, &rec.Nonce,
		&feeCap, &tipCap, &status, &rec.Attempt, &rec.Replaces, &rec.ErrorKind, &rec.Error,
		&rec.BlockNumber, &rec.GasUsed, &position, &submitted, &resolve); err != nil {
		return rec, fmt.Errorf("解析交易记录失败: %w", err)
	}
	if err := json.Unmarshal([]byte(intent), &rec.Intent); err != nil {
		return rec, fmt.Errorf("解析交易意图 %s 失败: %w", rec.ID, err)
	}
	if rec.Intent.Action == "" {
		rec.Intent.Action = agent.ActionKind(action)
	}
	if position != "" {
		rec.Position = &agent.Position{}
		if err := json.Unmarshal([]byte(position), rec.Position); err != nil {
			return rec, fmt.Errorf("解析仓位 %s 失败: %w", rec.ID, err)
		}
	}
	rec.Status = agent.TxStatus(status)
	rec.GasFeeCap = parseBig(feeCap)
	rec.GasTipCap = parseBig(tipCap)
	rec.SubmittedAt = fromMillis(submitted)
	rec.ResolvedAt = fromMillis(resolve)
	return rec, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func parseBig(s string) *big.Int {
	if s == "" {
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil
	}
	return v
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
