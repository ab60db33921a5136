package agent

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AssetKind 区分两类预算资产。
type AssetKind string

const (
	// AssetBase 是 Hyperdrive 池的 ERC20 基础代币。
	AssetBase AssetKind = "base"
	// AssetProtocol 是链的原生币，用于支付 gas。
	AssetProtocol AssetKind = "protocol"
)

// Budget 是代理各资产的目标余额，配置后不可变。
type Budget struct {
	Base     *big.Int `json:"base"`
	Protocol *big.Int `json:"protocol"`
}

// For 返回指定资产的预算，未设置视为 0。
func (b Budget) For(asset AssetKind) *big.Int {
	var v *big.Int
	switch asset {
	case AssetBase:
		v = b.Base
	case AssetProtocol:
		v = b.Protocol
	}
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// ActionKind 是交易意图的动作类型。
type ActionKind string

const (
	ActionOpenLong        ActionKind = "open_long"
	ActionCloseLong       ActionKind = "close_long"
	ActionOpenShort       ActionKind = "open_short"
	ActionCloseShort      ActionKind = "close_short"
	ActionAddLiquidity    ActionKind = "add_liquidity"
	ActionRemoveLiquidity ActionKind = "remove_liquidity"
	ActionCheckpoint      ActionKind = "checkpoint"
	ActionTransferBase    ActionKind = "transfer_base"
	ActionTransferNative  ActionKind = "transfer_native"
	ActionApproveBase     ActionKind = "approve_base"
)

// Spends 判断动作是否消耗基础代币预算。
func (a ActionKind) Spends() bool {
	switch a {
	case ActionOpenLong, ActionOpenShort, ActionAddLiquidity:
		return true
	}
	return false
}

// TradeIntent 是策略产出、由执行引擎立即消费的动作。
//
// Amount 的含义随动作变化：开多/加流动性是基础代币数量，开空与平仓是债券数量，
// 撤流动性是 LP 份额，转账是转出数量。
type TradeIntent struct {
	AgentID        string          `json:"agent_id"`
	Action         ActionKind      `json:"action"`
	Amount         *big.Int        `json:"amount,omitempty"`
	MaxDeposit     *big.Int        `json:"max_deposit,omitempty"`
	MinOutput      *big.Int        `json:"min_output,omitempty"`
	MaturityTime   *big.Int        `json:"maturity_time,omitempty"`
	CheckpointTime *big.Int        `json:"checkpoint_time,omitempty"`
	Recipient      *common.Address `json:"recipient,omitempty"`
}

// TxStatus 是交易记录的生命周期状态。
type TxStatus string

const (
	TxPending   TxStatus = "PENDING"
	TxConfirmed TxStatus = "CONFIRMED"
	TxReverted  TxStatus = "REVERTED"
	TxTimedOut  TxStatus = "TIMED_OUT"
)

// Terminal 判断状态是否为终态。
func (s TxStatus) Terminal() bool {
	return s == TxConfirmed || s == TxReverted || s == TxTimedOut
}

// TransactionRecord 跟踪一笔已签名交易直到终态，终态后写入审计日志。
type TransactionRecord struct {
	ID          string      `json:"id"`
	AgentID     string      `json:"agent_id"`
	From        string      `json:"from"`
	Intent      TradeIntent `json:"intent"`
	TxHash      string      `json:"tx_hash"`
	Nonce       uint64      `json:"nonce"`
	GasFeeCap   *big.Int    `json:"gas_fee_cap,omitempty"`
	GasTipCap   *big.Int    `json:"gas_tip_cap,omitempty"`
	SubmittedAt time.Time   `json:"submitted_at"`
	ResolvedAt  time.Time   `json:"resolved_at,omitzero"`
	Status      TxStatus    `json:"status"`
	Attempt     int         `json:"attempt"`
	Replaces    string      `json:"replaces,omitempty"`
	ErrorKind   string      `json:"error_kind,omitempty"`
	Error       string      `json:"error,omitempty"`
	BlockNumber uint64      `json:"block_number,omitempty"`
	GasUsed     uint64      `json:"gas_used,omitempty"`
	Position    *Position   `json:"position,omitempty"`
}

// Clone 返回记录的浅拷贝，供状态迁移时生成新版本。
func (r *TransactionRecord) Clone() *TransactionRecord {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// FundingStatus 是注资请求的状态。
type FundingStatus string

const (
	FundingPending   FundingStatus = "PENDING"
	FundingConfirmed FundingStatus = "CONFIRMED"
	FundingFailed    FundingStatus = "FAILED"
)

// FundingRequest 记录一次从资金钱包到代理钱包的转账，幂等键为 (agent, asset)。
type FundingRequest struct {
	ID        string        `json:"id"`
	Epoch     string        `json:"epoch"`
	AgentID   string        `json:"agent_id"`
	Asset     AssetKind     `json:"asset"`
	Amount    *big.Int      `json:"amount"`
	Nonce     uint64        `json:"nonce"`
	TxHash    string        `json:"tx_hash,omitempty"`
	Status    FundingStatus `json:"status"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// PositionKind 区分多头与空头。
type PositionKind string

const (
	PositionLong  PositionKind = "long"
	PositionShort PositionKind = "short"
)

// Position 是代理在池中的一笔未平仓头寸。
type Position struct {
	Kind         PositionKind `json:"kind"`
	MaturityTime *big.Int     `json:"maturity_time"`
	Bonds        *big.Int     `json:"bonds"`
	Cost         *big.Int     `json:"cost"`
	OpenedBlock  uint64       `json:"opened_block"`
}
