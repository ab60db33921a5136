package hyperdrive

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"hyperfleet/internal/agent"
	xerrors "hyperfleet/internal/errors"
)

// Market 描述舰队交易的池与基础代币。
type Market struct {
	Hyperdrive common.Address
	BaseToken  common.Address
}

// Call 是待签名交易的目标、数据与附带原生币。
type Call struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// Encode 将交易意图编码为合约调用，from 是发送方钱包，作为头寸接收地址。
func (m Market) Encode(from common.Address, intent agent.TradeIntent) (Call, error) {
	opts := Options{Destination: from, AsBase: true, ExtraData: []byte{}}
	amount := orZero(intent.Amount)
	minOut := orZero(intent.MinOutput)

	var (
		to     = m.Hyperdrive
		method string
		args   []any
	)
	switch intent.Action {
	case agent.ActionOpenLong:
		method, args = "openLong", []any{amount, minOut, big.NewInt(0), opts}
	case agent.ActionOpenShort:
		maxDeposit := intent.MaxDeposit
		if maxDeposit == nil {
			maxDeposit = MaxUint256
		}
		method, args = "openShort", []any{amount, maxDeposit, big.NewInt(0), opts}
	case agent.ActionCloseLong, agent.ActionCloseShort:
		if intent.MaturityTime == nil {
			return Call{}, invalid(intent, "缺少 maturity_time")
		}
		method = "closeLong"
		if intent.Action == agent.ActionCloseShort {
			method = "closeShort"
		}
		args = []any{intent.MaturityTime, amount, minOut, opts}
	case agent.ActionAddLiquidity:
		method, args = "addLiquidity", []any{amount, big.NewInt(0), big.NewInt(0), MaxUint256, opts}
	case agent.ActionRemoveLiquidity:
		method, args = "removeLiquidity", []any{amount, minOut, opts}
	case agent.ActionCheckpoint:
		if intent.CheckpointTime == nil {
			return Call{}, invalid(intent, "缺少 checkpoint_time")
		}
		method, args = "checkpoint", []any{intent.CheckpointTime, big.NewInt(0)}
	case agent.ActionTransferBase:
		if intent.Recipient == nil {
			return Call{}, invalid(intent, "缺少 recipient")
		}
		data, err := ERC20ABI.Pack("transfer", *intent.Recipient, amount)
		if err != nil {
			return Call{}, err
		}
		return Call{To: m.BaseToken, Data: data, Value: new(big.Int)}, nil
	case agent.ActionApproveBase:
		allowance := intent.Amount
		if allowance == nil {
			allowance = MaxUint256
		}
		data, err := ERC20ABI.Pack("approve", m.Hyperdrive, allowance)
		if err != nil {
			return Call{}, err
		}
		return Call{To: m.BaseToken, Data: data, Value: new(big.Int)}, nil
	case agent.ActionTransferNative:
		if intent.Recipient == nil {
			return Call{}, invalid(intent, "缺少 recipient")
		}
		return Call{To: *intent.Recipient, Value: new(big.Int).Set(amount)}, nil
	default:
		return Call{}, invalid(intent, fmt.Sprintf("未知动作 %q", intent.Action))
	}

	data, err := HyperdriveABI.Pack(method, args...)
	if err != nil {
		return Call{}, fmt.Errorf("编码 %s 失败: %w", method, err)
	}
	return Call{To: to, Data: data, Value: new(big.Int)}, nil
}

// BalanceOfCall 构造基础代币余额查询。
func (m Market) BalanceOfCall(owner common.Address) (Call, error) {
	data, err := ERC20ABI.Pack("balanceOf", owner)
	return Call{To: m.BaseToken, Data: data}, err
}

// AllowanceCall 构造基础代币对池合约授权额度的查询。
func (m Market) AllowanceCall(owner common.Address) (Call, error) {
	data, err := ERC20ABI.Pack("allowance", owner, m.Hyperdrive)
	return Call{To: m.BaseToken, Data: data}, err
}

// PoolInfoCall 构造 getPoolInfo 查询。
func (m Market) PoolInfoCall() (Call, error) {
	data, err := HyperdriveABI.Pack("getPoolInfo")
	return Call{To: m.Hyperdrive, Data: data}, err
}

// CheckpointCall 构造 getCheckpoint 查询。
func (m Market) CheckpointCall(checkpointTime uint64) (Call, error) {
	data, err := HyperdriveABI.Pack("getCheckpoint", new(big.Int).SetUint64(checkpointTime))
	return Call{To: m.Hyperdrive, Data: data}, err
}

// PoolConfigCall 构造 getPoolConfig 查询。
func (m Market) PoolConfigCall() (Call, error) {
	data, err := HyperdriveABI.Pack("getPoolConfig")
	return Call{To: m.Hyperdrive, Data: data}, err
}

// DecodeUint256 解码 balanceOf 与 allowance 的返回值。
func DecodeUint256(method string, data []byte) (*big.Int, error) {
	out, err := ERC20ABI.Unpack(method, data)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s 返回 %d 个值", method, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s 返回类型 %T", method, out[0])
	}
	return v, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func invalid(intent agent.TradeIntent, msg string) error {
	return xerrors.New(xerrors.CodeConfiguration, msg,
		xerrors.WithMetadata("agent", intent.AgentID),
		xerrors.WithMetadata("action", string(intent.Action)))
}
