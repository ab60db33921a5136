// Package policy 实现代理的交易策略。策略是纯函数：只读取行情快照与代理自身
// 状态，返回下一步的交易意图或 nil，不做任何 I/O。
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/big"

	"gopkg.in/yaml.v3"

	"hyperfleet/internal/agent"
	xerrors "hyperfleet/internal/errors"
	"hyperfleet/internal/snapshot"
)

// Kind 是策略的类型标签。
type Kind string

const (
	KindNoAction      Kind = "no_action"
	KindSingleLong    Kind = "single_long"
	KindSingleShort   Kind = "single_short"
	KindFixedInterval Kind = "fixed_interval"
	KindRandom        Kind = "random"
	KindCheckpoint    Kind = "checkpoint"
	KindLPAndArb      Kind = "lp_and_arb"
)

// Kinds 返回全部受支持的策略类型。
func Kinds() []Kind {
	return []Kind{KindNoAction, KindSingleLong, KindSingleShort, KindFixedInterval, KindRandom, KindCheckpoint, KindLPAndArb}
}

// Input 是一次决策可见的全部信息。
type Input struct {
	AgentID  string
	Snapshot *snapshot.MarketSnapshot
	State    agent.State
	Budget   agent.Budget
}

// Policy 根据输入决定下一步动作，nil 表示本轮不交易。
type Policy interface {
	Kind() Kind
	Decide(in Input) *agent.TradeIntent
}

// Options 是构造策略所需的环境参数。
type Options struct {
	// Decimals 是基础代币精度，用于换算参数中的数量。
	Decimals int32
	// Seed 是随机策略的全局种子。
	Seed uint64
}

// baseParams 是所有策略共享的参数。
type baseParams struct {
	CooldownBlocks uint64 `yaml:"cooldown_blocks"`
}

// New 按类型构造策略。参数来自 YAML 的 policy_parameters，未知字段会被拒绝。
func New(kind string, params map[string]any, opts Options) (Policy, error) {
	if opts.Decimals <= 0 {
		opts.Decimals = agent.DefaultDecimals
	}
	var (
		inner  Policy
		shared baseParams
		err    error
	)
	switch Kind(kind) {
	case "", KindNoAction:
		var p struct {
			baseParams `yaml:",inline"`
		}
		err = decode(params, &p)
		inner, shared = noAction{}, p.baseParams
	case KindSingleLong, KindSingleShort:
		var p struct {
			baseParams `yaml:",inline"`
			Amount     string `yaml:"amount"`
		}
		err = decode(params, &p)
		if err == nil {
			var amount *big.Int
			amount, err = positive(p.Amount, "amount", opts.Decimals)
			inner = single{kind: Kind(kind), amount: amount}
		}
		shared = p.baseParams
	case KindFixedInterval:
		var p struct {
			baseParams      `yaml:",inline"`
			Amount          string `yaml:"amount"`
			OpenEveryBlocks uint64 `yaml:"open_every_blocks"`
			HoldBlocks      uint64 `yaml:"hold_blocks"`
		}
		err = decode(params, &p)
		if err == nil {
			var amount *big.Int
			amount, err = positive(p.Amount, "amount", opts.Decimals)
			if err == nil && p.OpenEveryBlocks == 0 {
				err = errors.New("open_every_blocks 必须大于 0")
			}
			inner = fixedInterval{amount: amount, every: p.OpenEveryBlocks, hold: p.HoldBlocks}
		}
		shared = p.baseParams
	case KindRandom:
		var p struct {
			baseParams `yaml:",inline"`
			MinTrade   string   `yaml:"min_trade"`
			MaxTrade   string   `yaml:"max_trade"`
			Actions    []string `yaml:"actions"`
		}
		err = decode(params, &p)
		if err == nil {
			inner, err = newRandom(p.MinTrade, p.MaxTrade, p.Actions, opts)
		}
		shared = p.baseParams
	case KindCheckpoint:
		p := struct {
			baseParams      `yaml:",inline"`
			WaitingFraction float64 `yaml:"waiting_fraction"`
		}{WaitingFraction: 0.5}
		err = decode(params, &p)
		if err == nil && (p.WaitingFraction < 0 || p.WaitingFraction > 1) {
			err = errors.New("waiting_fraction 必须位于 [0, 1]")
		}
		inner, shared = checkpoint{waiting: p.WaitingFraction}, p.baseParams
	case KindLPAndArb:
		var p lpAndArbParams
		err = decode(params, &p)
		if err == nil {
			inner, err = newLPAndArb(p, opts)
		}
		shared = p.baseParams
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知的策略类型 %q", kind))
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, fmt.Sprintf("策略 %s 参数无效", kind))
	}
	if shared.CooldownBlocks > 0 {
		return cooldown{Policy: inner, blocks: shared.CooldownBlocks}, nil
	}
	return inner, nil
}

func decode(params map[string]any, out any) error {
	if len(params) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(params)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func positive(value, field string, decimals int32) (*big.Int, error) {
	amount, err := agent.ParseAmount(value, decimals)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%s 必须大于 0", field)
	}
	return amount, nil
}

// cooldown 在上一笔交易之后的若干区块内保持静默。
type cooldown struct {
	Policy
	blocks uint64
}

func (c cooldown) Decide(in Input) *agent.TradeIntent {
	last := in.State.LastActionBlock
	if last > 0 && in.Snapshot != nil && in.Snapshot.BlockNumber < last+c.blocks {
		return nil
	}
	return c.Policy.Decide(in)
}

// minimumTrade 返回池允许的最小交易量。
func minimumTrade(snap *snapshot.MarketSnapshot) *big.Int {
	if snap == nil || snap.Config == nil || snap.Config.MinimumTransactionAmount == nil {
		return new(big.Int)
	}
	return snap.Config.MinimumTransactionAmount
}

// maturityFor 估算新开头寸的到期时间：最近检查点加上头寸期限。
func maturityFor(snap *snapshot.MarketSnapshot) *big.Int {
	if snap == nil || snap.Config == nil || snap.Config.PositionDuration == nil {
		return nil
	}
	out := new(big.Int).SetUint64(snap.LatestCheckpoint())
	return out.Add(out, snap.Config.PositionDuration)
}

func intent(in Input, action agent.ActionKind, amount *big.Int) *agent.TradeIntent {
	return &agent.TradeIntent{AgentID: in.AgentID, Action: action, Amount: new(big.Int).Set(amount)}
}

func openIntent(in Input, kind agent.PositionKind, amount *big.Int) *agent.TradeIntent {
	if kind == agent.PositionShort {
		out := intent(in, agent.ActionOpenShort, amount)
		out.MaxDeposit = new(big.Int).Set(amount)
		out.MaturityTime = maturityFor(in.Snapshot)
		return out
	}
	out := intent(in, agent.ActionOpenLong, amount)
	out.MaturityTime = maturityFor(in.Snapshot)
	return out
}

// closeIntent 平掉整笔头寸，到期时间未知时无法构造。
func closeIntent(in Input, pos agent.Position) *agent.TradeIntent {
	if pos.MaturityTime == nil || pos.Bonds == nil || pos.Bonds.Sign() <= 0 {
		return nil
	}
	action := agent.ActionCloseLong
	if pos.Kind == agent.PositionShort {
		action = agent.ActionCloseShort
	}
	out := intent(in, action, pos.Bonds)
	out.MaturityTime = new(big.Int).Set(pos.MaturityTime)
	return out
}
