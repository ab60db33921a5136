package policy

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"hyperfleet/internal/agent"
)

// lpAndArb 先把 lp 比例的基础代币预算加入流动性，其余预算用于利率套利：
// 固定利率高于目标利率加 high 时先平空头再开多头，低于目标利率减 low 时
// 先平多头再开空头。已到期的头寸优先平仓。
type lpAndArb struct {
	lpPortion decimal.Decimal
	target    decimal.Decimal
	high      decimal.Decimal
	low       decimal.Decimal
	maxTrade  *big.Int
}

type lpAndArbParams struct {
	baseParams          `yaml:",inline"`
	LPPortion           string `yaml:"lp_portion"`
	TargetRate          string `yaml:"target_rate"`
	HighFixedRateThresh string `yaml:"high_fixed_rate_thresh"`
	LowFixedRateThresh  string `yaml:"low_fixed_rate_thresh"`
	MaxTrade            string `yaml:"max_trade"`
}

func newLPAndArb(p lpAndArbParams, opts Options) (*lpAndArb, error) {
	l := &lpAndArb{}
	var err error
	if l.lpPortion, err = rate(p.LPPortion, "0.5", "lp_portion"); err != nil {
		return nil, err
	}
	if l.lpPortion.IsNegative() || l.lpPortion.GreaterThan(decimal.NewFromInt(1)) {
		return nil, errors.New("lp_portion 必须位于 [0, 1]")
	}
	if p.TargetRate == "" {
		return nil, errors.New("缺少 target_rate")
	}
	if l.target, err = rate(p.TargetRate, "", "target_rate"); err != nil {
		return nil, err
	}
	if l.high, err = rate(p.HighFixedRateThresh, "0.01", "high_fixed_rate_thresh"); err != nil {
		return nil, err
	}
	if l.low, err = rate(p.LowFixedRateThresh, "0.01", "low_fixed_rate_thresh"); err != nil {
		return nil, err
	}
	if l.high.IsNegative() || l.low.IsNegative() {
		return nil, errors.New("利率阈值不能为负")
	}
	if p.MaxTrade != "" {
		if l.maxTrade, err = positive(p.MaxTrade, "max_trade", opts.Decimals); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func rate(value, fallback, field string) (decimal.Decimal, error) {
	if value == "" {
		value = fallback
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

func (*lpAndArb) Kind() Kind { return KindLPAndArb }

func (l *lpAndArb) Decide(in Input) *agent.TradeIntent {
	snap := in.Snapshot
	if snap == nil {
		return nil
	}
	floor := minimumTrade(snap)
	remaining := in.State.RemainingBase(in.Budget)

	if in.State.LPShares == nil || in.State.LPShares.Sign() == 0 {
		lp := decimal.NewFromBigInt(in.Budget.For(agent.AssetBase), 0).Mul(l.lpPortion).Floor().BigInt()
		if lp.Sign() > 0 && lp.Cmp(floor) >= 0 && remaining.Cmp(lp) >= 0 {
			return intent(in, agent.ActionAddLiquidity, lp)
		}
	}

	for _, p := range in.State.Positions {
		if p.MaturityTime != nil && p.MaturityTime.IsUint64() && p.MaturityTime.Uint64() < snap.BlockTime {
			if out := closeIntent(in, p); out != nil {
				return out
			}
		}
	}

	fixed, ok := snap.FixedRate()
	if !ok {
		return nil
	}
	switch {
	case fixed.GreaterThanOrEqual(l.target.Add(l.high)):
		if p, ok := in.State.Oldest(agent.PositionShort); ok {
			return closeIntent(in, p)
		}
		if amount := l.tradeSize(remaining, floor); amount != nil {
			return openIntent(in, agent.PositionLong, amount)
		}
	case fixed.LessThanOrEqual(l.target.Sub(l.low)):
		if p, ok := in.State.Oldest(agent.PositionLong); ok {
			return closeIntent(in, p)
		}
		if amount := l.tradeSize(remaining, floor); amount != nil {
			return openIntent(in, agent.PositionShort, amount)
		}
	}
	return nil
}

// tradeSize 返回不超过 max_trade 的剩余预算，低于池最小交易量时返回 nil。
func (l *lpAndArb) tradeSize(remaining, floor *big.Int) *big.Int {
	amount := new(big.Int).Set(remaining)
	if l.maxTrade != nil && l.maxTrade.Cmp(amount) < 0 {
		amount.Set(l.maxTrade)
	}
	if amount.Sign() <= 0 || amount.Cmp(floor) < 0 {
		return nil
	}
	return amount
}
