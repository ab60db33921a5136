package policy

import (
	"fmt"
	"hash/fnv"
	"math/big"
	"math/rand/v2"

	"github.com/shopspring/decimal"

	"hyperfleet/internal/agent"
)

var randomActions = []agent.ActionKind{
	agent.ActionOpenLong,
	agent.ActionCloseLong,
	agent.ActionOpenShort,
	agent.ActionCloseShort,
	agent.ActionAddLiquidity,
	agent.ActionRemoveLiquidity,
}

// random 在当前可行的动作中均匀选择一个，数量在 [min, 剩余预算] 内均匀分布。
// 随机源由 (seed, agent_id, block_number) 决定，同一输入总是得到同一结果。
type random struct {
	seed     uint64
	min      *big.Int
	max      *big.Int
	allowed  map[agent.ActionKind]bool
	ordering []agent.ActionKind
}

func newRandom(minTrade, maxTrade string, actions []string, opts Options) (*random, error) {
	r := &random{seed: opts.Seed, allowed: make(map[agent.ActionKind]bool)}
	var err error
	if r.min, err = agent.ParseAmount(minTrade, opts.Decimals); err != nil {
		return nil, fmt.Errorf("min_trade: %w", err)
	}
	if maxTrade != "" {
		if r.max, err = positive(maxTrade, "max_trade", opts.Decimals); err != nil {
			return nil, err
		}
		if r.max.Cmp(r.min) < 0 {
			return nil, fmt.Errorf("max_trade 小于 min_trade")
		}
	}
	if len(actions) == 0 {
		for _, a := range randomActions {
			r.allowed[a] = true
		}
	}
	for _, name := range actions {
		a := agent.ActionKind(name)
		known := false
		for _, candidate := range randomActions {
			known = known || candidate == a
		}
		if !known {
			return nil, fmt.Errorf("actions 不支持 %q", name)
		}
		r.allowed[a] = true
	}
	for _, a := range randomActions {
		if r.allowed[a] {
			r.ordering = append(r.ordering, a)
		}
	}
	return r, nil
}

func (*random) Kind() Kind { return KindRandom }

func (r *random) Decide(in Input) *agent.TradeIntent {
	if in.Snapshot == nil {
		return nil
	}
	rng := rand.New(rand.NewPCG(r.seed, streamFor(in.AgentID, in.Snapshot.BlockNumber)))

	low := r.min
	if floor := minimumTrade(in.Snapshot); floor.Cmp(low) > 0 {
		low = floor
	}
	high := in.State.RemainingBase(in.Budget)
	if r.max != nil && r.max.Cmp(high) < 0 {
		high = r.max
	}
	canOpen := high.Sign() > 0 && high.Cmp(low) >= 0

	var feasible []agent.ActionKind
	for _, a := range r.ordering {
		switch a {
		case agent.ActionOpenLong, agent.ActionOpenShort, agent.ActionAddLiquidity:
			if canOpen {
				feasible = append(feasible, a)
			}
		case agent.ActionCloseLong:
			if p, ok := in.State.Oldest(agent.PositionLong); ok && p.MaturityTime != nil {
				feasible = append(feasible, a)
			}
		case agent.ActionCloseShort:
			if p, ok := in.State.Oldest(agent.PositionShort); ok && p.MaturityTime != nil {
				feasible = append(feasible, a)
			}
		case agent.ActionRemoveLiquidity:
			if in.State.LPShares != nil && in.State.LPShares.Sign() > 0 {
				feasible = append(feasible, a)
			}
		}
	}
	if len(feasible) == 0 {
		return nil
	}

	switch action := feasible[rng.IntN(len(feasible))]; action {
	case agent.ActionOpenLong:
		return openIntent(in, agent.PositionLong, uniform(rng, low, high))
	case agent.ActionOpenShort:
		return openIntent(in, agent.PositionShort, uniform(rng, low, high))
	case agent.ActionAddLiquidity:
		return intent(in, action, uniform(rng, low, high))
	case agent.ActionCloseLong:
		p, _ := in.State.Oldest(agent.PositionLong)
		return closeIntent(in, p)
	case agent.ActionCloseShort:
		p, _ := in.State.Oldest(agent.PositionShort)
		return closeIntent(in, p)
	default:
		return intent(in, agent.ActionRemoveLiquidity, in.State.LPShares)
	}
}

func streamFor(agentID string, block uint64) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(agentID))
	return h.Sum64() ^ block
}

// uniform 返回 [low, high] 内的均匀随机数，精度为区间的百万分之一。
func uniform(rng *rand.Rand, low, high *big.Int) *big.Int {
	span := decimal.NewFromBigInt(new(big.Int).Sub(high, low), 0)
	step := decimal.NewFromInt(int64(rng.IntN(1_000_001))).Div(decimal.NewFromInt(1_000_000))
	offset := span.Mul(step).Floor().BigInt()
	return offset.Add(offset, low)
}
