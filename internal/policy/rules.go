package policy

import (
	"math/big"

	"hyperfleet/internal/agent"
)

type noAction struct{}

func (noAction) Kind() Kind { return KindNoAction }

func (noAction) Decide(Input) *agent.TradeIntent { return nil }

// single 在没有同向头寸且预算足够时开一笔固定数量的头寸，之后一直持有。
type single struct {
	kind   Kind
	amount *big.Int
}

func (s single) Kind() Kind { return s.kind }

func (s single) Decide(in Input) *agent.TradeIntent {
	pos := agent.PositionLong
	if s.kind == KindSingleShort {
		pos = agent.PositionShort
	}
	if in.State.HasOpen(pos) {
		return nil
	}
	if s.amount.Cmp(minimumTrade(in.Snapshot)) < 0 {
		return nil
	}
	if in.State.RemainingBase(in.Budget).Cmp(s.amount) < 0 {
		return nil
	}
	return openIntent(in, pos, s.amount)
}

// fixedInterval 每隔 every 个区块开一笔多头，持有 hold 个区块后平掉最早的一笔。
type fixedInterval struct {
	amount *big.Int
	every  uint64
	hold   uint64
}

func (fixedInterval) Kind() Kind { return KindFixedInterval }

func (f fixedInterval) Decide(in Input) *agent.TradeIntent {
	if in.Snapshot == nil {
		return nil
	}
	block := in.Snapshot.BlockNumber
	if oldest, ok := in.State.Oldest(agent.PositionLong); ok && block >= oldest.OpenedBlock+f.hold {
		if out := closeIntent(in, oldest); out != nil {
			return out
		}
	}

	var lastOpen uint64
	opened := false
	for _, p := range in.State.Positions {
		if p.Kind == agent.PositionLong && p.OpenedBlock >= lastOpen {
			lastOpen, opened = p.OpenedBlock, true
		}
	}
	if opened && block < lastOpen+f.every {
		return nil
	}
	if f.amount.Cmp(minimumTrade(in.Snapshot)) < 0 || in.State.RemainingBase(in.Budget).Cmp(f.amount) < 0 {
		return nil
	}
	return openIntent(in, agent.PositionLong, f.amount)
}

// checkpoint 在当前检查点过去 waiting 比例的时间后铸造它，每个检查点只铸造一次；
// 快照显示已被其他账户铸造的检查点直接跳过。
type checkpoint struct {
	waiting float64
}

func (checkpoint) Kind() Kind { return KindCheckpoint }

func (c checkpoint) Decide(in Input) *agent.TradeIntent {
	snap := in.Snapshot
	if snap == nil {
		return nil
	}
	duration := snap.CheckpointDuration()
	if duration == 0 {
		return nil
	}
	latest := snap.LatestCheckpoint()
	if last := in.State.LastCheckpoint; last != nil && last.IsUint64() && last.Uint64() >= latest {
		return nil
	}
	if snap.CheckpointMinted() {
		return nil
	}
	if float64(snap.BlockTime-latest) < c.waiting*float64(duration) {
		return nil
	}
	return &agent.TradeIntent{
		AgentID:        in.AgentID,
		Action:         agent.ActionCheckpoint,
		CheckpointTime: new(big.Int).SetUint64(latest),
	}
}
