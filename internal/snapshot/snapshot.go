// Package snapshot 维护舰队共享的行情快照。快照发布后不可变，通过原子指针
// 整体替换；并发刷新经 singleflight 合并为一次 RPC 抓取。
package snapshot

import (
	"context"
	"math/big"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/shopspring/decimal"

	"hyperfleet/internal/hyperdrive"
	"hyperfleet/internal/web3"
)

// MarketSnapshot 是某一区块高度上的池状态视图。
type MarketSnapshot struct {
	ChainID     *big.Int               `json:"chain_id"`
	BlockNumber uint64                 `json:"block_number"`
	BlockTime   uint64                 `json:"block_time"`
	BaseFee     *big.Int               `json:"base_fee"`
	Pool        *hyperdrive.PoolInfo   `json:"pool"`
	Config      *hyperdrive.PoolConfig `json:"config"`
	// Checkpoint 是 LatestCheckpoint 对应的链上检查点。
	Checkpoint *hyperdrive.Checkpoint `json:"checkpoint,omitempty"`
	FetchedAt  time.Time              `json:"fetched_at"`
}

// CheckpointMinted 判断当前检查点是否已被铸造。
func (s *MarketSnapshot) CheckpointMinted() bool {
	return s.Checkpoint.Minted()
}

// FixedRate 返回快照时刻池的年化固定利率。
func (s *MarketSnapshot) FixedRate() (decimal.Decimal, bool) {
	return hyperdrive.FixedRate(s.Pool, s.Config)
}

// Age 返回快照相对 now 的年龄。
func (s *MarketSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.FetchedAt)
}

// CheckpointDuration 返回池的检查点间隔（秒），未知时为 0。
func (s *MarketSnapshot) CheckpointDuration() uint64 {
	if s.Config == nil || s.Config.CheckpointDuration == nil {
		return 0
	}
	return s.Config.CheckpointDuration.Uint64()
}

// LatestCheckpoint 返回区块时间所在检查点的起点。
func (s *MarketSnapshot) LatestCheckpoint() uint64 {
	d := s.CheckpointDuration()
	if d == 0 {
		return s.BlockTime
	}
	return s.BlockTime - s.BlockTime%d
}

// Fetcher 抓取一份新的快照。
type Fetcher interface {
	Fetch(ctx context.Context) (*MarketSnapshot, error)
}

// ChainFetcher 通过 RPC 抓取区块头与池状态。池配置在部署后不可变，只抓取一次。
type ChainFetcher struct {
	client web3.Client
	market hyperdrive.Market
	now    func() time.Time

	mu     sync.Mutex
	config *hyperdrive.PoolConfig
}

// NewChainFetcher 创建基于 RPC 的抓取器。
func NewChainFetcher(client web3.Client, market hyperdrive.Market) *ChainFetcher {
	return &ChainFetcher{client: client, market: market, now: time.Now}
}

// Fetch 实现 Fetcher。
func (f *ChainFetcher) Fetch(ctx context.Context) (*MarketSnapshot, error) {
	head, err := f.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, web3.Classify(web3.MethodHeaderByNumber, err)
	}
	chainID, err := f.client.ChainID(ctx)
	if err != nil {
		return nil, web3.Classify(web3.MethodChainID, err)
	}
	poolCall, err := f.market.PoolInfoCall()
	if err != nil {
		return nil, err
	}
	raw, err := f.client.CallContract(ctx, gethcore.CallMsg{To: &poolCall.To, Data: poolCall.Data}, head.Number)
	if err != nil {
		return nil, web3.Classify(web3.MethodCallContract, err)
	}
	pool, err := hyperdrive.DecodePoolInfo(raw)
	if err != nil {
		return nil, err
	}
	config, err := f.poolConfig(ctx)
	if err != nil {
		return nil, err
	}
	snap := &MarketSnapshot{
		ChainID:     chainID,
		BlockNumber: head.Number.Uint64(),
		BlockTime:   head.Time,
		BaseFee:     head.BaseFee,
		Pool:        pool,
		Config:      config,
		FetchedAt:   f.now(),
	}
	if snap.BaseFee == nil {
		snap.BaseFee = new(big.Int)
	}
	if snap.CheckpointDuration() > 0 {
		if snap.Checkpoint, err = f.checkpoint(ctx, snap.LatestCheckpoint(), head.Number); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

func (f *ChainFetcher) checkpoint(ctx context.Context, checkpointTime uint64, block *big.Int) (*hyperdrive.Checkpoint, error) {
	call, err := f.market.CheckpointCall(checkpointTime)
	if err != nil {
		return nil, err
	}
	raw, err := f.client.CallContract(ctx, gethcore.CallMsg{To: &call.To, Data: call.Data}, block)
	if err != nil {
		return nil, web3.Classify(web3.MethodCallContract, err)
	}
	return hyperdrive.DecodeCheckpoint(raw)
}

func (f *ChainFetcher) poolConfig(ctx context.Context) (*hyperdrive.PoolConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.config != nil {
		return f.config, nil
	}
	call, err := f.market.PoolConfigCall()
	if err != nil {
		return nil, err
	}
	raw, err := f.client.CallContract(ctx, gethcore.CallMsg{To: &call.To, Data: call.Data}, nil)
	if err != nil {
		return nil, web3.Classify(web3.MethodCallContract, err)
	}
	cfg, err := hyperdrive.DecodePoolConfig(raw)
	if err != nil {
		return nil, err
	}
	f.config = cfg
	return cfg, nil
}
