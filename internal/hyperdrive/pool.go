package hyperdrive

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// PoolInfo 对应 getPoolInfo 的返回结构。
type PoolInfo struct {
	ShareReserves                   *big.Int `json:"share_reserves"`
	ShareAdjustment                 *big.Int `json:"share_adjustment"`
	ZombieBaseProceeds              *big.Int `json:"zombie_base_proceeds"`
	ZombieShareReserves             *big.Int `json:"zombie_share_reserves"`
	BondReserves                    *big.Int `json:"bond_reserves"`
	LpTotalSupply                   *big.Int `json:"lp_total_supply"`
	VaultSharePrice                 *big.Int `json:"vault_share_price"`
	LongsOutstanding                *big.Int `json:"longs_outstanding"`
	LongAverageMaturityTime         *big.Int `json:"long_average_maturity_time"`
	ShortsOutstanding               *big.Int `json:"shorts_outstanding"`
	ShortAverageMaturityTime        *big.Int `json:"short_average_maturity_time"`
	WithdrawalSharesReadyToWithdraw *big.Int `json:"withdrawal_shares_ready_to_withdraw"`
	WithdrawalSharesProceeds        *big.Int `json:"withdrawal_shares_proceeds"`
	LpSharePrice                    *big.Int `json:"lp_share_price"`
	LongExposure                    *big.Int `json:"long_exposure"`
}

// Fees 对应 IHyperdrive.Fees。
type Fees struct {
	Curve            *big.Int `json:"curve"`
	Flat             *big.Int `json:"flat"`
	GovernanceLP     *big.Int `json:"governance_lp"`
	GovernanceZombie *big.Int `json:"governance_zombie"`
}

// PoolConfig 对应 getPoolConfig 的返回结构，部署后不可变。
type PoolConfig struct {
	BaseToken                common.Address `json:"base_token"`
	VaultSharesToken         common.Address `json:"vault_shares_token"`
	LinkerFactory            common.Address `json:"linker_factory"`
	LinkerCodeHash           [32]byte       `json:"-"`
	InitialVaultSharePrice   *big.Int       `json:"initial_vault_share_price"`
	MinimumShareReserves     *big.Int       `json:"minimum_share_reserves"`
	MinimumTransactionAmount *big.Int       `json:"minimum_transaction_amount"`
	CircuitBreakerDelta      *big.Int       `json:"circuit_breaker_delta"`
	PositionDuration         *big.Int       `json:"position_duration"`
	CheckpointDuration       *big.Int       `json:"checkpoint_duration"`
	TimeStretch              *big.Int       `json:"time_stretch"`
	Governance               common.Address `json:"governance"`
	FeeCollector             common.Address `json:"fee_collector"`
	SweepCollector           common.Address `json:"sweep_collector"`
	CheckpointRewarder       common.Address `json:"checkpoint_rewarder"`
	Fees                     Fees           `json:"fees"`
}

// DecodePoolInfo 解码 getPoolInfo 的返回数据。
func DecodePoolInfo(data []byte) (*PoolInfo, error) {
	out, err := HyperdriveABI.Unpack("getPoolInfo", data)
	if err != nil {
		return nil, fmt.Errorf("解码 getPoolInfo 失败: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("getPoolInfo 返回 %d 个值", len(out))
	}
	return abi.ConvertType(out[0], new(PoolInfo)).(*PoolInfo), nil
}

// DecodePoolConfig 解码 getPoolConfig 的返回数据。
func DecodePoolConfig(data []byte) (*PoolConfig, error) {
	out, err := HyperdriveABI.Unpack("getPoolConfig", data)
	if err != nil {
		return nil, fmt.Errorf("解码 getPoolConfig 失败: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("getPoolConfig 返回 %d 个值", len(out))
	}
	return abi.ConvertType(out[0], new(PoolConfig)).(*PoolConfig), nil
}

// Checkpoint 对应 getCheckpoint 的返回结构。VaultSharePrice 为 0 表示该检查点尚未铸造。
type Checkpoint struct {
	WeightedSpotPrice               *big.Int `json:"weighted_spot_price"`
	LastWeightedSpotPriceUpdateTime *big.Int `json:"last_weighted_spot_price_update_time"`
	VaultSharePrice                 *big.Int `json:"vault_share_price"`
}

// Minted 判断检查点是否已被铸造。
func (c *Checkpoint) Minted() bool {
	return c != nil && c.VaultSharePrice != nil && c.VaultSharePrice.Sign() > 0
}

// DecodeCheckpoint 解码 getCheckpoint 的返回数据。
func DecodeCheckpoint(data []byte) (*Checkpoint, error) {
	out, err := HyperdriveABI.Unpack("getCheckpoint", data)
	if err != nil {
		return nil, fmt.Errorf("解码 getCheckpoint 失败: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("getCheckpoint 返回 %d 个值", len(out))
	}
	return abi.ConvertType(out[0], new(Checkpoint)).(*Checkpoint), nil
}
