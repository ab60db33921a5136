package hyperdrive

import (
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

const secondsPerYear = 365 * 24 * 60 * 60

// fixed 把 18 位定点整数转换为十进制数。
func fixed(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -18)
}

// SpotPrice 返回债券的现货价格 ((mu * (z - zeta)) / y) ^ ts。
// 储备为空或参数缺失时 ok 为 false。
func SpotPrice(info *PoolInfo, cfg *PoolConfig) (price decimal.Decimal, ok bool) {
	if info == nil || cfg == nil {
		return decimal.Zero, false
	}
	mu := fixed(cfg.InitialVaultSharePrice)
	effective := fixed(info.ShareReserves).Sub(fixed(info.ShareAdjustment))
	bonds := fixed(info.BondReserves)
	ts := fixed(cfg.TimeStretch)
	if mu.Sign() <= 0 || effective.Sign() <= 0 || bonds.Sign() <= 0 || ts.Sign() <= 0 {
		return decimal.Zero, false
	}
	ratio := mu.Mul(effective).Div(bonds).InexactFloat64()
	p := math.Pow(ratio, ts.InexactFloat64())
	if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(p), true
}

// FixedRate 返回池的年化固定利率 (1 - p) / (p * t)，t 为以年计的头寸期限。
func FixedRate(info *PoolInfo, cfg *PoolConfig) (decimal.Decimal, bool) {
	p, ok := SpotPrice(info, cfg)
	if !ok || cfg.PositionDuration == nil || cfg.PositionDuration.Sign() <= 0 {
		return decimal.Zero, false
	}
	years := decimal.NewFromBigInt(cfg.PositionDuration, 0).Div(decimal.NewFromInt(secondsPerYear))
	return decimal.NewFromInt(1).Sub(p).Div(p.Mul(years)), true
}
