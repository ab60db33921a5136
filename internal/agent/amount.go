package agent

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultDecimals 是 ERC20 与原生币的默认精度。
const DefaultDecimals int32 = 18

// ParseAmount 将十进制字符串形式的代币数量换算为最小单位（wei）。
// 空字符串视为 0，负数与超出精度的小数位会被拒绝。
func ParseAmount(value string, decimals int32) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return new(big.Int), nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("解析数量 %q 失败: %w", value, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("数量 %q 不能为负", value)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("数量 %q 超出 %d 位精度", value, decimals)
	}
	return scaled.BigInt(), nil
}

// FormatAmount 将最小单位数量格式化为十进制字符串，用于日志与 API 输出。
func FormatAmount(amount *big.Int, decimals int32) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -decimals).String()
}
