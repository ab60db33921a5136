// Package hyperdrive 编码 Hyperdrive 池与其 ERC20 基础代币的合约调用，
// 并解码池状态与开仓事件。ABI 只保留舰队实际用到的方法。
package hyperdrive

import (
	"bytes"
	_ "embed"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	//go:embed abi/IHyperdrive.json
	hyperdriveJSON []byte
	//go:embed abi/ERC20.json
	erc20JSON []byte

	// HyperdriveABI 是池合约 ABI。
	HyperdriveABI = mustParse(hyperdriveJSON)
	// ERC20ABI 是基础代币 ABI。
	ERC20ABI = mustParse(erc20JSON)

	// MaxUint256 用作无上限授权与 maxApr。
	MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

func mustParse(raw []byte) abi.ABI {
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		panic("hyperdrive: 解析内置 ABI 失败: " + err.Error())
	}
	return parsed
}

// Options 对应 IHyperdrive.Options 结构。
type Options struct {
	Destination common.Address
	AsBase      bool
	ExtraData   []byte
}
