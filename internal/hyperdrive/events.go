package hyperdrive

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"hyperfleet/internal/agent"
)

type openLongEvent struct {
	MaturityTime    *big.Int
	Amount          *big.Int
	VaultSharePrice *big.Int
	AsBase          bool
	BondAmount      *big.Int
	ExtraData       []byte
}

type openShortEvent struct {
	MaturityTime    *big.Int
	Amount          *big.Int
	VaultSharePrice *big.Int
	AsBase          bool
	BaseProceeds    *big.Int
	BondAmount      *big.Int
	ExtraData       []byte
}

// ParseOpenPosition 从回执日志中找到 trader 的开仓事件并转换为头寸。
// 回执不含开仓事件时返回 nil。
func (m Market) ParseOpenPosition(receipt *types.Receipt, trader common.Address) *agent.Position {
	if receipt == nil {
		return nil
	}
	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	longID := HyperdriveABI.Events["OpenLong"].ID
	shortID := HyperdriveABI.Events["OpenShort"].ID
	for _, log := range receipt.Logs {
		if log == nil || log.Address != m.Hyperdrive || len(log.Topics) < 2 {
			continue
		}
		if common.BytesToAddress(log.Topics[1].Bytes()) != trader {
			continue
		}
		switch log.Topics[0] {
		case longID:
			var ev openLongEvent
			if err := HyperdriveABI.UnpackIntoInterface(&ev, "OpenLong", log.Data); err != nil {
				continue
			}
			return &agent.Position{
				Kind:         agent.PositionLong,
				MaturityTime: ev.MaturityTime,
				Bonds:        ev.BondAmount,
				Cost:         ev.Amount,
				OpenedBlock:  block,
			}
		case shortID:
			var ev openShortEvent
			if err := HyperdriveABI.UnpackIntoInterface(&ev, "OpenShort", log.Data); err != nil {
				continue
			}
			return &agent.Position{
				Kind:         agent.PositionShort,
				MaturityTime: ev.MaturityTime,
				Bonds:        ev.BondAmount,
				Cost:         ev.Amount,
				OpenedBlock:  block,
			}
		}
	}
	return nil
}
