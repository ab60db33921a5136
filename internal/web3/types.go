package web3

import (
	"context"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Client 是执行引擎、注资服务与快照缓存共用的 RPC 能力集合。
// 方法签名与 ethclient.Client 一致，simulated 后端也可直接满足。
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Method names used for metrics and limiter accounting.
const (
	MethodChainID            = "eth_chainId"
	MethodHeaderByNumber     = "eth_getBlockByNumber"
	MethodBalanceAt          = "eth_getBalance"
	MethodNonceAt            = "eth_getTransactionCount"
	MethodPendingNonceAt     = "eth_getTransactionCount_pending"
	MethodSuggestGasTipCap   = "eth_maxPriorityFeePerGas"
	MethodEstimateGas        = "eth_estimateGas"
	MethodCallContract       = "eth_call"
	MethodSendTransaction    = "eth_sendRawTransaction"
	MethodTransactionReceipt = "eth_getTransactionReceipt"
)
