// Package ethereum 基于 go-ethereum 实现 web3.Client：通过 ethclient 访问
// JSON-RPC 节点，或在测试中包装 simulated 后端。每次调用附带超时，错误在
// 返回前统一归类。
package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "hyperfleet/internal/errors"
	"hyperfleet/internal/web3"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name    string
	RPCURL  string
	ChainID uint64
	Timeout time.Duration
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name      string
	rpcClient *gethrpc.Client
	backend   web3.Client
	timeout   time.Duration

	mu      sync.Mutex
	chainID *big.Int
	closeFn func()
}

// NewClient dials the configured RPC endpoint and verifies the chain id when one is configured.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEndpointUnreachable, err, "连接节点失败")
	}
	eth := ethclient.NewClient(rpcClient)
	c := &Client{
		name:      cfg.Name,
		rpcClient: rpcClient,
		backend:   eth,
		timeout:   cfg.Timeout,
		closeFn:   eth.Close,
	}

	id, err := c.ChainID(ctx)
	if err != nil {
		c.Close()
		return nil, xerrors.Wrap(xerrors.CodeEndpointUnreachable, err, "查询链 ID 失败")
	}
	if cfg.ChainID != 0 && id.Uint64() != cfg.ChainID {
		c.Close()
		return nil, xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("节点链 ID %s 与配置 %d 不一致", id, cfg.ChainID))
	}
	return c, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for testing purposes.
// The backend stays owned by the caller.
func NewSimulatedClient(name string, backend *simulated.Backend) *Client {
	return &Client{name: name, backend: backend.Client()}
}

// Name returns the configured client name.
func (c *Client) Name() string { return c.name }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeFn != nil {
		c.closeFn()
		c.closeFn = nil
	}
	c.rpcClient = nil
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// ChainID returns the chain id, cached after the first successful call.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, web3.Classify(web3.MethodChainID, err)
	}
	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	head, err := c.backend.HeaderByNumber(ctx, number)
	return head, web3.Classify(web3.MethodHeaderByNumber, err)
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	balance, err := c.backend.BalanceAt(ctx, account, blockNumber)
	return balance, web3.Classify(web3.MethodBalanceAt, err)
}

func (c *Client) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	nonce, err := c.backend.NonceAt(ctx, account, blockNumber)
	return nonce, web3.Classify(web3.MethodNonceAt, err)
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	nonce, err := c.backend.PendingNonceAt(ctx, account)
	return nonce, web3.Classify(web3.MethodPendingNonceAt, err)
}

func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	tip, err := c.backend.SuggestGasTipCap(ctx)
	return tip, web3.Classify(web3.MethodSuggestGasTipCap, err)
}

func (c *Client) EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	gas, err := c.backend.EstimateGas(ctx, msg)
	return gas, web3.Classify(web3.MethodEstimateGas, err)
}

func (c *Client) CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	out, err := c.backend.CallContract(ctx, msg, blockNumber)
	return out, web3.Classify(web3.MethodCallContract, err)
}

// SendTransaction broadcasts a signed transaction. A node that already holds
// the same transaction is treated as success.
func (c *Client) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	err := c.backend.SendTransaction(ctx, tx)
	if web3.IsAlreadyKnown(err) {
		return nil
	}
	return web3.Classify(web3.MethodSendTransaction, err)
}

func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	receipt, err := c.backend.TransactionReceipt(ctx, txHash)
	return receipt, web3.Classify(web3.MethodTransactionReceipt, err)
}

var _ web3.Client = (*Client)(nil)
