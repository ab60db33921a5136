// Package limiter 为 web3.Client 加上全局准入控制：信号量限制同时在途的
// RPC 调用数量，令牌桶限制请求速率。所有代理共享同一个 Client 实例。
package limiter

import (
	"context"
	"math/big"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"hyperfleet/internal/web3"
)

// Observer 在每次调用完成后收到方法名、耗时与错误。
type Observer func(method string, elapsed time.Duration, err error)

// Client 是带准入控制的 web3.Client 装饰器。
type Client struct {
	inner    web3.Client
	sem      *semaphore.Weighted
	rate     *rate.Limiter
	observer Observer

	mu       sync.Mutex
	inFlight int64
	peak     int64
	calls    int64
}

// Option 定义可选配置。
type Option func(*Client)

// WithMaxInFlight 设置同时在途的 RPC 调用上限，默认 8。
func WithMaxInFlight(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithRate 设置每秒请求数与突发量，rps<=0 表示不限速。
func WithRate(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.rate = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.rate = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithObserver 注册调用观察者，用于指标上报。
func WithObserver(obs Observer) Option {
	return func(c *Client) {
		c.observer = obs
	}
}

// New 包装一个 web3.Client。
func New(inner web3.Client, opts ...Option) *Client {
	c := &Client{inner: inner, sem: semaphore.NewWeighted(8)}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Stats 汇总准入情况。
type Stats struct {
	InFlight int64
	Peak     int64
	Calls    int64
}

// Stats 返回当前在途数、历史峰值与累计调用数。
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{InFlight: c.inFlight, Peak: c.peak, Calls: c.calls}
}

// do 在准入后执行 fn，ctx 取消时在排队阶段直接返回。
func (c *Client) do(ctx context.Context, method string, fn func(context.Context) error) error {
	if c.rate != nil {
		if err := c.rate.Wait(ctx); err != nil {
			return err
		}
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	c.mu.Lock()
	c.inFlight++
	c.calls++
	if c.inFlight > c.peak {
		c.peak = c.inFlight
	}
	c.mu.Unlock()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()
	c.sem.Release(1)

	if c.observer != nil {
		c.observer(method, elapsed, err)
	}
	return err
}

func (c *Client) ChainID(ctx context.Context) (id *big.Int, err error) {
	err = c.do(ctx, web3.MethodChainID, func(ctx context.Context) error {
		id, err = c.inner.ChainID(ctx)
		return err
	})
	return id, err
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (head *types.Header, err error) {
	err = c.do(ctx, web3.MethodHeaderByNumber, func(ctx context.Context) error {
		head, err = c.inner.HeaderByNumber(ctx, number)
		return err
	})
	return head, err
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (balance *big.Int, err error) {
	err = c.do(ctx, web3.MethodBalanceAt, func(ctx context.Context) error {
		balance, err = c.inner.BalanceAt(ctx, account, blockNumber)
		return err
	})
	return balance, err
}

func (c *Client) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (nonce uint64, err error) {
	err = c.do(ctx, web3.MethodNonceAt, func(ctx context.Context) error {
		nonce, err = c.inner.NonceAt(ctx, account, blockNumber)
		return err
	})
	return nonce, err
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (nonce uint64, err error) {
	err = c.do(ctx, web3.MethodPendingNonceAt, func(ctx context.Context) error {
		nonce, err = c.inner.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

func (c *Client) SuggestGasTipCap(ctx context.Context) (tip *big.Int, err error) {
	err = c.do(ctx, web3.MethodSuggestGasTipCap, func(ctx context.Context) error {
		tip, err = c.inner.SuggestGasTipCap(ctx)
		return err
	})
	return tip, err
}

func (c *Client) EstimateGas(ctx context.Context, msg gethcore.CallMsg) (gas uint64, err error) {
	err = c.do(ctx, web3.MethodEstimateGas, func(ctx context.Context) error {
		gas, err = c.inner.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

func (c *Client) CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) (out []byte, err error) {
	err = c.do(ctx, web3.MethodCallContract, func(ctx context.Context) error {
		out, err = c.inner.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.do(ctx, web3.MethodSendTransaction, func(ctx context.Context) error {
		return c.inner.SendTransaction(ctx, tx)
	})
}

func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (receipt *types.Receipt, err error) {
	err = c.do(ctx, web3.MethodTransactionReceipt, func(ctx context.Context) error {
		receipt, err = c.inner.TransactionReceipt(ctx, txHash)
		return err
	})
	return receipt, err
}

var _ web3.Client = (*Client)(nil)
