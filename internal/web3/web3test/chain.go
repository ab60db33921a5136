// Package web3test 提供内存中的链模拟，实现 web3.Client，用于在不依赖节点的
// 情况下测试注资、执行与调度逻辑。它理解原生币转账、基础代币的
// transfer/approve/balanceOf/allowance 以及 Hyperdrive 的 getPoolInfo/getPoolConfig。
package web3test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"hyperfleet/internal/hyperdrive"
	"hyperfleet/internal/web3"
)

// ChainID 是模拟链的链 ID。
var ChainID = big.NewInt(1337)

// Span 记录一次 RPC 调用的起止时间。
type Span struct {
	Method string
	Start  time.Time
	End    time.Time
}

// Chain 是可编程的内存链。零值不可用，请使用 NewChain。
type Chain struct {
	mu sync.Mutex

	Market hyperdrive.Market

	// AutoMine 为 true 时每笔交易在发送后立即打包。
	AutoMine bool
	// CallDelay 让每次调用在返回前等待，用于观察并发。
	CallDelay time.Duration
	// RevertIf 返回 true 的交易打包后状态为 0。
	RevertIf func(tx *types.Transaction) bool
	// DropIf 返回 true 的交易在下一次打包时被逐出交易池，永远不会上链。
	DropIf func(tx *types.Transaction) bool

	block     uint64
	blockTime uint64
	baseFee   *big.Int
	tip       *big.Int

	native     map[common.Address]*big.Int
	tokens     map[common.Address]*big.Int
	allowances map[common.Address]*big.Int
	nonces     map[common.Address]uint64

	pending  []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction
	failures map[string][]error
	lost     []error
	spans    []Span

	pool        hyperdrive.PoolInfo
	poolConfig  hyperdrive.PoolConfig
	checkpoints map[uint64]*big.Int
}

// NewChain 创建一条位于区块 1 的模拟链。
func NewChain(market hyperdrive.Market) *Chain {
	c := &Chain{
		Market:      market,
		block:       1,
		blockTime:   1_700_000_000,
		baseFee:     big.NewInt(1_000_000_000),
		tip:         big.NewInt(100_000_000),
		native:      make(map[common.Address]*big.Int),
		tokens:      make(map[common.Address]*big.Int),
		allowances:  make(map[common.Address]*big.Int),
		nonces:      make(map[common.Address]uint64),
		receipts:    make(map[common.Hash]*types.Receipt),
		failures:    make(map[string][]error),
		checkpoints: make(map[uint64]*big.Int),
	}
	one := big.NewInt(1)
	c.pool = hyperdrive.PoolInfo{
		ShareReserves: big.NewInt(1e18), ShareAdjustment: new(big.Int), ZombieBaseProceeds: new(big.Int),
		ZombieShareReserves: new(big.Int), BondReserves: big.NewInt(2e18), LpTotalSupply: big.NewInt(1e18),
		VaultSharePrice: one, LongsOutstanding: new(big.Int), LongAverageMaturityTime: new(big.Int),
		ShortsOutstanding: new(big.Int), ShortAverageMaturityTime: new(big.Int),
		WithdrawalSharesReadyToWithdraw: new(big.Int), WithdrawalSharesProceeds: new(big.Int),
		LpSharePrice: one, LongExposure: new(big.Int),
	}
	c.poolConfig = hyperdrive.PoolConfig{
		BaseToken: market.BaseToken, InitialVaultSharePrice: one, MinimumShareReserves: one,
		MinimumTransactionAmount: big.NewInt(1_000), CircuitBreakerDelta: one,
		PositionDuration: big.NewInt(604_800), CheckpointDuration: big.NewInt(3_600), TimeStretch: one,
		Fees: hyperdrive.Fees{Curve: new(big.Int), Flat: new(big.Int), GovernanceLP: new(big.Int), GovernanceZombie: new(big.Int)},
	}
	return c
}

// MintCheckpoint 把检查点标记为已铸造，模拟其他账户先一步铸造。
func (c *Chain) MintCheckpoint(checkpointTime uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpoints[checkpointTime] = big.NewInt(1)
}

// CheckpointMinted 判断检查点是否已铸造。
func (c *Chain) CheckpointMinted(checkpointTime uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpoints[checkpointTime] != nil
}

// SetNative 设置账户原生币余额。
func (c *Chain) SetNative(addr common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.native[addr] = new(big.Int).Set(amount)
}

// SetToken 设置账户基础代币余额。
func (c *Chain) SetToken(addr common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[addr] = new(big.Int).Set(amount)
}

// Native 返回账户原生币余额。
func (c *Chain) Native(addr common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneOrZero(c.native[addr])
}

// Token 返回账户基础代币余额。
func (c *Chain) Token(addr common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneOrZero(c.tokens[addr])
}

// Allowance 返回账户对池合约的授权额度。
func (c *Chain) Allowance(addr common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneOrZero(c.allowances[addr])
}

// FailNext 让接下来对 method 的调用依次返回 errs。
func (c *Chain) FailNext(method string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[method] = append(c.failures[method], errs...)
}

// FailAfterAccept 让接下来的 SendTransaction 在交易已进入交易池后依次返回 errs，
// 模拟广播成功但响应丢失。
func (c *Chain) FailAfterAccept(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lost = append(c.lost, errs...)
}

// Sent 返回所有被接受进交易池的交易。
func (c *Chain) Sent() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.sent...)
}

// Pending 返回尚未打包的交易数量。
func (c *Chain) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Spans 返回调用记录。
func (c *Chain) Spans() []Span {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Span(nil), c.spans...)
}

// BlockNumber 返回当前区块高度。
func (c *Chain) BlockNumber() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.block
}

// Advance 推进若干个空块，每块 12 秒。
func (c *Chain) Advance(blocks uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.block += blocks
	c.blockTime += 12 * blocks
}

// Mine 打包交易池中所有未被丢弃的交易，生成一个新块。
func (c *Chain) Mine() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mineLocked()
}

func (c *Chain) mineLocked() {
	c.block++
	c.blockTime += 12
	signer := types.LatestSignerForChainID(ChainID)
	var keep []*types.Transaction
	for _, tx := range c.pending {
		if c.DropIf != nil && c.DropIf(tx) {
			continue
		}
		from, _ := types.Sender(signer, tx)
		if tx.Nonce() != c.nonces[from] {
			keep = append(keep, tx)
			continue
		}
		c.nonces[from]++
		status := types.ReceiptStatusSuccessful
		if (c.RevertIf != nil && c.RevertIf(tx)) || !c.applyLocked(from, tx) {
			status = types.ReceiptStatusFailed
		}
		c.receipts[tx.Hash()] = &types.Receipt{
			Type:        tx.Type(),
			Status:      status,
			TxHash:      tx.Hash(),
			GasUsed:     tx.Gas() / 2,
			BlockNumber: new(big.Int).SetUint64(c.block),
		}
	}
	c.pending = keep
}

// applyLocked 执行状态变更，返回 false 表示回滚。
func (c *Chain) applyLocked(from common.Address, tx *types.Transaction) bool {
	value := tx.Value()
	if cloneOrZero(c.native[from]).Cmp(value) < 0 {
		return false
	}
	data := tx.Data()
	to := tx.To()
	if to != nil && *to == c.Market.BaseToken && len(data) >= 4 {
		method, err := hyperdrive.ERC20ABI.MethodById(data[:4])
		if err != nil {
			return false
		}
		args, err := method.Inputs.Unpack(data[4:])
		if err != nil {
			return false
		}
		switch method.Name {
		case "transfer":
			dst, amount := args[0].(common.Address), args[1].(*big.Int)
			bal := cloneOrZero(c.tokens[from])
			if bal.Cmp(amount) < 0 {
				return false
			}
			c.tokens[from] = bal.Sub(bal, amount)
			c.tokens[dst] = new(big.Int).Add(cloneOrZero(c.tokens[dst]), amount)
		case "approve":
			c.allowances[from] = new(big.Int).Set(args[1].(*big.Int))
		default:
			return false
		}
	}
	if to != nil && *to == c.Market.Hyperdrive && len(data) >= 4 &&
		bytes.Equal(data[:4], hyperdrive.HyperdriveABI.Methods["checkpoint"].ID) {
		args, err := hyperdrive.HyperdriveABI.Methods["checkpoint"].Inputs.Unpack(data[4:])
		if err != nil {
			return false
		}
		// 已铸造的检查点再次铸造是空操作
		if checkpointTime := args[0].(*big.Int).Uint64(); c.checkpoints[checkpointTime] == nil {
			c.checkpoints[checkpointTime] = big.NewInt(1)
		}
	}
	c.native[from] = new(big.Int).Sub(cloneOrZero(c.native[from]), value)
	if to != nil && value.Sign() > 0 {
		c.native[*to] = new(big.Int).Add(cloneOrZero(c.native[*to]), value)
	}
	return true
}

func (c *Chain) enter(method string) (func(), error) {
	start := time.Now()
	if c.CallDelay > 0 {
		time.Sleep(c.CallDelay)
	}
	c.mu.Lock()
	var err error
	if queue := c.failures[method]; len(queue) > 0 {
		err = queue[0]
		c.failures[method] = queue[1:]
	}
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.spans = append(c.spans, Span{Method: method, Start: start, End: time.Now()})
		c.mu.Unlock()
	}, err
}

func (c *Chain) ChainID(ctx context.Context) (*big.Int, error) {
	done, err := c.enter(web3.MethodChainID)
	defer done()
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(ChainID), nil
}

func (c *Chain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	done, err := c.enter(web3.MethodHeaderByNumber)
	defer done()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return &types.Header{
		Number:  new(big.Int).SetUint64(c.block),
		Time:    c.blockTime,
		BaseFee: new(big.Int).Set(c.baseFee),
	}, nil
}

func (c *Chain) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	done, err := c.enter(web3.MethodBalanceAt)
	defer done()
	if err != nil {
		return nil, err
	}
	return c.Native(account), nil
}

func (c *Chain) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	done, err := c.enter(web3.MethodNonceAt)
	defer done()
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[account], nil
}

func (c *Chain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	done, err := c.enter(web3.MethodPendingNonceAt)
	defer done()
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextNonceLocked(account), nil
}

func (c *Chain) nextNonceLocked(account common.Address) uint64 {
	next := c.nonces[account]
	signer := types.LatestSignerForChainID(ChainID)
	for {
		found := false
		for _, tx := range c.pending {
			if from, _ := types.Sender(signer, tx); from == account && tx.Nonce() == next {
				next++
				found = true
			}
		}
		if !found {
			return next
		}
	}
}

func (c *Chain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	done, err := c.enter(web3.MethodSuggestGasTipCap)
	defer done()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.tip), nil
}

func (c *Chain) EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error) {
	done, err := c.enter(web3.MethodEstimateGas)
	defer done()
	if err != nil {
		return 0, err
	}
	if len(msg.Data) == 0 {
		return 21_000, nil
	}
	return 150_000, nil
}

func (c *Chain) CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error) {
	done, err := c.enter(web3.MethodCallContract)
	defer done()
	if err != nil {
		return nil, err
	}
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, errors.New("execution reverted")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch *msg.To {
	case c.Market.BaseToken:
		method, err := hyperdrive.ERC20ABI.MethodById(msg.Data[:4])
		if err != nil {
			return nil, errors.New("execution reverted")
		}
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		switch method.Name {
		case "balanceOf":
			return method.Outputs.Pack(cloneOrZero(c.tokens[args[0].(common.Address)]))
		case "allowance":
			return method.Outputs.Pack(cloneOrZero(c.allowances[args[0].(common.Address)]))
		}
	case c.Market.Hyperdrive:
		switch {
		case bytes.Equal(msg.Data[:4], hyperdrive.HyperdriveABI.Methods["getPoolInfo"].ID):
			return hyperdrive.HyperdriveABI.Methods["getPoolInfo"].Outputs.Pack(c.pool)
		case bytes.Equal(msg.Data[:4], hyperdrive.HyperdriveABI.Methods["getPoolConfig"].ID):
			return hyperdrive.HyperdriveABI.Methods["getPoolConfig"].Outputs.Pack(c.poolConfig)
		case bytes.Equal(msg.Data[:4], hyperdrive.HyperdriveABI.Methods["getCheckpoint"].ID):
			method := hyperdrive.HyperdriveABI.Methods["getCheckpoint"]
			args, err := method.Inputs.Unpack(msg.Data[4:])
			if err != nil {
				return nil, err
			}
			price := cloneOrZero(c.checkpoints[args[0].(*big.Int).Uint64()])
			return method.Outputs.Pack(hyperdrive.Checkpoint{
				WeightedSpotPrice:               new(big.Int),
				LastWeightedSpotPriceUpdateTime: new(big.Int),
				VaultSharePrice:                 price,
			})
		}
	}
	return nil, errors.New("execution reverted")
}

func (c *Chain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	done, err := c.enter(web3.MethodSendTransaction)
	defer done()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	from, err := types.Sender(types.LatestSignerForChainID(ChainID), tx)
	if err != nil {
		return err
	}
	if _, ok := c.receipts[tx.Hash()]; ok {
		return errors.New("already known")
	}
	for i, p := range c.pending {
		if p.Hash() == tx.Hash() {
			return errors.New("already known")
		}
		if pf, _ := types.Sender(types.LatestSignerForChainID(ChainID), p); pf == from && p.Nonce() == tx.Nonce() {
			if tx.GasFeeCap().Cmp(p.GasFeeCap()) <= 0 {
				return errors.New("replacement transaction underpriced")
			}
			c.pending[i] = tx
			c.sent = append(c.sent, tx)
			c.maybeMineLocked()
			return c.acceptedLocked()
		}
	}
	if tx.Nonce() < c.nonces[from] {
		return fmt.Errorf("nonce too low: address %s, tx: %d state: %d", from.Hex(), tx.Nonce(), c.nonces[from])
	}
	cost := new(big.Int).Mul(tx.GasFeeCap(), new(big.Int).SetUint64(tx.Gas()))
	cost.Add(cost, tx.Value())
	if cloneOrZero(c.native[from]).Cmp(cost) < 0 {
		return fmt.Errorf("insufficient funds for gas * price + value: address %s", from.Hex())
	}
	c.pending = append(c.pending, tx)
	c.sent = append(c.sent, tx)
	c.maybeMineLocked()
	return c.acceptedLocked()
}

func (c *Chain) acceptedLocked() error {
	if len(c.lost) == 0 {
		return nil
	}
	err := c.lost[0]
	c.lost = c.lost[1:]
	return err
}

func (c *Chain) maybeMineLocked() {
	if c.AutoMine {
		c.mineLocked()
	}
}

func (c *Chain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	done, err := c.enter(web3.MethodTransactionReceipt)
	defer done()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt, ok := c.receipts[txHash]
	if !ok {
		return nil, gethcore.NotFound
	}
	return receipt, nil
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

var _ web3.Client = (*Chain)(nil)
