// Package execution 把交易意图变成已签名的 EIP-1559 交易并跟踪到终态。
// 每个钱包同一时刻至多一笔 PENDING 交易；超时的交易按配置重新派生 nonce、
// 提高手续费后重发一次，再次超时则升级为 TX_TIMEOUT。
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"hyperfleet/internal/agent"
	xerrors "hyperfleet/internal/errors"
	"hyperfleet/internal/hyperdrive"
	"hyperfleet/internal/wallet"
	"hyperfleet/internal/web3"
	"hyperfleet/pkg/logger"
)

// Config 控制手续费、gas 与回执轮询。
type Config struct {
	TxTimeout           time.Duration
	PollInitial         time.Duration
	PollMaxInterval     time.Duration
	PollJitter          time.Duration
	BaseFeeMultiple     float64
	PriorityFeeMultiple float64
	FeeBumpPercent      int
	GasLimit            uint64
	GasMarginPercent    int
	MaxResubmissions    int
	ReadRetries         int
	WriteRetries        int
}

// DefaultConfig 返回默认配置：maxFee = 2*baseFee + tip，超时 120s，重发一次。
func DefaultConfig() Config {
	return Config{
		TxTimeout:           120 * time.Second,
		PollInitial:         10 * time.Millisecond,
		PollMaxInterval:     2 * time.Second,
		PollJitter:          100 * time.Millisecond,
		BaseFeeMultiple:     2,
		PriorityFeeMultiple: 1,
		FeeBumpPercent:      25,
		GasMarginPercent:    20,
		MaxResubmissions:    1,
		ReadRetries:         5,
		WriteRetries:        1,
	}
}

// Recorder 接收进入终态的交易记录。
type Recorder interface {
	Record(ctx context.Context, rec agent.TransactionRecord) error
}

// Invalidator 在交易确认后使行情快照失效。
type Invalidator interface {
	Invalidate()
}

type inflight struct {
	rec  *agent.TransactionRecord
	key  *wallet.Key
	call hyperdrive.Call
	gas  uint64
}

// Engine 是执行引擎。
type Engine struct {
	client     web3.Client
	market     hyperdrive.Market
	cfg        Config
	nonces     *NonceManager
	recorder   Recorder
	cache      Invalidator
	observer   func(rec agent.TransactionRecord)
	now        func() time.Time
	newBackOff func() backoff.BackOff

	mu      sync.Mutex
	pending map[string]*inflight
	chainID *big.Int
}

// Option 定义可选配置。
type Option func(*Engine)

// WithRecorder 设置终态记录的接收方。
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithInvalidator 设置确认后需要失效的快照缓存。
func WithInvalidator(inv Invalidator) Option {
	return func(e *Engine) { e.cache = inv }
}

// WithObserver 注册记录状态变化的观察者，用于指标上报。
func WithObserver(fn func(rec agent.TransactionRecord)) Option {
	return func(e *Engine) { e.observer = fn }
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithBackOff 替换读重试的退避策略。
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(e *Engine) {
		if factory != nil {
			e.newBackOff = factory
		}
	}
}

// New 创建执行引擎。
func New(client web3.Client, market hyperdrive.Market, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = def.TxTimeout
	}
	if cfg.PollInitial <= 0 {
		cfg.PollInitial = def.PollInitial
	}
	if cfg.PollMaxInterval <= 0 {
		cfg.PollMaxInterval = def.PollMaxInterval
	}
	if cfg.BaseFeeMultiple <= 0 {
		cfg.BaseFeeMultiple = def.BaseFeeMultiple
	}
	if cfg.PriorityFeeMultiple <= 0 {
		cfg.PriorityFeeMultiple = def.PriorityFeeMultiple
	}
	if cfg.GasMarginPercent < 0 {
		cfg.GasMarginPercent = 0
	}
	e := &Engine{
		client:  client,
		market:  market,
		cfg:     cfg,
		nonces:  NewNonceManager(client),
		now:     time.Now,
		pending: make(map[string]*inflight),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Nonces 暴露 nonce 管理器，供测试与诊断使用。
func (e *Engine) Nonces() *NonceManager { return e.nonces }

// Submit 以代理钱包签名并广播交易意图。
func (e *Engine) Submit(ctx context.Context, a *agent.Agent, intent agent.TradeIntent) (*agent.TransactionRecord, error) {
	return e.SubmitAs(ctx, a.ID, a.Key, intent)
}

// SubmitOption 定义单次提交的可选行为。
type SubmitOption func(*submitOptions)

type submitOptions struct {
	onSigned func(txHash string, nonce uint64) error
}

// OnSigned 在交易签名之后、首次广播之前回调，回调出错则放弃广播。
// 调用方借此在交易可能上链之前持久化其哈希。
func OnSigned(fn func(txHash string, nonce uint64) error) SubmitOption {
	return func(o *submitOptions) { o.onSigned = fn }
}

// SubmitAs 以 owner 的身份提交交易，owner 用于单笔在途约束与审计归属。
func (e *Engine) SubmitAs(ctx context.Context, owner string, key *wallet.Key, intent agent.TradeIntent, opts ...SubmitOption) (*agent.TransactionRecord, error) {
	var so submitOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&so)
		}
	}
	if key == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "缺少签名私钥", xerrors.WithMetadata("agent", owner))
	}
	if !e.reserve(owner) {
		return nil, xerrors.New(xerrors.CodePendingInFlight, "", xerrors.WithMetadata("agent", owner))
	}
	entry, err := e.submit(ctx, owner, key, intent, so.onSigned)
	if err != nil {
		e.release(owner, nil)
		return nil, err
	}
	e.mu.Lock()
	e.pending[owner] = entry
	e.mu.Unlock()
	e.notify(entry.rec)
	return entry.rec.Clone(), nil
}

// reserve 占用 owner 的在途槽位，占位值为 nil。
func (e *Engine) reserve(owner string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.pending[owner]; busy {
		return false
	}
	e.pending[owner] = nil
	return true
}

// release 释放槽位；entry 非空时仅在槽位仍属于它时释放。
func (e *Engine) release(owner string, entry *inflight) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.pending[owner]; ok && (entry == nil || cur == entry) {
		delete(e.pending, owner)
	}
}

// Pending 返回 owner 当前的 PENDING 记录。
func (e *Engine) Pending(owner string) (*agent.TransactionRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry := e.pending[owner]
	if entry == nil {
		return nil, false
	}
	return entry.rec.Clone(), true
}

// PendingCount 返回在途交易总数。
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, entry := range e.pending {
		if entry != nil {
			n++
		}
	}
	return n
}

func (e *Engine) submit(ctx context.Context, owner string, key *wallet.Key, intent agent.TradeIntent, onSigned func(string, uint64) error) (*inflight, error) {
	from := key.Address()
	call, err := e.market.Encode(from, intent)
	if err != nil {
		return nil, err
	}
	gas, err := e.gasFor(ctx, from, call)
	if err != nil {
		return nil, err
	}
	tip, feeCap, err := e.fees(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := e.nonces.Next(ctx, from)
	if err != nil {
		return nil, err
	}

	entry := &inflight{key: key, call: call, gas: gas}
	tx, err := e.signAndSend(ctx, entry, nonce, tip, feeCap, onSigned)
	if xerrors.IsCode(err, xerrors.CodeNonceConflict) {
		e.log().Warn("nonce 冲突，重新派生后重发",
			slog.String("agent", owner), slog.Uint64("nonce", nonce))
		nonce, err = e.nonces.Resync(ctx, from)
		if err == nil {
			tx, err = e.signAndSend(ctx, entry, nonce, tip, feeCap, onSigned)
		}
	}
	if err != nil {
		if xerrors.RetryableError(err) && !xerrors.IsCode(err, xerrors.CodeNonceConflict) {
			// 广播结果未知，交易可能已进入交易池，下次从节点重新派生 nonce
			e.nonces.Forget(from)
		} else {
			e.nonces.Release(from, nonce)
		}
		return nil, err
	}

	entry.rec = &agent.TransactionRecord{
		ID:          uuid.NewString(),
		AgentID:     owner,
		From:        from.Hex(),
		Intent:      intent,
		TxHash:      tx.Hash().Hex(),
		Nonce:       nonce,
		GasFeeCap:   feeCap,
		GasTipCap:   tip,
		SubmittedAt: e.now(),
		Status:      agent.TxPending,
		Attempt:     1,
	}
	e.log().Info("交易已提交",
		slog.String("agent", owner),
		slog.String("action", string(intent.Action)),
		slog.String("tx_hash", entry.rec.TxHash),
		slog.Uint64("nonce", nonce))
	return entry, nil
}

// signAndSend 签名并广播，瞬时错误会重发同一笔已签名交易。
func (e *Engine) signAndSend(ctx context.Context, entry *inflight, nonce uint64, tip, feeCap *big.Int, onSigned func(string, uint64) error) (*types.Transaction, error) {
	chainID, err := e.chain(ctx)
	if err != nil {
		return nil, err
	}
	to := entry.call.To
	unsigned := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       entry.gas,
		To:        &to,
		Value:     entry.call.Value,
		Data:      entry.call.Data,
	})
	signed, err := entry.key.SignTx(unsigned, types.LatestSignerForChainID(chainID))
	if err != nil {
		return nil, err
	}
	if onSigned != nil {
		if err := onSigned(signed.Hash().Hex(), nonce); err != nil {
			return nil, err
		}
	}
	send := func() error {
		err := e.client.SendTransaction(ctx, signed)
		if web3.IsAlreadyKnown(err) {
			return nil
		}
		err = web3.Classify(web3.MethodSendTransaction, err)
		if err != nil && !xerrors.RetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	retries := uint64(max(e.cfg.WriteRetries, 0))
	// NONCE_CONFLICT 可重试，但重发同一 nonce 没有意义，交给调用方重新派生
	if err := backoff.Retry(func() error {
		err := send()
		if xerrors.IsCode(err, xerrors.CodeNonceConflict) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), retries), ctx)); err != nil {
		return nil, err
	}
	return signed, nil
}

func (e *Engine) chain(ctx context.Context) (*big.Int, error) {
	e.mu.Lock()
	id := e.chainID
	e.mu.Unlock()
	if id != nil {
		return id, nil
	}
	var fetched *big.Int
	err := e.read(ctx, func() error {
		var err error
		fetched, err = e.client.ChainID(ctx)
		return web3.Classify(web3.MethodChainID, err)
	})
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.chainID = fetched
	e.mu.Unlock()
	return fetched, nil
}

// fees 计算 tip = suggested*priority_multiple，feeCap = baseFee*base_multiple + tip。
func (e *Engine) fees(ctx context.Context) (tip, feeCap *big.Int, err error) {
	var head *types.Header
	if err = e.read(ctx, func() error {
		var err error
		head, err = e.client.HeaderByNumber(ctx, nil)
		return web3.Classify(web3.MethodHeaderByNumber, err)
	}); err != nil {
		return nil, nil, err
	}
	var suggested *big.Int
	if err = e.read(ctx, func() error {
		var err error
		suggested, err = e.client.SuggestGasTipCap(ctx)
		return web3.Classify(web3.MethodSuggestGasTipCap, err)
	}); err != nil {
		return nil, nil, err
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	tip = scale(suggested, e.cfg.PriorityFeeMultiple)
	feeCap = scale(baseFee, e.cfg.BaseFeeMultiple)
	feeCap.Add(feeCap, tip)
	return tip, feeCap, nil
}

// gasFor 返回配置的固定 gas，或估算值加上安全余量。估算回滚视为 TX_REVERTED。
func (e *Engine) gasFor(ctx context.Context, from common.Address, call hyperdrive.Call) (uint64, error) {
	if e.cfg.GasLimit > 0 {
		return e.cfg.GasLimit, nil
	}
	to := call.To
	msg := gethcore.CallMsg{From: from, To: &to, Value: call.Value, Data: call.Data}
	var gas uint64
	err := e.read(ctx, func() error {
		var err error
		gas, err = e.client.EstimateGas(ctx, msg)
		return web3.Classify(web3.MethodEstimateGas, err)
	})
	if err != nil {
		return 0, err
	}
	return gas + gas*uint64(e.cfg.GasMarginPercent)/100, nil
}

// Poll 查询一次回执并归类状态。终态记录会被落盘，并释放在途槽位。
func (e *Engine) Poll(ctx context.Context, rec *agent.TransactionRecord) (*agent.TransactionRecord, error) {
	entry, err := e.lookup(rec)
	if err != nil || entry == nil {
		return rec, err
	}
	cur, err := e.poll(ctx, entry, true)
	if err != nil {
		return cur, err
	}
	if cur.Status == agent.TxTimedOut {
		e.finalize(ctx, entry, cur)
	}
	return cur, nil
}

func (e *Engine) lookup(rec *agent.TransactionRecord) (*inflight, error) {
	if rec == nil {
		return nil, errors.New("交易记录为空")
	}
	e.mu.Lock()
	entry := e.pending[rec.AgentID]
	e.mu.Unlock()
	if entry != nil && entry.rec.ID == rec.ID {
		return entry, nil
	}
	if rec.Status.Terminal() {
		return nil, nil
	}
	return nil, fmt.Errorf("交易 %s 不在途", rec.TxHash)
}

// poll 查询回执。确认与回滚会立即落盘；超时只做归类，由调用方决定是否重发。
// deadline 为 false 时未找到回执一律视为 PENDING。读取失败同样计入超时，
// 过期后不论最后一次错误是什么都归类为 TIMED_OUT。
func (e *Engine) poll(ctx context.Context, entry *inflight, deadline bool) (*agent.TransactionRecord, error) {
	rec := entry.rec
	receipt, err := e.client.TransactionReceipt(ctx, common.HexToHash(rec.TxHash))
	if err != nil || receipt == nil {
		var readErr error
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			readErr = web3.Classify(web3.MethodTransactionReceipt, err)
		}
		if !deadline || e.now().Sub(rec.SubmittedAt) < e.cfg.TxTimeout {
			return rec.Clone(), readErr
		}
		cur := rec.Clone()
		cur.Status = agent.TxTimedOut
		cur.ResolvedAt = e.now()
		cur.ErrorKind = string(xerrors.CodeTxTimeout)
		cur.Error = fmt.Sprintf("%s 内未被打包", e.cfg.TxTimeout)
		if readErr != nil {
			cur.Error += ": " + readErr.Error()
		}
		return cur, nil
	}

	cur := rec.Clone()
	cur.ResolvedAt = e.now()
	if receipt.BlockNumber != nil {
		cur.BlockNumber = receipt.BlockNumber.Uint64()
	}
	cur.GasUsed = receipt.GasUsed
	if receipt.Status == types.ReceiptStatusSuccessful {
		cur.Status = agent.TxConfirmed
		if cur.Intent.Action == agent.ActionOpenLong || cur.Intent.Action == agent.ActionOpenShort {
			cur.Position = e.market.ParseOpenPosition(receipt, entry.key.Address())
		}
		if e.cache != nil {
			e.cache.Invalidate()
		}
	} else {
		cur.Status = agent.TxReverted
		cur.ErrorKind = string(xerrors.CodeTxReverted)
		cur.Error = "receipt status 0"
	}
	e.finalize(ctx, entry, cur)
	return cur, nil
}

// finalize 落盘终态记录并释放槽位。
func (e *Engine) finalize(ctx context.Context, entry *inflight, cur *agent.TransactionRecord) {
	if cur.Status == agent.TxTimedOut {
		e.nonces.Forget(entry.key.Address())
	}
	e.release(cur.AgentID, entry)
	e.record(ctx, cur)
	level := slog.LevelInfo
	if cur.Status != agent.TxConfirmed {
		level = slog.LevelWarn
	}
	e.log().Log(ctx, level, "交易进入终态",
		slog.String("agent", cur.AgentID),
		slog.String("tx_hash", cur.TxHash),
		slog.String("status", string(cur.Status)),
		slog.Int("attempt", cur.Attempt),
		slog.Uint64("block", cur.BlockNumber))
}

func (e *Engine) record(ctx context.Context, cur *agent.TransactionRecord) {
	if e.recorder != nil {
		if err := e.recorder.Record(context.WithoutCancel(ctx), *cur); err != nil {
			e.log().Error("写入交易审计失败", slog.String("tx_hash", cur.TxHash), slog.String("error", err.Error()))
		}
	}
	e.notify(cur)
}

func (e *Engine) notify(rec *agent.TransactionRecord) {
	if e.observer != nil && rec != nil {
		e.observer(*rec)
	}
}

// Await 轮询直到终态。轮询间隔从 PollInitial 开始翻倍并叠加随机抖动。
// 超时后按 MaxResubmissions 重发，重发仍超时则返回 TX_TIMEOUT。
func (e *Engine) Await(ctx context.Context, rec *agent.TransactionRecord) (*agent.TransactionRecord, error) {
	entry, err := e.lookup(rec)
	if err != nil {
		return rec, err
	}
	if entry == nil {
		return rec, nil
	}
	delay := e.cfg.PollInitial
	for {
		cur, err := e.poll(ctx, entry, true)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return cur, ctxErr
		}
		if err != nil {
			e.log().Debug("读取回执失败，继续轮询",
				slog.String("agent", cur.AgentID),
				slog.String("tx_hash", cur.TxHash),
				slog.String("error", err.Error()))
		} else {
			switch cur.Status {
			case agent.TxConfirmed, agent.TxReverted:
				return cur, nil
			case agent.TxTimedOut:
				if cur.Attempt > e.cfg.MaxResubmissions {
					e.finalize(ctx, entry, cur)
					return cur, xerrors.New(xerrors.CodeTxTimeout, "",
						xerrors.WithMetadata("agent", cur.AgentID),
						xerrors.WithMetadata("tx_hash", cur.TxHash))
				}
				next, resolved, err := e.resubmit(ctx, entry, cur)
				if err != nil {
					cur.Error += "; 重发失败: " + err.Error()
					e.finalize(ctx, entry, cur)
					return cur, xerrors.Wrap(xerrors.CodeTxTimeout, err, "超时后重发失败",
						xerrors.WithMetadata("agent", cur.AgentID),
						xerrors.WithMetadata("tx_hash", cur.TxHash))
				}
				if resolved != nil {
					return resolved, nil
				}
				entry = next
				delay = e.cfg.PollInitial
				continue
			}
		}
		if err := sleep(ctx, delay+e.jitter()); err != nil {
			return cur, err
		}
		delay = min(delay*2, e.cfg.PollMaxInterval)
	}
}

// resubmit 从节点 pending nonce 重新派生一个新 nonce 并提高手续费重发。
// 若旧交易恰好已被打包，则直接返回其终态。
func (e *Engine) resubmit(ctx context.Context, old *inflight, timedOut *agent.TransactionRecord) (*inflight, *agent.TransactionRecord, error) {
	from := old.key.Address()
	var confirmed uint64
	if err := e.read(ctx, func() error {
		var err error
		confirmed, err = e.client.NonceAt(ctx, from, nil)
		return web3.Classify(web3.MethodNonceAt, err)
	}); err != nil {
		return nil, nil, err
	}
	if confirmed > old.rec.Nonce {
		if cur, err := e.poll(ctx, old, false); err == nil && cur.Status.Terminal() {
			return nil, cur, nil
		}
	}

	tip, feeCap, err := e.fees(ctx)
	if err != nil {
		return nil, nil, err
	}
	tip = maxBig(tip, bump(old.rec.GasTipCap, e.cfg.FeeBumpPercent))
	feeCap = maxBig(feeCap, bump(old.rec.GasFeeCap, e.cfg.FeeBumpPercent))
	if feeCap.Cmp(tip) < 0 {
		feeCap = new(big.Int).Set(tip)
	}

	var nonce uint64
	if err := e.read(ctx, func() error {
		var err error
		nonce, err = e.nonces.Resync(ctx, from)
		return err
	}); err != nil {
		return nil, nil, err
	}

	next := &inflight{key: old.key, call: old.call, gas: old.gas}
	tx, err := e.signAndSend(ctx, next, nonce, tip, feeCap, nil)
	if err != nil {
		e.nonces.Release(from, nonce)
		return nil, nil, err
	}

	next.rec = &agent.TransactionRecord{
		ID:          uuid.NewString(),
		AgentID:     timedOut.AgentID,
		From:        timedOut.From,
		Intent:      timedOut.Intent,
		TxHash:      tx.Hash().Hex(),
		Nonce:       nonce,
		GasFeeCap:   feeCap,
		GasTipCap:   tip,
		SubmittedAt: e.now(),
		Status:      agent.TxPending,
		Attempt:     timedOut.Attempt + 1,
		Replaces:    timedOut.TxHash,
	}
	// 旧记录落盘与新记录登记在同一把锁内完成，槽位不会出现空窗
	e.mu.Lock()
	if e.pending[timedOut.AgentID] == old {
		e.pending[timedOut.AgentID] = next
	}
	e.mu.Unlock()
	e.record(ctx, timedOut)
	e.notify(next.rec)
	e.log().Warn("交易超时，已重发",
		slog.String("agent", timedOut.AgentID),
		slog.String("replaces", timedOut.TxHash),
		slog.String("tx_hash", next.rec.TxHash),
		slog.Uint64("nonce", nonce),
		slog.String("fee_cap", feeCap.String()))
	return next, nil, nil
}

// Landing 描述一笔已签名交易在链上的去向。
type Landing string

const (
	LandingConfirmed Landing = "confirmed"
	LandingReverted  Landing = "reverted"
	// LandingInFlight 表示没有回执，但该 nonce 仍被交易池中的交易占用。
	LandingInFlight Landing = "in_flight"
	// LandingAbsent 表示交易没有上链，也不在交易池中，可以安全地重新构造。
	LandingAbsent Landing = "absent"
)

// Locate 判断 from 以 nonce 签出的交易 txHash 的去向。先读 nonce 再读回执，
// 交易恰好在两次读取之间打包时不会被误判为 LandingAbsent。
func (e *Engine) Locate(ctx context.Context, from common.Address, txHash string, nonce uint64) (Landing, error) {
	var confirmed, pending uint64
	if err := e.read(ctx, func() error {
		var err error
		confirmed, err = e.client.NonceAt(ctx, from, nil)
		return web3.Classify(web3.MethodNonceAt, err)
	}); err != nil {
		return "", err
	}
	if err := e.read(ctx, func() error {
		var err error
		pending, err = e.client.PendingNonceAt(ctx, from)
		return web3.Classify(web3.MethodPendingNonceAt, err)
	}); err != nil {
		return "", err
	}
	var receipt *types.Receipt
	if err := e.read(ctx, func() error {
		var err error
		receipt, err = e.client.TransactionReceipt(ctx, common.HexToHash(txHash))
		if errors.Is(err, gethcore.NotFound) {
			receipt, err = nil, nil
		}
		return web3.Classify(web3.MethodTransactionReceipt, err)
	}); err != nil {
		return "", err
	}
	switch {
	case receipt != nil && receipt.Status == types.ReceiptStatusSuccessful:
		return LandingConfirmed, nil
	case receipt != nil:
		return LandingReverted, nil
	case confirmed > nonce:
		return LandingAbsent, nil
	case pending > nonce:
		return LandingInFlight, nil
	default:
		return LandingAbsent, nil
	}
}

// Execute 提交并等待终态，供注资服务使用。
func (e *Engine) Execute(ctx context.Context, owner string, key *wallet.Key, intent agent.TradeIntent, opts ...SubmitOption) (*agent.TransactionRecord, error) {
	rec, err := e.SubmitAs(ctx, owner, key, intent, opts...)
	if err != nil {
		return nil, err
	}
	return e.Await(ctx, rec)
}

// Balance 读取地址在指定资产上的余额。
func (e *Engine) Balance(ctx context.Context, addr common.Address, asset agent.AssetKind) (*big.Int, error) {
	var out *big.Int
	err := e.read(ctx, func() error {
		switch asset {
		case agent.AssetProtocol:
			balance, err := e.client.BalanceAt(ctx, addr, nil)
			if err != nil {
				return web3.Classify(web3.MethodBalanceAt, err)
			}
			out = balance
			return nil
		case agent.AssetBase:
			call, err := e.market.BalanceOfCall(addr)
			if err != nil {
				return backoff.Permanent(err)
			}
			out, err = e.callUint(ctx, call, "balanceOf")
			return err
		default:
			return backoff.Permanent(xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知资产 %q", asset)))
		}
	})
	return out, err
}

// Allowance 读取地址对池合约的基础代币授权额度。
func (e *Engine) Allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	call, err := e.market.AllowanceCall(owner)
	if err != nil {
		return nil, err
	}
	var out *big.Int
	err = e.read(ctx, func() error {
		var err error
		out, err = e.callUint(ctx, call, "allowance")
		return err
	})
	return out, err
}

func (e *Engine) callUint(ctx context.Context, call hyperdrive.Call, method string) (*big.Int, error) {
	to := call.To
	raw, err := e.client.CallContract(ctx, gethcore.CallMsg{To: &to, Data: call.Data}, nil)
	if err != nil {
		return nil, web3.Classify(web3.MethodCallContract, err)
	}
	return hyperdrive.DecodeUint256(method, raw)
}

// read 对瞬时错误按 ReadRetries 重试。
func (e *Engine) read(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !xerrors.RetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), uint64(max(e.cfg.ReadRetries, 0))), ctx))
}

func (e *Engine) jitter() time.Duration {
	if e.cfg.PollJitter <= 0 {
		return 0
	}
	return rand.N(e.cfg.PollJitter)
}

func (e *Engine) log() *slog.Logger {
	return logger.Named("execution")
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func scale(v *big.Int, multiple float64) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return decimal.NewFromBigInt(v, 0).Mul(decimal.NewFromFloat(multiple)).Ceil().BigInt()
}

func bump(v *big.Int, percent int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(v, big.NewInt(int64(100+percent)))
	return out.Quo(out, big.NewInt(100))
}

func maxBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
