package execution

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hyperfleet/internal/agent"
	xerrors "hyperfleet/internal/errors"
	"hyperfleet/internal/hyperdrive"
	"hyperfleet/internal/wallet"
	"hyperfleet/internal/web3"
	"hyperfleet/internal/web3/web3test"
)

const traderKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var testMarket = hyperdrive.Market{
	Hyperdrive: common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
	BaseToken:  common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"),
}

type memoryRecorder struct {
	mu      sync.Mutex
	records []agent.TransactionRecord
}

func (r *memoryRecorder) Record(_ context.Context, rec agent.TransactionRecord) error {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
	return nil
}

func (r *memoryRecorder) all() []agent.TransactionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.TransactionRecord(nil), r.records...)
}

type countingCache struct{ n atomic.Int32 }

func (c *countingCache) Invalidate() { c.n.Add(1) }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInitial = time.Millisecond
	cfg.PollMaxInterval = 5 * time.Millisecond
	cfg.PollJitter = 0
	return cfg
}

func newTestEngine(t *testing.T, chain *web3test.Chain, cfg Config, opts ...Option) (*Engine, *wallet.Key) {
	t.Helper()
	key, err := wallet.ParseHex(traderKey)
	require.NoError(t, err)
	chain.SetNative(key.Address(), big.NewInt(1e18))
	opts = append([]Option{WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} })}, opts...)
	return New(chain, testMarket, cfg, opts...), key
}

func openLong() agent.TradeIntent {
	return agent.TradeIntent{AgentID: "alpha", Action: agent.ActionOpenLong, Amount: big.NewInt(1e15)}
}

func TestSubmitAllowsOnePendingPerAgent(t *testing.T) {
	chain := web3test.NewChain(testMarket)
	rec := &memoryRecorder{}
	engine, key := newTestEngine(t, chain, testConfig(), WithRecorder(rec))
	ctx := context.Background()

	first, err := engine.SubmitAs(ctx, "alpha", key, openLong())
	require.NoError(t, err)
	assert.Equal(t, agent.TxPending, first.Status)
	assert.Equal(t, 1, engine.PendingCount())

	_, err = engine.SubmitAs(ctx, "alpha", key, openLong())
	require.Error(t, err)
	assert.True(t, xerrors.IsCode(err, xerrors.CodePendingInFlight))
	assert.Len(t, chain.Sent(), 1)

	chain.Mine()
	final, err := engine.Await(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, agent.TxConfirmed, final.Status)
	assert.Equal(t, uint64(2), final.BlockNumber)
	assert.Zero(t, engine.PendingCount())

	records := rec.all()
	require.Len(t, records, 1)
	assert.Equal(t, first.TxHash, records[0].TxHash)

	second, err := engine.SubmitAs(ctx, "alpha", key, openLong())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), second.Nonce)
}

func TestFeesFollowBaseFeeFormula(t *testing.T) {
	chain := web3test.NewChain(testMarket)
	engine, key := newTestEngine(t, chain, testConfig())

	rec, err := engine.SubmitAs(context.Background(), "alpha", key, openLong())
	require.NoError(t, err)

	// baseFee 1 gwei, tip 0.1 gwei
	assert.Equal(t, big.NewInt(100_000_000), rec.GasTipCap)
	assert.Equal(t, big.NewInt(2_100_000_000), rec.GasFeeCap)

	sent := chain.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, uint8(types.DynamicFeeTxType), sent[0].Type())
	assert.Equal(t, rec.GasFeeCap, sent[0].GasFeeCap())
	assert.Equal(t, uint64(180_000), sent[0].Gas())
	assert.Equal(t, web3test.ChainID, sent[0].ChainId())
}

func TestRevertedReceiptIsTerminal(t *testing.T) {
	chain := web3test.NewChain(testMarket)
	chain.AutoMine = true
	chain.RevertIf = func(*types.Transaction) bool { return true }
	cache := &countingCache{}
	engine, key := newTestEngine(t, chain, testConfig(), WithInvalidator(cache))

	final, err := engine.Execute(context.Background(), "alpha", key, openLong())
	require.NoError(t, err)
	assert.Equal(t, agent.TxReverted, final.Status)
	assert.Equal(t, string(xerrors.CodeTxReverted), final.ErrorKind)
	assert.Zero(t, cache.n.Load())
	assert.Zero(t, engine.PendingCount())
}

func TestConfirmationInvalidatesSnapshot(t *testing.T) {
	chain := web3test.NewChain(testMarket)
	chain.AutoMine = true
	cache := &countingCache{}
	var seen []agent.TxStatus
	var mu sync.Mutex
	engine, key := newTestEngine(t, chain, testConfig(), WithInvalidator(cache), WithObserver(func(rec agent.TransactionRecord) {
		mu.Lock()
		seen = append(seen, rec.Status)
		mu.Unlock()
	}))

	final, err := engine.Execute(context.Background(), "alpha", key, openLong())
	require.NoError(t, err)
	assert.Equal(t, agent.TxConfirmed, final.Status)
	assert.Equal(t, int32(1), cache.n.Load())
	mu.Lock()
	assert.Equal(t, []agent.TxStatus{agent.TxPending, agent.TxConfirmed}, seen)
	mu.Unlock()
}

func TestTimeoutResubmitsOnceThenEscalates(t *testing.T) {
	chain := web3test.NewChain(testMarket)
	chain.DropIf = func(*types.Transaction) bool { return true }
	cfg := testConfig()
	cfg.TxTimeout = 30 * time.Millisecond
	rec := &memoryRecorder{}
	engine, key := newTestEngine(t, chain, cfg, WithRecorder(rec))

	_, err := engine.Execute(context.Background(), "alpha", key, openLong())
	require.Error(t, err)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeTxTimeout))
	assert.True(t, xerrors.ShouldAlert(err))

	sent := chain.Sent()
	require.Len(t, sent, 2)
	// 旧交易仍占着交易池里的 nonce，重发从 pending nonce 派生出下一个
	assert.Equal(t, sent[0].Nonce()+1, sent[1].Nonce())
	assert.Equal(t, 1, sent[1].GasFeeCap().Cmp(sent[0].GasFeeCap()))

	records := rec.all()
	require.Len(t, records, 2)
	assert.Equal(t, agent.TxTimedOut, records[0].Status)
	assert.Equal(t, 1, records[0].Attempt)
	assert.Equal(t, agent.TxTimedOut, records[1].Status)
	assert.Equal(t, 2, records[1].Attempt)
	assert.Equal(t, records[0].TxHash, records[1].Replaces)
	assert.Equal(t, sent[1].Nonce(), records[1].Nonce)
	assert.Zero(t, engine.PendingCount())
	_, tracked := engine.Nonces().Peek(key.Address())
	assert.False(t, tracked)
}

func TestResubmissionThatConfirmsEndsTheWait(t *testing.T) {
	chain := web3test.NewChain(testMarket)
	var drops atomic.Int32
	chain.DropIf = func(tx *types.Transaction) bool { return drops.Add(1) == 1 }
	cfg := testConfig()
	cfg.TxTimeout = 20 * time.Millisecond
	engine, key := newTestEngine(t, chain, cfg)
	ctx := context.Background()

	pending, err := engine.SubmitAs(ctx, "alpha", key, openLong())
	require.NoError(t, err)
	chain.Mine()

	done := make(chan *agent.TransactionRecord, 1)
	go func() {
		final, err := engine.Await(ctx, pending)
		assert.NoError(t, err)
		done <- final
	}()
	require.Eventually(t, func() bool { return len(chain.Sent()) == 2 }, time.Second, time.Millisecond)
	chain.Mine()

	select {
	case final := <-done:
		assert.Equal(t, agent.TxConfirmed, final.Status)
		assert.Equal(t, 2, final.Attempt)
		assert.Equal(t, pending.TxHash, final.Replaces)
	case <-time.After(2 * time.Second):
		t.Fatal("await did not finish")
	}
}

func TestResubmissionReusesNonceFreedByDroppedTransaction(t *testing.T) {
	chain := web3test.NewChain(testMarket)
	chain.DropIf = func(*types.Transaction) bool { return true }
	cfg := testConfig()
	cfg.TxTimeout = 20 * time.Millisecond
	engine, key := newTestEngine(t, chain, cfg)
	ctx := context.Background()

	pending, err := engine.SubmitAs(ctx, "alpha", key, openLong())
	require.NoError(t, err)
	chain.Mine()
	require.Zero(t, chain.Pending())

	_, err = engine.Await(ctx, pending)
	require.Error(t, err)
	sent := chain.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, sent[0].Nonce(), sent[1].Nonce())
}

func TestReceiptErrorsStillHitTheDeadline(t *testing.T) {
	chain := web3test.NewChain(testMarket)
	refused := make([]error, 10_000)
	for i := range refused {
		refused[i] = errors.New("dial tcp 127.0.0.1:8545: connection refused")
	}
	chain.FailNext(web3.MethodTransactionReceipt, refused...)
	cfg := testConfig()
	cfg.TxTimeout = 30 * time.Millisecond
	rec := &memoryRecorder{}
	engine, key := newTestEngine(t, chain, cfg, WithRecorder(rec))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := engine.Execute(ctx, "alpha", key, openLong())
	require.Error(t, err)
	require.NoError(t, ctx.Err())
	assert.True(t, xerrors.IsCode(err, xerrors.CodeTxTimeout))
	assert.Zero(t, engine.PendingCount())
	assert.Len(t, chain.Sent(), 2)

	records := rec.all()
	require.Len(t, records, 2)
	assert.Equal(t, agent.TxTimedOut, records[1].Status)
	assert.Contains(t, records[1].Error, "connection refused")
}

func TestFailedResubmissionEscalatesAsTimeout(t *testing.T) {
	chain := web3test.NewChain(testMarket)
	cfg := testConfig()
	cfg.TxTimeout = 20 * time.Millisecond
	rec := &memoryRecorder{}
	engine, key := newTestEngine(t, chain, cfg, WithRecorder(rec))
	ctx := context.Background()

	pending, err := engine.SubmitAs(ctx, "alpha", key, openLong())
	require.NoError(t, err)
	chain.FailNext(web3.MethodSendTransaction, errors.New("insufficient funds for gas * price + value"))

	_, err = engine.Await(ctx, pending)
	require.Error(t, err)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeTxTimeout))
	assert.Equal(t, xerrors.CodeTxTimeout, xerrors.CodeOf(err))
	assert.True(t, xerrors.ShouldAlert(err))
	assert.Zero(t, engine.PendingCount())
	assert.Len(t, chain.Sent(), 1)

	records := rec.all()
	require.Len(t, records, 1)
	assert.Equal(t, agent.TxTimedOut, records[0].Status)
	assert.Contains(t, records[0].Error, "insufficient funds")
}

func TestLocateClassifiesSignedTransactions(t *testing.T) {
	chain := web3test.NewChain(testMarket)
	engine, key := newTestEngine(t, chain, testConfig())
	ctx := context.Background()
	from := key.Address()

	var signed string
	var nonce uint64
	capture := OnSigned(func(hash string, n uint64) error {
		signed, nonce = hash, n
		return nil
	})
	_, err := engine.SubmitAs(ctx, "alpha", key, openLong(), capture)
	require.NoError(t, err)
	require.NotEmpty(t, signed)

	landing, err := engine.Locate(ctx, from, signed, nonce)
	require.NoError(t, err)
	assert.Equal(t, LandingInFlight, landing)

	chain.Mine()
	landing, err = engine.Locate(ctx, from, signed, nonce)
	require.NoError(t, err)
	assert.Equal(t, LandingConfirmed, landing)

	landing, err = engine.Locate(ctx, from, common.Hash{}.Hex(), nonce+1)
	require.NoError(t, err)
	assert.Equal(t, LandingAbsent, landing)
}

func TestOnSignedErrorAbortsBroadcast(t *testing.T) {
	chain := web3test.NewChain(testMarket)
	engine, key := newTestEngine(t, chain, testConfig())
	refuse := OnSigned(func(string, uint64) error {
		return xerrors.New(xerrors.CodeStorageFailure, "")
	})

	_, err := engine.SubmitAs(context.Background(), "alpha", key, openLong(), refuse)
	require.Error(t, err)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeStorageFailure))
	assert.Empty(t, chain.Sent())
	assert.Zero(t, engine.PendingCount())
}

func TestLostSendResponseForgetsNonce(t *testing.T) {
	chain := web3test.NewChain(testMarket)
	cfg := testConfig()
	cfg.WriteRetries = 0
	engine, key := newTestEngine(t, chain, cfg)
	chain.FailAfterAccept(errors.New("connection reset by peer"))

	_, err := engine.SubmitAs(context.Background(), "alpha", key, openLong())
	require.Error(t, err)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeTransientRPC))
	_, tracked := engine.Nonces().Peek(key.Address())
	assert.False(t, tracked)

	rec, err := engine.SubmitAs(context.Background(), "alpha", key, openLong())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Nonce)
}

func TestNonceConflictResyncsAndResends(t *testing.T) {
	chain := web3test.NewChain(testMarket)
	chain.FailNext(web3.MethodSendTransaction, errors.New("nonce too low: next nonce 0, tx nonce 7"))
	engine, key := newTestEngine(t, chain, testConfig())
	engine.Nonces().Reset(key.Address(), 7)

	rec, err := engine.SubmitAs(context.Background(), "alpha", key, openLong())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rec.Nonce)
	next, ok := engine.Nonces().Peek(key.Address())
	require.True(t, ok)
	assert.Equal(t, uint64(1), next)
}

func TestTransientSendIsRetriedWithSameTransaction(t *testing.T) {
	chain := web3test.NewChain(testMarket)
	chain.FailNext(web3.MethodSendTransaction, errors.New("connection reset by peer"))
	engine, key := newTestEngine(t, chain, testConfig())

	rec, err := engine.SubmitAs(context.Background(), "alpha", key, openLong())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rec.Nonce)
	assert.Len(t, chain.Sent(), 1)
}

func TestInsufficientFundsReleasesSlotAndNonce(t *testing.T) {
	chain := web3test.NewChain(testMarket)
	engine, key := newTestEngine(t, chain, testConfig())
	chain.SetNative(key.Address(), big.NewInt(1))

	_, err := engine.SubmitAs(context.Background(), "alpha", key, openLong())
	require.Error(t, err)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeInsufficientFunds))
	assert.Zero(t, engine.PendingCount())
	next, _ := engine.Nonces().Peek(key.Address())
	assert.Equal(t, uint64(0), next)
}

func TestPreflightRevertIsReported(t *testing.T) {
	chain := web3test.NewChain(testMarket)
	chain.FailNext(web3.MethodEstimateGas, errors.New("execution reverted: MinimumTransactionAmount"))
	engine, key := newTestEngine(t, chain, testConfig())

	_, err := engine.SubmitAs(context.Background(), "alpha", key, openLong())
	require.Error(t, err)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeTxReverted))
	assert.Empty(t, chain.Sent())
}

func TestPollMarksTimeoutWithoutResubmitting(t *testing.T) {
	chain := web3test.NewChain(testMarket)
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	engine, key := newTestEngine(t, chain, testConfig(), WithClock(clock))
	ctx := context.Background()

	rec, err := engine.SubmitAs(ctx, "alpha", key, openLong())
	require.NoError(t, err)

	cur, err := engine.Poll(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, agent.TxPending, cur.Status)

	mu.Lock()
	now = now.Add(DefaultConfig().TxTimeout + time.Second)
	mu.Unlock()
	cur, err = engine.Poll(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, agent.TxTimedOut, cur.Status)
	assert.Zero(t, engine.PendingCount())
	assert.Len(t, chain.Sent(), 1)
}

func TestBalanceReadsBothAssets(t *testing.T) {
	chain := web3test.NewChain(testMarket)
	engine, key := newTestEngine(t, chain, testConfig())
	chain.SetToken(key.Address(), big.NewInt(42))
	ctx := context.Background()

	native, err := engine.Balance(ctx, key.Address(), agent.AssetProtocol)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1e18), native)

	base, err := engine.Balance(ctx, key.Address(), agent.AssetBase)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(42), base)

	chain.FailNext(web3.MethodCallContract, errors.New("503 service temporarily unavailable"))
	allowance, err := engine.Allowance(ctx, key.Address())
	require.NoError(t, err)
	assert.Zero(t, allowance.Sign())
}
