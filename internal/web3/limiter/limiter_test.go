package limiter

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hyperfleet/internal/hyperdrive"
	"hyperfleet/internal/web3"
	"hyperfleet/internal/web3/web3test"
)

func newChain() *web3test.Chain {
	return web3test.NewChain(hyperdrive.Market{
		Hyperdrive: common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
		BaseToken:  common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"),
	})
}

func TestMaxInFlightOneSerializesCallers(t *testing.T) {
	chain := newChain()
	chain.CallDelay = 20 * time.Millisecond
	client := New(chain, WithMaxInFlight(1))

	var wg sync.WaitGroup
	for _, addr := range []common.Address{{1}, {2}} {
		wg.Add(1)
		go func(addr common.Address) {
			defer wg.Done()
			for i := 0; i < 3; i++ {
				_, err := client.BalanceAt(context.Background(), addr, nil)
				assert.NoError(t, err)
			}
		}(addr)
	}
	wg.Wait()

	spans := chain.Spans()
	require.Len(t, spans, 6)
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start.Before(spans[j].Start) })
	for i := 1; i < len(spans); i++ {
		assert.False(t, spans[i].Start.Before(spans[i-1].End), "call %d overlaps previous call", i)
	}
	stats := client.Stats()
	assert.Equal(t, int64(1), stats.Peak)
	assert.Equal(t, int64(6), stats.Calls)
	assert.Zero(t, stats.InFlight)
}

func TestWiderLimitAllowsOverlap(t *testing.T) {
	chain := newChain()
	chain.CallDelay = 30 * time.Millisecond
	client := New(chain, WithMaxInFlight(4))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = client.SuggestGasTipCap(context.Background())
		}()
	}
	wg.Wait()
	assert.Greater(t, client.Stats().Peak, int64(1))
}

func TestObserverAndCancellation(t *testing.T) {
	chain := newChain()
	var (
		mu      sync.Mutex
		methods []string
	)
	client := New(chain, WithMaxInFlight(1), WithRate(1000, 1), WithObserver(func(method string, _ time.Duration, _ error) {
		mu.Lock()
		methods = append(methods, method)
		mu.Unlock()
	}))

	_, err := client.ChainID(context.Background())
	require.NoError(t, err)
	_, err = client.NonceAt(context.Background(), common.Address{1}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{web3.MethodChainID, web3.MethodNonceAt}, methods)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.HeaderByNumber(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
