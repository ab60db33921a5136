package snapshot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "hyperfleet/internal/errors"
	"hyperfleet/internal/hyperdrive"
	"hyperfleet/internal/web3/web3test"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeFetcher struct {
	clock *fakeClock
	calls atomic.Int32
	gate  chan struct{}

	mu  sync.Mutex
	err error
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeFetcher) Fetch(ctx context.Context) (*MarketSnapshot, error) {
	n := f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &MarketSnapshot{BlockNumber: uint64(n), FetchedAt: f.clock.Now()}, nil
}

func newTestCache(f *fakeFetcher, clock *fakeClock, opts ...Option) *Cache {
	base := []Option{
		WithClock(clock.Now),
		WithMaxAge(time.Second),
		WithReadRetries(0),
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	}
	return NewCache(f, append(base, opts...)...)
}

func TestGetServesCachedUntilMaxAge(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	f := &fakeFetcher{clock: clock}
	cache := newTestCache(f, clock)
	ctx := context.Background()

	s1, err := cache.Get(ctx)
	require.NoError(t, err)
	clock.Advance(500 * time.Millisecond)
	s2, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, int32(1), f.calls.Load())

	clock.Advance(600 * time.Millisecond)
	s3, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.NotSame(t, s1, s3)
	assert.Equal(t, uint64(2), s3.BlockNumber)
	assert.Less(t, s3.Age(clock.Now()), time.Second)
}

func TestInvalidateForcesRefresh(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	f := &fakeFetcher{clock: clock}
	cache := newTestCache(f, clock)
	ctx := context.Background()

	_, err := cache.Get(ctx)
	require.NoError(t, err)
	cache.Invalidate()
	snap, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.BlockNumber)
	assert.Same(t, snap, cache.Peek())
}

func TestConcurrentRefreshesCoalesce(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	f := &fakeFetcher{clock: clock, gate: make(chan struct{})}
	cache := newTestCache(f, clock)

	const readers = 16
	var wg sync.WaitGroup
	results := make([]*MarketSnapshot, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := cache.Get(context.Background())
			assert.NoError(t, err)
			results[i] = snap
		}(i)
	}
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
	for _, snap := range results {
		assert.Same(t, results[0], snap)
	}
}

func TestExpiredSnapshotIsNeverReturnedOnFailure(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	f := &fakeFetcher{clock: clock}
	cache := newTestCache(f, clock, WithEndpointRetries(3))
	ctx := context.Background()

	_, err := cache.Get(ctx)
	require.NoError(t, err)

	f.setErr(xerrors.New(xerrors.CodeTransientRPC, "dial timeout"))
	clock.Advance(2 * time.Second)

	for i := 1; i <= 2; i++ {
		snap, err := cache.Get(ctx)
		assert.Nil(t, snap)
		require.Error(t, err)
		assert.True(t, xerrors.IsCode(err, xerrors.CodeStaleSnapshot))
		assert.False(t, xerrors.IsCode(err, xerrors.CodeEndpointUnreachable))
		assert.Equal(t, i, cache.ConsecutiveFailures())
	}

	snap, err := cache.Get(ctx)
	assert.Nil(t, snap)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeEndpointUnreachable))
	assert.True(t, xerrors.IsCode(err, xerrors.CodeStaleSnapshot))

	f.setErr(nil)
	snap, err = cache.Get(ctx)
	require.NoError(t, err)
	assert.Zero(t, cache.ConsecutiveFailures())
	assert.Less(t, snap.Age(clock.Now()), time.Second)
}

func TestInvalidatedButFreshSnapshotSurvivesFailure(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	f := &fakeFetcher{clock: clock}
	cache := newTestCache(f, clock)
	ctx := context.Background()

	first, err := cache.Get(ctx)
	require.NoError(t, err)
	f.setErr(errors.New("boom"))
	cache.Invalidate()
	clock.Advance(100 * time.Millisecond)

	snap, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, first, snap)
}

func TestTransientErrorsAreRetriedWithinOneFetch(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	f := &flakyFetcher{clock: clock, failures: 2}
	cache := NewCache(f, WithClock(clock.Now), WithReadRetries(5),
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))

	snap, err := cache.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, f.calls)
	assert.NotNil(t, snap)
}

type flakyFetcher struct {
	clock    *fakeClock
	failures int
	calls    int
}

func (f *flakyFetcher) Fetch(context.Context) (*MarketSnapshot, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, xerrors.New(xerrors.CodeTransientRPC, "")
	}
	return &MarketSnapshot{FetchedAt: f.clock.Now()}, nil
}

func TestChainFetcherReadsPool(t *testing.T) {
	market := hyperdrive.Market{
		Hyperdrive: common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
		BaseToken:  common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"),
	}
	chain := web3test.NewChain(market)
	chain.Advance(9)

	fetcher := NewChainFetcher(chain, market)
	snap, err := fetcher.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(10), snap.BlockNumber)
	assert.Equal(t, int64(1337), snap.ChainID.Int64())
	assert.Equal(t, uint64(3600), snap.CheckpointDuration())
	assert.Zero(t, snap.LatestCheckpoint()%3600)
	assert.NotNil(t, snap.Pool.ShareReserves)
	assert.Positive(t, snap.BaseFee.Sign())
	require.NotNil(t, snap.Checkpoint)
	assert.False(t, snap.CheckpointMinted())

	chain.MintCheckpoint(snap.LatestCheckpoint())
	snap, err = fetcher.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.CheckpointMinted())
}
