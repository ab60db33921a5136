package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	xerrors "hyperfleet/internal/errors"
	"hyperfleet/pkg/logger"
)

const flightKey = "snapshot"

// Cache 是并发安全的快照缓存。读路径无锁。
type Cache struct {
	fetcher         Fetcher
	maxAge          time.Duration
	fetchTimeout    time.Duration
	endpointRetries int32
	readRetries     uint64
	newBackOff      func() backoff.BackOff
	now             func() time.Time
	observer        func(err error)

	current  atomic.Pointer[MarketSnapshot]
	dirty    atomic.Bool
	failures atomic.Int32
	group    singleflight.Group
}

// Option 定义可选配置。
type Option func(*Cache)

// WithMaxAge 设置快照最大年龄，默认 2s。
func WithMaxAge(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.maxAge = d
		}
	}
}

// WithFetchTimeout 设置单次抓取的超时。
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// WithEndpointRetries 设置连续失败多少次后判定节点不可达，默认 3。
func WithEndpointRetries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.endpointRetries = int32(n)
		}
	}
}

// WithReadRetries 设置单次抓取内对瞬时错误的重试次数，默认 5。
func WithReadRetries(n int) Option {
	return func(c *Cache) {
		if n >= 0 {
			c.readRetries = uint64(n)
		}
	}
}

// WithBackOff 替换抓取重试的退避策略。
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(c *Cache) {
		if factory != nil {
			c.newBackOff = factory
		}
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithObserver 在每次抓取结束后回调，用于指标上报。
func WithObserver(fn func(err error)) Option {
	return func(c *Cache) {
		c.observer = fn
	}
}

// NewCache 创建快照缓存。
func NewCache(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher:         fetcher,
		maxAge:          2 * time.Second,
		fetchTimeout:    10 * time.Second,
		endpointRetries: 3,
		readRetries:     5,
		now:             time.Now,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Get 返回不超过最大年龄的快照，必要时刷新。
// 刷新失败时：若当前快照仍在最大年龄内则返回它；否则返回 STALE_SNAPSHOT，
// 连续失败达到上限后返回包裹 STALE_SNAPSHOT 的 ENDPOINT_UNREACHABLE。
func (c *Cache) Get(ctx context.Context) (*MarketSnapshot, error) {
	if snap := c.current.Load(); snap != nil && !c.dirty.Load() && snap.Age(c.now()) < c.maxAge {
		return snap, nil
	}
	return c.refresh(ctx)
}

// Invalidate 标记快照失效，下一次 Get 会刷新。
func (c *Cache) Invalidate() {
	c.dirty.Store(true)
}

// Refresh 强制刷新。
func (c *Cache) Refresh(ctx context.Context) (*MarketSnapshot, error) {
	c.Invalidate()
	return c.refresh(ctx)
}

// Peek 返回当前快照，不触发刷新，可能为 nil。
func (c *Cache) Peek() *MarketSnapshot {
	return c.current.Load()
}

// ConsecutiveFailures 返回连续抓取失败次数。
func (c *Cache) ConsecutiveFailures() int {
	return int(c.failures.Load())
}

func (c *Cache) refresh(ctx context.Context) (*MarketSnapshot, error) {
	ch := c.group.DoChan(flightKey, func() (any, error) {
		// 抓取与调用方生命周期解耦，一个调用方取消不影响其他等待者
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		c.dirty.Store(false)
		snap, err := c.fetch(fctx)
		if c.observer != nil {
			c.observer(err)
		}
		if err != nil {
			c.dirty.Store(true)
			c.failures.Add(1)
			return nil, err
		}
		c.failures.Store(0)
		c.current.Store(snap)
		return snap, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err == nil {
		return res.Val.(*MarketSnapshot), nil
	}

	cur := c.current.Load()
	if cur != nil && cur.Age(c.now()) < c.maxAge {
		return cur, nil
	}
	failures := c.failures.Load()
	logger.Named("snapshot").Warn("刷新行情快照失败",
		slog.Int("consecutive_failures", int(failures)),
		slog.String("error", res.Err.Error()))
	stale := xerrors.Wrap(xerrors.CodeStaleSnapshot, res.Err, staleMessage(cur, c.now()))
	if failures >= c.endpointRetries {
		return nil, xerrors.Wrap(xerrors.CodeEndpointUnreachable, stale,
			fmt.Sprintf("连续 %d 次刷新失败", failures))
	}
	return nil, stale
}

func (c *Cache) fetch(ctx context.Context) (*MarketSnapshot, error) {
	var snap *MarketSnapshot
	op := func() error {
		s, err := c.fetcher.Fetch(ctx)
		if err != nil {
			if xerrors.RetryableError(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		snap = s
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.readRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return snap, nil
}

func staleMessage(cur *MarketSnapshot, now time.Time) string {
	if cur == nil {
		return "尚无可用快照"
	}
	return fmt.Sprintf("区块 %d 的快照已过期 %s", cur.BlockNumber, cur.Age(now).Round(time.Millisecond))
}
