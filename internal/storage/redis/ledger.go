package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"hyperfleet/internal/agent"
)

// Config 描述 Redis 账本的连接参数。
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	// TTL 为 0 表示记录永不过期。
	TTL time.Duration
}

// commands 是账本用到的 Redis 命令子集，*redis.Client 满足该接口。
type commands interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	SetXX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// Ledger 以 SETNX 实现注资请求的幂等登记。每个 (epoch, agent, asset)
// 对应一个 JSON 字符串键。
type Ledger struct {
	client commands
	closer func() error
	prefix string
	ttl    time.Duration
}

// NewLedger 连接 Redis 并创建账本。
func NewLedger(cfg Config) (*Ledger, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	l := newLedger(client, cfg.KeyPrefix, cfg.TTL)
	l.closer = client.Close
	return l, nil
}

func newLedger(client commands, prefix string, ttl time.Duration) *Ledger {
	if prefix == "" {
		prefix = "hyperfleet:funding"
	}
	return &Ledger{client: client, prefix: prefix, ttl: ttl}
}

func (l *Ledger) key(req agent.FundingRequest) string {
	return fmt.Sprintf("%s:%s:%s:%s", l.prefix, req.Epoch, req.AgentID, req.Asset)
}

// Claim 写入尚不存在的请求；已存在时返回现有记录。
func (l *Ledger) Claim(ctx context.Context, req agent.FundingRequest) (agent.FundingRequest, bool, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return agent.FundingRequest{}, false, err
	}
	key := l.key(req)
	ok, err := l.client.SetNX(ctx, key, payload, l.ttl).Result()
	if err != nil {
		return agent.FundingRequest{}, false, fmt.Errorf("Redis 登记注资请求失败: %w", err)
	}
	if ok {
		return req, true, nil
	}
	raw, err := l.client.Get(ctx, key).Bytes()
	if err != nil {
		return agent.FundingRequest{}, false, fmt.Errorf("Redis 读取注资请求失败: %w", err)
	}
	var existing agent.FundingRequest
	if err := json.Unmarshal(raw, &existing); err != nil {
		return agent.FundingRequest{}, false, fmt.Errorf("解析注资请求 %s 失败: %w", key, err)
	}
	return existing, false, nil
}

// Update 覆盖已存在的请求并保留其过期时间。
func (l *Ledger) Update(ctx context.Context, req agent.FundingRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	ok, err := l.client.SetXX(ctx, l.key(req), payload, redis.KeepTTL).Result()
	if err != nil {
		return fmt.Errorf("Redis 更新注资请求失败: %w", err)
	}
	if !ok {
		return fmt.Errorf("注资请求 %s 不存在", l.key(req))
	}
	return nil
}

// List 通过 SCAN 列出前缀下的全部请求。
func (l *Ledger) List(ctx context.Context) ([]agent.FundingRequest, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		page, next, err := l.client.Scan(ctx, cursor, l.prefix+":*", 200).Result()
		if err != nil {
			return nil, fmt.Errorf("Redis 扫描注资请求失败: %w", err)
		}
		keys = append(keys, page...)
		if next == 0 {
			break
		}
		cursor = next
	}
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := l.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("Redis 读取注资请求失败: %w", err)
	}
	out := make([]agent.FundingRequest, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var req agent.FundingRequest
		if err := json.Unmarshal([]byte(s), &req); err != nil {
			return nil, fmt.Errorf("解析注资请求 %s 失败: %w", keys[i], err)
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Close 关闭 Redis 连接。
func (l *Ledger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer()
}
