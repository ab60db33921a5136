package funding

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"hyperfleet/internal/agent"
)

// Ledger 保存注资请求，以 (epoch, agent, asset) 为幂等键。
type Ledger interface {
	// Claim 在键不存在时写入 req 并返回 (req, true)；键已存在时返回已有请求与 false。
	Claim(ctx context.Context, req agent.FundingRequest) (agent.FundingRequest, bool, error)
	// Update 覆盖已存在请求的状态。
	Update(ctx context.Context, req agent.FundingRequest) error
	// List 返回账本中的全部请求。
	List(ctx context.Context) ([]agent.FundingRequest, error)
}

// Key 返回请求的幂等键。
func Key(epoch, agentID string, asset agent.AssetKind) string {
	return fmt.Sprintf("%s:%s:%s", epoch, agentID, asset)
}

// MemoryLedger 是进程内账本，适合单进程运行与测试。
type MemoryLedger struct {
	mu       sync.Mutex
	requests map[string]agent.FundingRequest
}

// NewMemoryLedger 创建空账本。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{requests: make(map[string]agent.FundingRequest)}
}

func (l *MemoryLedger) Claim(_ context.Context, req agent.FundingRequest) (agent.FundingRequest, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := Key(req.Epoch, req.AgentID, req.Asset)
	if existing, ok := l.requests[key]; ok {
		return existing, false, nil
	}
	l.requests[key] = req
	return req, true, nil
}

func (l *MemoryLedger) Update(_ context.Context, req agent.FundingRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := Key(req.Epoch, req.AgentID, req.Asset)
	if _, ok := l.requests[key]; !ok {
		return fmt.Errorf("注资请求 %s 不存在", key)
	}
	l.requests[key] = req
	return nil
}

func (l *MemoryLedger) List(context.Context) ([]agent.FundingRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]agent.FundingRequest, 0, len(l.requests))
	for _, req := range l.requests {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
