package execution

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"hyperfleet/internal/web3"
)

// NonceManager 在本地维护每个钱包的下一个 nonce。节点的 pending 视图可能滞后，
// 因此只在首次使用或冲突后从节点重新派生。
type NonceManager struct {
	client web3.Client

	mu   sync.Mutex
	next map[common.Address]uint64
}

// NewNonceManager 创建 nonce 管理器。
func NewNonceManager(client web3.Client) *NonceManager {
	return &NonceManager{client: client, next: make(map[common.Address]uint64)}
}

// Next 分配下一个 nonce，首次使用时以节点 pending nonce 作为起点。
func (m *NonceManager) Next(ctx context.Context, addr common.Address) (uint64, error) {
	m.mu.Lock()
	n, ok := m.next[addr]
	m.mu.Unlock()
	if !ok {
		seed, err := m.client.PendingNonceAt(ctx, addr)
		if err != nil {
			return 0, web3.Classify(web3.MethodPendingNonceAt, err)
		}
		n = seed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.next[addr]; ok && cur > n {
		n = cur
	}
	m.next[addr] = n + 1
	return n, nil
}

// Resync 丢弃本地计数，从节点 pending nonce 重新派生并分配。
func (m *NonceManager) Resync(ctx context.Context, addr common.Address) (uint64, error) {
	m.mu.Lock()
	delete(m.next, addr)
	m.mu.Unlock()
	return m.Next(ctx, addr)
}

// Release 归还未能广播的 nonce，仅当它是最近一次分配时生效。
func (m *NonceManager) Release(addr common.Address, nonce uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.next[addr] == nonce+1 {
		m.next[addr] = nonce
	}
}

// Reset 直接设置下一个 nonce。
func (m *NonceManager) Reset(addr common.Address, next uint64) {
	m.mu.Lock()
	m.next[addr] = next
	m.mu.Unlock()
}

// Peek 返回本地记录的下一个 nonce。
func (m *NonceManager) Peek(addr common.Address) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.next[addr]
	return n, ok
}

// Forget 丢弃本地计数，下次分配时重新从节点派生。
func (m *NonceManager) Forget(addr common.Address) {
	m.mu.Lock()
	delete(m.next, addr)
	m.mu.Unlock()
}
