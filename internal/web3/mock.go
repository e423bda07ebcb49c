package web3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
)

// MockSettler 在进程内模拟结算服务，主要用于测试与演示模式。
type MockSettler struct {
	mu sync.Mutex
	// balances 记录账户余额；未登记的账户使用 DefaultBalance。
	balances map[string]*big.Int
	// DefaultBalance 是未登记账户的余额，nil 表示 0。
	DefaultBalance *big.Int
	// FailSettle 为 true 时 Settle 恒定失败，用于演练结算降级路径。
	FailSettle bool
	// Settled 记录全部已执行的请求。
	Settled []SettlementRequest
}

// NewMockSettler 创建 MockSettler。
func NewMockSettler() *MockSettler {
	return &MockSettler{
		balances:       make(map[string]*big.Int),
		DefaultBalance: ToWei(1.0),
	}
}

// SetBalance 登记账户余额。
func (m *MockSettler) SetBalance(account string, wei *big.Int) {
	m.mu.Lock()
	m.balances[account] = new(big.Int).Set(wei)
	m.mu.Unlock()
}

// Settle 实现 Settler 接口。交易哈希由请求内容决定，保证可复现。
func (m *MockSettler) Settle(_ context.Context, req SettlementRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSettle {
		return "", fmt.Errorf("模拟结算服务不可用")
	}
	m.Settled = append(m.Settled, req)
	digest := sha256.Sum256([]byte(req.Network + req.Recipient + req.Amount.String() + req.Memo))
	return "0x" + hex.EncodeToString(digest[:]), nil
}

// Balance 实现 Settler 接口。
func (m *MockSettler) Balance(_ context.Context, account string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if balance, ok := m.balances[account]; ok {
		return new(big.Int).Set(balance), nil
	}
	if m.DefaultBalance == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(m.DefaultBalance), nil
}

// Snapshot 实现 Settler 接口。
func (m *MockSettler) Snapshot(_ context.Context) (ChainSnapshot, error) {
	return ChainSnapshot{ChainID: "0x0", BlockNumber: "0x0"}, nil
}

// Close 对内存实现无需操作。
func (m *MockSettler) Close() {}

var _ Settler = (*MockSettler)(nil)
