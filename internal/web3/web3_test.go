package web3

import (
	"context"
	"math/big"
	"testing"
)

func TestToWei(t *testing.T) {
	if got := ToWei(1.0); got.Cmp(big.NewInt(1e18)) != 0 {
		t.Fatalf("ToWei(1.0) = %s", got)
	}
	if got := ToWei(0.001); got.Cmp(big.NewInt(1e15)) != 0 {
		t.Fatalf("ToWei(0.001) = %s", got)
	}
	if got := ToWei(0); got.Sign() != 0 {
		t.Fatalf("ToWei(0) = %s", got)
	}
}

func TestMockSettlerDeterministicHash(t *testing.T) {
	m := NewMockSettler()
	req := SettlementRequest{
		Network:   "base",
		Recipient: "0x000000000000000000000000000000000000dead",
		Amount:    ToWei(0.001),
		Memo:      "task-1",
	}
	first, err := m.Settle(context.Background(), req)
	if err != nil {
		t.Fatalf("Settle 失败: %v", err)
	}
	second, err := m.Settle(context.Background(), req)
	if err != nil {
		t.Fatalf("Settle 失败: %v", err)
	}
	if first != second || len(first) != 66 {
		t.Fatalf("交易哈希应可复现且为 32 字节 hex: %s %s", first, second)
	}
	if len(m.Settled) != 2 {
		t.Fatalf("应记录全部结算请求, got %d", len(m.Settled))
	}
}

func TestMockSettlerBalances(t *testing.T) {
	m := NewMockSettler()
	balance, err := m.Balance(context.Background(), "anyone")
	if err != nil {
		t.Fatalf("Balance 失败: %v", err)
	}
	if balance.Cmp(ToWei(1.0)) != 0 {
		t.Fatalf("未登记账户应返回默认余额, got %s", balance)
	}

	m.SetBalance("broke", big.NewInt(0))
	balance, err = m.Balance(context.Background(), "broke")
	if err != nil {
		t.Fatalf("Balance 失败: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("登记的余额应生效, got %s", balance)
	}
}

func TestMockSettlerFailure(t *testing.T) {
	m := NewMockSettler()
	m.FailSettle = true
	if _, err := m.Settle(context.Background(), SettlementRequest{Amount: ToWei(0.001)}); err == nil {
		t.Fatalf("FailSettle 模式下结算应失败")
	}
	if len(m.Settled) != 0 {
		t.Fatalf("失败的结算不应计入记录")
	}
}
