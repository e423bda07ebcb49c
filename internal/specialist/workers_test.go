package specialist

import (
	"context"
	"testing"
)

func TestExtractSymbol(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"Is BONK a good buy?", "BONK"},
		{"buy SOL and hold", "SOL"},
		{"IS THE BUY OK", ""},
		{"price in USD for WIF", "WIF"},
		{"no symbol here", ""},
	}
	for _, tc := range cases {
		if got := ExtractSymbol(tc.text); got != tc.want {
			t.Fatalf("ExtractSymbol(%q) = %q, want %q", tc.text, got, tc.want)
		}
	}
}

func TestWorkersDeterministic(t *testing.T) {
	ctx := context.Background()
	registry := DefaultRegistry()

	for _, id := range registry.IDs() {
		worker, err := registry.Get(id)
		if err != nil {
			t.Fatalf("Get(%s) 失败: %v", id, err)
		}
		first, err := worker.Handle(ctx, "Is BONK a good buy?")
		if err != nil {
			t.Fatalf("%s 执行失败: %v", id, err)
		}
		second, err := worker.Handle(ctx, "Is BONK a good buy?")
		if err != nil {
			t.Fatalf("%s 执行失败: %v", id, err)
		}
		if first.Reply != second.Reply {
			t.Fatalf("%s 对相同请求的结果应可复现", id)
		}
		if !first.Success {
			t.Fatalf("%s 应返回成功结果", id)
		}
	}
}

func TestTradingReportsNetworkFee(t *testing.T) {
	trading := &Trading{Price: 0.002}
	result, err := trading.Handle(context.Background(), "sell 3 SOL")
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if result.Payment == nil || result.Payment.Amount <= 0 {
		t.Fatalf("交易专家应申报网络手续费: %+v", result.Payment)
	}
	if result.Data["side"] != "sell" {
		t.Fatalf("卖出请求的方向应为 sell, got %v", result.Data["side"])
	}
}

func TestRegistryFees(t *testing.T) {
	registry := DefaultRegistry()
	if fee := registry.Fee("trading"); fee != 0.002 {
		t.Fatalf("trading 费用不符, got %f", fee)
	}
	if fee := registry.Fee("general"); fee != 0 {
		t.Fatalf("general 应免费, got %f", fee)
	}
	if fee := registry.Fee("nonexistent"); fee != 0 {
		t.Fatalf("未注册专家的费用应为 0, got %f", fee)
	}
	if _, err := registry.Get("nonexistent"); err == nil {
		t.Fatalf("未注册的专家应返回错误")
	}
}
