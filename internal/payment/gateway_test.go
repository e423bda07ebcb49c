package payment

import (
	"context"
	stdErrors "errors"
	"strings"
	"testing"

	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/storage/snapshot"
	"AgentMesh/internal/task"
	"AgentMesh/internal/web3"
)

type feeMap map[string]float64

func (f feeMap) Fee(id string) float64 { return f[id] }

func newTestGateway(t *testing.T, settler web3.Settler, strict bool) *Gateway {
	t.Helper()
	guard, err := NewReplayGuard(64, 1000, nil)
	if err != nil {
		t.Fatalf("NewReplayGuard 失败: %v", err)
	}
	gateway, err := NewGateway(GatewayConfig{
		Settler:  settler,
		Fees:     feeMap{"trading": 0.002, "general": 0},
		Guard:    guard,
		PayTo:    "0x000000000000000000000000000000000000dead",
		Asset:    "ETH",
		Networks: []string{"base", "base-sepolia"},
		Strict:   strict,
	})
	if err != nil {
		t.Fatalf("NewGateway 失败: %v", err)
	}
	return gateway
}

func validSignature(seed string) string {
	return seed + strings.Repeat("a", 64)
}

func TestVerifyInboundFreeSpecialist(t *testing.T) {
	gateway := newTestGateway(t, web3.NewMockSettler(), false)

	required, err := gateway.VerifyInbound("general", "")
	if err != nil {
		t.Fatalf("免费专家不应被拒绝: %v", err)
	}
	if required != nil {
		t.Fatalf("免费专家不应要求付费")
	}
}

func TestVerifyInboundRequiresPayment(t *testing.T) {
	gateway := newTestGateway(t, web3.NewMockSettler(), false)

	required, err := gateway.VerifyInbound("trading", "")
	if err != nil {
		t.Fatalf("缺少签名应返回要求文档而非错误: %v", err)
	}
	if required == nil {
		t.Fatalf("付费专家应返回付费要求")
	}
	if len(required.Accepts) != 2 {
		t.Fatalf("应为每个结算网络生成一个条目, got %d", len(required.Accepts))
	}
	if required.Accepts[0].Network != "base" {
		t.Fatalf("主网络应排在首位, got %s", required.Accepts[0].Network)
	}

	encoded, err := required.Encode()
	if err != nil {
		t.Fatalf("编码付费要求失败: %v", err)
	}
	decoded, err := DecodeRequirements(encoded)
	if err != nil {
		t.Fatalf("解码付费要求失败: %v", err)
	}
	if decoded.Accepts[1].Network != "base-sepolia" {
		t.Fatalf("编码往返丢失了备选网络")
	}
}

func TestVerifyInboundRejectsReplay(t *testing.T) {
	gateway := newTestGateway(t, web3.NewMockSettler(), false)
	signature := validSignature("replay")

	if _, err := gateway.VerifyInbound("trading", signature); err != nil {
		t.Fatalf("首次使用签名应被接受: %v", err)
	}
	_, err := gateway.VerifyInbound("trading", signature)
	if err == nil {
		t.Fatalf("重复使用签名应被拒绝")
	}
	if xerrors.CodeOf(err) != xerrors.CodePaymentReplay {
		t.Fatalf("期望回放错误码, got %s", xerrors.CodeOf(err))
	}
}

func TestVerifyInboundRejectsShortSignature(t *testing.T) {
	gateway := newTestGateway(t, web3.NewMockSettler(), false)

	_, err := gateway.VerifyInbound("trading", "too-short")
	if err == nil {
		t.Fatalf("过短的签名应被拒绝")
	}
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("期望参数错误码, got %s", xerrors.CodeOf(err))
	}
}

func TestReplayGuardPrune(t *testing.T) {
	guard, err := NewReplayGuard(4, 3, nil)
	if err != nil {
		t.Fatalf("NewReplayGuard 失败: %v", err)
	}
	for _, sig := range []string{"aaaa", "bbbb", "cccc", "dddd", "eeee"} {
		if err := guard.Consume(sig); err != nil {
			t.Fatalf("消费签名 %s 失败: %v", sig, err)
		}
	}
	if pruned := guard.Prune(); pruned != 2 {
		t.Fatalf("应淘汰 2 条签名, got %d", pruned)
	}
	if guard.Len() != 3 {
		t.Fatalf("裁剪后应保留 3 条签名, got %d", guard.Len())
	}
	if guard.Seen("aaaa") || guard.Seen("bbbb") {
		t.Fatalf("应优先淘汰最早消费的签名")
	}
	if !guard.Seen("eeee") {
		t.Fatalf("最近消费的签名不应被淘汰")
	}
}

func TestReplayGuardRestoresFromSnapshot(t *testing.T) {
	repo := snapshot.NewMemory()
	guard, err := NewReplayGuard(4, 10, repo)
	if err != nil {
		t.Fatalf("NewReplayGuard 失败: %v", err)
	}
	if err := guard.Consume("persisted"); err != nil {
		t.Fatalf("消费签名失败: %v", err)
	}

	restored, err := NewReplayGuard(4, 10, repo)
	if err != nil {
		t.Fatalf("从快照恢复失败: %v", err)
	}
	if err := restored.Consume("persisted"); !stdErrors.Is(err, ErrReplay) {
		t.Fatalf("重启后签名仍应被拒绝, got %v", err)
	}
}

func TestReplayGuardPersistsSignatureArray(t *testing.T) {
	repo := snapshot.NewMemory()
	guard, err := NewReplayGuard(4, 10, repo)
	if err != nil {
		t.Fatalf("NewReplayGuard 失败: %v", err)
	}
	if err := guard.Consume("first"); err != nil {
		t.Fatalf("消费签名失败: %v", err)
	}
	if err := guard.Consume("second"); err != nil {
		t.Fatalf("消费签名失败: %v", err)
	}

	// 落盘文档是数组，每条记录带签名与消费时间。
	var entries []map[string]any
	if err := repo.Load(&entries); err != nil {
		t.Fatalf("持久化文档应能按数组解码: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("应持久化 2 条签名, got %d", len(entries))
	}
	if entries[0]["signature"] != "first" {
		t.Fatalf("最早消费的签名应排在最前, got %v", entries[0]["signature"])
	}
	for _, entry := range entries {
		if _, ok := entry["seen_at"]; !ok {
			t.Fatalf("每条记录都应携带消费时间: %v", entry)
		}
	}
}

func TestChargeRecordsCompletedPayment(t *testing.T) {
	settler := web3.NewMockSettler()
	gateway := newTestGateway(t, settler, false)

	record, err := gateway.Charge(context.Background(), "trading", "task-1")
	if err != nil {
		t.Fatalf("Charge 失败: %v", err)
	}
	if record.Status != task.PaymentCompleted {
		t.Fatalf("期望支付完成, got %s", record.Status)
	}
	if record.TxHash == "" {
		t.Fatalf("成功结算应携带交易哈希")
	}
	if record.Amount != 0.002 {
		t.Fatalf("金额应为专家费用, got %f", record.Amount)
	}
	if len(settler.Settled) != 1 {
		t.Fatalf("应执行一笔结算, got %d", len(settler.Settled))
	}
	if entries := gateway.Log(); len(entries) != 1 || entries[0].TaskID != "task-1" {
		t.Fatalf("支付流水应包含该笔支付")
	}
}

func TestChargeFallbackOnSettlementFailure(t *testing.T) {
	settler := web3.NewMockSettler()
	settler.FailSettle = true
	gateway := newTestGateway(t, settler, false)

	record, err := gateway.Charge(context.Background(), "trading", "task-2")
	if err != nil {
		t.Fatalf("非严格模式下结算失败不应返回错误: %v", err)
	}
	if record.Status != task.PaymentPending {
		t.Fatalf("降级凭证状态应为 pending, got %s", record.Status)
	}
	if record.TxHash != "" {
		t.Fatalf("降级凭证不应携带交易哈希")
	}
}

func TestChargeStrictFailsTask(t *testing.T) {
	settler := web3.NewMockSettler()
	settler.FailSettle = true
	gateway := newTestGateway(t, settler, true)

	record, err := gateway.Charge(context.Background(), "trading", "task-3")
	if err == nil {
		t.Fatalf("严格模式下结算失败应返回错误")
	}
	if xerrors.CodeOf(err) != xerrors.CodeSettlementFailure {
		t.Fatalf("期望结算失败错误码, got %s", xerrors.CodeOf(err))
	}
	if record.Status != task.PaymentFailed {
		t.Fatalf("严格模式下凭证状态应为 failed, got %s", record.Status)
	}
}
