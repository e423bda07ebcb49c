package reputation

import (
	"context"
	"strings"
	"testing"

	"AgentMesh/internal/web3"
)

func TestAnchorSyncsChangedRecords(t *testing.T) {
	ledger, err := NewLedger(nil)
	if err != nil {
		t.Fatalf("NewLedger 失败: %v", err)
	}
	if _, err := ledger.SubmitVote("alice", "task-1", "prediction", VoteUp); err != nil {
		t.Fatalf("SubmitVote 失败: %v", err)
	}
	ledger.RecordOutcome("trading", true)

	settler := web3.NewMockSettler()
	anchor, err := NewAnchor(ledger, settler, "base", "0x8Ba1f109551bD432803012645Ac136ddd64DBA72")
	if err != nil {
		t.Fatalf("NewAnchor 失败: %v", err)
	}

	anchored, err := anchor.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync 失败: %v", err)
	}
	if anchored != 2 || len(settler.Settled) != 2 {
		t.Fatalf("应锚定两条变更记录, anchored=%d settled=%d", anchored, len(settler.Settled))
	}
	if !strings.HasPrefix(settler.Settled[0].Memo, "reputation:prediction:") {
		t.Fatalf("锚定备注格式不符: %s", settler.Settled[0].Memo)
	}
	if settler.Settled[0].Amount.Sign() != 0 {
		t.Fatalf("锚定交易金额应为零: %s", settler.Settled[0].Amount)
	}
	if ledger.Summary("prediction").LastSyncedAt == 0 {
		t.Fatalf("锚定后应更新同步时间戳")
	}

	// 无新变更时不再重复锚定。
	anchored, err = anchor.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync 失败: %v", err)
	}
	if anchored != 0 || len(settler.Settled) != 2 {
		t.Fatalf("无变更时不应产生新锚定, anchored=%d settled=%d", anchored, len(settler.Settled))
	}

	// 新的变更重新进入待同步集合。
	if _, err := ledger.SubmitVote("bob", "task-2", "prediction", VoteDown); err != nil {
		t.Fatalf("SubmitVote 失败: %v", err)
	}
	anchored, err = anchor.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync 失败: %v", err)
	}
	if anchored != 1 || len(settler.Settled) != 3 {
		t.Fatalf("变更后应重新锚定, anchored=%d settled=%d", anchored, len(settler.Settled))
	}
}

func TestAnchorStopsOnSettlementFailure(t *testing.T) {
	ledger, err := NewLedger(nil)
	if err != nil {
		t.Fatalf("NewLedger 失败: %v", err)
	}
	ledger.RecordOutcome("prediction", true)

	settler := web3.NewMockSettler()
	settler.FailSettle = true
	anchor, err := NewAnchor(ledger, settler, "base", "0x8Ba1f109551bD432803012645Ac136ddd64DBA72")
	if err != nil {
		t.Fatalf("NewAnchor 失败: %v", err)
	}

	if _, err := anchor.Sync(context.Background()); err == nil {
		t.Fatalf("结算失败时 Sync 应报错")
	}
	// 失败的记录保持待同步，下次重试。
	if pending := ledger.PendingSync(); len(pending) != 1 || pending[0].ID != "prediction" {
		t.Fatalf("失败后记录应仍待同步: %+v", pending)
	}
}

func TestAnchorValidation(t *testing.T) {
	ledger, _ := NewLedger(nil)
	if _, err := NewAnchor(nil, web3.NewMockSettler(), "base", "0xabc"); err == nil {
		t.Fatalf("缺少账本应报错")
	}
	if _, err := NewAnchor(ledger, nil, "base", "0xabc"); err == nil {
		t.Fatalf("缺少结算服务应报错")
	}
	if _, err := NewAnchor(ledger, web3.NewMockSettler(), "base", "  "); err == nil {
		t.Fatalf("空账户应报错")
	}
}
