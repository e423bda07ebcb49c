package reputation

import (
	stdErrors "errors"
	"fmt"
	"testing"
	"time"

	"AgentMesh/internal/storage/snapshot"
)

func TestSubmitVoteCountsOnce(t *testing.T) {
	ledger, err := NewLedger(nil)
	if err != nil {
		t.Fatalf("NewLedger 失败: %v", err)
	}

	changed, err := ledger.SubmitVote("alice", "task-1", "trading", VoteUp)
	if err != nil || !changed {
		t.Fatalf("首次投票应成功, changed=%v err=%v", changed, err)
	}

	_, err = ledger.SubmitVote("alice", "task-1", "trading", VoteUp)
	if !stdErrors.Is(err, ErrDuplicateVote) {
		t.Fatalf("同方向重投应被拒绝, got %v", err)
	}

	summary := ledger.Summary("trading")
	if summary.Upvotes != 1 || summary.Downvotes != 0 {
		t.Fatalf("重投不应重复计票, got up=%d down=%d", summary.Upvotes, summary.Downvotes)
	}
}

func TestSubmitVoteFlipReplacesPrevious(t *testing.T) {
	ledger, err := NewLedger(nil)
	if err != nil {
		t.Fatalf("NewLedger 失败: %v", err)
	}

	if _, err := ledger.SubmitVote("alice", "task-1", "trading", VoteUp); err != nil {
		t.Fatalf("首次投票失败: %v", err)
	}
	changed, err := ledger.SubmitVote("alice", "task-1", "trading", VoteDown)
	if err != nil || !changed {
		t.Fatalf("改票应成功, changed=%v err=%v", changed, err)
	}

	summary := ledger.Summary("trading")
	if summary.Upvotes != 0 || summary.Downvotes != 1 {
		t.Fatalf("改票应先撤销旧票, got up=%d down=%d", summary.Upvotes, summary.Downvotes)
	}
	if direction, ok := ledger.VoteFor("alice", "task-1"); !ok || direction != VoteDown {
		t.Fatalf("当前有效投票应为 down, got %s ok=%v", direction, ok)
	}
}

func TestSuccessRate(t *testing.T) {
	ledger, err := NewLedger(nil)
	if err != nil {
		t.Fatalf("NewLedger 失败: %v", err)
	}

	if rate := ledger.SuccessRate("unknown"); rate != 100 {
		t.Fatalf("无投票的专家成功率应为 100, got %d", rate)
	}

	voters := []struct {
		voter     string
		direction Direction
	}{
		{"v1", VoteUp}, {"v2", VoteUp}, {"v3", VoteDown},
	}
	for i, v := range voters {
		taskID := fmt.Sprintf("task-%d", i)
		if _, err := ledger.SubmitVote(v.voter, taskID, "sentiment", v.direction); err != nil {
			t.Fatalf("投票失败: %v", err)
		}
	}
	// 2/3 = 66.67%，四舍五入为 67。
	if rate := ledger.SuccessRate("sentiment"); rate != 67 {
		t.Fatalf("成功率应四舍五入为 67, got %d", rate)
	}
}

func TestSubmitVoteValidation(t *testing.T) {
	ledger, err := NewLedger(nil)
	if err != nil {
		t.Fatalf("NewLedger 失败: %v", err)
	}
	if _, err := ledger.SubmitVote("", "task-1", "trading", VoteUp); err == nil {
		t.Fatalf("空投票人应被拒绝")
	}
	if _, err := ledger.SubmitVote("alice", "task-1", "trading", "sideways"); err == nil {
		t.Fatalf("非法投票方向应被拒绝")
	}
}

func TestVoteHistoryBounded(t *testing.T) {
	ledger, err := NewLedger(nil)
	if err != nil {
		t.Fatalf("NewLedger 失败: %v", err)
	}
	for i := 0; i < historyCap+20; i++ {
		voter := fmt.Sprintf("voter-%d", i)
		taskID := fmt.Sprintf("task-%d", i)
		if _, err := ledger.SubmitVote(voter, taskID, "research", VoteUp); err != nil {
			t.Fatalf("投票失败: %v", err)
		}
	}
	summary := ledger.Summary("research")
	if len(summary.History) != historyCap {
		t.Fatalf("投票明细应被限制为 %d 条, got %d", historyCap, len(summary.History))
	}
	if summary.Upvotes != historyCap+20 {
		t.Fatalf("计票不应受明细裁剪影响, got %d", summary.Upvotes)
	}
	if summary.History[0].Voter != "voter-20" {
		t.Fatalf("应淘汰最早的明细, got %s", summary.History[0].Voter)
	}
}

func TestLedgerPersistsAcrossRestart(t *testing.T) {
	repo := snapshot.NewMemory()
	ledger, err := NewLedger(repo)
	if err != nil {
		t.Fatalf("NewLedger 失败: %v", err)
	}
	if _, err := ledger.SubmitVote("alice", "task-1", "trading", VoteUp); err != nil {
		t.Fatalf("投票失败: %v", err)
	}
	ledger.RecordOutcome("trading", true)
	ledger.MarkSynced("trading", time.Unix(1700000000, 0))

	restored, err := NewLedger(repo)
	if err != nil {
		t.Fatalf("从快照恢复失败: %v", err)
	}
	summary := restored.Summary("trading")
	if summary.Upvotes != 1 || summary.Completed != 1 {
		t.Fatalf("重启后计数丢失, got up=%d completed=%d", summary.Upvotes, summary.Completed)
	}
	if summary.LastSyncedAt != 1700000000 {
		t.Fatalf("同步时间戳丢失, got %d", summary.LastSyncedAt)
	}
	if _, err := restored.SubmitVote("alice", "task-1", "trading", VoteUp); !stdErrors.Is(err, ErrDuplicateVote) {
		t.Fatalf("重启后投票索引仍应生效, got %v", err)
	}
}
