package dispatch

import (
	"context"
	"testing"

	"AgentMesh/internal/router"
	"AgentMesh/internal/specialist"
	"AgentMesh/internal/task"
)

func newTestService(t *testing.T) (*Service, *MemoryQueue, task.Store) {
	t.Helper()
	store, err := task.NewMemoryStore()
	if err != nil {
		t.Fatalf("NewMemoryStore 失败: %v", err)
	}
	queue := NewMemoryQueue(16)
	svc := NewService(store, queue, router.New(router.DefaultRules()), specialist.DefaultRegistry())
	return svc, queue, store
}

func TestDispatchRoutesByContent(t *testing.T) {
	svc, queue, store := newTestService(t)
	ctx := context.Background()

	receipt, err := svc.Dispatch(ctx, Request{
		Request:     "Is BONK a good buy?",
		RequesterID: "alice",
	})
	if err != nil {
		t.Fatalf("Dispatch 失败: %v", err)
	}
	if receipt.Specialist != "prediction" {
		t.Fatalf("行情研判请求应路由到 prediction, got %s", receipt.Specialist)
	}
	if receipt.Status != task.StatusPending {
		t.Fatalf("受理回执状态应为 pending, got %s", receipt.Status)
	}
	if queue.Depth() != 1 {
		t.Fatalf("任务应已入队, depth=%d", queue.Depth())
	}

	stored, err := store.Get(ctx, receipt.TaskID)
	if err != nil {
		t.Fatalf("读取任务失败: %v", err)
	}
	if stored.RequesterID != "alice" {
		t.Fatalf("请求方标识丢失, got %s", stored.RequesterID)
	}
	if len(stored.Messages) != 1 || stored.Messages[0].From != "alice" {
		t.Fatalf("受理时应记录请求方的初始通告")
	}
}

func TestDispatchSameRequestSameSpecialist(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Dispatch(ctx, Request{Request: "Is BONK a good buy?"})
	if err != nil {
		t.Fatalf("Dispatch 失败: %v", err)
	}
	second, err := svc.Dispatch(ctx, Request{Request: "Is BONK a good buy?"})
	if err != nil {
		t.Fatalf("Dispatch 失败: %v", err)
	}
	if first.Specialist != second.Specialist {
		t.Fatalf("相同请求的路由结果应可复现: %s != %s", first.Specialist, second.Specialist)
	}
}

func TestDispatchDetectsMultiHop(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	receipt, err := svc.Dispatch(ctx, Request{
		Request: "Buy the most trending memecoin right now",
	})
	if err != nil {
		t.Fatalf("Dispatch 失败: %v", err)
	}
	if len(receipt.Pipeline) != 2 {
		t.Fatalf("组合意图应拆分为 2 跳流水线, got %v", receipt.Pipeline)
	}
	if receipt.Pipeline[0] != "sentiment" || receipt.Pipeline[1] != "trading" {
		t.Fatalf("流水线顺序应为 sentiment→trading, got %v", receipt.Pipeline)
	}
	if receipt.Specialist != "sentiment" {
		t.Fatalf("任务的专家字段应为首跳, got %s", receipt.Specialist)
	}

	stored, err := store.Get(ctx, receipt.TaskID)
	if err != nil {
		t.Fatalf("读取任务失败: %v", err)
	}
	if len(pipelineOf(stored)) != 2 {
		t.Fatalf("流水线应写入任务元数据")
	}
}

func TestDispatchExplicitSpecialist(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	receipt, err := svc.Dispatch(ctx, Request{
		Request:    "Buy the most trending memecoin right now",
		Specialist: "research",
	})
	if err != nil {
		t.Fatalf("Dispatch 失败: %v", err)
	}
	if receipt.Specialist != "research" || len(receipt.Pipeline) != 0 {
		t.Fatalf("显式指定的专家应跳过路由, got %s %v", receipt.Specialist, receipt.Pipeline)
	}

	if _, err := svc.Dispatch(ctx, Request{Request: "hello", Specialist: "nonexistent"}); err == nil {
		t.Fatalf("未注册的专家应被拒绝")
	}
}

func TestDispatchRejectsEmptyRequest(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Dispatch(context.Background(), Request{Request: "   "}); err == nil {
		t.Fatalf("空请求应被拒绝")
	}
}
