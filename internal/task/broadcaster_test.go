package task

import "testing"

func TestBroadcasterFanout(t *testing.T) {
	b := NewBroadcaster()

	var first, second []Status
	unsubFirst := b.Subscribe("task-1", func(t *Task) { first = append(first, t.Status) })
	b.Subscribe("task-1", func(t *Task) { second = append(second, t.Status) })
	b.Subscribe("task-2", func(t *Task) {
		t.Status = StatusFailed // 修改快照不应影响其他订阅者
	})

	b.Publish(&Task{ID: "task-1", Status: StatusRouting})
	b.Publish(&Task{ID: "task-1", Status: StatusProcessing})

	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("两个订阅者都应收到全部事件: %v %v", first, second)
	}
	if first[0] != StatusRouting || first[1] != StatusProcessing {
		t.Fatalf("事件顺序应与发布顺序一致: %v", first)
	}

	unsubFirst()
	b.Publish(&Task{ID: "task-1", Status: StatusCompleted})
	if len(first) != 2 {
		t.Fatalf("注销后不应再收到事件")
	}
	if len(second) != 3 {
		t.Fatalf("其余订阅者应继续收到事件")
	}
}

func TestBroadcasterSnapshotIsolation(t *testing.T) {
	b := NewBroadcaster()

	b.Subscribe("task-1", func(t *Task) {
		t.Metadata["mutated"] = true
	})
	var observed *Task
	b.Subscribe("task-1", func(t *Task) {
		observed = t
	})

	b.Publish(&Task{ID: "task-1", Status: StatusRouting, Metadata: map[string]any{}})
	if observed == nil {
		t.Fatalf("第二个订阅者应收到事件")
	}
	if _, ok := observed.Metadata["mutated"]; ok {
		t.Fatalf("订阅者之间不应共享快照")
	}
}
