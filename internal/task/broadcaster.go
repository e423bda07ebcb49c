package task

import "sync"

// Subscriber 接收任务的完整快照。
type Subscriber func(*Task)

type subscription struct {
	id int
	fn Subscriber
}

// Broadcaster 按任务 ID 做订阅者扇出。通知在调用方的 goroutine 中
// 按注册顺序同步执行，保证单任务的状态通知与状态变更顺序一致。
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[string][]subscription
}

// NewBroadcaster 创建广播器。
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string][]subscription)}
}

// Subscribe 注册回调并返回注销函数。
func (b *Broadcaster) Subscribe(taskID string, fn Subscriber) func() {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[taskID] = append(b.subs[taskID], subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.subs[taskID]
		for i, entry := range entries {
			if entry.id == id {
				b.subs[taskID] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		if len(b.subs[taskID]) == 0 {
			delete(b.subs, taskID)
		}
	}
}

// Publish 将任务快照投递给该任务的所有订阅者。
// 每个订阅者收到独立的深拷贝，回调内的修改不会互相影响。
func (b *Broadcaster) Publish(t *Task) {
	if t == nil {
		return
	}
	b.mu.Lock()
	entries := append([]subscription(nil), b.subs[t.ID]...)
	b.mu.Unlock()

	for _, entry := range entries {
		entry.fn(t.Clone())
	}
}
