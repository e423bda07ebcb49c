package task

import "context"

// Store 抽象了任务快照的持久化与按任务订阅的实时通知。
type Store interface {
	// CreateOrUpdate 写入任务快照，持久化后同步通知该任务的全部订阅者。
	CreateOrUpdate(ctx context.Context, task *Task) error
	// Get 返回任务的深拷贝快照。
	Get(ctx context.Context, id string) (*Task, error)
	// List 返回符合过滤条件的任务快照。
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	// Stats 聚合符合过滤条件的任务数量。
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	// Subscribe 注册针对单个任务的回调，返回注销函数。
	// 若任务已存在，当前快照会被立刻投递一次。
	Subscribe(id string, fn Subscriber) func()
	Close() error
}
