package task

import (
	"context"
	stdErrors "errors"
	"sort"
	"sync"
	"time"

	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/storage/snapshot"
)

// MemoryStore 将任务快照保存在内存中，并在每次变更后整体写入快照仓库。
// 广播器在持久化成功后按注册顺序同步通知订阅者。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	repo  snapshot.Repository
	// pubMu 串行化更新通知与「注册订阅 + 首次投递」，
	// 保证订阅方观察到的快照顺序与写入顺序一致。
	pubMu       sync.Mutex
	broadcaster *Broadcaster
}

// MemoryStoreOption 定义可选配置。
type MemoryStoreOption func(*MemoryStore)

// WithRepository 指定快照仓库；未配置时任务只保留在内存中。
func WithRepository(repo snapshot.Repository) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.repo = repo
	}
}

// NewMemoryStore 创建 MemoryStore，若快照仓库中有历史数据则一并恢复。
func NewMemoryStore(opts ...MemoryStoreOption) (*MemoryStore, error) {
	store := &MemoryStore{
		tasks:       make(map[string]*Task),
		broadcaster: NewBroadcaster(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	if store.repo != nil {
		restored := make(map[string]*Task)
		if err := store.repo.Load(&restored); err != nil {
			if !stdErrors.Is(err, snapshot.ErrNotExist) {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "恢复任务快照失败")
			}
		} else {
			store.tasks = restored
		}
	}
	return store, nil
}

// CreateOrUpdate 实现 Store 接口。
func (m *MemoryStore) CreateOrUpdate(_ context.Context, t *Task) error {
	if t == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if t.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if !IsValidStatus(t.Status) {
		return xerrors.New(CodeTaskValidation, "未知的任务状态")
	}

	m.mu.Lock()
	existing, ok := m.tasks[t.ID]
	if ok {
		if err := checkMutation(existing, t); err != nil {
			m.mu.Unlock()
			return err
		}
	}

	now := time.Now().Unix()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	clone := t.Clone()
	m.tasks[t.ID] = clone

	var persistErr error
	if m.repo != nil {
		persistErr = m.repo.Save(m.tasks)
	}
	m.mu.Unlock()

	if persistErr != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, persistErr, "持久化任务快照失败")
	}

	m.pubMu.Lock()
	m.broadcaster.Publish(clone)
	m.pubMu.Unlock()
	return nil
}

// checkMutation 校验状态机与追加式列表的不变量。
func checkMutation(existing, next *Task) error {
	if existing.Status.Terminal() {
		// 终态任务不再接受任何字段变化。
		return ErrTaskTerminal
	}
	if !CanTransition(existing.Status, next.Status) {
		return ErrTaskRegression
	}
	if len(next.Payments) < len(existing.Payments) || len(next.Messages) < len(existing.Messages) {
		return ErrAppendOnly
	}
	return nil
}

// Get 返回任务快照。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

// List 返回最近任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if !matchesListFilters(t, opts) {
			continue
		}
		results = append(results, t.Clone())
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的任务数量。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := TaskStats{}
	for _, t := range m.tasks {
		if !matchesListFilters(t, opts) {
			continue
		}
		stats.add(t)
	}
	return stats, nil
}

// Subscribe 实现 Store 接口。当前快照（若存在）会被立刻投递，
// 避免订阅方错过已经发生的首次更新。注册与首次投递在 pubMu
// 临界区内完成，并发更新不可能插到两者之间。
func (m *MemoryStore) Subscribe(id string, fn Subscriber) func() {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	unsubscribe := m.broadcaster.Subscribe(id, fn)

	m.mu.RLock()
	current, ok := m.tasks[id]
	var initial *Task
	if ok {
		initial = current.Clone()
	}
	m.mu.RUnlock()

	if initial != nil && fn != nil {
		fn(initial)
	}
	return unsubscribe
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(t *Task, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if t.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.Requester != "" && t.RequesterID != opts.Requester {
		return false
	}
	return true
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
