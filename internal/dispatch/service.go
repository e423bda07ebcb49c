package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/router"
	"AgentMesh/internal/specialist"
	"AgentMesh/internal/task"
	"AgentMesh/pkg/logger"
)

// 任务元数据中由调度层维护的键。
const (
	metaPipeline    = "pipeline"
	metaDryRun      = "dry_run"
	metaCurrentStep = "current_step"
	metaTotalSteps  = "total_steps"
	metaError       = "error"
	metaErrorCode   = "error_code"
)

// Request 是一次调度请求的入参。
type Request struct {
	// Request 是自由文本的任务描述。
	Request string
	// RequesterID 标识请求方，查询接口据此做可见性限制。
	RequesterID string
	// Specialist 非空时跳过路由，直接指定专家。
	Specialist string
	// CallbackURL 非空时任务进入终态后回调该地址。
	CallbackURL string
	// DryRun 为 true 时跳过全部计费动作。
	DryRun bool
	// Metadata 原样写入任务元数据。
	Metadata map[string]any
}

// Receipt 是调度受理回执。
type Receipt struct {
	TaskID     string      `json:"task_id"`
	Status     task.Status `json:"status"`
	Specialist string      `json:"specialist"`
	Pipeline   []string    `json:"pipeline,omitempty"`
}

// Service 负责受理调度请求：路由选择、任务落库与入队。
type Service struct {
	store    task.Store
	producer Producer
	router   *router.Router
	registry *specialist.Registry
}

// NewService 构造调度服务。
func NewService(store task.Store, producer Producer, r *router.Router, registry *specialist.Registry) *Service {
	return &Service{store: store, producer: producer, router: r, registry: registry}
}

// Dispatch 受理一次调度请求并异步执行。
// 返回时任务已持久化为 pending 状态且已投递到队列。
func (s *Service) Dispatch(ctx context.Context, req Request) (*Receipt, error) {
	if strings.TrimSpace(req.Request) == "" {
		return nil, xerrors.New(task.CodeTaskValidation, "任务描述不能为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "调度服务未初始化")
	}

	pipeline, err := s.resolvePipeline(req)
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	t := &task.Task{
		ID:          uuid.NewString(),
		Request:     req.Request,
		RequesterID: strings.TrimSpace(req.RequesterID),
		Specialist:  pipeline[0],
		Status:      task.StatusPending,
		Metadata:    req.Metadata,
		CallbackURL: strings.TrimSpace(req.CallbackURL),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if len(pipeline) > 1 {
		t.SetMeta(metaPipeline, pipeline)
	}
	if req.DryRun {
		t.SetMeta(metaDryRun, true)
	}
	t.AppendMessage(requesterLabel(t), "dispatcher", req.Request, now)

	if err := s.store.CreateOrUpdate(ctx, t); err != nil {
		return nil, err
	}
	if err := s.producer.Publish(ctx, t.ID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", t.ID))
		wrapped := xerrors.Wrap(xerrors.CodeQueueFailure, err, "发布任务到调度队列失败")
		t.Status = task.StatusFailed
		t.SetMeta(metaError, wrapped.Error())
		t.SetMeta(metaErrorCode, string(xerrors.CodeQueueFailure))
		_ = s.store.CreateOrUpdate(ctx, t)
		return nil, wrapped
	}

	logger.Audit().Info("调度请求受理成功",
		slog.String("task_id", t.ID),
		slog.String("requester", t.RequesterID),
		slog.String("specialist", t.Specialist),
		slog.Int("pipeline_len", len(pipeline)),
	)
	receipt := &Receipt{TaskID: t.ID, Status: t.Status, Specialist: t.Specialist}
	if len(pipeline) > 1 {
		receipt.Pipeline = pipeline
	}
	return receipt, nil
}

// resolvePipeline 确定任务的执行流水线。
// 显式指定的专家优先于路由结果；多跳组合意图优先于单跳路由。
func (s *Service) resolvePipeline(req Request) ([]string, error) {
	if explicit := strings.TrimSpace(req.Specialist); explicit != "" {
		if s.registry != nil {
			if _, err := s.registry.Get(explicit); err != nil {
				return nil, err
			}
		}
		return []string{explicit}, nil
	}
	if s.router == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置路由器")
	}
	if hops := s.router.DetectMultiHop(req.Request); len(hops) >= 2 {
		return hops, nil
	}
	return []string{s.router.Route(req.Request)}, nil
}

// Get 返回指定任务的快照。
func (s *Service) Get(ctx context.Context, id string) (*task.Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, task.BuildListOptions(opts))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...task.ListOption) (task.TaskStats, error) {
	if s.store == nil {
		return task.TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, task.BuildListOptions(opts))
}

// Subscribe 订阅单个任务的状态变化。
func (s *Service) Subscribe(id string, fn task.Subscriber) func() {
	if s.store == nil {
		return func() {}
	}
	return s.store.Subscribe(id, fn)
}

// WaitUntilCompleted 在指定超时时间内轮询任务直到进入终态。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*task.Task, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		t, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Status.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// requesterLabel 返回审计消息中标识请求方的名字。
func requesterLabel(t *task.Task) string {
	if t.RequesterID != "" {
		return t.RequesterID
	}
	return "requester"
}
